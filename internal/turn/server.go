package turn

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v4"
	"github.com/rs/zerolog"
)

// Serve starts a long-term-credential TURN server on a single udp4
// listener. The caller owns the returned server and must Close it.
func Serve(logger *zerolog.Logger, cfg *ConfigOptions) (*turn.Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("invalid public IP %q", cfg.PublicIP)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("turn credentials are required")
	}

	udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("could not create udp4 listener: %w", err)
	}
	logger.Info().Str("host", "0.0.0.0").Int("port", cfg.Port).Msg("created udp4 listener")

	// Single static user. Only the derived key is held in memory.
	authKey := turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)

	s, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: adapter(&pionLogger{logger}),
		Realm:         cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username == cfg.Username {
				return authKey, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					// Advertise the public address while binding every
					// local interface.
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
					MinPort:      uint16(cfg.RelayMinPort),
					MaxPort:      uint16(cfg.RelayMaxPort),
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("could not create TURN server: %w", err)
	}
	logger.Info().
		Uint("min_port", cfg.RelayMinPort).
		Uint("max_port", cfg.RelayMaxPort).
		Str("public_ip", cfg.PublicIP).
		Msg("started turn server")

	return s, nil
}
