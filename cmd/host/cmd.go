package host

import (
	"context"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	"github.com/verimeet/verimeet/cmd/internal/wire"
	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/session"
	"github.com/verimeet/verimeet/internal/signal"
	"github.com/verimeet/verimeet/internal/statusd"
	"github.com/verimeet/verimeet/pkg/mqttclient"
)

const configFlagName = "config"

// Command returns the host command: mint a meeting code, claim it on the
// relay and wait for one participant.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc mqtt.Client

		mqttConfigOptions    mqttclient.ConfigOptions
		signalConfigOptions  signal.ConfigOptions
		webRTCConfigOptions  session.WebRTCConfigOptions
		sourceConfigOptions  media.SourceConfigOptions
		mediaConstraints     media.Constraints
		statusConfigOptions  statusd.ConfigOptions
		anomalyConfigOptions wire.AnomalyConfigOptions
		shareBase            string
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			loadConfigFlag(),
			hostFlags(&shareBase),
			wire.MQTTFlags(&mqttConfigOptions),
			wire.SignalFlags(&signalConfigOptions),
			wire.WebRTCFlags(&webRTCConfigOptions),
			wire.MediaFlags(&sourceConfigOptions, &mediaConstraints),
			wire.StatusFlags(&statusConfigOptions),
			wire.AnomalyFlags(&anomalyConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "host",
		Usage: "Host a meeting and wait for a participant to join",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			// Set up logger.
			debug := c.Bool("debug")
			logging.Debug(debug)
			logger = log.With().Str("service", "verimeet").Str("command", "host").Logger()
			ctx = logger.WithContext(ctx)

			// Initializes MQTT client.
			mc = mqttclient.NewClient(ctx, mqttConfigOptions)
			if err := mqttclient.CheckConnectivity(mc, 3*time.Second); err != nil {
				return err
			}
			ctx = mqttclient.WithContext(ctx, mc)
			return nil
		},
		Action: func(c *cli.Context) error {
			err := wire.Run(ctx, wire.Options{
				Role:        session.RoleHost,
				ShareBase:   shareBase,
				Source:      sourceConfigOptions,
				Constraints: mediaConstraints,
				Signal:      signalConfigOptions,
				WebRTC:      webRTCConfigOptions,
				Status:      statusConfigOptions,
				Anomaly:     anomalyConfigOptions,
				Controls:    os.Stdin,
			})
			if err != nil {
				logger.Err(err).Msg("hosting failed")
			}
			return err
		},
		After: func(c *cli.Context) error {
			logger.Info().Msg("exits")
			return nil
		},
	}
}

// loadConfigFlag sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func loadConfigFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        configFlagName,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}

func hostFlags(shareBase *string) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "host.share_base",
			Usage:       "Base address the share link is built on",
			Value:       "http://localhost:8943/",
			DefaultText: "http://localhost:8943/",
			Destination: shareBase,
		}),
	}
}
