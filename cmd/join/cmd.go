package join

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

// Command returns the join command: dial a meeting code or share link as
// the participant.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc mqtt.Client

		mqttConfigOptions   mqttclient.ConfigOptions
		signalConfigOptions signal.ConfigOptions
		webRTCConfigOptions session.WebRTCConfigOptions
		sourceConfigOptions media.SourceConfigOptions
		mediaConstraints    media.Constraints
		statusConfigOptions statusd.ConfigOptions
		target              string
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			loadConfigFlag(),
			joinFlags(&target),
			wire.MQTTFlags(&mqttConfigOptions),
			wire.SignalFlags(&signalConfigOptions),
			wire.WebRTCFlags(&webRTCConfigOptions),
			wire.MediaFlags(&sourceConfigOptions, &mediaConstraints),
			wire.StatusFlags(&statusConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:      "join",
		Usage:     "Join a meeting by code or share link",
		ArgsUsage: "[meeting code or share link]",
		Flags:     flags,
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
			logger = log.With().Str("service", "verimeet").Str("command", "join").Logger()
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
			if target == "" {
				target = c.Args().First()
			}
			err := wire.Run(ctx, wire.Options{
				Role:        session.RoleParticipant,
				Target:      target,
				Source:      sourceConfigOptions,
				Constraints: mediaConstraints,
				Signal:      signalConfigOptions,
				WebRTC:      webRTCConfigOptions,
				Status:      statusConfigOptions,
				Controls:    os.Stdin,
			})
			if err != nil {
				logger.Err(err).Msg("joining failed")
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

func joinFlags(target *string) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "join.target",
			Usage:       "Meeting code or share link to dial at start",
			Value:       "",
			Destination: target,
		}),
	}
}
