package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/verimeet/verimeet/cmd/host"
	"github.com/verimeet/verimeet/cmd/internal/build"
	"github.com/verimeet/verimeet/cmd/join"
	"github.com/verimeet/verimeet/cmd/turn"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "verimeet",
		Usage: "two-party video meetings brokered over an MQTT relay",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mod",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			host.Command(),
			join.Command(),
			turn.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}
