// Package build exposes the version metadata stamped into the verimeet
// binary through -ldflags, and the info subcommand printing it.
package build

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Set by the linker at release time; empty in a plain go build.
var (
	Branch    string
	Version   string
	Revision  string
	BuildUser string
	BuildDate string
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "info displays build information of this binary",
		Action: func(c *cli.Context) error {
			fmt.Printf(`Branch:		%s
Version:	%s
Revision:	%s
BuildUser:	%s
BuildDate:	%s`, Branch, Version, Revision, BuildUser, BuildDate)
			return nil
		},
	}
}
