// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luxfi/comm"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err) // nolint:errcheck
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "comm",
		Usage: "Dispatch messages to named nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				EnvVars: []string{"COMM_CONFIG"},
				Value:   "comm.toml",
				Usage:   "TOML configuration file",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				EnvVars: []string{"COMM_DEBUG"},
				Usage:   "development logging at debug level",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			sendCmd,
			protocolsCmd,
		},
	}
}

func newLogger(cctx *cli.Context) (*zap.Logger, error) {
	if cctx.Bool(flagDebug) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(cctx *cli.Context) (comm.FileConfig, error) {
	return comm.LoadConfig(cctx.String(flagConfig))
}

var protocolsCmd = &cli.Command{
	Name:  "protocols",
	Usage: "list the protocols of this build",
	Action: func(cctx *cli.Context) error {
		for _, p := range comm.AvailableTransports() {
			fmt.Fprintln(cctx.App.Writer, p) // nolint:errcheck
		}
		return nil
	},
}
