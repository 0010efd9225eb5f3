// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "send a payload to a configured node and print the answer",
	ArgsUsage: "[node] [payload]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return fmt.Errorf("send needs a node and a payload")
		}
		node, payload := cctx.Args().Get(0), cctx.Args().Get(1)

		log, err := newLogger(cctx)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		cfg.Listeners = nil

		d, err := cfg.NewDispatcher(nil, log, nil)
		if err != nil {
			return err
		}
		defer d.Close(context.Background())

		route, err := d.Negotiate(node)
		if err != nil {
			return err
		}
		out := cctx.App.Writer
		fmt.Fprintf(out, "route: %s via %s at %s (%s)\n", route.Node, route.Protocol, route.Address, route.Interpreter) // nolint:errcheck

		v, err := d.Call(cctx.Context, node, payload)
		if err != nil {
			return err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		fmt.Fprintf(out, "%v\n", v) // nolint:errcheck
		return nil
	},
}
