// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luxfi/comm"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "start the configured listeners and echo every inbound payload",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve Prometheus metrics on this address",
		},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Value: 10 * time.Second,
			Usage: "time to drain in-flight sends on shutdown",
		},
	},
	Action: func(cctx *cli.Context) error {
		log, err := newLogger(cctx)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		metrics, err := comm.NewMetrics(registry)
		if err != nil {
			return err
		}

		d, err := cfg.NewDispatcher(comm.Echo, log, metrics)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			return err
		}
		log.Info("serving", zap.Strings("addresses", d.Addresses()))

		var metricsSrv *http.Server
		if addr := cctx.String("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server", zap.Error(err))
				}
			}()
		}

		<-ctx.Done()
		log.Warn("shutdown...")

		sctx, cancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		return d.Close(sctx)
	},
}
