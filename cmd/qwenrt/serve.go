package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qwenrt/internal/api"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "listen address (overrides server.bind_address and server.port)",
		},
		&cli.StringFlag{
			Name:    "models-path",
			Aliases: []string{"path"},
			Usage:   "directory of .bin checkpoints",
		},
		&cli.StringFlag{
			Name:    "model",
			Aliases: []string{"m"},
			Usage:   "default model id or path",
		},
		&cli.BoolFlag{
			Name:  "preload",
			Usage: "load the default model before accepting requests",
		},
		&cli.DurationFlag{
			Name:  "read-header-timeout",
			Usage: "read header timeout",
			Value: 10 * time.Second,
		},
	}
	flags = append(flags, engineFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if cmd.IsSet("models-path") {
				cfg.Models.Directory = cmd.String("models-path")
			}
			if cmd.IsSet("model") {
				cfg.Models.DefaultModel = cmd.String("model")
			}
			if err := applyEngineFlags(cmd, &cfg); err != nil {
				return err
			}
			addr := cfg.Addr()
			if cmd.IsSet("addr") {
				addr = cmd.String("addr")
			}

			registry := api.NewRegistry(api.RegistryConfig{
				ModelsDir:    cfg.Models.Directory,
				DefaultModel: cfg.Models.DefaultModel,
				ContextLen:   cfg.Models.ContextWindow,
				Loader:       inference.SessionLoader{Options: loadOptions(cmd, cfg, log)},
				Logger:       log,
			})
			server := api.NewServer(api.Options{
				Registry:           registry,
				Defaults:           cfg.GenDefaults(),
				CORSOrigins:        cfg.Server.CORSOrigins,
				RequestTimeout:     cfg.RequestTimeout(),
				MaxRequestSize:     cfg.Limits.MaxRequestSize,
				MaxConcurrent:      cfg.Limits.MaxConcurrentRequests,
				RateLimitPerMinute: cfg.Limits.RateLimitPerMinute,
				Logger:             log,
			})
			defer func() {
				if err := server.Close(); err != nil {
					log.Warn("closing models", "error", err)
				}
			}()

			if cmd.Bool("preload") {
				eng, err := registry.Engine("")
				if err != nil {
					return err
				}
				log.Info("preloaded model", "model", eng.Info().ID)
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: cmd.Duration("read-header-timeout"),
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("starting server", "address", addr, "models", cfg.Models.Directory)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}
