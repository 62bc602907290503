package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"brokerdesk/api/internal/app"
	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/session"
	"brokerdesk/api/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and device sync endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	objects, err := openObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	blobs := mirror.New(objects, cfg.MirrorTimeout).WithLogger(logger)

	tokens := auth.NewValidator(cfg.JWTSecret)
	registry := session.NewRegistry(tokens, cfg.HeartbeatTimeout).WithLogger(logger)
	broadcaster := session.NewBroadcaster(registry, 5*time.Second).WithLogger(logger)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		relay, err := session.NewRedisRelay(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer relay.Close()
		relay.WithLogger(logger)
		deliver := func(ctx context.Context, event session.Event) {
			broadcaster.DeliverLocal(ctx, event)
		}
		if err := relay.Start(ctx, deliver); err != nil {
			return err
		}
		broadcaster.WithRelay(relay)
		logger.Info("cross-instance relay enabled", "instance_id", relay.InstanceID())
	}

	service := app.New(cfg, store.NewPostgresStore(db), blobs, broadcaster).WithLogger(logger)
	go registry.Run(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, tokens, registry, cfg.CORSOrigin).WithLogger(logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("brokerdesk api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
