package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/store"
)

// NewRootCommand creates the brokerdesk command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brokerdesk",
		Short:         "BrokerDesk API server and operator tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newBackfillCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	return logger
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}
	return db, nil
}

var errNoObjectStorage = errors.New("S3_ENDPOINT is not set; set MIRROR_MEMORY=true to mirror to process memory for development")

// openObjectStore picks the S3 backend when an endpoint is configured. An
// unreachable endpoint is logged and retried on first use; only bad options
// fail. The in-process store needs an explicit opt-in since its blobs vanish
// on restart while the stored pointers stay.
func openObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (mirror.ObjectStore, error) {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		if !cfg.MirrorMemory {
			return nil, errNoObjectStorage
		}
		logger.Warn("mirroring to process memory; blobs are lost on restart")
		return mirror.NewMemoryStore(), nil
	}
	objects, err := mirror.NewMinioStore(mirror.MinioOptions{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage config: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.MirrorTimeout)
	defer cancel()
	if err := objects.EnsureBucket(checkCtx); err != nil {
		logger.Warn("object storage unreachable, mirror degraded until it recovers", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket, "error", err)
		return objects, nil
	}
	logger.Info("mirroring to object storage", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	return objects, nil
}
