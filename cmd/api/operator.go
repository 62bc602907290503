package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"brokerdesk/api/internal/app"
	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}

func newBackfillCommand() *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-mirror records whose blob write never succeeded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := backfillKinds(kind)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			db, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if cfg.S3Endpoint == "" {
				return fmt.Errorf("backfill needs S3_ENDPOINT; the in-memory mirror does not outlive this process")
			}
			objects, err := openObjectStore(ctx, cfg, logger)
			if err != nil {
				return err
			}

			service := app.New(cfg, store.NewPostgresStore(db), mirror.New(objects, cfg.MirrorTimeout).WithLogger(logger), nil).WithLogger(logger)
			reports := make([]app.BackfillReport, 0, len(kinds))
			for _, k := range kinds {
				report, err := service.BackfillMirrors(ctx, k, limit)
				if err != nil {
					return fmt.Errorf("backfill %s: %w", k, err)
				}
				reports = append(reports, report)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(reports)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "record kind to backfill (policy|upload|all)")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum records per kind")
	return cmd
}

func backfillKinds(raw string) ([]store.Kind, error) {
	if raw == "" || raw == "all" {
		return []store.Kind{store.KindPolicy, store.KindUpload}, nil
	}
	kind, ok := store.ParseKind(raw)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q: must be policy, upload or all", raw)
	}
	return []store.Kind{kind}, nil
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		name   string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if rbac.Normalize(role) != rbac.Role(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if name == "" {
				name = userID
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(userID, name, role, ttl))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the user id)")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleAgent), "staff role (viewer|agent|manager|admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
