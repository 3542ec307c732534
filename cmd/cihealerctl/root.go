package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/spf13/cobra"
)

// keyStore is the part of the record store the keys commands use.
type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// openKeyStore returns a keyStore for databaseURL and a func that releases it.
type openKeyStore func(ctx context.Context, databaseURL string) (keyStore, func(), error)

func postgresKeyStore(ctx context.Context, databaseURL string) (keyStore, func(), error) {
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             databaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    0,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

type rootOptions struct {
	databaseURL string
	open        openKeyStore
}

func (o *rootOptions) url() (string, error) {
	if o.databaseURL == "" {
		return "", fmt.Errorf("database URL is required: set --database-url or DATABASE_URL")
	}
	return o.databaseURL, nil
}

func newRootCmd(open openKeyStore) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "cihealerctl",
		Short: "Operator tasks for the cihealer service",
		Long: `cihealerctl applies database migrations and manages the API keys
that CI systems and reviewers use to call the cihealer API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"Postgres connection URL (defaults to $DATABASE_URL)")

	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newKeysCmd(opts))
	return cmd
}
