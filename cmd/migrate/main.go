package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/config"
	"github.com/peagen/peagen/internal/store"
)

// peagen-migrate applies every pending embedded migration and exits —
// store.New already runs them as a side effect of opening a connection
// pool, so this binary exists only so a deploy pipeline can bring the
// schema up to date before the gateway itself starts serving traffic.
func main() {
	var dsn, logLevel string

	root := &cobra.Command{
		Use:   "peagen-migrate",
		Short: "Apply pending Postgres migrations for the peagen gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), dsn, logLevel)
		},
	}

	gwCfg := config.DefaultGateway()
	root.PersistentFlags().StringVar(&dsn, "database-dsn", gwCfg.DatabaseDSN, "Postgres connection string")
	root.PersistentFlags().StringVar(&logLevel, "log-level", gwCfg.LogLevel, "Log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.New(ctx, store.Config{DSN: dsn, Logger: logger})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer st.Close()

	logger.Info("schema is up to date")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if level == "debug" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
