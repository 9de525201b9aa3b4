// Package store implements the Postgres-backed result/audit store: tasks,
// task_revisions, manifest, workers, tenants, public_keys, secrets and
// evaluation_results. Migrations are embedded in the binary and applied
// automatically on startup via golang-migrate; the repositories query a
// pgx connection pool directly rather than going through an ORM.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open the audit store.
type Config struct {
	DSN            string
	Logger         *zap.Logger
	MaxConns       int32
	MinConns       int32
	MaxConnLifetime time.Duration
}

// Store wraps a pgxpool-backed connection pool plus an *sqlx.DB opened on
// the same DSN: every repository, reads and transactional writes alike,
// queries through the pool; the *sqlx.DB only wraps the *sql.DB the
// migrations run on.
type Store struct {
	Pool   *pgxpool.Pool
	sqlxDB *sqlx.DB
	logger *zap.Logger
}

// New opens the connection pool, applies pending migrations, and returns
// a ready-to-use Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 25
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 5
	}
	poolCfg.MaxConnLifetime = orDefault(cfg.MaxConnLifetime, 30*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	// sqlx opens its own *sql.DB via the pgx stdlib adapter on the same
	// DSN; runMigrations uses that *sql.DB, and no repository queries
	// through sqlx.
	sqlDB := stdlib.OpenDB(*poolCfg.ConnConfig)
	sqlxDB := sqlx.NewDb(sqlDB, "pgx")

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		pool.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrations failed: %w", err)
	}

	return &Store{Pool: pool, sqlxDB: sqlxDB, logger: cfg.Logger.Named("store")}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Ping verifies that the store's connection pool is still alive. Used by
// the gateway's /readyz handler.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close releases both the pgxpool and the sqlx connection.
func (s *Store) Close() {
	s.Pool.Close()
	_ = s.sqlxDB.Close()
}

func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database migrations applied successfully")
	return nil
}
