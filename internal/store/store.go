// Package store is the Postgres persistence layer: entities, travel cache,
// overrides, proposals, pairings, and the run ledger. All access goes
// through a pgx pool; schema lives in embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver with database/sql for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// Config holds the PostgreSQL connection configuration.
type Config struct {
	Logger        *slog.Logger
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	SSLMode       string
	RunMigrations bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.Database == "" {
		return errors.New("database is required")
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return nil
}

// ConnString renders the pgx connection URL.
func (cfg *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
}

// Store wraps the connection pool. Methods are grouped by table across the
// package's files.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// New connects, pings, and optionally migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	connStr := cfg.ConnString()
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("store: connected to postgres",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	if cfg.RunMigrations {
		if err := Migrate(cfg.Logger, connStr); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{log: cfg.Logger, pool: pool}, nil
}

// NewWithPool wraps an existing pool, used by tests.
func NewWithPool(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Migrate runs all pending migrations against connStr.
func Migrate(log *slog.Logger, connStr string) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	log.Info("store: running postgres migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("store: postgres migrations completed")
	return nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ValidateProject claims the scheduling metadata sentinel on first boot and
// verifies it afterwards. A store initialized by some other deployment
// refuses to serve, so two environments pointed at one database cannot
// trample each other's pairings.
func (s *Store) ValidateProject(ctx context.Context, expected string) error {
	if expected == "" {
		return errors.New("expected project name is required")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduling_meta
		SET project_name = $1, updated_at = now()
		WHERE id = 1 AND (project_name = '' OR project_name = $1)
	`, expected)
	if err != nil {
		return fmt.Errorf("failed to claim project sentinel: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var actual string
	if err := s.pool.QueryRow(ctx, `SELECT project_name FROM scheduling_meta WHERE id = 1`).Scan(&actual); err != nil {
		return fmt.Errorf("failed to read project sentinel: %w", err)
	}
	return fmt.Errorf("%w: store belongs to %q, expected %q", ErrProjectMismatch, actual, expected)
}
