package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the Postgres connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single engine host.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres: url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres: ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres: max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres: max idle conns must be between 0 and max open conns")
	}
	return nil
}

// NewPostgresStore opens and pings a Postgres database through pgx.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(dialectPostgres.driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &SQLStore{db: db, d: dialectPostgres}, nil
}

// Open opens the store selected by driver ("libsql" or "postgres") and
// applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case "", "libsql":
		s, err = NewLibSQLStore(dsn)
	case "postgres", "pgx":
		s, err = NewPostgresStore(ctx, DefaultPostgresConfig(dsn))
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
