// Package store is the durable source of truth for balances, charges,
// conversation history and blobs.
//
// Queries are written once with '?' placeholders and rebound for the active
// dialect, so the same code runs against PostgreSQL in production and an
// embedded SQLite database in development and tests.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kelpejol/convoy/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store wraps the database connection pool.
//
// All methods are safe for concurrent use. Every query runs under the
// configured query timeout; transient failures are retried with exponential
// backoff before being surfaced as fault.TransientInfra.
type Store struct {
	db     *sqlx.DB
	driver string
	log    zerolog.Logger

	queryTimeout time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

// Open connects to the database described by cfg and verifies connectivity.
// It does not create the schema; call Migrate for that.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	log := logger.With().Str("component", "store").Logger()
	log.Info().Str("driver", cfg.Driver).Msg("opening durable store")

	db, err := sqlx.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%s open failed: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// A single connection serializes writers and keeps an in-memory
		// database alive for the lifetime of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", cfg.Driver, err)
	}

	s := &Store{
		db:           db,
		driver:       cfg.Driver,
		log:          log,
		queryTimeout: cfg.QueryTimeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = 5 * time.Second
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = 50 * time.Millisecond
	}

	log.Info().Msg("durable store connection established")
	return s, nil
}

// Driver returns the dialect in use.
func (s *Store) Driver() string { return s.driver }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.log.Info().Msg("closing durable store")
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
