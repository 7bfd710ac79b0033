// Package storetest opens migrated in-memory stores for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/store"
)

// New returns an empty, migrated SQLite store that is closed when t ends.
func New(t testing.TB) *store.Store {
	t.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, config.DatabaseConfig{
		Driver:       store.DriverSQLite,
		URL:          ":memory:",
		QueryTimeout: 5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	t.Cleanup(func() { s.Close() })
	return s
}
