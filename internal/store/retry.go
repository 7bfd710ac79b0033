package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kelpejol/convoy/internal/fault"
)

// withRetry runs fn under the query timeout, retrying transient failures with
// exponential backoff. fn must be idempotent.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.retryBackoff
	attempts := s.maxRetries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		err = fn(qctx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}

		if attempt < attempts {
			s.log.Warn().Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("store operation failed, retrying")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	s.log.Error().Err(err).
		Str("op", op).
		Int("attempts", attempts).
		Msg("store operation failed after all retries")
	return fault.Transient("store."+op, err)
}

// isTransient reports whether a driver error is worth retrying: timeouts,
// dropped connections, serialization failures and lock contention.
func isTransient(err error) bool {
	if fault.IsTransient(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return true
		}
		return pqErr.Code.Class() == "08"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
