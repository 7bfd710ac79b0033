// Package sync corrects drift between the durable store and the cached
// balance snapshots.
//
// The store is the source of truth for every balance. Charges made by this
// process update the cache in place, but the cache can still drift:
//  1. Another system (support tooling, payment webhooks) changes a balance in
//     the store directly.
//  2. An in-place update is lost because Redis was briefly unreachable.
//  3. Redis evicts or loses entries.
//
// Cached entries expire after the account TTL, which bounds drift on its own.
// The Syncer shortens that window:
//   - At startup: warm the cache with every account (full sync)
//   - Periodically: refresh accounts updated within the lookback window
//   - On demand: refresh one account, or sample accounts and verify them
//
// Refreshes are version-fenced by the cache layer, so a sync never replaces a
// newer in-place update with an older durable read.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/store"
)

// Source is the durable side.
type Source interface {
	GetAccount(ctx context.Context, id string) (store.Account, error)
	ListAccounts(ctx context.Context, after string, limit int) ([]store.Account, error)
	AccountsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]store.Account, error)
	SampleAccounts(ctx context.Context, n int) ([]store.Account, error)
}

// Snapshots is the cached side.
type Snapshots interface {
	Peek(ctx context.Context, id string) (store.Account, bool)
	Refresh(ctx context.Context, acct store.Account) bool
}

const pageSize = 1000

// Syncer handles store to cache synchronization.
type Syncer struct {
	src     Source
	cache   Snapshots
	cfg     config.SyncConfig
	log     zerolog.Logger
	metrics *metrics.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(src Source, cache Snapshots, cfg config.SyncConfig, m *metrics.Metrics, logger zerolog.Logger) *Syncer {
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 100
	}
	return &Syncer{
		src:     src,
		cache:   cache,
		cfg:     cfg,
		log:     logger.With().Str("component", "syncer").Logger(),
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// InitializeCache loads every account snapshot into the cache. It returns the
// number of accounts written.
func (s *Syncer) InitializeCache(ctx context.Context) (int, error) {
	start := time.Now()
	s.log.Info().Msg("starting full cache initialization from store")

	count := 0
	after := ""
	for {
		page, err := s.src.ListAccounts(ctx, after, pageSize)
		if err != nil {
			return count, fmt.Errorf("failed to list accounts after %q: %w", after, err)
		}
		for _, acct := range page {
			if s.cache.Refresh(ctx, acct) {
				count++
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	s.log.Info().
		Int("account_count", count).
		Dur("duration_ms", time.Since(start)).
		Msg("cache initialization complete")
	return count, nil
}

// StartPeriodicSync refreshes recently updated accounts every interval until
// Stop is called.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().
		Dur("interval", interval).
		Dur("lookback", s.cfg.Lookback).
		Msg("starting periodic sync")

	ticker := time.NewTicker(interval)

	go func() {
		defer close(s.doneCh)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, err := s.SyncRecent(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// SyncRecent refreshes accounts updated within the lookback window and
// returns how many cached snapshots were corrected.
func (s *Syncer) SyncRecent(ctx context.Context) (int, error) {
	start := time.Now()

	accts, err := s.src.AccountsUpdatedSince(ctx, start.Add(-s.cfg.Lookback), 10*pageSize)
	if err != nil {
		return 0, fmt.Errorf("query recently updated accounts: %w", err)
	}

	corrected := 0
	for _, acct := range accts {
		if s.correct(ctx, acct) {
			corrected++
		}
	}
	s.metrics.SyncCorrected(corrected)

	s.log.Debug().
		Int("checked_accounts", len(accts)).
		Int("corrected", corrected).
		Dur("duration_ms", time.Since(start)).
		Msg("incremental sync complete")
	return corrected, nil
}

// SyncAccount refreshes one account's snapshot from the store.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) (store.Account, error) {
	acct, err := s.src.GetAccount(ctx, accountID)
	if err != nil {
		return store.Account{}, err
	}
	if s.correct(ctx, acct) {
		s.metrics.SyncCorrected(1)
	}

	s.log.Info().
		Str("account_id", accountID).
		Str("balance", acct.Balance.String()).
		Int64("version", acct.Version).
		Msg("account snapshot synced")
	return acct, nil
}

// VerifyIntegrity samples accounts and compares cached snapshots with the
// store, correcting any that disagree. A missing entry is not a discrepancy:
// snapshots expire by design. It returns the number of discrepancies found.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	if sampleSize <= 0 {
		sampleSize = s.cfg.SampleSize
	}
	accts, err := s.src.SampleAccounts(ctx, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("sample accounts: %w", err)
	}

	discrepancies := 0
	for _, acct := range accts {
		cached, ok := s.cache.Peek(ctx, acct.ID)
		if !ok || agrees(cached, acct) {
			continue
		}

		s.log.Warn().
			Str("account_id", acct.ID).
			Str("cached_balance", cached.Balance.String()).
			Str("store_balance", acct.Balance.String()).
			Int64("cached_version", cached.Version).
			Int64("store_version", acct.Version).
			Msg("balance mismatch detected")
		discrepancies++

		if cached.Version > acct.Version {
			// A charge landed between the sample and the peek.
			continue
		}
		s.cache.Refresh(ctx, acct)
	}
	s.metrics.SyncCorrected(discrepancies)
	return discrepancies, nil
}

// Stop stops the periodic sync goroutine and waits for it to exit. It must
// only be called after StartPeriodicSync.
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// correct refreshes acct's snapshot and reports whether a cached entry was
// actually stale. Absent entries are populated but not counted.
func (s *Syncer) correct(ctx context.Context, acct store.Account) bool {
	cached, ok := s.cache.Peek(ctx, acct.ID)
	if ok && agrees(cached, acct) {
		return false
	}
	if !s.cache.Refresh(ctx, acct) {
		return false
	}
	if ok {
		s.log.Debug().
			Str("account_id", acct.ID).
			Str("cached_balance", cached.Balance.String()).
			Str("store_balance", acct.Balance.String()).
			Msg("stale snapshot corrected")
	}
	return ok
}

func agrees(cached, durable store.Account) bool {
	return cached.Version == durable.Version && cached.Balance == durable.Balance
}
