// Package cache is the Redis-backed fast path in front of the durable store.
//
// The layer is split into three independent namespaces (accounts, history,
// blobs), each with its own TTL. Reads are cache-aside. Writes to balances and
// history mutate the cached value in place through a single Lua script per
// key, so hot accounts and conversations never pay a reload after their own
// writes.
//
// Redis is strictly an optimization. Every Redis call runs under a short
// timeout and any failure is logged, counted and answered from the durable
// store instead. A Layer built with a nil client behaves as if the cache were
// permanently unavailable, without logging.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/metrics"
)

// Options tunes the cache namespaces.
type Options struct {
	AccountTTL         time.Duration
	HistoryTTL         time.Duration
	BlobTTL            time.Duration
	HistoryMaxMessages int
	MaxBlobBytes       int64
	OpTimeout          time.Duration
}

// OptionsFromConfig converts the cache section of the configuration.
func OptionsFromConfig(c config.CacheConfig) Options {
	return Options{
		AccountTTL:         c.AccountTTL,
		HistoryTTL:         c.HistoryTTL,
		BlobTTL:            c.BlobTTL,
		HistoryMaxMessages: c.HistoryMaxMessages,
		MaxBlobBytes:       c.MaxBlobBytes,
		OpTimeout:          c.OpTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.AccountTTL <= 0 {
		o.AccountTTL = time.Minute
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 30 * time.Minute
	}
	if o.BlobTTL <= 0 {
		o.BlobTTL = 24 * time.Hour
	}
	if o.HistoryMaxMessages <= 0 {
		o.HistoryMaxMessages = 200
	}
	if o.MaxBlobBytes <= 0 {
		o.MaxBlobBytes = 2 << 20
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 100 * time.Millisecond
	}
}

// Layer owns the Redis client and exposes the three namespaces.
type Layer struct {
	rdb     *redis.Client
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	loads   singleflight.Group

	Accounts *Accounts
	History  *History
	Blobs    *Blobs

	bg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Store is the durable backing the layer falls back to.
type Store interface {
	AccountSource
	HistoryStore
	BlobSource
}

// New builds a Layer over rdb (which may be nil) and st.
func New(rdb *redis.Client, st Store, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Layer {
	opts.setDefaults()
	l := &Layer{
		rdb:     rdb,
		opts:    opts,
		log:     logger.With().Str("component", "cache").Logger(),
		metrics: m,
	}
	l.Accounts = &Accounts{l: l, src: st}
	l.History = &History{l: l, st: st}
	l.Blobs = &Blobs{l: l, src: st}

	if rdb == nil {
		l.log.Warn().Msg("redis not configured, cache disabled")
	}
	return l
}

// NewClient creates a Redis client with short timeouts so that a slow cache
// degrades to the durable store quickly. It returns nil when no address is
// configured.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}

	logger.Info().Str("redis_addr", cfg.Addr).Msg("connecting to redis")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		PoolTimeout:        30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Unreachable at startup is not fatal; calls degrade until it recovers.
		logger.Warn().Err(err).Msg("redis ping failed, starting degraded")
	} else {
		logger.Info().Msg("redis connection established")
	}
	return rdb
}

// Enabled reports whether a Redis client is configured.
func (l *Layer) Enabled() bool { return l.rdb != nil }

// Ping checks Redis reachability. A disabled cache is always healthy.
func (l *Layer) Ping(ctx context.Context) error {
	if l.rdb == nil {
		return nil
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close waits for background prefetches and closes the Redis client.
func (l *Layer) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.bg.Wait()

	if l.rdb == nil {
		return nil
	}
	l.log.Info().Msg("closing redis client")
	return l.rdb.Close()
}

func (l *Layer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opts.OpTimeout)
}

// degraded records a Redis failure. The caller continues against the store.
func (l *Layer) degraded(ns, op, key string, err error) {
	l.metrics.CacheResult(ns, "error")
	l.log.Warn().Err(err).
		Str("namespace", ns).
		Str("op", op).
		Str("key", key).
		Msg("cache unavailable, using durable store")
}

// goBackground runs fn unless the layer is closing.
func (l *Layer) goBackground(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		fn()
	}()
	return true
}
