package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
)

// AccountSource loads balances from the durable store.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (store.Account, error)
}

// Accounts is the balance snapshot namespace. Entries are Redis hashes
// {balance, version, as_of} where version is the durable account version the
// snapshot reflects.
type Accounts struct {
	l   *Layer
	src AccountSource
}

// fillAccountScript writes an absolute snapshot unless the cache already holds
// one at least as new. ARGV[5] = "1" also replaces a snapshot of the same
// version (drift correction).
var fillAccountScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur then
    cur = tonumber(cur)
    local v = tonumber(ARGV[2])
    if cur > v or (cur == v and ARGV[5] ~= '1') then
        return 0
    end
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'version', ARGV[2], 'as_of', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// applyAccountScript folds one durable mutation into the cached snapshot.
//   absent             -> populate with the absolute post-mutation balance
//   version == new - 1 -> HINCRBY the delta in place
//   version <  new - 1 -> a mutation was missed; overwrite with the absolute value
//   version >= new     -> already reflected; ignore
// The TTL is only set on populate so that drift from writers outside this
// process is bounded by it.
var applyAccountScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local v = tonumber(ARGV[3])
if not cur then
    redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'version', ARGV[3], 'as_of', ARGV[4])
    redis.call('PEXPIRE', KEYS[1], ARGV[5])
    return 1
end
cur = tonumber(cur)
if cur >= v then
    return 0
end
if cur == v - 1 then
    redis.call('HINCRBY', KEYS[1], 'balance', ARGV[2])
else
    redis.call('HSET', KEYS[1], 'balance', ARGV[1])
end
redis.call('HSET', KEYS[1], 'version', ARGV[3], 'as_of', ARGV[4])
return 2
`)

// Get returns the balance snapshot of id, loading it from the durable store on
// a miss.
func (a *Accounts) Get(ctx context.Context, id string) (store.Account, error) {
	if acct, ok := a.Peek(ctx, id); ok {
		a.l.metrics.CacheResult(nsAccount, "hit")
		return acct, nil
	}

	v, err, _ := a.l.loads.Do(accountKey(id), func() (interface{}, error) {
		acct, err := a.src.GetAccount(ctx, id)
		if err != nil {
			return store.Account{}, err
		}
		a.fill(ctx, acct, false)
		return acct, nil
	})
	if err != nil {
		return store.Account{}, err
	}
	if a.l.rdb != nil {
		a.l.metrics.CacheResult(nsAccount, "miss")
	}
	return v.(store.Account), nil
}

// Peek reads the cached snapshot only. ok is false on a miss or when Redis is
// unavailable.
func (a *Accounts) Peek(ctx context.Context, id string) (store.Account, bool) {
	if a.l.rdb == nil {
		return store.Account{}, false
	}

	key := accountKey(id)
	cctx, cancel := a.l.opCtx(ctx)
	defer cancel()

	fields, err := a.l.rdb.HGetAll(cctx, key).Result()
	if err != nil {
		a.l.degraded(nsAccount, "get", key, err)
		return store.Account{}, false
	}
	if len(fields) == 0 {
		return store.Account{}, false
	}

	acct, err := parseAccount(id, fields)
	if err != nil {
		a.l.log.Warn().Err(err).Str("key", key).Msg("discarding malformed account entry")
		a.Invalidate(ctx, id)
		return store.Account{}, false
	}
	return acct, true
}

// Apply folds a durable balance mutation into the cache in place. acct is the
// post-mutation durable state and delta the signed balance change it made.
func (a *Accounts) Apply(ctx context.Context, acct store.Account, delta money.Amount) {
	if a.l.rdb == nil {
		return
	}

	key := accountKey(acct.ID)
	cctx, cancel := a.l.opCtx(ctx)
	defer cancel()

	res, err := applyAccountScript.Run(cctx, a.l.rdb, []string{key},
		int64(acct.Balance),
		int64(delta),
		acct.Version,
		acct.UpdatedAt.UnixMicro(),
		a.l.opts.AccountTTL.Milliseconds(),
	).Int64()
	if err != nil {
		a.l.degraded(nsAccount, "apply", key, err)
		return
	}

	a.l.metrics.CacheResult(nsAccount, "write")
	a.l.log.Debug().
		Str("account_id", acct.ID).
		Int64("version", acct.Version).
		Int64("outcome", res).
		Msg("account snapshot updated")
}

// Refresh overwrites the cached snapshot with acct when acct is at least as
// new. It is used to correct drift without regressing a newer in-place update.
func (a *Accounts) Refresh(ctx context.Context, acct store.Account) bool {
	return a.fill(ctx, acct, true)
}

// Invalidate drops the cached snapshot of id.
func (a *Accounts) Invalidate(ctx context.Context, id string) {
	if a.l.rdb == nil {
		return
	}
	key := accountKey(id)
	cctx, cancel := a.l.opCtx(ctx)
	defer cancel()
	if err := a.l.rdb.Del(cctx, key).Err(); err != nil {
		a.l.degraded(nsAccount, "invalidate", key, err)
	}
}

func (a *Accounts) fill(ctx context.Context, acct store.Account, allowEqual bool) bool {
	if a.l.rdb == nil {
		return false
	}

	key := accountKey(acct.ID)
	cctx, cancel := a.l.opCtx(ctx)
	defer cancel()

	eq := "0"
	if allowEqual {
		eq = "1"
	}
	n, err := fillAccountScript.Run(cctx, a.l.rdb, []string{key},
		int64(acct.Balance),
		acct.Version,
		acct.UpdatedAt.UnixMicro(),
		a.l.opts.AccountTTL.Milliseconds(),
		eq,
	).Int64()
	if err != nil {
		a.l.degraded(nsAccount, "fill", key, err)
		return false
	}
	return n == 1
}

func parseAccount(id string, fields map[string]string) (store.Account, error) {
	bal, err := strconv.ParseInt(fields["balance"], 10, 64)
	if err != nil {
		return store.Account{}, errors.New("bad balance field")
	}
	ver, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return store.Account{}, errors.New("bad version field")
	}
	asOf, err := strconv.ParseInt(fields["as_of"], 10, 64)
	if err != nil {
		return store.Account{}, errors.New("bad as_of field")
	}
	return store.Account{
		ID:        id,
		Balance:   money.Amount(bal),
		Version:   ver,
		UpdatedAt: time.UnixMicro(asOf).UTC(),
	}, nil
}
