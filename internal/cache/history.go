package cache

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/kelpejol/convoy/internal/store"
)

// HistoryStore is the durable conversation log.
type HistoryStore interface {
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// History is the conversation history namespace: a Redis list of encoded
// messages plus a marker holding the sequence number of the newest one.
type History struct {
	l  *Layer
	st HistoryStore
}

// appendHistoryScript appends message ARGV[1] in place when it directly follows
// the cached tail. Anything else drops the list and advances the marker so
// that an in-flight fill of older history cannot land afterwards.
var appendHistoryScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur >= n then
    return 0
end
if cur == n - 1 and redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('RPUSH', KEYS[1], ARGV[2])
    redis.call('LTRIM', KEYS[1], -tonumber(ARGV[3]), -1)
    local ttl = redis.call('PTTL', KEYS[2])
    redis.call('SET', KEYS[2], ARGV[1])
    if ttl > 0 then
        redis.call('PEXPIRE', KEYS[2], ttl)
    end
    return 1
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
return 2
`)

// fillHistoryScript installs a freshly loaded tail ending at seq ARGV[1] unless
// the marker shows a newer append already happened.
var fillHistoryScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur > tonumber(ARGV[1]) then
    return 0
end
redis.call('DEL', KEYS[1])
for i = 3, #ARGV do
    redis.call('RPUSH', KEYS[1], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Recent returns up to HistoryMaxMessages of the newest messages in ascending
// order.
func (h *History) Recent(ctx context.Context, conversationID string) ([]store.Message, error) {
	if msgs, ok := h.peek(ctx, conversationID); ok {
		h.l.metrics.CacheResult(nsHistory, "hit")
		return msgs, nil
	}

	v, err, _ := h.l.loads.Do(historyKey(conversationID), func() (interface{}, error) {
		msgs, err := h.st.RecentMessages(ctx, conversationID, h.l.opts.HistoryMaxMessages)
		if err != nil {
			return nil, err
		}
		h.fill(ctx, conversationID, msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	if h.l.rdb != nil {
		h.l.metrics.CacheResult(nsHistory, "miss")
	}
	return v.([]store.Message), nil
}

// Append stores m durably, then extends the cached history in place.
func (h *History) Append(ctx context.Context, m store.Message) (store.Message, error) {
	stored, err := h.st.AppendMessage(ctx, m)
	if err != nil {
		return store.Message{}, err
	}
	if h.l.rdb == nil {
		return stored, nil
	}

	key := historyKey(stored.ConversationID)
	item, err := marshal(stored)
	if err != nil {
		h.l.log.Error().Err(err).Str("message_id", stored.ID).Msg("encode message for cache failed")
		h.Invalidate(ctx, stored.ConversationID)
		return stored, nil
	}

	cctx, cancel := h.l.opCtx(ctx)
	defer cancel()
	_, err = appendHistoryScript.Run(cctx, h.l.rdb,
		[]string{key, historySeqKey(stored.ConversationID)},
		stored.Seq,
		item,
		h.l.opts.HistoryMaxMessages,
		h.l.opts.HistoryTTL.Milliseconds(),
	).Result()
	if err != nil {
		h.l.degraded(nsHistory, "append", key, err)
		return stored, nil
	}

	h.l.metrics.CacheResult(nsHistory, "write")
	return stored, nil
}

// Invalidate drops the cached history of a conversation.
func (h *History) Invalidate(ctx context.Context, conversationID string) {
	if h.l.rdb == nil {
		return
	}
	key := historyKey(conversationID)
	cctx, cancel := h.l.opCtx(ctx)
	defer cancel()
	if err := h.l.rdb.Del(cctx, key, historySeqKey(conversationID)).Err(); err != nil {
		h.l.degraded(nsHistory, "invalidate", key, err)
	}
}

func (h *History) peek(ctx context.Context, conversationID string) ([]store.Message, bool) {
	if h.l.rdb == nil {
		return nil, false
	}

	key := historyKey(conversationID)
	cctx, cancel := h.l.opCtx(ctx)
	defer cancel()

	items, err := h.l.rdb.LRange(cctx, key, 0, -1).Result()
	if err != nil {
		h.l.degraded(nsHistory, "get", key, err)
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}

	msgs := make([]store.Message, len(items))
	for i, item := range items {
		if err := unmarshal([]byte(item), &msgs[i]); err != nil {
			h.l.log.Warn().Err(err).Str("key", key).Msg("discarding malformed history entry")
			h.Invalidate(ctx, conversationID)
			return nil, false
		}
	}
	return msgs, true
}

func (h *History) fill(ctx context.Context, conversationID string, msgs []store.Message) {
	if h.l.rdb == nil || len(msgs) == 0 {
		return
	}

	key := historyKey(conversationID)
	args := make([]interface{}, 0, len(msgs)+2)
	args = append(args, msgs[len(msgs)-1].Seq, h.l.opts.HistoryTTL.Milliseconds())
	for _, m := range msgs {
		item, err := marshal(m)
		if err != nil {
			h.l.log.Error().Err(err).Str("message_id", m.ID).Msg("encode message for cache failed")
			return
		}
		args = append(args, item)
	}

	cctx, cancel := h.l.opCtx(ctx)
	defer cancel()
	if err := fillHistoryScript.Run(cctx, h.l.rdb, []string{key, historySeqKey(conversationID)}, args...).Err(); err != nil {
		h.l.degraded(nsHistory, "fill", key, err)
	}
}
