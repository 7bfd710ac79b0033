// Package engine wires the inbound normalizer to the batching queue and keeps
// the last outcome of every conversation for status queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/ingest"
	"github.com/kelpejol/convoy/internal/metrics"
)

// maxOutcomes bounds the per-conversation outcome map.
const maxOutcomes = 10_000

// Receipt acknowledges an accepted event.
type Receipt struct {
	ItemID         string `json:"item_id"`
	ConversationID string `json:"conversation_id"`
	// Merged is true when an edit replaced a still-pending item in place.
	Merged  bool `json:"merged"`
	Control bool `json:"control"`
}

// Status describes a conversation for diagnostics.
type Status struct {
	ConversationID string             `json:"conversation_id"`
	Lane           batch.LaneSnapshot `json:"lane"`
	Active         bool               `json:"active"`
	Last           *batch.Outcome     `json:"last,omitempty"`
}

// Engine is safe for concurrent use.
type Engine struct {
	normalizer *ingest.Normalizer
	queue      *batch.Queue
	log        zerolog.Logger

	mu       sync.Mutex
	outcomes map[string]batch.Outcome
}

// New creates an Engine whose queue hands flushed batches to proc. Large
// attachments are warmed through prefetch, which may be nil.
func New(bopts batch.Options, iopts ingest.Options, proc batch.Processor, prefetch ingest.Prefetcher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	e := &Engine{
		log:      logger.With().Str("component", "engine").Logger(),
		outcomes: make(map[string]batch.Outcome),
	}
	e.queue = batch.NewQueue(bopts, proc, batch.ReporterFunc(e.report), m, logger)
	e.normalizer = ingest.NewNormalizer(iopts, e.queue, prefetch, m, logger)
	return e
}

// Ingest normalizes ev and queues it. An edit that arrives after its original
// was flushed is queued as a new item.
func (e *Engine) Ingest(ctx context.Context, ev ingest.RawEvent) (Receipt, error) {
	item, err := e.normalizer.Normalize(ctx, ev)
	switch {
	case errors.Is(err, batch.ErrTooLateToMerge):
		item = item.AsNew()
	case err != nil:
		return Receipt{}, err
	}

	err = e.queue.Submit(item)
	if errors.Is(err, batch.ErrTooLateToMerge) {
		// flushed between the pending check and the submit
		item = item.AsNew()
		err = e.queue.Submit(item)
	}
	if err != nil {
		e.normalizer.Forget(ev)
		return Receipt{}, fmt.Errorf("queue event %s: %w", ev.EventID, err)
	}

	id := item.ID
	if item.Revision {
		id = item.OriginalID
	}
	return Receipt{
		ItemID:         id,
		ConversationID: item.ConversationID,
		Merged:         item.Revision,
		Control:        item.IsControl(),
	}, nil
}

// Cancel cancels the in-flight batch of a conversation and flushes the
// accumulating one. It reports whether a batch was cancelled.
func (e *Engine) Cancel(conversationID string) bool {
	return e.queue.Cancel(conversationID)
}

// Status returns the queue state and last outcome of a conversation.
func (e *Engine) Status(conversationID string) Status {
	st := Status{ConversationID: conversationID}
	st.Lane, st.Active = e.queue.Snapshot(conversationID)

	e.mu.Lock()
	if o, ok := e.outcomes[conversationID]; ok {
		st.Last = &o
	}
	e.mu.Unlock()
	return st
}

// Active returns the number of conversations with queued work.
func (e *Engine) Active() int { return e.queue.Active() }

// Run sweeps the dedup set until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.normalizer.Run(ctx)
	return nil
}

// Close stops the queue. See batch.Queue.Close.
func (e *Engine) Close(ctx context.Context) error {
	return e.queue.Close(ctx)
}

func (e *Engine) report(o batch.Outcome) {
	if o.Status == batch.Failed {
		e.log.Error().Err(o.Err).
			Str("conversation_id", o.Batch.ConversationID).
			Str("batch_id", o.Batch.ID).
			Int("items", len(o.Batch.Items)).
			Int("attempts", o.Attempts).
			Msg("batch failed and will not be retried")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outcomes[o.Batch.ConversationID]; !ok && len(e.outcomes) >= maxOutcomes {
		for k := range e.outcomes {
			delete(e.outcomes, k)
			break
		}
	}
	e.outcomes[o.Batch.ConversationID] = o
}
