// Package batch coalesces bursts of work items per conversation and
// serializes their processing.
//
// Each conversation has a lane holding at most one batch in flight and at most
// one batch accumulating behind it. A new item either joins the accumulating
// batch or opens one with a flush deadline (which later items never extend).
// The accumulating batch flushes on the first of: its deadline, a control item,
// or reaching MaxItems. If the conversation is busy at that moment the batch
// is marked ready and starts the instant the in-flight batch is terminal.
//
// The queue mutex guards only lane bookkeeping. It is never held across a
// processor call or any other I/O.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/metrics"
)

var (
	// ErrTooLateToMerge is returned for a revision whose original item is no
	// longer pending. Resubmit it with WorkItem.AsNew.
	ErrTooLateToMerge = errors.New("too late to merge revision, treat as new")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("batch queue closed")

	// ErrInvalidItem is returned for items without a conversation.
	ErrInvalidItem = errors.New("work item has no conversation")
)

// Options configure coalescing and retries.
type Options struct {
	Window       time.Duration
	MaxItems     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// OptionsFromConfig converts the batch section of the configuration.
func OptionsFromConfig(c config.BatchConfig) Options {
	return Options{
		Window:       c.Window,
		MaxItems:     c.MaxItems,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
	}
}

// Queue is safe for concurrent use.
type Queue struct {
	opts     Options
	proc     Processor
	reporter Reporter
	log      zerolog.Logger
	metrics  *metrics.Metrics

	// ctx is handed to processors. It is only cancelled when Close gives up
	// waiting, never by a control item.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue that hands flushed batches to proc and terminal
// outcomes to reporter (which may be nil).
func NewQueue(opts Options, proc Processor, reporter Reporter, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 20
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if reporter == nil {
		reporter = ReporterFunc(func(Outcome) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:     opts,
		proc:     proc,
		reporter: reporter,
		log:      logger.With().Str("component", "batch").Logger(),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
}

// Submit accepts an item for its conversation.
//
// Content items join the accumulating batch (opening one if needed). A
// revision replaces the parts of its original item in place if that item is
// in a batch that has not started and otherwise fails with ErrTooLateToMerge. A control item
// cancels the in-flight batch, if any, and flushes the accumulating one.
func (q *Queue) Submit(item WorkItem) error {
	if item.ConversationID == "" {
		return ErrInvalidItem
	}
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	ln := q.lanes[item.ConversationID]
	if ln == nil {
		ln = &lane{}
		q.lanes[item.ConversationID] = ln
	}

	switch {
	case item.IsControl():
		q.controlLocked(item.ConversationID, ln, item.Control)

	case item.Revision:
		b, idx := ln.unflushed(item.OriginalID)
		if idx < 0 {
			if ln.idle() {
				delete(q.lanes, item.ConversationID)
			}
			return ErrTooLateToMerge
		}
		orig := &b.Items[idx]
		orig.Parts = item.Parts
		q.log.Debug().
			Str("conversation_id", item.ConversationID).
			Str("batch_id", b.ID).
			Str("item_id", orig.ID).
			Msg("revision merged into pending item")

	default:
		if ln.pending == nil {
			q.openLocked(item.ConversationID, ln, item)
		}
		ln.pending.Items = append(ln.pending.Items, item)
		if len(ln.pending.Items) >= q.opts.MaxItems {
			q.triggerLocked(item.ConversationID, ln, TriggerSize)
		}
	}

	if ln.idle() {
		delete(q.lanes, item.ConversationID)
	}
	return nil
}

// Cancel sends a cancel instruction to a conversation. It reports whether an
// in-flight batch was moved to cancelling.
func (q *Queue) Cancel(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ln := q.lanes[conversationID]
	if ln == nil || q.closed {
		return false
	}
	return q.controlLocked(conversationID, ln, ControlCancel)
}

// IsPending reports whether itemID is in a batch of the conversation that has
// not started processing.
func (q *Queue) IsPending(conversationID, itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ln := q.lanes[conversationID]
	if ln == nil {
		return false
	}
	_, idx := ln.unflushed(itemID)
	return idx >= 0
}

// Snapshot returns copies of the conversation's batches.
func (q *Queue) Snapshot(conversationID string) (LaneSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ln := q.lanes[conversationID]
	if ln == nil {
		return LaneSnapshot{}, false
	}
	snap := LaneSnapshot{
		Current: copyBatch(ln.current),
		Pending: copyBatch(ln.pending),
	}
	for _, b := range ln.ready {
		snap.Ready = append(snap.Ready, copyBatch(b))
	}
	return snap, true
}

// Active returns the number of conversations with a batch in flight or pending.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting items. Accumulating batches are reported as failed
// with ErrClosed. In-flight batches are given until ctx is done to finish;
// after that they are cancelled and their context is cancelled too.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	var dropped []Batch
	for conv, ln := range q.lanes {
		ln.stopTimer()
		for _, b := range ln.ready {
			d := *b
			d.Status = Failed
			dropped = append(dropped, d)
		}
		ln.ready = nil
		if ln.pending != nil {
			b := *ln.pending
			b.Status = Failed
			b.Trigger = TriggerShutdown
			dropped = append(dropped, b)
			ln.pending = nil
		}
		if ln.idle() {
			delete(q.lanes, conv)
		}
	}
	q.mu.Unlock()

	for _, b := range dropped {
		q.log.Warn().
			Str("conversation_id", b.ConversationID).
			Str("batch_id", b.ID).
			Int("items", len(b.Items)).
			Msg("pending batch not processed before shutdown")
		q.metrics.Outcome(Failed.String(), 0)
		q.reporter.Report(Outcome{Batch: b, Status: Failed, Err: ErrClosed})
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	for _, ln := range q.lanes {
		if ln.currentTok != nil {
			ln.currentTok.Cancel()
		}
	}
	q.mu.Unlock()
	q.cancel()
	<-done
	return ctx.Err()
}

func (q *Queue) openLocked(conv string, ln *lane, first WorkItem) {
	now := time.Now()
	b := &Batch{
		ID:             uuid.New().String(),
		ConversationID: conv,
		AccountID:      first.AccountID,
		CreatedAt:      now,
		Deadline:       now.Add(q.opts.Window),
		Status:         Accumulating,
	}
	ln.pending = b

	batchID := b.ID
	ln.pendingTimer = time.AfterFunc(q.opts.Window, func() {
		q.onDeadline(conv, batchID)
	})

	q.log.Debug().
		Str("conversation_id", conv).
		Str("batch_id", b.ID).
		Time("deadline", b.Deadline).
		Msg("batch opened")
}

func (q *Queue) onDeadline(conv, batchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	ln := q.lanes[conv]
	if ln == nil || ln.pending == nil || ln.pending.ID != batchID {
		return
	}
	ln.pendingTimer = nil
	q.triggerLocked(conv, ln, TriggerDeadline)
}

func (q *Queue) controlLocked(conv string, ln *lane, kind ControlKind) bool {
	cancelled := false
	if ln.current != nil && (ln.current.Status == Flushing || ln.current.Status == Processing) {
		if ln.currentTok.Cancel() {
			ln.current.Status = Cancelling
			cancelled = true
			q.log.Info().
				Str("conversation_id", conv).
				Str("batch_id", ln.current.ID).
				Str("control", string(kind)).
				Msg("cancelling in-flight batch")
		}
	}
	if ln.pending != nil {
		q.triggerLocked(conv, ln, TriggerControl)
	}
	return cancelled
}

// triggerLocked seals the accumulating batch. It starts now if the
// conversation is otherwise idle and queues behind the ready batches if not;
// later items open a new batch either way.
func (q *Queue) triggerLocked(conv string, ln *lane, trigger Trigger) {
	b := ln.pending
	if b == nil {
		return
	}
	ln.stopTimer()
	ln.pending = nil
	b.Trigger = trigger

	if ln.current == nil && len(ln.ready) == 0 {
		q.startLocked(conv, ln, b)
		return
	}
	ln.ready = append(ln.ready, b)
	q.log.Debug().
		Str("conversation_id", conv).
		Str("batch_id", b.ID).
		Str("trigger", string(trigger)).
		Int("queued", len(ln.ready)).
		Msg("batch ready, waiting for in-flight batch")
}

func (q *Queue) startLocked(conv string, ln *lane, b *Batch) {
	b.Status = Flushing
	b.FlushedAt = time.Now()
	tok := NewToken()
	ln.current = b
	ln.currentTok = tok

	q.metrics.Flushed(string(b.Trigger))
	q.log.Info().
		Str("conversation_id", conv).
		Str("batch_id", b.ID).
		Str("trigger", string(b.Trigger)).
		Int("items", len(b.Items)).
		Msg("batch flushed")

	q.wg.Add(1)
	go q.run(conv, ln, b, tok)
}

func (q *Queue) run(conv string, ln *lane, b *Batch, tok *Token) {
	defer q.wg.Done()

	start := time.Now()
	backoff := q.opts.RetryBackoff
	logger := q.log.With().
		Str("conversation_id", conv).
		Str("batch_id", b.ID).
		Logger()

	var (
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		q.mu.Lock()
		if b.Status == Flushing {
			b.Status = Processing
		}
		b.Attempt = attempt
		view := *b
		q.mu.Unlock()

		err = q.process(view, tok)
		if err == nil || tok.Cancelled() || !fault.IsTransient(err) || attempt > q.opts.MaxRetries {
			break
		}

		q.metrics.Retried()
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("batch failed transiently, retrying")

		select {
		case <-time.After(backoff):
		case <-tok.Done():
		case <-q.ctx.Done():
		}
		if tok.Cancelled() || q.ctx.Err() != nil {
			break
		}
		backoff *= 2
	}

	status := Completed
	switch {
	case tok.Cancelled():
		status = Cancelled
	case err != nil:
		status = Failed
	default:
		tok.Finish()
	}
	took := time.Since(start)

	q.finish(conv, ln, b, status)

	switch status {
	case Failed:
		logger.Error().Err(err).
			Int("attempts", attempt).
			Dur("duration_ms", took).
			Msg("batch failed")
	default:
		logger.Info().
			Str("status", status.String()).
			Int("attempts", attempt).
			Dur("duration_ms", took).
			Msg("batch finished")
	}

	q.metrics.Outcome(status.String(), took)
	final := *b
	final.Status = status
	q.reporter.Report(Outcome{Batch: final, Status: status, Err: err, Attempts: attempt, Duration: took})
}

// process runs the processor, converting a panic into a failed batch.
func (q *Queue) process(b Batch, tok *Token) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.proc.Process(q.ctx, b, tok)
}

func (q *Queue) finish(conv string, ln *lane, b *Batch, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b.Status = status
	ln.current = nil
	ln.currentTok = nil

	if len(ln.ready) > 0 && !q.closed {
		next := ln.ready[0]
		ln.ready[0] = nil
		ln.ready = ln.ready[1:]
		q.startLocked(conv, ln, next)
		return
	}
	if ln.idle() {
		delete(q.lanes, conv)
	}
}
