package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects processed batches and terminal outcomes.
type recorder struct {
	mu       sync.Mutex
	batches  []Batch
	outcomes chan Outcome
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(chan Outcome, 64)}
}

func (r *recorder) Report(o Outcome) { r.outcomes <- o }

func (r *recorder) seen(b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
}

func (r *recorder) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch outcome")
		return Outcome{}
	}
}

func newTestQueue(t *testing.T, opts Options, proc ProcessorFunc, rec *recorder) *Queue {
	t.Helper()
	wrapped := ProcessorFunc(func(ctx context.Context, b Batch, tok *Token) error {
		rec.seen(b)
		return proc(ctx, b, tok)
	})
	q := NewQueue(opts, wrapped, rec, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, q.Close(ctx))
	})
	return q
}

func ok(context.Context, Batch, *Token) error { return nil }

func item(conv, id string) WorkItem {
	return WorkItem{
		ID:             id,
		ConversationID: conv,
		AccountID:      "acct-1",
		SenderID:       "user-1",
		Parts:          []Part{{Kind: PartText, Text: "text of " + id}},
	}
}

func ids(items []WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestQueue_CoalescesBurstInArrivalOrder(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: 100 * time.Millisecond, MaxItems: 50}, ok, rec)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Submit(item("c1", fmt.Sprintf("w%d", i))))
	}

	o := rec.next(t)
	assert.Equal(t, Completed, o.Status)
	assert.Equal(t, TriggerDeadline, o.Batch.Trigger)
	if diff := cmp.Diff([]string{"w1", "w2", "w3", "w4", "w5"}, ids(o.Batch.Items)); diff != "" {
		t.Errorf("batch items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100*time.Millisecond, o.Batch.Deadline.Sub(o.Batch.CreatedAt))
	assert.False(t, o.Batch.FlushedAt.Before(o.Batch.Deadline))

	assert.Eventually(t, func() bool { return q.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_DeadlineIsNotExtended(t *testing.T) {
	rec := newRecorder()
	window := 150 * time.Millisecond
	q := newTestQueue(t, Options{Window: window, MaxItems: 50}, ok, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, q.Submit(item("c1", "w2")))

	o := rec.next(t)
	assert.Equal(t, []string{"w1", "w2"}, ids(o.Batch.Items))
	assert.Less(t, o.Batch.FlushedAt.Sub(o.Batch.CreatedAt), window+90*time.Millisecond,
		"second item must not push the flush out by a full window")
}

func TestQueue_ItemAfterDeadlineStartsNewBatch(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: 50 * time.Millisecond, MaxItems: 50}, ok, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	first := rec.next(t)

	require.NoError(t, q.Submit(item("c1", "w2")))
	second := rec.next(t)

	assert.Equal(t, []string{"w1"}, ids(first.Batch.Items))
	assert.Equal(t, []string{"w2"}, ids(second.Batch.Items))
	assert.NotEqual(t, first.Batch.ID, second.Batch.ID)
}

func TestQueue_SizeCapFlushesImmediately(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 3}, ok, rec)

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Submit(item("c1", fmt.Sprintf("w%d", i))))
	}

	o := rec.next(t)
	assert.Equal(t, TriggerSize, o.Batch.Trigger)
	assert.Len(t, o.Batch.Items, 3)
}

func TestQueue_ControlItemFlushes(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 50}, ok, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	require.NoError(t, q.Submit(WorkItem{ConversationID: "c1", ID: "ctl", Control: ControlStop}))

	o := rec.next(t)
	assert.Equal(t, TriggerControl, o.Batch.Trigger)
	assert.Equal(t, []string{"w1"}, ids(o.Batch.Items), "control items are not content")
}

func TestQueue_SerializesPerConversation(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	var running, maxRunning atomic.Int32

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return nil
	}
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1}, proc, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	assert.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	// arrives while busy: becomes the next batch and waits
	require.NoError(t, q.Submit(item("c1", "w2")))
	snap, found := q.Snapshot("c1")
	require.True(t, found)
	require.NotNil(t, snap.Current)
	require.Len(t, snap.Ready, 1)
	assert.Nil(t, snap.Pending)
	assert.Equal(t, Processing, snap.Current.Status)
	assert.Equal(t, []string{"w2"}, ids(snap.Ready[0].Items))

	// other conversations are unaffected
	require.NoError(t, q.Submit(item("c2", "x1")))
	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	got := map[string][]string{}
	for i := 0; i < 3; i++ {
		o := rec.next(t)
		got[o.Batch.ConversationID] = append(got[o.Batch.ConversationID], ids(o.Batch.Items)...)
	}
	assert.Equal(t, []string{"w1", "w2"}, got["c1"])
	assert.Equal(t, []string{"x1"}, got["c2"])
	assert.Equal(t, int32(2), maxRunning.Load(), "one per conversation, two conversations")
}

func TestQueue_BusyLaneSealsBatchesAtSizeCap(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	var calls atomic.Int32

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 2}, proc, rec)

	require.NoError(t, q.Submit(item("c1", "a")))
	require.NoError(t, q.Submit(item("c1", "b")))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"c", "d", "e", "f", "g"} {
		require.NoError(t, q.Submit(item("c1", id)))
	}

	snap, found := q.Snapshot("c1")
	require.True(t, found)
	require.Len(t, snap.Ready, 2)
	assert.Equal(t, []string{"c", "d"}, ids(snap.Ready[0].Items))
	assert.Equal(t, []string{"e", "f"}, ids(snap.Ready[1].Items))
	require.NotNil(t, snap.Pending)
	assert.Equal(t, []string{"g"}, ids(snap.Pending.Items))

	close(release)
	var got []string
	for i := 0; i < 3; i++ {
		o := rec.next(t)
		assert.Equal(t, Completed, o.Status)
		assert.Equal(t, TriggerSize, o.Batch.Trigger)
		assert.LessOrEqual(t, len(o.Batch.Items), 2)
		got = append(got, ids(o.Batch.Items)...)
	}

	require.NoError(t, q.Submit(WorkItem{ConversationID: "c1", ID: "flush", Control: ControlStop}))
	last := rec.next(t)
	assert.Equal(t, TriggerControl, last.Batch.Trigger)
	got = append(got, ids(last.Batch.Items)...)

	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e", "f", "g"}, got); diff != "" {
		t.Errorf("processed items mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_ItemAfterBusyDeadlineStartsNewBatch(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	var calls atomic.Int32

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}
	q := newTestQueue(t, Options{Window: 50 * time.Millisecond, MaxItems: 50}, proc, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// w2's deadline passes while w1 is still processing
	require.NoError(t, q.Submit(item("c1", "w2")))
	assert.Eventually(t, func() bool {
		snap, _ := q.Snapshot("c1")
		return len(snap.Ready) == 1 && snap.Pending == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Submit(item("c1", "w3")))
	snap, found := q.Snapshot("c1")
	require.True(t, found)
	require.Len(t, snap.Ready, 1)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, []string{"w2"}, ids(snap.Ready[0].Items))
	assert.Equal(t, []string{"w3"}, ids(snap.Pending.Items))
	assert.NotEqual(t, snap.Ready[0].ID, snap.Pending.ID)

	// a sealed batch that has not started still takes revisions
	assert.True(t, q.IsPending("c1", "w2"))
	require.NoError(t, q.Submit(WorkItem{
		ID:             "e2",
		ConversationID: "c1",
		Revision:       true,
		OriginalID:     "w2",
		Parts:          []Part{{Kind: PartText, Text: "edited"}},
	}))

	close(release)
	first := rec.next(t)
	second := rec.next(t)
	third := rec.next(t)
	assert.Equal(t, []string{"w1"}, ids(first.Batch.Items))
	assert.Equal(t, []string{"w2"}, ids(second.Batch.Items))
	assert.Equal(t, TriggerDeadline, second.Batch.Trigger)
	assert.Equal(t, "edited", second.Batch.Items[0].Text())
	assert.Equal(t, []string{"w3"}, ids(third.Batch.Items))
}

func TestQueue_CancelInFlight(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{})

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		close(started)
		for !tok.Cancelled() {
			select {
			case <-tok.Done():
			case <-time.After(5 * time.Millisecond):
			}
		}
		return nil
	}
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1}, proc, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	<-started

	assert.True(t, q.Cancel("c1"))
	assert.False(t, q.Cancel("c1"), "second cancel collapses into the first")

	o := rec.next(t)
	assert.Equal(t, Cancelled, o.Status)
	assert.NoError(t, o.Err)
}

func TestQueue_CancelControlItemStartsNextBatchAfterTeardown(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		if calls.Add(1) == 1 {
			<-tok.Done()
		}
		return nil
	}
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1}, proc, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Submit(WorkItem{ConversationID: "c1", ID: "stop", Control: ControlCancel}))
	require.NoError(t, q.Submit(item("c1", "w2")))

	first := rec.next(t)
	second := rec.next(t)
	assert.Equal(t, Cancelled, first.Status)
	assert.Equal(t, Completed, second.Status)
	assert.Equal(t, []string{"w2"}, ids(second.Batch.Items))
}

func TestQueue_RevisionMergesInPlace(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 50}, ok, rec)

	require.NoError(t, q.Submit(item("c1", "w1")))
	require.NoError(t, q.Submit(item("c1", "w2")))
	assert.True(t, q.IsPending("c1", "w1"))

	rev := WorkItem{
		ID:             "e1",
		ConversationID: "c1",
		Revision:       true,
		OriginalID:     "w1",
		Parts:          []Part{{Kind: PartText, Text: "edited"}},
	}
	require.NoError(t, q.Submit(rev))
	require.NoError(t, q.Submit(WorkItem{ConversationID: "c1", ID: "flush", Control: ControlStop}))

	o := rec.next(t)
	require.Len(t, o.Batch.Items, 2)
	assert.Equal(t, "w1", o.Batch.Items[0].ID, "position and identity kept")
	assert.Equal(t, "edited", o.Batch.Items[0].Text())

	// the original has been flushed; the edit is too late now
	err := q.Submit(rev)
	assert.ErrorIs(t, err, ErrTooLateToMerge)
	assert.False(t, q.IsPending("c1", "w1"))

	require.NoError(t, q.Submit(rev.AsNew()))
	assert.True(t, q.IsPending("c1", "e1"))
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	rec := newRecorder()
	var units []string
	var mu sync.Mutex

	proc := func(ctx context.Context, b Batch, tok *Token) error {
		mu.Lock()
		units = append(units, b.UnitID())
		n := len(units)
		mu.Unlock()
		if n < 3 {
			return fault.Transient("store.apply_charge", errors.New("connection reset"))
		}
		return nil
	}
	m := metrics.New(prometheus.NewRegistry())
	q := NewQueue(Options{Window: time.Hour, MaxItems: 1, MaxRetries: 3, RetryBackoff: time.Millisecond}, ProcessorFunc(proc), rec, m, zerolog.Nop())
	defer q.Close(context.Background())

	require.NoError(t, q.Submit(item("c1", "w1")))

	o := rec.next(t)
	assert.Equal(t, Completed, o.Status)
	assert.Equal(t, 3, o.Attempts)
	mu.Lock()
	assert.Equal(t, []string{o.Batch.ID + "-1", o.Batch.ID + "-2", o.Batch.ID + "-3"}, units)
	mu.Unlock()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchRetries))
}

func TestQueue_FailureIsReported(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		rec := newRecorder()
		var calls atomic.Int32
		proc := func(context.Context, Batch, *Token) error {
			calls.Add(1)
			return fault.Transient("store.get_account", context.DeadlineExceeded)
		}
		q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1, MaxRetries: 2, RetryBackoff: time.Millisecond}, proc, rec)

		require.NoError(t, q.Submit(item("c1", "w1")))

		o := rec.next(t)
		assert.Equal(t, Failed, o.Status)
		assert.Equal(t, 3, o.Attempts)
		assert.Equal(t, int32(3), calls.Load())
		assert.True(t, fault.IsTransient(o.Err))
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		rec := newRecorder()
		var calls atomic.Int32
		proc := func(context.Context, Batch, *Token) error {
			calls.Add(1)
			return fault.UpstreamErr("generation", errors.New("model overloaded"))
		}
		q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1, MaxRetries: 5, RetryBackoff: time.Millisecond}, proc, rec)

		require.NoError(t, q.Submit(item("c1", "w1")))

		o := rec.next(t)
		assert.Equal(t, Failed, o.Status)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("panic", func(t *testing.T) {
		rec := newRecorder()
		proc := func(context.Context, Batch, *Token) error { panic("boom") }
		q := newTestQueue(t, Options{Window: time.Hour, MaxItems: 1}, proc, rec)

		require.NoError(t, q.Submit(item("c1", "w1")))
		o := rec.next(t)
		assert.Equal(t, Failed, o.Status)
		assert.Contains(t, o.Err.Error(), "boom")
	})
}

func TestQueue_CloseReportsPendingBatches(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(Options{Window: time.Hour, MaxItems: 50}, ProcessorFunc(ok), rec, nil, zerolog.Nop())

	require.NoError(t, q.Submit(item("c1", "w1")))
	require.NoError(t, q.Close(context.Background()))

	o := rec.next(t)
	assert.Equal(t, Failed, o.Status)
	assert.ErrorIs(t, o.Err, ErrClosed)
	assert.Equal(t, []string{"w1"}, ids(o.Batch.Items))

	assert.ErrorIs(t, q.Submit(item("c1", "w2")), ErrClosed)
}

func TestQueue_CloseCancelsStuckProcessors(t *testing.T) {
	rec := newRecorder()
	proc := func(ctx context.Context, b Batch, tok *Token) error {
		select {
		case <-tok.Done():
		case <-ctx.Done():
		}
		return nil
	}
	q := NewQueue(Options{Window: time.Hour, MaxItems: 1}, ProcessorFunc(proc), rec, nil, zerolog.Nop())
	require.NoError(t, q.Submit(item("c1", "w1")))
	assert.Eventually(t, func() bool {
		snap, ok := q.Snapshot("c1")
		return ok && snap.Current != nil && snap.Current.Status == Processing
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	o := rec.next(t)
	assert.Equal(t, Cancelled, o.Status)
}

func TestQueue_RejectsInvalidItems(t *testing.T) {
	rec := newRecorder()
	q := newTestQueue(t, Options{Window: time.Hour}, ok, rec)
	assert.ErrorIs(t, q.Submit(WorkItem{ID: "x"}), ErrInvalidItem)
	assert.ErrorIs(t, q.Submit(WorkItem{ConversationID: "c", Revision: true, OriginalID: "nope"}), ErrTooLateToMerge)
	assert.Zero(t, q.Active())
}

func TestToken(t *testing.T) {
	t.Run("finish wins", func(t *testing.T) {
		tok := NewToken()
		assert.True(t, tok.Finish())
		assert.False(t, tok.Cancel())
		assert.False(t, tok.Cancelled())
	})
	t.Run("cancel wins", func(t *testing.T) {
		tok := NewToken()
		assert.True(t, tok.Cancel())
		assert.False(t, tok.Finish())
		assert.False(t, tok.Cancel())
		assert.True(t, tok.Cancelled())
		select {
		case <-tok.Done():
		default:
			t.Fatal("done channel not closed")
		}
	})
}
