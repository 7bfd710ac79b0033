package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/cache"
	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/dispatch"
	"github.com/kelpejol/convoy/internal/estimate"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/generation/generationtest"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
	"github.com/kelpejol/convoy/internal/store/storetest"
	"github.com/kelpejol/convoy/internal/tools"
)

var pricing = money.Pricing{InputPerMTok: money.MustParse("3"), OutputPerMTok: money.MustParse("15")}

type fixture struct {
	store   *store.Store
	layer   *cache.Layer
	ledger  *ledger.Ledger
	runner  *tools.Runner
	metrics *metrics.Metrics
	calls   int
}

func setup(t *testing.T, opening string) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := storetest.New(t)
	_, err = st.CreateAccount(context.Background(), "acct-1", money.MustParse(opening))
	require.NoError(t, err)

	layer := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), st, cache.Options{
		AccountTTL: time.Minute,
		HistoryTTL: time.Minute,
		OpTimeout:  200 * time.Millisecond,
	}, nil, zerolog.Nop())
	t.Cleanup(func() { layer.Close() })

	f := &fixture{store: st, layer: layer, metrics: metrics.New(prometheus.NewRegistry())}
	f.ledger = ledger.New(st, layer.Accounts, nil, zerolog.Nop())

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Func{
		Name: "render",
		Cost: money.MustParse("0.015"),
		Fn: func(_ context.Context, args map[string]any) tools.Result {
			f.calls++
			return tools.Success{Output: map[string]any{"url": "https://example.invalid/r.png"}, Billed: money.MustParse("0.015")}
		},
	}))
	f.runner = tools.NewRunner(reg, f.ledger, config.ToolsConfig{Timeout: time.Second}, nil, zerolog.Nop())
	return f
}

func (f *fixture) dispatcher(gen generation.Generator) *dispatch.Dispatcher {
	return f.dispatcherWith(gen, f.ledger)
}

func (f *fixture) dispatcherWith(gen generation.Generator, l dispatch.Ledger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Options{
		Model:    "test-model",
		Pricing:  pricing,
		MaxSteps: 4,
		Timeout:  time.Second,
	}, gen, f.layer.History, f.layer.Blobs, l, f.runner, estimate.New(4), f.metrics, zerolog.Nop())
}

// brokenCharges admits normally but cannot record charges.
type brokenCharges struct {
	*ledger.Ledger
}

func (brokenCharges) Charge(context.Context, ledger.ChargeRequest) (ledger.ChargeResult, error) {
	return ledger.ChargeResult{}, fault.Transient("store.charge", errors.New("connection reset"))
}

func testBatch(texts ...string) batch.Batch {
	b := batch.Batch{ID: "b1", ConversationID: "conv-1", AccountID: "acct-1", Attempt: 1}
	for i, text := range texts {
		b.Items = append(b.Items, batch.WorkItem{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "conv-1",
			AccountID:      "acct-1",
			SenderID:       "user-1",
			Parts:          []batch.Part{{Kind: batch.PartText, Text: text}},
			ArrivedAt:      time.Now(),
		})
	}
	return b
}

func chargesByKind(t *testing.T, st *store.Store) map[store.ChargeKind][]store.Charge {
	t.Helper()
	charges, err := st.ListCharges(context.Background(), "acct-1", 100)
	require.NoError(t, err)
	out := map[store.ChargeKind][]store.Charge{}
	for _, c := range charges {
		out[c.Kind] = append(out[c.Kind], c)
	}
	return out
}

func TestProcess_ChargesReportedUsageOnce(t *testing.T) {
	f := setup(t, "1.00")
	gen := generationtest.New(generationtest.Step{
		Events: []generation.Event{generationtest.Text("Hello "), generationtest.Text("there")},
		Usage:  generation.Usage{InputTokens: 1000, OutputTokens: 200, ReasoningTokens: 100},
	})
	b := testBatch("hi", "how are you?")
	tok := batch.NewToken()

	require.NoError(t, f.dispatcher(gen).Process(context.Background(), b, tok))
	assert.False(t, tok.Cancel(), "the unit finished before anyone cancelled")

	charges := chargesByKind(t, f.store)
	require.Len(t, charges[store.KindGeneration], 1)
	gc := charges[store.KindGeneration][0]
	assert.Equal(t, "gen:b1-1", gc.OperationID)
	assert.Equal(t, money.MustParse("0.0075"), gc.Amount)

	msgs, err := f.store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "how are you?", msgs[1].Content)
	assert.Equal(t, store.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hello there", msgs[2].Content)

	req := gen.Requests()[0]
	assert.Equal(t, "b1-1", req.UnitID)
	require.Len(t, req.Turns, 2)
	assert.Equal(t, "how are you?", req.Turns[1].Text)
}

func TestProcess_RetryDoesNotDuplicate(t *testing.T) {
	f := setup(t, "1.00")
	step := generationtest.Step{
		Events: []generation.Event{generationtest.Text("ok")},
		Usage:  generation.Usage{InputTokens: 1000},
	}
	gen := generationtest.New(step, step)
	b := testBatch("hi")

	require.NoError(t, f.dispatcher(gen).Process(context.Background(), b, batch.NewToken()))
	require.NoError(t, f.dispatcher(gen).Process(context.Background(), b, batch.NewToken()))

	charges := chargesByKind(t, f.store)
	assert.Len(t, charges[store.KindGeneration], 1)
	acct, err := f.store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("0.997"), acct.Balance)

	msgs, err := f.store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestProcess_ToolLoop(t *testing.T) {
	f := setup(t, "1.00")
	gen := generationtest.New(
		generationtest.Step{
			Events: []generation.Event{generationtest.Call("c1", "render", map[string]any{"prompt": "cat"})},
			Usage:  generation.Usage{InputTokens: 100, OutputTokens: 10},
		},
		generationtest.Step{
			Events: []generation.Event{generationtest.Text("here is your cat")},
			Usage:  generation.Usage{InputTokens: 200, OutputTokens: 20},
		},
	)

	require.NoError(t, f.dispatcher(gen).Process(context.Background(), testBatch("draw a cat"), batch.NewToken()))
	assert.Equal(t, 1, f.calls)

	charges := chargesByKind(t, f.store)
	require.Len(t, charges[store.KindTool], 1)
	assert.Equal(t, "tool:b1-1:1:c1", charges[store.KindTool][0].OperationID)
	require.Len(t, charges[store.KindGeneration], 1)
	// 300 input and 30 output tokens over both steps
	assert.Equal(t, money.MustParse("0.00135"), charges[store.KindGeneration][0].Amount)

	second := gen.Requests()[1]
	last := second.Turns[len(second.Turns)-1]
	assert.Equal(t, generation.RoleTool, last.Role)
	require.Len(t, last.Results, 1)
	assert.Equal(t, "c1", last.Results[0].CallID)
	assert.False(t, last.Results[0].IsError)
}

func TestProcess_StopsWhenBalanceRunsOut(t *testing.T) {
	f := setup(t, "0.05")

	var events []generation.Event
	for i := 0; i < 10; i++ {
		events = append(events, generationtest.Call("c"+string(rune('0'+i)), "render", nil))
	}
	gen := generationtest.New(generationtest.Step{Events: events})

	err := f.dispatcher(gen).Process(context.Background(), testBatch("ten cats please"), batch.NewToken())

	var ibe *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe, "the next generation step is not admitted")
	assert.Equal(t, fault.InsufficientBalance, fault.KindOf(err))
	assert.Equal(t, 4, f.calls)

	acct, err := f.store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("-0.01"), acct.Balance)
	assert.Len(t, chargesByKind(t, f.store)[store.KindTool], 4)
}

func TestProcess_CancellationChargesEstimateOnce(t *testing.T) {
	f := setup(t, "1.00")
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	tok := batch.NewToken()

	gen := generationtest.New(generationtest.Step{
		Events: []generation.Event{
			generationtest.Reasoning(strings.Repeat("r", 200)),
			generationtest.Text(strings.Repeat("x", 800)),
			generationtest.Text("never delivered"),
		},
		Gate:  gate,
		Abort: tok.Done(),
	})

	done := make(chan error, 1)
	go func() {
		done <- f.dispatcher(gen).Process(context.Background(), testBatch("hi"), tok)
	}()

	assert.Eventually(t, func() bool { return len(gate) == 0 }, time.Second, time.Millisecond)
	// the second event has been handed out; let the dispatcher account for it
	time.Sleep(20 * time.Millisecond)
	require.True(t, tok.Cancel())
	assert.False(t, tok.Cancel(), "second cancel is a no-op")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dispatch.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not observe cancellation")
	}

	charges := chargesByKind(t, f.store)
	assert.Empty(t, charges[store.KindGeneration])
	require.Len(t, charges[store.KindCancellation], 1)
	c := charges[store.KindCancellation][0]
	assert.Equal(t, dispatch.GenerationOperationID("b1-1"), c.OperationID)
	// 250 output-rate tokens at 15 per million
	assert.Equal(t, money.FromMicros(3750), c.Amount)

	msgs, err := f.store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1].Content, strings.Repeat("x", 800)))
	assert.Contains(t, msgs[1].Content, "[cancelled]")
}

func TestProcess_CancelledBeforeGeneration(t *testing.T) {
	f := setup(t, "1.00")
	gen := generationtest.New()
	tok := batch.NewToken()
	tok.Cancel()

	err := f.dispatcher(gen).Process(context.Background(), testBatch("hi"), tok)
	assert.ErrorIs(t, err, dispatch.ErrCancelled)
	assert.Empty(t, gen.Requests())
	assert.Empty(t, chargesByKind(t, f.store))
}

func TestProcess_UpstreamFailureKeepsPartialOutput(t *testing.T) {
	f := setup(t, "1.00")
	gen := generationtest.New(generationtest.Step{
		Events: []generation.Event{generationtest.Text(strings.Repeat("y", 400))},
		Err:    fault.UpstreamErr("generation.gemini", errors.New("stream reset")),
	})

	err := f.dispatcher(gen).Process(context.Background(), testBatch("hi"), batch.NewToken())
	assert.Equal(t, fault.Upstream, fault.KindOf(err))

	charges := chargesByKind(t, f.store)
	require.Len(t, charges[store.KindGeneration], 1)
	// 100 output tokens estimated from 400 characters
	assert.Equal(t, money.FromMicros(1500), charges[store.KindGeneration][0].Amount)

	msgs, err := f.store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "[incomplete: generation failed]")
}

func TestProcess_StepLimit(t *testing.T) {
	f := setup(t, "1.00")
	var steps []generationtest.Step
	for i := 0; i < 4; i++ {
		steps = append(steps, generationtest.Step{
			Events: []generation.Event{generationtest.Call("c", "render", nil)},
		})
	}
	gen := generationtest.New(steps...)

	err := f.dispatcher(gen).Process(context.Background(), testBatch("loop forever"), batch.NewToken())
	assert.ErrorIs(t, err, dispatch.ErrMaxSteps)
	assert.Equal(t, 4, f.calls)
}

func TestProcess_SendsAttachmentsInline(t *testing.T) {
	f := setup(t, "1.00")
	blob, err := f.layer.Blobs.Put(context.Background(), "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	gen := generationtest.New(generationtest.Step{Events: []generation.Event{generationtest.Text("a png")}})
	b := testBatch("what is this?")
	b.Items[0].Parts = append(b.Items[0].Parts, batch.Part{Kind: batch.PartAttachment, BlobID: blob.ID, Size: blob.Size})

	require.NoError(t, f.dispatcher(gen).Process(context.Background(), b, batch.NewToken()))

	turn := gen.Requests()[0].Turns[0]
	require.Len(t, turn.Attachments, 1)
	assert.Equal(t, "image/png", turn.Attachments[0].ContentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, turn.Attachments[0].Data)
}

func TestProcess_ChargeFailureAfterReplyIsNotRetried(t *testing.T) {
	f := setup(t, "1.00")
	step := generationtest.Step{
		Events: []generation.Event{generationtest.Text("Hello")},
		Usage:  generation.Usage{InputTokens: 1000, OutputTokens: 200},
	}
	// a second step is scripted so a retry would produce a second reply
	gen := generationtest.New(step, step)
	d := f.dispatcherWith(gen, brokenCharges{f.ledger})

	outcomes := make(chan batch.Outcome, 4)
	q := batch.NewQueue(batch.Options{
		Window:       time.Hour,
		MaxItems:     1,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, d, batch.ReporterFunc(func(o batch.Outcome) { outcomes <- o }), nil, zerolog.Nop())
	t.Cleanup(func() { require.NoError(t, q.Close(context.Background())) })

	require.NoError(t, q.Submit(batch.WorkItem{
		ID:             "m1",
		ConversationID: "conv-1",
		AccountID:      "acct-1",
		SenderID:       "user-1",
		Parts:          []batch.Part{{Kind: batch.PartText, Text: "hi"}},
	}))

	var o batch.Outcome
	select {
	case o = <-outcomes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch outcome")
	}

	assert.Equal(t, batch.Failed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, fault.ReconciliationRequired, fault.KindOf(o.Err))
	assert.False(t, fault.IsTransient(o.Err))
	assert.Len(t, gen.Requests(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reconciliation))

	msgs, err := f.store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	var replies int
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			replies++
		}
	}
	assert.Equal(t, 1, replies)
	assert.Empty(t, chargesByKind(t, f.store)[store.KindGeneration])
}
