// Package dispatch processes flushed batches: it records the batch in the
// conversation history, runs the generation loop with paid tool calls, and
// settles the generation cost exactly once per unit of work.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/estimate"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
	"github.com/kelpejol/convoy/internal/tools"
)

var (
	// ErrCancelled is returned when the batch's token was cancelled.
	ErrCancelled = errors.New("unit of work cancelled")

	// ErrMaxSteps is returned when the model keeps calling tools past the
	// configured step limit.
	ErrMaxSteps = errors.New("maximum generation steps reached")
)

// History is the conversation log.
type History interface {
	Append(ctx context.Context, m store.Message) (store.Message, error)
	Recent(ctx context.Context, conversationID string) ([]store.Message, error)
}

// Blobs resolves attachment content.
type Blobs interface {
	Get(ctx context.Context, id string) (store.Blob, error)
}

// Ledger is the subset of *ledger.Ledger used for generation costs.
type Ledger interface {
	CheckAdmission(ctx context.Context, account string, op ledger.Operation) error
	Charge(ctx context.Context, req ledger.ChargeRequest) (ledger.ChargeResult, error)
	ChargeCancellation(ctx context.Context, account, operationID string, est estimate.Estimate) (ledger.ChargeResult, error)
}

// ToolRunner executes tool calls behind admission control.
type ToolRunner interface {
	Specs() []generation.ToolSpec
	Run(ctx context.Context, inv tools.Invocation) (tools.Result, error)
}

// Options configure the generation loop.
type Options struct {
	Model    string
	System   string
	Pricing  money.Pricing
	MaxSteps int
	// Timeout bounds each generation step.
	Timeout time.Duration
}

// Dispatcher implements batch.Processor.
type Dispatcher struct {
	opts      Options
	gen       generation.Generator
	history   History
	blobs     Blobs
	ledger    Ledger
	tools     ToolRunner
	estimator estimate.Estimator
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New creates a Dispatcher. tools may be nil when no paid tools are offered.
func New(opts Options, gen generation.Generator, history History, blobs Blobs, l Ledger, tr ToolRunner, est estimate.Estimator, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Dispatcher{
		opts:      opts,
		gen:       gen,
		history:   history,
		blobs:     blobs,
		ledger:    l,
		tools:     tr,
		estimator: est,
		metrics:   m,
		log:       logger.With().Str("component", "dispatch").Logger(),
	}
}

// GenerationOperationID is the idempotency key of the single generation
// charge of a unit, shared by the completion and cancellation paths.
func GenerationOperationID(unitID string) string {
	return "gen:" + unitID
}

// unit is the state of one processing attempt.
type unit struct {
	b      batch.Batch
	id     string
	tok    *batch.Token
	log    zerolog.Logger
	turns  []generation.Turn
	used   generation.Usage
	steps  int
	billed bool
}

// Process drives one batch to completion.
func (d *Dispatcher) Process(ctx context.Context, b batch.Batch, tok *batch.Token) error {
	u := &unit{
		b:   b,
		id:  b.UnitID(),
		tok: tok,
		log: d.log.With().
			Str("conversation_id", b.ConversationID).
			Str("account_id", b.AccountID).
			Str("unit_id", b.UnitID()).
			Logger(),
	}

	content := contentItems(b.Items)
	if len(content) == 0 {
		return nil
	}

	for _, item := range content {
		if _, err := d.history.Append(ctx, userMessage(item)); err != nil {
			return fmt.Errorf("record item %s: %w", item.ID, err)
		}
	}

	if tok.Cancelled() {
		return ErrCancelled
	}

	turns, err := d.buildTurns(ctx, b.ConversationID, content)
	if err != nil {
		return err
	}
	u.turns = turns

	return d.loop(ctx, u)
}

func (d *Dispatcher) loop(ctx context.Context, u *unit) error {
	var specs []generation.ToolSpec
	if d.tools != nil {
		specs = d.tools.Specs()
	}

	for u.steps = 1; u.steps <= d.opts.MaxSteps; u.steps++ {
		if u.tok.Cancelled() {
			return d.cancel(ctx, u, nil, "")
		}

		op := ledger.Operation{ID: GenerationOperationID(u.id), Name: fmt.Sprintf("generation step %d", u.steps)}
		if err := d.ledger.CheckAdmission(ctx, u.b.AccountID, op); err != nil {
			return d.settleAndFail(ctx, u, err)
		}

		step, err := d.generate(ctx, u, specs)
		switch {
		case errors.Is(err, ErrCancelled):
			return d.cancel(ctx, u, step.acc, step.text)
		case err != nil:
			return d.upstreamFailure(ctx, u, step, err)
		}

		u.used = addUsage(u.used, step.usage)

		if len(step.calls) == 0 {
			if !u.tok.Finish() {
				return d.cancel(ctx, u, nil, step.text)
			}
			if err := d.appendAssistant(ctx, u, step.text, ""); err != nil {
				if serr := d.settle(ctx, u); serr != nil {
					u.log.Error().Err(serr).Msg("settling generation cost failed")
				}
				return err
			}
			if err := d.settle(ctx, u); err != nil {
				return d.reconcile(u, err)
			}
			u.log.Info().Int("steps", u.steps).Msg("unit completed")
			return nil
		}

		if err := d.appendAssistant(ctx, u, step.text, renderCalls(step.calls)); err != nil {
			if serr := d.settle(ctx, u); serr != nil {
				u.log.Error().Err(serr).Msg("settling generation cost failed")
			}
			return err
		}
		u.turns = append(u.turns, generation.Turn{Role: generation.RoleAssistant, Text: step.text, Calls: step.calls})

		results, err := d.runTools(ctx, u, step.calls)
		if len(results) > 0 {
			u.turns = append(u.turns, generation.Turn{Role: generation.RoleTool, Results: results})
			if aerr := d.appendTool(ctx, u, results); aerr != nil && err == nil {
				err = aerr
			}
		}
		switch {
		case errors.Is(err, ErrCancelled):
			return d.cancel(ctx, u, nil, "")
		case err != nil:
			return d.settleAndFail(ctx, u, err)
		}
	}

	u.log.Warn().Int("max_steps", d.opts.MaxSteps).Msg("unit stopped at step limit")
	return d.settleAndFail(ctx, u, ErrMaxSteps)
}

// stepResult is what one generation step produced, possibly partially.
type stepResult struct {
	text  string
	calls []generation.ToolCall
	usage generation.Usage
	acc   *estimate.Accumulator
}

func (d *Dispatcher) generate(ctx context.Context, u *unit, specs []generation.ToolSpec) (stepResult, error) {
	res := stepResult{acc: &estimate.Accumulator{}}
	res.acc.AddInput(promptChars(d.opts.System, u.turns))

	gctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	stream, err := d.gen.Generate(gctx, generation.Request{
		UnitID: u.id,
		Model:  d.opts.Model,
		System: d.opts.System,
		Turns:  u.turns,
		Tools:  specs,
	})
	if err != nil {
		// nothing was generated, so there is nothing to estimate
		res.acc = nil
		return res, err
	}
	defer stream.Close()

	var text strings.Builder

	for {
		if u.tok.Cancelled() {
			res.text = text.String()
			return res, ErrCancelled
		}

		ev, err := stream.Next()
		if err != nil {
			res.text = text.String()
			if u.tok.Cancelled() {
				return res, ErrCancelled
			}
			return res, err
		}

		switch ev.Kind {
		case generation.EventText:
			text.WriteString(ev.Text)
			res.acc.AddOutput(len(ev.Text))
		case generation.EventReasoning:
			res.acc.AddReasoning(len(ev.Text))
		case generation.EventToolCall:
			if ev.Call != nil {
				res.calls = append(res.calls, *ev.Call)
			}
		case generation.EventDone:
			if ev.Usage != nil {
				res.usage = *ev.Usage
			}
			res.text = text.String()
			return res, nil
		}
	}
}

// runTools executes calls in order. A rejected call does not stop the others;
// each is checked against the balance on its own.
func (d *Dispatcher) runTools(ctx context.Context, u *unit, calls []generation.ToolCall) ([]generation.ToolResult, error) {
	results := make([]generation.ToolResult, 0, len(calls))
	for _, call := range calls {
		if u.tok.Cancelled() {
			return results, ErrCancelled
		}

		if d.tools == nil {
			results = append(results, errorResult(call, "no tools are available"))
			continue
		}

		res, err := d.tools.Run(ctx, tools.Invocation{
			AccountID: u.b.AccountID,
			UnitID:    u.id,
			Step:      u.steps,
			Call:      call,
		})
		switch fault.KindOf(err) {
		case fault.Unknown:
			if err != nil {
				return results, err
			}
		case fault.InsufficientBalance:
			results = append(results, errorResult(call, "insufficient balance"))
			continue
		case fault.ReconciliationRequired:
			// logged by the runner; the result is valid
		default:
			return results, err
		}

		out, isErr := tools.Payload(res)
		results = append(results, generation.ToolResult{CallID: call.ID, Name: call.Name, Output: out, IsError: isErr})
	}
	return results, nil
}

// settle charges the exact generation usage of the unit so far.
func (d *Dispatcher) settle(ctx context.Context, u *unit) error {
	if u.billed {
		return nil
	}
	in, out := u.used.Billable()
	cost := d.opts.Pricing.Cost(in, out)
	u.billed = true
	if cost <= 0 {
		return nil
	}

	_, err := d.ledger.Charge(context.WithoutCancel(ctx), ledger.ChargeRequest{
		AccountID:   u.b.AccountID,
		OperationID: GenerationOperationID(u.id),
		Amount:      cost,
		Kind:        store.KindGeneration,
		Description: fmt.Sprintf("generation: %d input, %d output tokens over %d steps", in, out, u.steps),
	})
	if err != nil {
		return fmt.Errorf("charge generation: %w", err)
	}
	return nil
}

// reconcile handles a generation charge that failed after the reply was
// persisted. The batch must not be retried, since a retry would generate and
// append the reply again.
func (d *Dispatcher) reconcile(u *unit, err error) error {
	d.metrics.ReconciliationIncident()
	in, out := u.used.Billable()
	u.log.Error().Err(err).
		Str("incident", "reconciliation_required").
		Str("amount", d.opts.Pricing.Cost(in, out).String()).
		Int("steps", u.steps).
		Msg("reply persisted but its generation charge could not be recorded")
	return fault.Reconcile("dispatch.settle", err)
}

func (d *Dispatcher) settleAndFail(ctx context.Context, u *unit, cause error) error {
	if err := d.settle(ctx, u); err != nil {
		u.log.Error().Err(err).Msg("settling generation cost failed")
	}
	if fault.KindOf(cause) == fault.InsufficientBalance {
		u.log.Info().Err(cause).Msg("unit stopped: insufficient balance")
	}
	return cause
}

// upstreamFailure keeps whatever the failed step produced and bills it like a
// cancellation would, then reports the failure.
func (d *Dispatcher) upstreamFailure(ctx context.Context, u *unit, step stepResult, cause error) error {
	if step.text != "" {
		if err := d.appendAssistant(ctx, u, step.text, "[incomplete: generation failed]"); err != nil {
			u.log.Error().Err(err).Msg("persisting partial output failed")
		}
	}

	est := d.partialEstimate(u, step.acc)
	if est.Cost > 0 {
		_, err := d.ledger.Charge(context.WithoutCancel(ctx), ledger.ChargeRequest{
			AccountID:   u.b.AccountID,
			OperationID: GenerationOperationID(u.id),
			Amount:      est.Cost,
			Kind:        store.KindGeneration,
			Description: fmt.Sprintf("failed generation: ~%d output, ~%d input tokens", est.OutputTokens+est.ReasoningTokens, est.InputTokens),
		})
		if err != nil {
			u.log.Error().Err(err).Msg("charging failed generation")
		}
	}
	u.billed = true

	u.log.Warn().Err(cause).Int("step", u.steps).Msg("generation failed")
	return cause
}

// cancel persists partial output and applies the single cancellation charge:
// exact usage of finished steps plus an estimate for the interrupted one.
func (d *Dispatcher) cancel(ctx context.Context, u *unit, acc *estimate.Accumulator, partial string) error {
	if partial != "" {
		if err := d.appendAssistant(ctx, u, partial, "[cancelled]"); err != nil {
			u.log.Error().Err(err).Msg("persisting partial output failed")
		}
	}

	if est := d.partialEstimate(u, acc); !u.billed && est.Cost > 0 {
		u.billed = true
		if _, err := d.ledger.ChargeCancellation(context.WithoutCancel(ctx), u.b.AccountID, GenerationOperationID(u.id), est); err != nil {
			u.log.Error().Err(err).Msg("cancellation charge failed")
			return err
		}
	}

	u.log.Info().Int("step", u.steps).Msg("unit cancelled")
	return ErrCancelled
}

func (d *Dispatcher) partialEstimate(u *unit, acc *estimate.Accumulator) estimate.Estimate {
	var est estimate.Estimate
	if acc != nil {
		est = d.estimator.Estimate(acc.Counts(), d.opts.Pricing)
	}
	est.InputTokens += u.used.InputTokens
	est.OutputTokens += u.used.OutputTokens
	est.ReasoningTokens += u.used.ReasoningTokens
	est.Cost = d.opts.Pricing.Cost(est.InputTokens, est.OutputTokens+est.ReasoningTokens)
	return est
}

func addUsage(a, b generation.Usage) generation.Usage {
	return generation.Usage{
		InputTokens:     a.InputTokens + b.InputTokens,
		OutputTokens:    a.OutputTokens + b.OutputTokens,
		ReasoningTokens: a.ReasoningTokens + b.ReasoningTokens,
	}
}

func errorResult(call generation.ToolCall, msg string) generation.ToolResult {
	return generation.ToolResult{CallID: call.ID, Name: call.Name, Output: map[string]any{"message": msg}, IsError: true}
}

func contentItems(items []batch.WorkItem) []batch.WorkItem {
	out := make([]batch.WorkItem, 0, len(items))
	for _, it := range items {
		if !it.IsControl() {
			out = append(out, it)
		}
	}
	return out
}

func promptChars(system string, turns []generation.Turn) int {
	n := len(system)
	for _, t := range turns {
		n += len(t.Text)
		for _, r := range t.Results {
			n += len(fmt.Sprint(r.Output))
		}
	}
	return n
}
