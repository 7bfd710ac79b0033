package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/store"
)

// Ledger is the subset of *ledger.Ledger the runner needs.
type Ledger interface {
	CheckAdmission(ctx context.Context, account string, op ledger.Operation) error
	Charge(ctx context.Context, req ledger.ChargeRequest) (ledger.ChargeResult, error)
}

// Invocation identifies one tool call within a unit of work.
type Invocation struct {
	AccountID string
	UnitID    string
	Step      int
	Call      generation.ToolCall
}

// OperationID is the idempotency key the invocation is charged under.
func (inv Invocation) OperationID() string {
	return fmt.Sprintf("tool:%s:%d:%s", inv.UnitID, inv.Step, inv.Call.ID)
}

// Runner executes tool calls behind admission control and charges them.
type Runner struct {
	registry *Registry
	ledger   Ledger
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewRunner(reg *Registry, l Ledger, cfg config.ToolsConfig, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Runner{
		registry: reg,
		ledger:   l,
		timeout:  timeout,
		log:      logger.With().Str("component", "tools").Logger(),
		metrics:  m,
	}
}

// Specs returns the tools advertised to the model.
func (r *Runner) Specs() []generation.ToolSpec { return r.registry.Specs() }

// Run executes one invocation.
//
// Admission is checked first; a rejection (*ledger.InsufficientBalanceError)
// or an infrastructure error is returned without running the tool. Once the
// tool has run its result is always returned. If charging it then fails the
// error is ReconciliationRequired and the result is still valid.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	opID := inv.OperationID()
	logger := r.log.With().
		Str("account_id", inv.AccountID).
		Str("operation_id", opID).
		Str("tool", inv.Call.Name).
		Logger()

	exec, ok := r.registry.Lookup(inv.Call.Name)
	if !ok {
		logger.Warn().Msg("model called an unknown tool")
		return Failure{Err: fmt.Errorf("unknown tool %q", inv.Call.Name)}, nil
	}

	op := ledger.Operation{ID: opID, Name: inv.Call.Name, Cost: exec.Price()}
	if err := r.ledger.CheckAdmission(ctx, inv.AccountID, op); err != nil {
		return nil, err
	}

	start := time.Now()
	res := r.execute(ctx, exec, inv.Call.Args)
	took := time.Since(start)

	cost := res.Cost()
	if cost <= 0 {
		logger.Debug().Dur("duration_ms", took).Msg("tool finished without charge")
		return res, nil
	}

	// The tool already ran, so the charge must not be abandoned because the
	// batch was cancelled or its context expired meanwhile.
	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err := r.ledger.Charge(chargeCtx, ledger.ChargeRequest{
		AccountID:   inv.AccountID,
		OperationID: opID,
		Amount:      cost,
		Kind:        store.KindTool,
		Description: fmt.Sprintf("tool %s", inv.Call.Name),
	})
	if err != nil {
		r.metrics.ReconciliationIncident()
		logger.Error().Err(err).
			Str("incident", "reconciliation_required").
			Str("amount", cost.String()).
			Msg("tool succeeded but its charge could not be recorded")
		return res, fault.Reconcile("tools.charge", err)
	}

	logger.Debug().
		Str("amount", cost.String()).
		Dur("duration_ms", took).
		Msg("tool charged")
	return res, nil
}

func (r *Runner) execute(ctx context.Context, exec Executor, args map[string]any) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = Failure{Err: fmt.Errorf("tool panic: %v", p), Kind: fault.Upstream}
		}
	}()

	res = exec.Execute(ctx, args)
	if res == nil {
		res = Failure{Err: fmt.Errorf("tool returned no result"), Kind: fault.Upstream}
	}
	if ctx.Err() != nil {
		if _, ok := res.(Failure); !ok {
			return res
		}
		return Failure{Err: fault.Transient("tools.execute", ctx.Err()), Kind: fault.TransientInfra, Billed: res.Cost()}
	}
	return res
}
