// Package ledger enforces monetary admission control and applies charges.
//
// Every paid operation flows through two calls:
//
//  1. CheckAdmission reads the cached balance snapshot (falling back to the
//     durable store) and rejects the operation if the balance is negative.
//  2. Charge writes the charge durably in one transaction and then updates the
//     cached snapshot in place, so the next CheckAdmission in the same unit of
//     work already sees the post-charge balance.
//
// The durable store is always the source of truth. The cache may lag charges
// made by other systems by up to its TTL, but never lags charges made here.
//
// Balances may go negative: an admitted operation is charged in full even if
// it overshoots zero. A negative balance only blocks later operations. For k
// sequential steps of cost c starting from balance b, exactly floor(b/c)+1
// steps are admitted when b >= 0, and none otherwise.
//
// Concurrency: there is deliberately no per-account lock. Two units of work
// racing on the same account can both pass admission before either charge
// lands, overshooting by at most one marginal cost each.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/convoy/internal/estimate"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
)

// Durable is the transactional side of the ledger.
type Durable interface {
	ApplyCharge(ctx context.Context, c store.Charge) (store.ChargeResult, error)
	GetCharge(ctx context.Context, operationID string) (store.Charge, error)
}

// Snapshots is the cached balance view.
type Snapshots interface {
	Get(ctx context.Context, id string) (store.Account, error)
	Apply(ctx context.Context, acct store.Account, delta money.Amount)
	Refresh(ctx context.Context, acct store.Account) bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	durable   Durable
	snapshots Snapshots
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// Operation identifies a paid sub-operation for admission.
type Operation struct {
	// ID is the idempotency key the operation will be charged under.
	ID string `json:"id"`
	// Name is a human-readable label, such as the tool name.
	Name string `json:"name"`
	// Cost is the expected marginal cost, when known up front.
	Cost money.Amount `json:"cost"`
}

// InsufficientBalanceError is a terminal admission rejection.
type InsufficientBalanceError struct {
	Operation Operation
	Account   string
	Balance   money.Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s has %s, operation %s (%s) rejected",
		e.Account, e.Balance, e.Operation.ID, e.Operation.Name)
}

// FaultKind classifies the rejection for fault.KindOf.
func (e *InsufficientBalanceError) FaultKind() fault.Kind { return fault.InsufficientBalance }

// ChargeRequest is one charge to apply.
type ChargeRequest struct {
	AccountID   string
	OperationID string
	Amount      money.Amount
	Kind        store.ChargeKind
	Description string
}

// ChargeResult is the outcome of Charge.
type ChargeResult struct {
	// Applied is false when the operation had already been charged.
	Applied bool
	Balance money.Amount
	Version int64
	// Charge is the record stored under the operation id. For a duplicate it
	// is the original charge, whose amount may differ from the request.
	Charge store.Charge
}

// New creates a Ledger.
func New(durable Durable, snapshots Snapshots, m *metrics.Metrics, logger zerolog.Logger) *Ledger {
	return &Ledger{
		durable:   durable,
		snapshots: snapshots,
		log:       logger.With().Str("component", "ledger").Logger(),
		metrics:   m,
	}
}

// Balance returns the cached balance snapshot of account.
func (l *Ledger) Balance(ctx context.Context, account string) (store.Account, error) {
	acct, err := l.snapshots.Get(ctx, account)
	if err != nil {
		return store.Account{}, fmt.Errorf("balance of %s: %w", account, err)
	}
	return acct, nil
}

// CheckAdmission decides whether op may run against account. It returns
// *InsufficientBalanceError when the balance is negative; the caller must not
// execute the operation.
func (l *Ledger) CheckAdmission(ctx context.Context, account string, op Operation) error {
	acct, err := l.snapshots.Get(ctx, account)
	if err != nil {
		return fmt.Errorf("admission for %s: %w", op.ID, err)
	}

	if acct.Balance.IsNegative() {
		l.metrics.Admission(false)
		l.log.Info().
			Str("account_id", account).
			Str("operation_id", op.ID).
			Str("operation", op.Name).
			Str("balance", acct.Balance.String()).
			Msg("admission rejected")
		return &InsufficientBalanceError{Operation: op, Account: account, Balance: acct.Balance}
	}

	l.metrics.Admission(true)
	l.log.Debug().
		Str("account_id", account).
		Str("operation_id", op.ID).
		Str("balance", acct.Balance.String()).
		Msg("admission granted")
	return nil
}

// Charge debits req.Amount from the account exactly once per operation id.
//
// Algorithm:
//  1. Insert the charge and adjust the balance in one durable transaction
//     (retried by the store on transient failure).
//  2. Fold the new balance into the cached snapshot in place.
//
// A repeated operation id changes nothing and returns Applied=false with the
// current balance. The cache is still refreshed in that case, which repairs a
// snapshot whose update was lost after an earlier, ambiguous attempt.
func (l *Ledger) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.OperationID == "" {
		return ChargeResult{}, errors.New("charge requires an operation id")
	}
	if req.Amount < 0 && req.Kind != store.KindCredit && req.Kind != store.KindAdjustment {
		return ChargeResult{}, fmt.Errorf("charge %s: negative amount %s", req.OperationID, req.Amount)
	}
	if req.Kind == "" {
		req.Kind = store.KindAdjustment
	}

	start := time.Now()
	res, err := l.durable.ApplyCharge(ctx, store.Charge{
		OperationID: req.OperationID,
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Kind:        req.Kind,
		Description: req.Description,
	})
	if err != nil {
		l.metrics.Charge(string(req.Kind), "failed", 0)
		l.log.Error().Err(err).
			Str("account_id", req.AccountID).
			Str("operation_id", req.OperationID).
			Str("amount", req.Amount.String()).
			Msg("charge failed")
		return ChargeResult{}, err
	}

	if res.Applied {
		l.snapshots.Apply(ctx, res.Account, -req.Amount)
		l.metrics.Charge(string(req.Kind), "applied", req.Amount.Micros())
	} else {
		l.snapshots.Refresh(ctx, res.Account)
		l.metrics.Charge(string(req.Kind), "duplicate", 0)
	}

	l.log.Debug().
		Str("account_id", req.AccountID).
		Str("operation_id", req.OperationID).
		Str("kind", string(req.Kind)).
		Str("amount", req.Amount.String()).
		Bool("applied", res.Applied).
		Str("balance", res.Account.Balance.String()).
		Dur("duration_ms", time.Since(start)).
		Msg("charge completed")

	return ChargeResult{
		Applied: res.Applied,
		Balance: res.Account.Balance,
		Version: res.Account.Version,
		Charge:  res.Charge,
	}, nil
}

// Credit adds amount to the account (top-ups, refunds), once per operation id.
func (l *Ledger) Credit(ctx context.Context, account, operationID string, amount money.Amount, description string) (ChargeResult, error) {
	if amount <= 0 {
		return ChargeResult{}, fmt.Errorf("credit %s: amount must be positive, got %s", operationID, amount)
	}
	return l.Charge(ctx, ChargeRequest{
		AccountID:   account,
		OperationID: operationID,
		Amount:      -amount,
		Kind:        store.KindCredit,
		Description: description,
	})
}

// ChargeCancellation applies a partial-cost estimate for a cancelled
// generation. The operation id is shared with the normal completion charge, so
// whichever of cancellation and completion lands first is the only one billed.
func (l *Ledger) ChargeCancellation(ctx context.Context, account, operationID string, est estimate.Estimate) (ChargeResult, error) {
	res, err := l.Charge(ctx, ChargeRequest{
		AccountID:   account,
		OperationID: operationID,
		Amount:      est.Cost,
		Kind:        store.KindCancellation,
		Description: fmt.Sprintf("cancelled generation: ~%d output, ~%d reasoning, ~%d input tokens",
			est.OutputTokens, est.ReasoningTokens, est.InputTokens),
	})
	if err != nil {
		return ChargeResult{}, err
	}
	if res.Applied {
		l.metrics.CancellationEstimate()
	}

	l.log.Info().
		Str("account_id", account).
		Str("operation_id", operationID).
		Str("estimated_cost", est.Cost.String()).
		Bool("applied", res.Applied).
		Msg("cancellation charge")
	return res, nil
}

// Lookup returns the charge recorded under operationID.
func (l *Ledger) Lookup(ctx context.Context, operationID string) (store.Charge, error) {
	return l.durable.GetCharge(ctx, operationID)
}
