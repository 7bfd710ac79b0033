// Package api implements the gRPC service of convoy.
//
// This package is the interface layer between chat transports or operators
// and the engine and ledger. Messages are google.protobuf.Struct values, so
// the service needs no generated code; desc.go holds the hand-written service
// descriptor and a matching client.
//
// Responsibilities:
//  1. Request validation
//  2. Routing to the engine (events, cancellation, status) and the ledger
//     (balances, credits, charge history)
//  3. Error translation (internal errors -> gRPC status codes)
//
// All methods are safe for concurrent use. The service keeps no mutable state
// of its own.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/engine"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/ingest"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
)

// Engine accepts events and answers conversation status queries.
type Engine interface {
	Ingest(ctx context.Context, ev ingest.RawEvent) (engine.Receipt, error)
	Cancel(conversationID string) bool
	Status(conversationID string) engine.Status
}

// Ledger serves balances and credits.
type Ledger interface {
	Balance(ctx context.Context, account string) (store.Account, error)
	Credit(ctx context.Context, account, operationID string, amount money.Amount, description string) (ledger.ChargeResult, error)
}

// Charges lists charge history.
type Charges interface {
	ListCharges(ctx context.Context, accountID string, limit int) ([]store.Charge, error)
}

var _ ConvoyServer = (*Service)(nil)

// Service implements ConvoyServer.
type Service struct {
	engine  Engine
	ledger  Ledger
	charges Charges
	log     zerolog.Logger
}

// NewService creates a new Service instance.
func NewService(e Engine, l Ledger, c Charges, logger zerolog.Logger) *Service {
	return &Service{
		engine:  e,
		ledger:  l,
		charges: c,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// Ingest accepts one raw event. A redelivered event is acknowledged with
// duplicate=true rather than an error, so transports can retry freely.
func (s *Service) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ev ingest.RawEvent
	if err := decode(req, &ev); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed event: %v", err)
	}
	if ev.Kind == "" {
		ev.Kind = ingest.KindMessage
	}

	rec, err := s.engine.Ingest(ctx, ev)
	if errors.Is(err, ingest.ErrDuplicate) {
		return encode(map[string]any{
			"accepted":        false,
			"duplicate":       true,
			"conversation_id": ev.ConversationID,
		})
	}
	if err != nil {
		s.log.Debug().Err(err).
			Str("event_id", ev.EventID).
			Str("conversation_id", ev.ConversationID).
			Msg("event rejected")
		return nil, toStatus(err)
	}

	return encode(map[string]any{
		"accepted":        true,
		"duplicate":       false,
		"item_id":         rec.ItemID,
		"conversation_id": rec.ConversationID,
		"merged":          rec.Merged,
		"control":         rec.Control,
	})
}

// Cancel cancels a conversation's in-flight batch.
func (s *Service) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv := field(req, "conversation_id")
	if conv == "" {
		return nil, status.Errorf(codes.InvalidArgument, "conversation_id is required")
	}

	cancelled := s.engine.Cancel(conv)
	s.log.Info().
		Str("conversation_id", conv).
		Bool("cancelled", cancelled).
		Msg("cancel requested")
	return encode(map[string]any{"conversation_id": conv, "cancelled": cancelled})
}

// GetBalance returns an account's balance snapshot.
func (s *Service) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account := field(req, "account_id")
	if account == "" {
		return nil, status.Errorf(codes.InvalidArgument, "account_id is required")
	}

	acct, err := s.ledger.Balance(ctx, account)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", account).Msg("failed to get balance")
		return nil, toStatus(err)
	}

	return encode(map[string]any{
		"account_id": acct.ID,
		"balance":    acct.Balance.String(),
		"version":    acct.Version,
		"updated_at": acct.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// Credit adds funds to an account once per operation_id.
func (s *Service) Credit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account := field(req, "account_id")
	opID := field(req, "operation_id")
	if account == "" || opID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "account_id and operation_id are required")
	}
	amount, err := money.Parse(field(req, "amount"))
	if err != nil || amount <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "amount must be a positive decimal")
	}

	res, err := s.ledger.Credit(ctx, account, opID, amount, field(req, "description"))
	if err != nil {
		s.log.Error().Err(err).
			Str("account_id", account).
			Str("operation_id", opID).
			Msg("credit failed")
		return nil, toStatus(err)
	}

	s.log.Info().
		Str("account_id", account).
		Str("operation_id", opID).
		Str("amount", amount.String()).
		Bool("applied", res.Applied).
		Str("balance", res.Balance.String()).
		Msg("credit completed")

	return encode(map[string]any{
		"account_id": account,
		"applied":    res.Applied,
		"balance":    res.Balance.String(),
		"version":    res.Version,
	})
}

// ListCharges returns recent charges of an account, newest first.
func (s *Service) ListCharges(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account := field(req, "account_id")
	if account == "" {
		return nil, status.Errorf(codes.InvalidArgument, "account_id is required")
	}
	limit := 50
	if v, ok := req.GetFields()["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	if limit <= 0 || limit > 1000 {
		return nil, status.Errorf(codes.InvalidArgument, "limit must be between 1 and 1000")
	}

	charges, err := s.charges.ListCharges(ctx, account, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"account_id": account, "charges": charges})
}

// ConversationStatus reports queue state and the last batch outcome.
func (s *Service) ConversationStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv := field(req, "conversation_id")
	if conv == "" {
		return nil, status.Errorf(codes.InvalidArgument, "conversation_id is required")
	}

	st := s.engine.Status(conv)
	out := map[string]any{
		"conversation_id": conv,
		"active":          st.Active,
	}
	if b := st.Lane.Current; b != nil {
		out["current"] = batchSummary(b)
	}
	if len(st.Lane.Ready) > 0 {
		ready := make([]map[string]any, len(st.Lane.Ready))
		for i, b := range st.Lane.Ready {
			ready[i] = batchSummary(b)
		}
		out["ready"] = ready
	}
	if b := st.Lane.Pending; b != nil {
		out["pending"] = batchSummary(b)
	}
	if o := st.Last; o != nil {
		last := batchSummary(&o.Batch)
		last["status"] = o.Status.String()
		last["attempts"] = o.Attempts
		last["duration_ms"] = o.Duration.Milliseconds()
		if o.Err != nil {
			last["error"] = o.Err.Error()
		}
		out["last"] = last
	}
	return encode(out)
}

func batchSummary(b *batch.Batch) map[string]any {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID
	}
	return map[string]any{
		"batch_id": b.ID,
		"status":   b.Status.String(),
		"trigger":  string(b.Trigger),
		"items":    ids,
		"attempt":  b.Attempt,
	}
}

// toStatus translates internal errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, ingest.ErrInvalidEvent), errors.Is(err, batch.ErrInvalidItem):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrChargeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, batch.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	switch fault.KindOf(err) {
	case fault.InsufficientBalance:
		return status.Error(codes.FailedPrecondition, err.Error())
	case fault.TransientInfra:
		return status.Error(codes.Unavailable, err.Error())
	case fault.Upstream:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
}
