package batch

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a batch.
type Status int

const (
	Accumulating Status = iota
	Flushing
	Processing
	Cancelling
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	case Processing:
		return "processing"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Trigger is what caused a batch to flush.
type Trigger string

const (
	TriggerDeadline Trigger = "deadline"
	TriggerControl  Trigger = "control"
	TriggerSize     Trigger = "size"
	TriggerShutdown Trigger = "shutdown"
)

// Batch is the coalesced unit of work for one conversation. Items keep their
// arrival order. Processors receive a copy and must not modify Items.
type Batch struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	AccountID      string     `json:"account_id"`
	Items          []WorkItem `json:"items"`
	CreatedAt      time.Time  `json:"created_at"`
	Deadline       time.Time  `json:"deadline"`
	FlushedAt      time.Time  `json:"flushed_at,omitempty"`
	Trigger        Trigger    `json:"trigger,omitempty"`
	Attempt        int        `json:"attempt"`
	Status         Status     `json:"status"`
}

// UnitID identifies one processing attempt. Charges made by the attempt are
// keyed under it, so a retried attempt is billed for its own work only.
func (b Batch) UnitID() string {
	return fmt.Sprintf("%s-%d", b.ID, b.Attempt)
}

// Processor drives one flushed batch to completion. It must observe tok at
// its cooperative checkpoints. A transient error (fault.IsTransient) makes
// the queue retry the whole batch.
type Processor interface {
	Process(ctx context.Context, b Batch, tok *Token) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, b Batch, tok *Token) error

func (f ProcessorFunc) Process(ctx context.Context, b Batch, tok *Token) error {
	return f(ctx, b, tok)
}

// Outcome is reported once for every batch that reaches a terminal status.
type Outcome struct {
	Batch    Batch
	Status   Status
	Err      error
	Attempts int
	Duration time.Duration
}

// Reporter receives terminal outcomes. Failed batches are never dropped
// without a report.
type Reporter interface {
	Report(o Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(o Outcome)

func (f ReporterFunc) Report(o Outcome) { f(o) }
