// Package fault defines the error taxonomy shared by every convoy component.
//
// Components wrap failures in *Error so that callers several layers up (the
// batch queue deciding whether to retry, the transport mapping status codes)
// can classify them with errors.As without knowing which package produced them.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero Kind; it is never retried.
	Unknown Kind = iota
	// TransientInfra is a cache or durable-store call that failed or timed out.
	TransientInfra
	// InsufficientBalance is an admission rejection. Terminal.
	InsufficientBalance
	// Upstream is an error returned by the generation service or a paid tool.
	Upstream
	// CancellationRace is a cancellation that lost to natural completion.
	CancellationRace
	// ReconciliationRequired marks a paid action that ran but could not be billed.
	ReconciliationRequired
)

func (k Kind) String() string {
	switch k {
	case TransientInfra:
		return "transient_infra"
	case InsufficientBalance:
		return "insufficient_balance"
	case Upstream:
		return "upstream"
	case CancellationRace:
		return "cancellation_race"
	case ReconciliationRequired:
		return "reconciliation_required"
	default:
		return "unknown"
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &fault.Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Transient wraps err as a TransientInfra failure of op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: TransientInfra, Op: op, Err: err}
}

// UpstreamErr wraps err as an Upstream failure of op.
func UpstreamErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Upstream, Op: op, Err: err}
}

// Reconcile wraps err as a ReconciliationRequired failure of op.
func Reconcile(op string, err error) error {
	return &Error{Kind: ReconciliationRequired, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain. Errors that are not
// classified but look like timeouts are reported as TransientInfra.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k interface{ FaultKind() Kind }
	if errors.As(err, &k) {
		return k.FaultKind()
	}
	if isTimeout(err) {
		return TransientInfra
	}
	return Unknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == TransientInfra
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
