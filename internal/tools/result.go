// Package tools runs paid capabilities on behalf of the model.
package tools

import (
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/money"
)

// Result is the outcome of one tool invocation. It is either Success or
// Failure; no other implementations exist.
type Result interface {
	// Cost is what the invocation billed, which may be non-zero for a failure
	// the provider still charged for.
	Cost() money.Amount
	isResult()
}

// Success carries tool output back to the model.
type Success struct {
	Output map[string]any
	// Files are blob ids of content the tool produced.
	Files  []string
	Billed money.Amount
}

// Failure reports a tool error to the model. The batch keeps going.
type Failure struct {
	Err error
	// Kind classifies Err. When unset it is derived from Err.
	Kind   fault.Kind
	Billed money.Amount
}

func (s Success) Cost() money.Amount { return s.Billed }
func (f Failure) Cost() money.Amount { return f.Billed }

func (Success) isResult() {}
func (Failure) isResult() {}

// FaultKind classifies the failure.
func (f Failure) FaultKind() fault.Kind {
	if f.Kind != fault.Unknown {
		return f.Kind
	}
	return fault.KindOf(f.Err)
}

// Payload renders r for the model.
func Payload(r Result) (output map[string]any, isError bool) {
	switch r := r.(type) {
	case Success:
		if len(r.Files) == 0 {
			return r.Output, false
		}
		out := make(map[string]any, len(r.Output)+1)
		for k, v := range r.Output {
			out[k] = v
		}
		out["files"] = append([]string(nil), r.Files...)
		return out, false
	case Failure:
		msg := "tool failed"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return map[string]any{"message": msg, "kind": r.FaultKind().String()}, true
	default:
		panic("tools: unknown result type")
	}
}
