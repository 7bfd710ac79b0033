// Package estimate derives a conservative generation charge from partial
// output when a unit of work is cancelled before the provider reports usage.
package estimate

import (
	"sync/atomic"

	"github.com/kelpejol/convoy/internal/money"
)

// DefaultCharsPerToken is the conversion ratio used when none is configured.
const DefaultCharsPerToken = 4

// Counts are the characters observed before cancellation.
type Counts struct {
	InputChars     int64 `json:"input_chars"`
	OutputChars    int64 `json:"output_chars"`
	ReasoningChars int64 `json:"reasoning_chars"`
}

// Estimate is the result of converting Counts to tokens and cost.
type Estimate struct {
	Counts
	InputTokens     int64        `json:"input_tokens"`
	OutputTokens    int64        `json:"output_tokens"`
	ReasoningTokens int64        `json:"reasoning_tokens"`
	Cost            money.Amount `json:"cost"`
}

// Estimator converts character counts to tokens at a fixed ratio. Division
// rounds down so an estimate never exceeds what exact accounting would charge
// for the same text.
type Estimator struct {
	CharsPerToken int
}

// New returns an Estimator using charsPerToken, or the default if it is not
// positive.
func New(charsPerToken int) Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return Estimator{CharsPerToken: charsPerToken}
}

// Estimate prices c with p.
func (e Estimator) Estimate(c Counts, p money.Pricing) Estimate {
	ratio := int64(e.CharsPerToken)
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}

	est := Estimate{
		Counts:          c,
		InputTokens:     nonNegative(c.InputChars) / ratio,
		OutputTokens:    nonNegative(c.OutputChars) / ratio,
		ReasoningTokens: nonNegative(c.ReasoningChars) / ratio,
	}
	est.Cost = p.Cost(est.InputTokens, est.OutputTokens+est.ReasoningTokens)
	return est
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Accumulator collects character counts while a generation streams. It is
// safe for concurrent use.
type Accumulator struct {
	input     atomic.Int64
	output    atomic.Int64
	reasoning atomic.Int64
}

func (a *Accumulator) AddInput(chars int) { a.input.Add(int64(chars)) }
func (a *Accumulator) AddOutput(chars int) { a.output.Add(int64(chars)) }
func (a *Accumulator) AddReasoning(chars int) { a.reasoning.Add(int64(chars)) }

// Counts returns a snapshot of the accumulated counts.
func (a *Accumulator) Counts() Counts {
	return Counts{
		InputChars:     a.input.Load(),
		OutputChars:    a.output.Load(),
		ReasoningChars: a.reasoning.Load(),
	}
}
