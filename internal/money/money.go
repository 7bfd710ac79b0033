// Package money provides the fixed-point monetary type used for balances,
// charges and pricing.
//
// An Amount is a signed count of micro-units (six fractional digits), the
// same representation the ledger has always stored as "grains": 1 USD is
// 1_000_000. Arithmetic on balances and charges is plain int64 arithmetic;
// decimal strings are only parsed and rendered at the edges.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits an Amount carries.
const Precision = 6

// Scale is the number of micro-units in one whole unit.
const Scale = 1_000_000

// TokensPerRateUnit is the token count a Pricing rate is quoted for.
const TokensPerRateUnit = 1_000_000

// Amount is a fixed-point monetary value in micro-units.
type Amount int64

// Zero is the zero Amount.
const Zero Amount = 0

// FromMicros wraps a raw micro-unit count.
func FromMicros(micros int64) Amount {
	return Amount(micros)
}

// Parse converts a decimal string such as "0.134" or "-12.5" into an Amount.
// Values with more than Precision fractional digits are rejected rather than
// rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a decimal value into an Amount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Precision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d fractional digits", d.String(), Precision)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// Micros returns the raw micro-unit count.
func (a Amount) Micros() int64 {
	return int64(a)
}

// Decimal returns the Amount as a decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Precision)
}

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool {
	return a < 0
}

// String renders the amount with all fractional digits, e.g. "-0.084000".
func (a Amount) String() string {
	return a.Decimal().StringFixed(Precision)
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Pricing holds the rates for one model, in micro-units per million tokens.
type Pricing struct {
	InputPerMTok  Amount `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok Amount `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Cost computes (inputTokens*InputPerMTok + outputTokens*OutputPerMTok) / 1M,
// rounded down to a whole micro-unit. Reasoning tokens are billed as output
// and must be included in outputTokens by the caller.
func (p Pricing) Cost(inputTokens, outputTokens int64) Amount {
	in := decimal.NewFromInt(inputTokens).Mul(decimal.NewFromInt(int64(p.InputPerMTok)))
	out := decimal.NewFromInt(outputTokens).Mul(decimal.NewFromInt(int64(p.OutputPerMTok)))
	total := in.Add(out).Div(decimal.NewFromInt(TokensPerRateUnit)).Floor()
	return Amount(total.IntPart())
}
