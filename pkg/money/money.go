// Package money provides exact decimal arithmetic for fiat and crypto
// amounts. All monetary values in the system flow through Amount; floats
// are never used for money.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is an exact decimal monetary value. The zero value is zero.
// Amounts are immutable; arithmetic returns new values.
type Amount struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromInt builds an Amount from an integral value.
func FromInt(n int64) Amount {
	return Amount{d: decimal.NewFromInt(n)}
}

// FromDecimal wraps a raw decimal.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d}
}

// Parse builds an Amount from its string form.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for constants in tests and fixtures; it panics on
// malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount      { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount      { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) MulInt(n int64) Amount    { return Amount{d: a.d.Mul(decimal.NewFromInt(n))} }
func (a Amount) Div(b Amount) Amount      { return Amount{d: a.d.Div(b.d)} }
func (a Amount) Neg() Amount              { return Amount{d: a.d.Neg()} }
func (a Amount) Cmp(b Amount) int         { return a.d.Cmp(b.d) }
func (a Amount) Eq(b Amount) bool         { return a.d.Equal(b.d) }
func (a Amount) LT(b Amount) bool         { return a.d.LessThan(b.d) }
func (a Amount) LTE(b Amount) bool        { return a.d.LessThanOrEqual(b.d) }
func (a Amount) GT(b Amount) bool         { return a.d.GreaterThan(b.d) }
func (a Amount) GTE(b Amount) bool        { return a.d.GreaterThanOrEqual(b.d) }
func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) IsNegative() bool         { return a.d.IsNegative() }
func (a Amount) IsPositive() bool         { return a.d.IsPositive() }
func (a Amount) Decimal() decimal.Decimal { return a.d }
func (a Amount) String() string           { return a.d.String() }

// IntPart returns the integral part of the amount.
func (a Amount) IntPart() int64 {
	return a.d.IntPart()
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a.LTE(b) {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b Amount) Amount {
	if a.GTE(b) {
		return a
	}
	return b
}

// Sum adds a series of amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes the amount as a JSON number string, preserving
// exactness across the wire and the local log.
func (a Amount) MarshalJSON() ([]byte, error) {
	return a.d.MarshalJSON()
}

// UnmarshalJSON decodes either a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.d = d
	return nil
}
