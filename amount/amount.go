// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amount implements exact fixed-point currency arithmetic.
//
// An amount is a currency code together with an integral value and a
// fraction in units of 1/FractionalBase. Arithmetic never wraps silently:
// subtraction that would go below zero clamps to zero and reports
// saturation, addition that would exceed MaxValue clamps to the maximum
// and reports saturation. Callers must check the Saturated flag before
// trusting a result.
package amount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FractionalBase is the number of fractional units per major currency
	// unit.
	FractionalBase = 100_000_000

	// MaxValue is the largest representable integral value. Amounts are
	// kept small enough to survive a round-trip through a float64 JSON
	// number in foreign implementations.
	MaxValue = uint64(1) << 52
)

var (
	// ErrCurrencyMismatch indicates an operation on two amounts of
	// different currencies. This is always a hard error, never a
	// saturation case.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidAmount indicates a string or field combination that does
	// not denote a valid amount.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Amount is an exact monetary value: Value major units plus
// Fraction/FractionalBase. Fraction is always normalized into
// [0, FractionalBase).
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

// Result is the outcome of a saturating arithmetic operation.
type Result struct {
	Amount    Amount
	Saturated bool
}

// Zero returns the zero amount of the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// String renders the amount in the "CUR:1.23" wire format. Trailing
// fractional zeroes are omitted; a zero fraction renders with no decimal
// point.
func (a Amount) String() string {
	s := a.Currency + ":" + strconv.FormatUint(a.Value, 10)
	if a.Fraction == 0 {
		return s
	}
	frac := strconv.FormatUint(uint64(a.Fraction)+FractionalBase, 10)[1:]
	return s + "." + strings.TrimRight(frac, "0")
}

// MarshalJSON renders the amount as its wire string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON parses the "CUR:1.23" wire string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse parses an amount of the form "CUR:1.23". The currency must be
// 1 to 12 uppercase letters, the fractional part at most 8 digits.
func Parse(s string) (Amount, error) {
	cur, rest, ok := strings.Cut(s, ":")
	if !ok || !validCurrency(cur) {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	intPart, fracPart, hasFrac := strings.Cut(rest, ".")
	value, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil || value > MaxValue {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var fraction uint32
	if hasFrac {
		if fracPart == "" || len(fracPart) > 8 {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		f, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		for i := len(fracPart); i < 8; i++ {
			f *= 10
		}
		fraction = uint32(f)
	}
	return Amount{Currency: cur, Value: value, Fraction: fraction}, nil
}

// MustParse parses an amount or panics. Should only be used in tests and
// for compile-time constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func validCurrency(cur string) bool {
	if len(cur) < 1 || len(cur) > 12 {
		return false
	}
	for _, c := range cur {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Add returns a + b1 + b2 + ... with saturation at MaxValue. All operands
// must share a currency.
func Add(a Amount, bs ...Amount) (Result, error) {
	acc := a
	for _, b := range bs {
		if b.Currency != acc.Currency {
			return Result{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, acc.Currency, b.Currency)
		}
		frac := uint64(acc.Fraction) + uint64(b.Fraction)
		carry := frac / FractionalBase
		frac %= FractionalBase
		value := acc.Value + b.Value + carry
		if value < acc.Value || value > MaxValue {
			return Result{Amount: Amount{Currency: acc.Currency, Value: MaxValue, Fraction: FractionalBase - 1}, Saturated: true}, nil
		}
		acc = Amount{Currency: acc.Currency, Value: value, Fraction: uint32(frac)}
	}
	return Result{Amount: acc}, nil
}

// Sub returns a - b1 - b2 - ..., clamping at zero. A result that clamped
// has Saturated set; callers must check it, an ignored saturation drops a
// fee check.
func Sub(a Amount, bs ...Amount) (Result, error) {
	acc := a
	for _, b := range bs {
		if b.Currency != acc.Currency {
			return Result{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, acc.Currency, b.Currency)
		}
		value := acc.Value
		frac := acc.Fraction
		if frac < b.Fraction {
			if value == 0 {
				return Result{Amount: Zero(acc.Currency), Saturated: true}, nil
			}
			value--
			frac += FractionalBase
		}
		frac -= b.Fraction
		if value < b.Value {
			return Result{Amount: Zero(acc.Currency), Saturated: true}, nil
		}
		acc = Amount{Currency: acc.Currency, Value: value - b.Value, Fraction: frac}
	}
	return Result{Amount: acc}, nil
}

// Cmp compares two amounts of the same currency, returning -1, 0 or 1.
func Cmp(a, b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Value < b.Value:
		return -1, nil
	case a.Value > b.Value:
		return 1, nil
	case a.Fraction < b.Fraction:
		return -1, nil
	case a.Fraction > b.Fraction:
		return 1, nil
	}
	return 0, nil
}

// Sum adds up a non-empty slice of amounts.
func Sum(as []Amount) (Result, error) {
	if len(as) == 0 {
		return Result{}, fmt.Errorf("%w: empty sum", ErrInvalidAmount)
	}
	return Add(as[0], as[1:]...)
}
