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

package amount

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		"TESTKUDOS:0",
		"TESTKUDOS:10",
		"TESTKUDOS:0.5",
		"EUR:1.23",
		"EUR:0.00000001",
		"KUDOS:4503599627370496",
	} {
		a, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, a.String())
	}
}

func TestParseNormalizesTrailingZeroes(t *testing.T) {
	a, err := Parse("EUR:1.50")
	require.NoError(t, err)
	assert.Equal(t, "EUR:1.5", a.String())
	assert.Equal(t, uint32(50_000_000), a.Fraction)
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"EUR",
		"eur:1",
		"EUR:",
		"EUR:1.",
		"EUR:1.123456789",
		"EUR:-1",
		"EUR:1.2.3",
		"TOOLONGCURRENCY:1",
		"EUR:4503599627370497",
	} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidAmount, s)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("TESTKUDOS:8.02")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"TESTKUDOS:8.02"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)
}

func TestAddCarriesFraction(t *testing.T) {
	r, err := Add(MustParse("EUR:1.6"), MustParse("EUR:0.7"))
	require.NoError(t, err)
	assert.False(t, r.Saturated)
	assert.Equal(t, MustParse("EUR:2.3"), r.Amount)
}

func TestAddSaturates(t *testing.T) {
	big := Amount{Currency: "EUR", Value: MaxValue}
	r, err := Add(big, MustParse("EUR:1"))
	require.NoError(t, err)
	assert.True(t, r.Saturated)
}

func TestSubBorrowsFraction(t *testing.T) {
	r, err := Sub(MustParse("EUR:2"), MustParse("EUR:0.3"))
	require.NoError(t, err)
	assert.False(t, r.Saturated)
	assert.Equal(t, MustParse("EUR:1.7"), r.Amount)
}

func TestSubClampsToZero(t *testing.T) {
	r, err := Sub(MustParse("EUR:1"), MustParse("EUR:2.5"))
	require.NoError(t, err)
	assert.True(t, r.Saturated)
	assert.True(t, r.Amount.IsZero())
	assert.Equal(t, "EUR", r.Amount.Currency)
}

func TestSubChained(t *testing.T) {
	r, err := Sub(MustParse("EUR:10"), MustParse("EUR:2.5"), MustParse("EUR:2.5"), MustParse("EUR:5"))
	require.NoError(t, err)
	assert.False(t, r.Saturated)
	assert.True(t, r.Amount.IsZero())
}

func TestCurrencyMismatch(t *testing.T) {
	_, err := Add(MustParse("EUR:1"), MustParse("USD:1"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = Sub(MustParse("EUR:1"), MustParse("USD:1"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = Cmp(MustParse("EUR:1"), MustParse("USD:1"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestCmp(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"EUR:1", "EUR:2", -1},
		{"EUR:2", "EUR:1", 1},
		{"EUR:1.5", "EUR:1.5", 0},
		{"EUR:1.4", "EUR:1.5", -1},
		{"EUR:1.6", "EUR:1.5", 1},
	}
	for _, c := range cases {
		got, err := Cmp(MustParse(c.a), MustParse(c.b))
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s vs %s", c.a, c.b)
	}
}

func TestSum(t *testing.T) {
	r, err := Sum([]Amount{MustParse("EUR:1"), MustParse("EUR:2.5"), MustParse("EUR:0.5")})
	require.NoError(t, err)
	assert.Equal(t, MustParse("EUR:4"), r.Amount)

	_, err = Sum(nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
