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

package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

func plannerDenom(value, feeWithdraw string) DenominationRecord {
	return DenominationRecord{
		DenomPubHash: "hash-" + value,
		Value:        amount.MustParse(value),
		FeeWithdraw:  amount.MustParse(feeWithdraw),
	}
}

func testDenoms() []DenominationRecord {
	return []DenominationRecord{
		plannerDenom("TESTKUDOS:8", "TESTKUDOS:0.02"),
		plannerDenom("TESTKUDOS:4", "TESTKUDOS:0.02"),
		plannerDenom("TESTKUDOS:2", "TESTKUDOS:0.02"),
		plannerDenom("TESTKUDOS:1", "TESTKUDOS:0.02"),
		plannerDenom("TESTKUDOS:0.1", "TESTKUDOS:0.02"),
	}
}

func TestPlanWithdrawalGreedy(t *testing.T) {
	picks, cost, err := planWithdrawal(amount.MustParse("TESTKUDOS:20"), testDenoms())
	require.NoError(t, err)
	require.NotEmpty(t, picks)

	// Cost never exceeds the available balance.
	cmp, err := amount.Cmp(cost, amount.MustParse("TESTKUDOS:20"))
	require.NoError(t, err)
	assert.LessOrEqual(t, cmp, 0)

	// Recompute the cost from the picks.
	recomputed := amount.Zero("TESTKUDOS")
	for _, d := range picks {
		res, err := amount.Add(recomputed, d.Value, d.FeeWithdraw)
		require.NoError(t, err)
		require.False(t, res.Saturated)
		recomputed = res.Amount
	}
	assert.Equal(t, cost.String(), recomputed.String())

	// Greedy over these denominations leaves only dust behind: the
	// remainder must be smaller than the cheapest affordable pick.
	left, err := amount.Sub(amount.MustParse("TESTKUDOS:20"), cost)
	require.NoError(t, err)
	cmp, err = amount.Cmp(left.Amount, amount.MustParse("TESTKUDOS:0.12"))
	require.NoError(t, err)
	assert.Less(t, cmp, 0)

	// First pass picks the largest denomination first.
	assert.Equal(t, "TESTKUDOS:8", picks[0].Value.String())
}

func TestPlanWithdrawalExactDeposit(t *testing.T) {
	// 8.02 pays for exactly one 8 coin plus its withdraw fee.
	picks, cost, err := planWithdrawal(amount.MustParse("TESTKUDOS:8.02"), testDenoms())
	require.NoError(t, err)
	require.Len(t, picks, 1)
	assert.Equal(t, "TESTKUDOS:8", picks[0].Value.String())
	assert.Equal(t, "TESTKUDOS:8.02", cost.String())
}

func TestPlanWithdrawalNothingAffordable(t *testing.T) {
	picks, cost, err := planWithdrawal(amount.MustParse("TESTKUDOS:0.01"), testDenoms())
	require.NoError(t, err)
	assert.Empty(t, picks)
	assert.True(t, cost.IsZero())
}

func TestPlanWithdrawalNoDenominations(t *testing.T) {
	picks, cost, err := planWithdrawal(amount.MustParse("TESTKUDOS:20"), nil)
	require.NoError(t, err)
	assert.Empty(t, picks)
	assert.True(t, cost.IsZero())
}

func TestPlanWithdrawalPassCapTerminates(t *testing.T) {
	// One tiny denomination against a huge balance stops at the pass
	// cap instead of looping until the balance drains.
	denoms := []DenominationRecord{plannerDenom("TESTKUDOS:0.00000001", "TESTKUDOS:0")}
	picks, _, err := planWithdrawal(amount.MustParse("TESTKUDOS:1000000"), denoms)
	require.NoError(t, err)
	assert.Len(t, picks, maxPlannerPasses)
}
