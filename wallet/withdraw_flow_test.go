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

package wallet_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/test/wallettest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

func runUntilDone(t *testing.T, w *wallet.Wallet) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	require.NoError(t, w.RunUntilDone(ctx))
}

func availableBalance(t *testing.T, w *wallet.Wallet) amount.Amount {
	t.Helper()
	balances, err := w.GetBalances(t.Context())
	require.NoError(t, err)
	if len(balances) == 0 {
		return amount.Zero("TESTKUDOS")
	}
	require.Len(t, balances, 1)
	return balances[0].Available
}

func withdrawBalance(t *testing.T, env *wallettest.Env, amt string) {
	t.Helper()
	_, err := env.Wallet.WithdrawTestBalance(
		t.Context(), wallettest.ExchangeBaseURL, wallettest.BankBaseURL, amount.MustParse(amt))
	require.NoError(t, err)
	runUntilDone(t, env.Wallet)
}

func TestWithdrawEndToEnd(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	withdrawBalance(t, env, "TESTKUDOS:20")

	// Greedy planning over the default denominations converts 20 into
	// 19.6 of coins, the remaining 0.4 going to withdraw fees and dust.
	assert.Equal(t, "TESTKUDOS:19.6", availableBalance(t, env.Wallet).String())

	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	assert.Len(t, coins, 11)
	for _, c := range coins {
		assert.Equal(t, wallet.CoinFresh, c.Status)
		assert.Equal(t, wallet.CoinSourceWithdraw, c.CoinSource)
		assert.Equal(t, wallettest.ExchangeBaseURL, c.ExchangeBaseURL)
	}

	// The depleted reserve no longer counts as pending incoming.
	balances, err := env.Wallet.GetBalances(t.Context())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].PendingIncoming.IsZero())

	txs, err := env.Wallet.GetTransactions(t.Context())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, wallet.HistoryWithdrawal, txs[0].Type)
}

func TestWithdrawResumesAfterLostResponse(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	// The exchange accepts one withdraw request but the response never
	// reaches the wallet, as if the wallet crashed mid-request.
	env.Exchange.DropNextWithdrawResponses(1)

	withdrawBalance(t, env, "TESTKUDOS:20")

	// The persisted planchet is retried with the identical blinded
	// message, so the exchange deducts the reserve only once and the
	// wallet ends up with the full coin set, no duplicates.
	assert.Equal(t, "TESTKUDOS:19.6", availableBalance(t, env.Wallet).String())
	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	assert.Len(t, coins, 11)
	// 11 successful requests plus the dropped one and its retry.
	assert.Equal(t, 12, env.Exchange.WithdrawHits())
}

func TestWithdrawResumesAfterRestart(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	env.Exchange.FailNextWithdraws(2)
	_, err := env.Wallet.WithdrawTestBalance(
		t.Context(), wallettest.ExchangeBaseURL, wallettest.BankBaseURL, amount.MustParse("TESTKUDOS:20"))
	require.NoError(t, err)

	// First pass hits the two injected failures and leaves precoins
	// behind.
	_, err = env.Wallet.ProcessPending(t.Context())
	require.NoError(t, err)

	// A second wallet over the same store picks the work back up.
	restarted := env.NewWalletOverStore(t)
	runUntilDone(t, restarted)

	assert.Equal(t, "TESTKUDOS:19.6", availableBalance(t, restarted).String())
	coins, err := restarted.DumpCoins(t.Context())
	require.NoError(t, err)
	assert.Len(t, coins, 11)
}

func TestStatusFetchesCarryTimeout(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	// Every wallet-initiated GET must bound its wait so a stuck peer
	// cannot stall a scheduler step.
	gets := 0
	for _, r := range env.Client.Requests() {
		if r.Method != http.MethodGet {
			continue
		}
		gets++
		assert.Greater(t, r.Timeout, time.Duration(0), "GET %s has no timeout", r.URL)
	}
	require.NotZero(t, gets)
}

func TestWithdrawTinyReserveStaysUnconverted(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	// Below the cheapest denomination cost nothing can be withdrawn;
	// the scheduler must still terminate.
	withdrawBalance(t, env, "TESTKUDOS:0.05")

	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	assert.Empty(t, coins)
}
