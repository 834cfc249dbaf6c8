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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/test/wallettest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

func findCoinByValue(t *testing.T, w *wallet.Wallet, value string) wallet.CoinDump {
	t.Helper()
	coins, err := w.DumpCoins(t.Context())
	require.NoError(t, err)
	for _, c := range coins {
		if c.CurrentAmount.String() == value && c.Status == wallet.CoinFresh {
			return c
		}
	}
	t.Fatalf("no fresh coin worth %s", value)
	return wallet.CoinDump{}
}

func TestForceRefreshMintsNewCoins(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	old := findCoinByValue(t, env.Wallet, "TESTKUDOS:8")
	require.NoError(t, env.Wallet.ForceRefresh(t.Context(), old.CoinPub))
	runUntilDone(t, env.Wallet)

	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	refreshed := amount.Zero("TESTKUDOS")
	for _, c := range coins {
		switch {
		case c.CoinPub == old.CoinPub:
			assert.Equal(t, wallet.CoinDormant, c.Status)
			assert.True(t, c.CurrentAmount.IsZero())
		case c.CoinSource == wallet.CoinSourceRefresh:
			assert.Equal(t, wallet.CoinFresh, c.Status)
			res, err := amount.Add(refreshed, c.CurrentAmount)
			require.NoError(t, err)
			refreshed = res.Amount
		}
	}

	// 8 melts for a 0.01 fee into 4 + 2 + 1 + 7x0.1 after withdraw
	// fees, forfeiting 0.09 of dust.
	assert.Equal(t, "TESTKUDOS:7.7", refreshed.String())
	assert.Equal(t, "TESTKUDOS:19.3", availableBalance(t, env.Wallet).String())
}

func TestRevealFailureBooksRetryBackoff(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	old := findCoinByValue(t, env.Wallet, "TESTKUDOS:8")
	env.Exchange.BreakNextReveals(1)
	require.NoError(t, env.Wallet.ForceRefresh(t.Context(), old.CoinPub))

	_, err := env.Wallet.ProcessPending(t.Context())
	require.NoError(t, err)

	// A truncated reveal answer books a retry with backoff; the group
	// must not stay due immediately or the scheduler would hammer the
	// exchange in a tight loop.
	ops, err := env.Wallet.GetPendingOperations(t.Context())
	require.NoError(t, err)
	var refreshOp *wallet.PendingOperation
	for i := range ops {
		if ops[i].Type == wallet.PendingRefresh {
			refreshOp = &ops[i]
		}
	}
	require.NotNil(t, refreshOp, "refresh group not pending after failed reveal")
	assert.True(t, refreshOp.Retry.Active)
	assert.GreaterOrEqual(t, refreshOp.Retry.RetryCounter, 1)

	// Once the exchange answers properly the refresh completes.
	runUntilDone(t, env.Wallet)
	assert.Equal(t, "TESTKUDOS:19.3", availableBalance(t, env.Wallet).String())
}

func TestForceRefreshRejectsUnknownCoin(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	err := env.Wallet.ForceRefresh(t.Context(), "no-such-coin")
	require.Error(t, err)
}

func TestSuspendedCoinExcludedFromPayment(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	// Suspend everything; nothing is selectable.
	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	for _, c := range coins {
		require.NoError(t, env.Wallet.SetCoinSuspended(t.Context(), c.CoinPub, true))
	}

	_, res := preparePayment(t, env, "order-s1", "TESTKUDOS:2")
	assert.Equal(t, wallet.PayStatusInsufficientBalance, res.Status)

	// Readmit them and the payment goes through.
	for _, c := range coins {
		require.NoError(t, env.Wallet.SetCoinSuspended(t.Context(), c.CoinPub, false))
	}
	res2, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-s1", "")
	require.NoError(t, err)
	assert.Equal(t, wallet.PayStatusPaymentPossible, res2.Status)
}
