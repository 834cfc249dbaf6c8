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

func refundTransactionCount(t *testing.T, w *wallet.Wallet) int {
	t.Helper()
	txs, err := w.GetTransactions(t.Context())
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Type == wallet.HistoryRefund {
			n++
		}
	}
	return n
}

func TestRefundIsIdempotent(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	order, res := preparePayment(t, env, "order-r1", "TESTKUDOS:5")
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)
	runUntilDone(t, env.Wallet)
	afterPay := availableBalance(t, env.Wallet)

	// Refund the first deposited coin's full contribution.
	paid := order.PaidCoins[0]
	perm := env.Merchant.MakeRefund(t, "order-r1", paid.CoinPub, "refund-1",
		paid.Contribution.String(), "TESTKUDOS:0.01")

	require.NoError(t, env.Wallet.ApplyRefund(t.Context(), perm))
	require.Equal(t, 1, refundTransactionCount(t, env.Wallet))

	// Replaying the identical permission changes nothing.
	require.NoError(t, env.Wallet.ApplyRefund(t.Context(), perm))
	require.Equal(t, 1, refundTransactionCount(t, env.Wallet))

	// The credit reaches the spendable balance through a refresh.
	runUntilDone(t, env.Wallet)
	after := availableBalance(t, env.Wallet)
	cmp, err := amount.Cmp(after, afterPay)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cmp, 0)
}

func TestRefundSettlesAfterRefresh(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	order, res := preparePayment(t, env, "order-r4", "TESTKUDOS:5")
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)
	runUntilDone(t, env.Wallet)

	paid := order.PaidCoins[0]
	perm := env.Merchant.MakeRefund(t, "order-r4", paid.CoinPub, "refund-1",
		paid.Contribution.String(), "TESTKUDOS:0.01")
	require.NoError(t, env.Wallet.ApplyRefund(t.Context(), perm))

	// Until the refresh group mints the credit the refund is pending.
	refunds, err := env.Wallet.ListRefunds(t.Context(), res.ProposalID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, wallet.RefundPending, refunds[0].State)
	assert.NotEmpty(t, refunds[0].RefreshGroupID)

	runUntilDone(t, env.Wallet)

	refunds, err = env.Wallet.ListRefunds(t.Context(), res.ProposalID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, wallet.RefundApplied, refunds[0].State)
}

func TestRefundRejectsBadSignature(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	order, res := preparePayment(t, env, "order-r2", "TESTKUDOS:5")
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)

	paid := order.PaidCoins[0]
	perm := env.Merchant.MakeRefund(t, "order-r2", paid.CoinPub, "refund-1",
		paid.Contribution.String(), "TESTKUDOS:0.01")
	perm.RefundAmount = amount.MustParse("TESTKUDOS:100")

	err = env.Wallet.ApplyRefund(t.Context(), perm)
	var perr wallet.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, refundTransactionCount(t, env.Wallet))
}

func TestTransactionHistoryOrder(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	order, res := preparePayment(t, env, "order-r3", "TESTKUDOS:5")
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)

	paid := order.PaidCoins[0]
	perm := env.Merchant.MakeRefund(t, "order-r3", paid.CoinPub, "refund-1",
		paid.Contribution.String(), "TESTKUDOS:0.01")
	require.NoError(t, env.Wallet.ApplyRefund(t.Context(), perm))

	txs, err := env.Wallet.GetTransactions(t.Context())
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, wallet.HistoryWithdrawal, txs[0].Type)
	assert.Equal(t, wallet.HistoryPayment, txs[1].Type)
	assert.Equal(t, wallet.HistoryRefund, txs[2].Type)
}
