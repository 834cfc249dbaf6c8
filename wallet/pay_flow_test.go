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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/test/wallettest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

func preparePayment(t *testing.T, env *wallettest.Env, orderID, amt string) (*wallettest.Order, *wallet.PreparePayResult) {
	t.Helper()
	order := env.Merchant.CreateOrder(t, env.Exchange, wallettest.OrderSpec{
		OrderID:        orderID,
		Amount:         amt,
		MaxFee:         "TESTKUDOS:1",
		FulfillmentURL: "https://shop.test/" + orderID,
		Summary:        "test purchase",
	})
	res, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, orderID, "")
	require.NoError(t, err)
	return order, res
}

func TestPayEndToEnd(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")
	before := availableBalance(t, env.Wallet)

	order, res := preparePayment(t, env, "order-1", "TESTKUDOS:5")
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)
	require.NotEmpty(t, res.ProposalID)
	require.NotNil(t, res.TotalCost)
	// Total cost covers at least the contract amount.
	cmp, err := amount.Cmp(*res.TotalCost, amount.MustParse("TESTKUDOS:5"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cmp, 0)

	confirmed, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)
	assert.True(t, confirmed.Paid)
	assert.True(t, order.Paid)

	// Spendable balance drops by at least the contract amount.
	after := availableBalance(t, env.Wallet)
	spent, err := amount.Sub(before, after)
	require.NoError(t, err)
	require.False(t, spent.Saturated)
	cmp, err = amount.Cmp(spent.Amount, amount.MustParse("TESTKUDOS:5"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cmp, 0)

	// Preparing the same order again reports the existing payment
	// instead of downloading a fresh contract.
	res2, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-1", "")
	require.NoError(t, err)
	assert.Equal(t, wallet.PayStatusAlreadyConfirmed, res2.Status)
	assert.True(t, res2.Paid)
	assert.Equal(t, res.ProposalID, res2.ProposalID)

	// Confirming again replays the proof of payment without spending
	// anything new.
	confirmed2, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)
	assert.True(t, confirmed2.Paid)
	assert.Equal(t, after.String(), availableBalance(t, env.Wallet).String())
}

func TestPayInsufficientBalance(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:5")

	_, res := preparePayment(t, env, "order-big", "TESTKUDOS:100")
	assert.Equal(t, wallet.PayStatusInsufficientBalance, res.Status)

	// No coin was touched.
	coins, err := env.Wallet.DumpCoins(t.Context())
	require.NoError(t, err)
	for _, c := range coins {
		assert.Equal(t, wallet.CoinFresh, c.Status)
	}
}

func TestPayCoinConservation(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	_, res := preparePayment(t, env, "order-2", "TESTKUDOS:3")
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)

	// Committed coins are dormant; residual value rides through a
	// refresh group back into fresh coins, minus fees.
	runUntilDone(t, env.Wallet)

	total := availableBalance(t, env.Wallet)
	// 19.6 withdrawn minus 3 paid, minus deposit and refresh fees.
	upper := amount.MustParse("TESTKUDOS:16.6")
	cmp, err := amount.Cmp(total, upper)
	require.NoError(t, err)
	assert.LessOrEqual(t, cmp, 0)
	// Fees are bounded, the change cannot vanish.
	lower := amount.MustParse("TESTKUDOS:16")
	cmp, err = amount.Cmp(total, lower)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cmp, 0)
}

func TestPayRetriesTransientMerchantFailure(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	order, res := preparePayment(t, env, "order-3", "TESTKUDOS:2")
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)

	env.Merchant.FailNextPays(1)
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.Error(t, err)
	assert.False(t, order.Paid)

	// The purchase stays pending and the scheduler drives it through.
	runUntilDone(t, env.Wallet)
	assert.True(t, order.Paid)

	res2, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-3", "")
	require.NoError(t, err)
	assert.True(t, res2.Paid)
}

func TestRefuseProposal(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	_, res := preparePayment(t, env, "order-4", "TESTKUDOS:2")
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)

	require.NoError(t, env.Wallet.RefuseProposal(t.Context(), res.ProposalID))
	// Refusing twice is a no-op.
	require.NoError(t, env.Wallet.RefuseProposal(t.Context(), res.ProposalID))

	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.ErrorIs(t, err, wallet.ErrProposalRefused)
	assert.Equal(t, "TESTKUDOS:19.6", availableBalance(t, env.Wallet).String())
}

func TestPayViaAuditedExchange(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	env.Exchange.AddAuditor("auditor-pub-1", "https://auditor.test/")
	withdrawBalance(t, env, "TESTKUDOS:20")

	// The contract names no exchange, only an auditor the wallet's
	// exchange is audited by.
	order := env.Merchant.CreateOrder(t, env.Exchange, wallettest.OrderSpec{
		OrderID:        "order-aud",
		Amount:         "TESTKUDOS:5",
		MaxFee:         "TESTKUDOS:1",
		FulfillmentURL: "https://shop.test/order-aud",
		Summary:        "audited purchase",
		AuditorPubs:    []string{"auditor-pub-1"},
	})
	res, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-aud", "")
	require.NoError(t, err)
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)

	confirmed, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)
	assert.True(t, confirmed.Paid)
	assert.True(t, order.Paid)
}

func TestPayRejectsUnknownAuditor(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	env.Exchange.AddAuditor("auditor-pub-1", "https://auditor.test/")
	withdrawBalance(t, env, "TESTKUDOS:20")

	env.Merchant.CreateOrder(t, env.Exchange, wallettest.OrderSpec{
		OrderID:        "order-aud-2",
		Amount:         "TESTKUDOS:5",
		MaxFee:         "TESTKUDOS:1",
		FulfillmentURL: "https://shop.test/order-aud-2",
		Summary:        "unauditable purchase",
		AuditorPubs:    []string{"some-other-auditor"},
	})
	res, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-aud-2", "")
	require.NoError(t, err)
	assert.Equal(t, wallet.PayStatusInsufficientBalance, res.Status)
}

func TestPayPricesSyncedWireFee(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	now := time.Now()
	env.Exchange.SetWireFee(t, "iban",
		amount.MustParse("TESTKUDOS:0.5"), amount.MustParse("TESTKUDOS:0.1"),
		now.Add(-time.Hour), now.Add(24*time.Hour))
	withdrawBalance(t, env, "TESTKUDOS:20")

	// The exchange sync stored the verified fee schedule.
	recs, err := env.Wallet.ListExchanges(t.Context())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].WireInfo, "iban")
	assert.Equal(t, "TESTKUDOS:0.5", recs[0].WireInfo["iban"][0].WireFee.String())

	// With no merchant wire fee allowance the full fee lands on the
	// customer's side of the price.
	env.Merchant.CreateOrder(t, env.Exchange, wallettest.OrderSpec{
		OrderID:        "order-wf",
		Amount:         "TESTKUDOS:5",
		MaxFee:         "TESTKUDOS:1",
		FulfillmentURL: "https://shop.test/order-wf",
		Summary:        "wire fee purchase",
		WireMethod:     "iban",
	})
	res, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-wf", "")
	require.NoError(t, err)
	require.Equal(t, wallet.PayStatusPaymentPossible, res.Status)
	require.NotNil(t, res.TotalCost)
	cmp, err := amount.Cmp(*res.TotalCost, amount.MustParse("TESTKUDOS:5.5"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cmp, 0)
}

func TestPayRepurchaseDetection(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	_, res := preparePayment(t, env, "order-5", "TESTKUDOS:2")
	_, err := env.Wallet.ConfirmPay(t.Context(), res.ProposalID)
	require.NoError(t, err)

	// A different order for the same fulfillment URL maps back to the
	// purchase that already covers it.
	env.Merchant.CreateOrder(t, env.Exchange, wallettest.OrderSpec{
		OrderID:        "order-5-again",
		Amount:         "TESTKUDOS:2",
		MaxFee:         "TESTKUDOS:1",
		FulfillmentURL: "https://shop.test/order-5",
		Summary:        "same article",
	})
	res2, err := env.Wallet.PreparePay(t.Context(), wallettest.MerchantBaseURL, "order-5-again", "")
	require.NoError(t, err)
	assert.Equal(t, wallet.PayStatusAlreadyConfirmed, res2.Status)
	assert.True(t, res2.Paid)
	assert.Equal(t, res.ProposalID, res2.ProposalID)
}
