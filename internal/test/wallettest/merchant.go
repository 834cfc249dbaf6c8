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

package wallettest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/canonicaljson"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport/transporttest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

// Order is one offer the fake merchant sells.
type Order struct {
	OrderID        string
	ContractRaw    []byte
	HContract      string
	Paid           bool
	PaidCoins      []depositPermission
	paySig         string
	amount         amount.Amount
	hWire          string
	refundDeadline int64
}

// Merchant is a fake merchant wired into a transporttest client.
type Merchant struct {
	BaseURL string

	crypto *talercrypto.Local
	kp     talercrypto.EddsaKeypair

	mu           sync.Mutex
	orders       map[string]*Order
	failNextPays int
}

// NewMerchant registers claim/pay/paid handlers under baseURL.
func NewMerchant(t *testing.T, baseURL string, client *transporttest.Client) *Merchant {
	t.Helper()

	crypto := talercrypto.NewLocal()
	kp, err := crypto.CreateEddsaKeypair()
	require.NoError(t, err)

	m := &Merchant{
		BaseURL: baseURL,
		crypto:  crypto,
		kp:      kp,
		orders:  map[string]*Order{},
	}
	client.Handle(http.MethodPost, baseURL+"orders/", m.handleOrders)
	return m
}

// MerchantPub is the key contracts are signed with.
func (m *Merchant) MerchantPub() string {
	return m.kp.Pub
}

// OrderSpec configures CreateOrder. When AuditorPubs is set the
// contract names no exchanges and accepts any exchange audited by one
// of them. WireMethod selects the wire fee schedule the merchant's
// account uses.
type OrderSpec struct {
	OrderID        string
	Amount         string
	MaxFee         string
	FulfillmentURL string
	Summary        string
	AuditorPubs    []string
	WireMethod     string
	MaxWireFee     string
	Amortization   uint32
}

// CreateOrder registers an order payable at the given exchange and
// returns its pinned contract hash.
func (m *Merchant) CreateOrder(t *testing.T, exchange *Exchange, spec OrderSpec) *Order {
	t.Helper()

	now := time.Now()
	hWire := crock.Encode(m.crypto.Hash([]byte("test-wire-details")))
	contract := wallet.ContractTerms{
		OrderID:             spec.OrderID,
		Summary:             spec.Summary,
		Amount:              amount.MustParse(spec.Amount),
		MaxFee:              amount.MustParse(spec.MaxFee),
		WireFeeAmortization: 1,
		MerchantBaseURL:     m.BaseURL,
		MerchantPub:         m.kp.Pub,
		FulfillmentURL:      spec.FulfillmentURL,
		Timestamp:           now.Unix(),
		RefundDeadline:      now.Add(7 * 24 * time.Hour).Unix(),
		PayDeadline:         now.Add(24 * time.Hour).Unix(),
		HWire:               hWire,
		WireMethod:          spec.WireMethod,
	}
	if len(spec.AuditorPubs) > 0 {
		for i, pub := range spec.AuditorPubs {
			contract.Auditors = append(contract.Auditors, wallet.AuditorHandle{
				Name:       fmt.Sprintf("auditor-%d", i),
				AuditorPub: pub,
			})
		}
	} else {
		contract.Exchanges = []wallet.ExchangeHandle{
			{URL: exchange.BaseURL, MasterPub: exchange.MasterPub()},
		}
	}
	if spec.MaxWireFee != "" {
		maxWire := amount.MustParse(spec.MaxWireFee)
		contract.MaxWireFee = &maxWire
	}
	if spec.Amortization > 0 {
		contract.WireFeeAmortization = spec.Amortization
	}
	raw, err := canonicaljson.Marshal(contract)
	require.NoError(t, err)

	order := &Order{
		OrderID:        spec.OrderID,
		ContractRaw:    raw,
		HContract:      crock.Encode(m.crypto.Hash(raw)),
		amount:         contract.Amount,
		hWire:          hWire,
		refundDeadline: contract.RefundDeadline,
	}
	m.mu.Lock()
	m.orders[spec.OrderID] = order
	m.mu.Unlock()
	return order
}

// FailNextPays makes the next n /pay requests return 500.
func (m *Merchant) FailNextPays(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextPays = n
}

// MakeRefund issues a signed refund permission for a paid order.
func (m *Merchant) MakeRefund(t *testing.T, orderID, coinPub, refundID, refundAmount, refundFee string) wallet.RefundPermission {
	t.Helper()

	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	require.True(t, ok, "unknown order %s", orderID)

	perm := wallet.RefundPermission{
		MerchantPub:  m.kp.Pub,
		HContract:    order.HContract,
		CoinPub:      coinPub,
		RefundID:     refundID,
		RefundAmount: amount.MustParse(refundAmount),
		RefundFee:    amount.MustParse(refundFee),
	}
	body, err := canonicaljson.Marshal(refundBinding{
		HContract:    perm.HContract,
		CoinPub:      perm.CoinPub,
		RefundID:     perm.RefundID,
		RefundAmount: perm.RefundAmount,
		RefundFee:    perm.RefundFee,
	})
	require.NoError(t, err)
	perm.MerchantSig, err = m.crypto.EddsaSign(m.kp.Priv, body)
	require.NoError(t, err)
	return perm
}

func (m *Merchant) handleOrders(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	rest := strings.TrimPrefix(req.URL, m.BaseURL+"orders/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "bad order path"})
	}
	orderID, action := parts[0], parts[1]

	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown order"})
	}

	switch action {
	case "claim":
		return m.handleClaim(order)
	case "pay":
		return m.handlePay(order, req)
	case "paid":
		return m.handlePaid(order, req)
	default:
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown action"})
	}
}

func (m *Merchant) handleClaim(order *Order) (*transport.Response, error) {
	body, err := canonicaljson.Marshal(proposalBinding{HContract: order.HContract})
	if err != nil {
		return nil, err
	}
	sig, err := m.crypto.EddsaSign(m.kp.Priv, body)
	if err != nil {
		return nil, err
	}
	return transporttest.JSONResponse(http.StatusOK, claimResponse{
		ContractTerms: order.ContractRaw,
		Sig:           sig,
	})
}

func (m *Merchant) handlePay(order *Order, req transporttest.Request) (*transport.Response, error) {
	m.mu.Lock()
	if m.failNextPays > 0 {
		m.failNextPays--
		m.mu.Unlock()
		return transporttest.JSONResponse(http.StatusInternalServerError, map[string]string{"hint": "simulated outage"})
	}
	m.mu.Unlock()

	var pr payRequest
	if err := req.JSON(&pr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}
	total := amount.Zero(order.amount.Currency)
	for _, coin := range pr.Coins {
		binding := depositBinding{
			HContract:      coin.HContract,
			CoinPub:        coin.CoinPub,
			Contribution:   coin.Contribution,
			MerchantPub:    m.kp.Pub,
			HWire:          order.hWire,
			RefundDeadline: order.refundDeadline,
		}
		body, err := canonicaljson.Marshal(binding)
		if err != nil {
			return nil, err
		}
		if err := m.crypto.EddsaVerify(coin.CoinPub, body, coin.CoinSig); err != nil {
			return transporttest.JSONResponse(http.StatusForbidden, map[string]string{"hint": "bad coin signature"})
		}
		if coin.HContract != order.HContract {
			return transporttest.JSONResponse(http.StatusForbidden, map[string]string{"hint": "wrong contract"})
		}
		res, err := amount.Add(total, coin.Contribution)
		if err != nil || res.Saturated {
			return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "contribution overflow"})
		}
		total = res.Amount
	}
	if cmp, err := amount.Cmp(total, order.amount); err != nil || cmp < 0 {
		return transporttest.JSONResponse(http.StatusConflict, merchantErrorResponse{
			Code:    "insufficient_funds",
			Message: "contributions do not cover the contract amount",
		})
	}

	body, err := canonicaljson.Marshal(proposalBinding{HContract: order.HContract})
	if err != nil {
		return nil, err
	}
	sig, err := m.crypto.EddsaSign(m.kp.Priv, body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	order.Paid = true
	order.PaidCoins = pr.Coins
	order.paySig = sig
	m.mu.Unlock()
	return transporttest.JSONResponse(http.StatusOK, payResponse{Sig: sig})
}

func (m *Merchant) handlePaid(order *Order, req transporttest.Request) (*transport.Response, error) {
	var pr paidRequest
	if err := req.JSON(&pr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}
	m.mu.Lock()
	paid := order.Paid && order.paySig == pr.Sig && order.HContract == pr.HContract
	m.mu.Unlock()
	if !paid {
		return transporttest.JSONResponse(http.StatusForbidden, map[string]string{"hint": "no such payment"})
	}
	return transporttest.JSONResponse(http.StatusNoContent, map[string]string{})
}
