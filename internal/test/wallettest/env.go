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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage/inmem"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport/transporttest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

// Default base URLs for the fakes.
const (
	ExchangeBaseURL = "https://exchange.test/"
	MerchantBaseURL = "https://merchant.test/"
	BankBaseURL     = "https://bank.test/"
)

// Env bundles a wallet with fake exchange, merchant and bank, all
// talking over an in-process transport.
type Env struct {
	Client   *transporttest.Client
	Store    *inmem.Store
	Wallet   *wallet.Wallet
	Exchange *Exchange
	Merchant *Merchant
	Bank     *Bank
}

// NewEnv assembles the full test environment. The retry policy is
// shrunk so scheduler tests finish quickly.
func NewEnv(t *testing.T, specs []DenomSpec) *Env {
	t.Helper()

	client := transporttest.NewClient()
	exchange := NewExchange(t, ExchangeBaseURL, client, specs)
	merchant := NewMerchant(t, MerchantBaseURL, client)
	bank := NewBank(t, BankBaseURL, client, exchange)

	store := inmem.NewStore(wallet.Schema())
	w, err := wallet.New(wallet.Config{
		Retry: wallet.RetryPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
		},
	}, store, client, talercrypto.NewLocal())
	require.NoError(t, err)
	t.Cleanup(w.Close)

	return &Env{
		Client:   client,
		Store:    store,
		Wallet:   w,
		Exchange: exchange,
		Merchant: merchant,
		Bank:     bank,
	}
}

// NewWalletOverStore opens a second wallet on the same store, used by
// crash recovery tests to simulate a restart.
func (e *Env) NewWalletOverStore(t *testing.T) *wallet.Wallet {
	t.Helper()

	w, err := wallet.New(wallet.Config{
		Retry: wallet.RetryPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
		},
	}, e.Store, e.Client, talercrypto.NewLocal())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}
