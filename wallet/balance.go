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
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

// Balance is the per-currency view of the wallet's money.
type Balance struct {
	Available amount.Amount `json:"available"`
	// PendingIncoming is reserve money not yet turned into coins.
	PendingIncoming amount.Amount `json:"pendingIncoming"`
}

// GetBalances sums spendable coins and pending reserves per currency,
// sorted by currency code.
func (w *Wallet) GetBalances(ctx context.Context) ([]Balance, error) {
	byCurrency := map[string]*Balance{}
	get := func(currency string) *Balance {
		b, ok := byCurrency[currency]
		if !ok {
			b = &Balance{
				Available:       amount.Zero(currency),
				PendingIncoming: amount.Zero(currency),
			}
			byCurrency[currency] = b
		}
		return b
	}

	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		err := tx.Iter(tableCoins, func(key string, raw []byte) (bool, error) {
			var coin CoinRecord
			if err := json.Unmarshal(raw, &coin); err != nil {
				return false, err
			}
			if !coin.Spendable() {
				return true, nil
			}
			b := get(coin.CurrentAmount.Currency)
			res, err := amount.Add(b.Available, coin.CurrentAmount)
			if err != nil || res.Saturated {
				return false, fmt.Errorf("balance overflow in %s", coin.CurrentAmount.Currency)
			}
			b.Available = res.Amount
			return true, nil
		})
		if err != nil {
			return err
		}
		return tx.Iter(tableReserves, func(key string, raw []byte) (bool, error) {
			var rec ReserveRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			if rec.Status == ReserveDormant {
				return true, nil
			}
			b := get(rec.CurrentAmount.Currency)
			res, err := amount.Add(b.PendingIncoming, rec.CurrentAmount, rec.PrecoinAmount)
			if err != nil || res.Saturated {
				return false, fmt.Errorf("balance overflow in %s", rec.CurrentAmount.Currency)
			}
			b.PendingIncoming = res.Amount
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	currencies := make([]string, 0, len(byCurrency))
	for c := range byCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	balances := make([]Balance, 0, len(currencies))
	for _, c := range currencies {
		balances = append(balances, *byCurrency[c])
	}
	return balances, nil
}

// spendableBalance sums spendable coins of one currency.
func (w *Wallet) spendableBalance(ctx context.Context, currency string) (amount.Amount, error) {
	total := amount.Zero(currency)
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.Iter(tableCoins, func(key string, raw []byte) (bool, error) {
			var coin CoinRecord
			if err := json.Unmarshal(raw, &coin); err != nil {
				return false, err
			}
			if !coin.Spendable() || coin.CurrentAmount.Currency != currency {
				return true, nil
			}
			res, err := amount.Add(total, coin.CurrentAmount)
			if err != nil || res.Saturated {
				return false, fmt.Errorf("balance overflow in %s", currency)
			}
			total = res.Amount
			return true, nil
		})
	})
	return total, err
}

// Transaction is one user-visible event log entry.
type Transaction struct {
	Type      HistoryType    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Amount    *amount.Amount `json:"amount,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// GetTransactions lists withdrawals, payments and refunds in
// chronological order. History keys sort chronologically, so plain
// iteration suffices.
func (w *Wallet) GetTransactions(ctx context.Context) ([]Transaction, error) {
	var txs []Transaction
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.Iter(tableHistory, func(key string, raw []byte) (bool, error) {
			var rec HistoryRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			switch rec.Type {
			case HistoryWithdrawal, HistoryPayment, HistoryRefund:
				txs = append(txs, Transaction{
					Type:      rec.Type,
					Timestamp: rec.Timestamp,
					Amount:    rec.Amount,
					Detail:    rec.Detail,
				})
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// CoinDump is the diagnostic view of one coin.
type CoinDump struct {
	CoinPub         string         `json:"coinPub"`
	ExchangeBaseURL string         `json:"exchangeBaseUrl"`
	DenomPubHash    string         `json:"denomPubHash"`
	CurrentAmount   amount.Amount  `json:"currentAmount"`
	Status          CoinStatus     `json:"status"`
	Suspended       bool           `json:"suspended"`
	CoinSource      CoinSourceType `json:"coinSource"`
}

// DumpCoins lists every coin the wallet holds, spendable or not.
func (w *Wallet) DumpCoins(ctx context.Context) ([]CoinDump, error) {
	var dump []CoinDump
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.Iter(tableCoins, func(key string, raw []byte) (bool, error) {
			var coin CoinRecord
			if err := json.Unmarshal(raw, &coin); err != nil {
				return false, err
			}
			dump = append(dump, CoinDump{
				CoinPub:         coin.CoinPub,
				ExchangeBaseURL: coin.ExchangeBaseURL,
				DenomPubHash:    coin.DenomPubHash,
				CurrentAmount:   coin.CurrentAmount,
				Status:          coin.Status,
				Suspended:       coin.Suspended,
				CoinSource:      coin.CoinSource,
			})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

// SetCoinSuspended excludes or readmits a coin for coin selection.
func (w *Wallet) SetCoinSuspended(ctx context.Context, coinPub string, suspended bool) error {
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var coin CoinRecord
		found, err := tx.Get(tableCoins, coinPub, &coin)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown coin %s", coinPub)}
		}
		coin.Suspended = suspended
		return tx.Put(tableCoins, coinPub, coin)
	})
}
