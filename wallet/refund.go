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
	"log/slog"
	"sort"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

// ApplyRefund validates a merchant-issued refund permission and routes
// the refunded value into a refresh group. The refund stays Pending
// until that group finishes minting the credit as fresh coins.
// Application is idempotent per (merchantPub, refundId).
func (w *Wallet) ApplyRefund(ctx context.Context, perm RefundPermission) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.ApplyRefund")
	defer span.End()

	binding := refundBinding{
		HContract:    perm.HContract,
		CoinPub:      perm.CoinPub,
		RefundID:     perm.RefundID,
		RefundAmount: perm.RefundAmount,
		RefundFee:    perm.RefundFee,
	}
	if err := w.verifyCanonical(perm.MerchantPub, binding, perm.MerchantSig); err != nil {
		return ProtocolError{
			Operation: "refund",
			URL:       perm.MerchantPub,
			Err:       fmt.Errorf("merchant signature over refund invalid: %w", err),
		}
	}

	credit, err := amount.Sub(perm.RefundAmount, perm.RefundFee)
	if err != nil {
		return err
	}
	if credit.Saturated {
		return ProtocolError{
			Operation: "refund",
			URL:       perm.MerchantPub,
			Err:       fmt.Errorf("refund fee exceeds refund amount"),
		}
	}

	key := refundKey(perm.MerchantPub, perm.RefundID)
	applied := false
	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		purchase, err := purchaseByContractHash(tx, perm.HContract)
		if err != nil {
			return err
		}
		if purchase == nil {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("no purchase for contract %s", perm.HContract)}
		}
		if _, ok := purchase.Refunds[key]; ok {
			// Pending or applied, the credit is already booked.
			return nil
		}

		var coin CoinRecord
		found, err := tx.Get(tableCoins, perm.CoinPub, &coin)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("refunded coin %s disappeared", perm.CoinPub)}
		}
		paidWithCoin := false
		for _, pub := range purchase.PayCoinSelection.CoinPubs {
			if pub == perm.CoinPub {
				paidWithCoin = true
				break
			}
		}
		if !paidWithCoin {
			return ProtocolError{
				Operation: "refund",
				URL:       perm.MerchantPub,
				Err:       fmt.Errorf("coin %s did not pay for contract %s", perm.CoinPub, perm.HContract),
			}
		}

		credited, err := amount.Add(coin.CurrentAmount, credit.Amount)
		if err != nil || credited.Saturated {
			return ConsistencyError{Err: fmt.Errorf("refund credit overflow on coin %s", perm.CoinPub)}
		}
		denom, err := denominationForCoin(tx, &coin)
		if err != nil {
			return err
		}
		if cmp, err := amount.Cmp(credited.Amount, denom.Value); err != nil || cmp > 0 {
			return ConsistencyError{Err: fmt.Errorf("refund would exceed denomination value of coin %s", perm.CoinPub)}
		}

		// The refunded value changed the coin's spending profile, so it
		// goes straight into a refresh group for unlinkability.
		coin.CurrentAmount = amount.Zero(credited.Amount.Currency)
		coin.Status = CoinDormant
		if err := tx.Put(tableCoins, coin.CoinPub, coin); err != nil {
			return err
		}
		groupID, err := w.createRefreshGroupTx(tx, coin.ExchangeBaseURL, []refreshLeftover{{Coin: coin, Value: credited.Amount}})
		if err != nil {
			return err
		}

		if purchase.Refunds == nil {
			purchase.Refunds = map[string]RefundRecord{}
		}
		now := w.clock()
		purchase.Refunds[key] = RefundRecord{
			RefundID:       perm.RefundID,
			MerchantPub:    perm.MerchantPub,
			CoinPub:        perm.CoinPub,
			RefundAmount:   perm.RefundAmount,
			RefundFee:      perm.RefundFee,
			State:          RefundPending,
			RefreshGroupID: groupID,
			Timestamp:      now,
		}
		if err := tx.Put(tablePurchases, purchase.ProposalID, *purchase); err != nil {
			return err
		}
		applied = true
		return w.addHistory(tx, HistoryRecord{
			Type:      HistoryRefund,
			Timestamp: now,
			Amount:    &credit.Amount,
			Detail: map[string]any{
				"refundId":   perm.RefundID,
				"coinPub":    perm.CoinPub,
				"proposalId": purchase.ProposalID,
			},
		})
	})
	if err != nil {
		return err
	}
	if applied {
		slog.InfoContext(ctx, "refund accepted",
			"refundId", perm.RefundID, "coinPub", perm.CoinPub, "credit", credit.Amount.String())
		w.Wake()
	}
	return nil
}

// settleRefundsForGroup flips every refund waiting on the given refresh
// group from Pending to Applied. Called inside the transaction that
// finishes the group.
func (w *Wallet) settleRefundsForGroup(tx storage.WriteTx, refreshGroupID string) error {
	return tx.Iter(tablePurchases, func(key string, raw []byte) (bool, error) {
		var p PurchaseRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return false, err
		}
		changed := false
		for k, r := range p.Refunds {
			if r.State == RefundPending && r.RefreshGroupID == refreshGroupID {
				r.State = RefundApplied
				p.Refunds[k] = r
				changed = true
			}
		}
		if !changed {
			return true, nil
		}
		if err := tx.Put(tablePurchases, p.ProposalID, p); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ListRefunds returns the refunds recorded on a purchase, sorted by
// refund id.
func (w *Wallet) ListRefunds(ctx context.Context, proposalID string) ([]RefundRecord, error) {
	var out []RefundRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		var purchase PurchaseRecord
		found, err := tx.Get(tablePurchases, proposalID, &purchase)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown purchase %s", proposalID)}
		}
		for _, r := range purchase.Refunds {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RefundID < out[j].RefundID })
	return out, nil
}

// purchaseByContractHash scans purchases for a contract hash. Refunds
// are rare enough that a dedicated index is not worth carrying.
func purchaseByContractHash(tx storage.ReadTx, hContract string) (*PurchaseRecord, error) {
	var match *PurchaseRecord
	err := tx.Iter(tablePurchases, func(key string, raw []byte) (bool, error) {
		var p PurchaseRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return false, err
		}
		if p.ContractTermsHash == hContract {
			match = &p
			return false, nil
		}
		return true, nil
	})
	return match, err
}
