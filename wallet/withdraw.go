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
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/work"
)

// maxPlannerPasses bounds the withdrawal planner against pathological
// fee/value ratios that would otherwise loop forever.
const maxPlannerPasses = 1000

// planWithdrawal greedily picks denominations to convert a reserve
// balance into coins: denominations sorted descending by value, each
// picked at most once per pass, cost per pick value+feeWithdraw,
// repeated until nothing affordable remains. Returns the picks and
// their total cost.
func planWithdrawal(available amount.Amount, denoms []DenominationRecord) ([]DenominationRecord, amount.Amount, error) {
	sorted := make([]DenominationRecord, len(denoms))
	copy(sorted, denoms)
	sort.SliceStable(sorted, func(i, j int) bool {
		c, _ := amount.Cmp(sorted[i].Value, sorted[j].Value)
		return c > 0
	})

	remaining := available
	totalCost := amount.Zero(available.Currency)
	var picks []DenominationRecord
	for pass := 0; pass < maxPlannerPasses; pass++ {
		found := false
		for _, d := range sorted {
			costRes, err := amount.Add(d.Value, d.FeeWithdraw)
			if err != nil || costRes.Saturated {
				continue
			}
			cost := costRes.Amount
			cmp, err := amount.Cmp(remaining, cost)
			if err != nil {
				return nil, amount.Amount{}, err
			}
			if cmp < 0 {
				continue
			}
			subRes, err := amount.Sub(remaining, cost)
			if err != nil {
				return nil, amount.Amount{}, err
			}
			if subRes.Saturated {
				continue
			}
			remaining = subRes.Amount
			addRes, err := amount.Add(totalCost, cost)
			if err != nil || addRes.Saturated {
				return nil, amount.Amount{}, fmt.Errorf("withdrawal plan cost overflow")
			}
			totalCost = addRes.Amount
			picks = append(picks, d)
			found = true
		}
		if !found {
			break
		}
	}
	return picks, totalCost, nil
}

// depleteReserve converts as much reserve balance as possible into
// coins. Each planned denomination withdraws independently and
// concurrently; failures of individual steps leave their precoins in
// place for the scheduler to resume.
func (w *Wallet) depleteReserve(ctx context.Context, reservePub string) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.depleteReserve")
	defer span.End()

	var rec ReserveRecord
	var denoms []DenominationRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableReserves, reservePub, &rec)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("reserve %s disappeared", reservePub)}
		}
		denoms, err = w.activeDenominations(tx, rec.ExchangeBaseURL, w.clock())
		return err
	})
	if err != nil {
		return err
	}

	plan, totalCost, err := planWithdrawal(rec.CurrentAmount, denoms)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return w.maybeMarkReserveDormant(ctx, reservePub)
	}

	slog.InfoContext(ctx, "withdrawing from reserve",
		"reservePub", reservePub, "coins", len(plan), "totalCost", totalCost.String())

	now := w.clock()
	withdrawn := amount.Zero(totalCost.Currency)
	for _, d := range plan {
		res, err := amount.Add(withdrawn, d.Value)
		if err != nil || res.Saturated {
			return fmt.Errorf("withdrawal total overflow")
		}
		withdrawn = res.Amount
	}
	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		return w.addHistory(tx, HistoryRecord{
			Type:      HistoryWithdrawal,
			Timestamp: now,
			Amount:    &withdrawn,
			Detail:    map[string]any{"reservePub": reservePub, "coins": len(plan)},
		})
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(plan))
	for i := range plan {
		d := plan[i]
		idx := i
		wg.Add(1)
		err := w.pool.AddJob(ctx, work.JobFunc(func() {
			defer wg.Done()
			errs[idx] = w.withdrawOne(ctx, reservePub, &d)
		}))
		if err != nil {
			wg.Done()
			errs[idx] = err
		}
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return w.maybeMarkReserveDormant(ctx, reservePub)
}

// maybeMarkReserveDormant retires a reserve whose balance can no longer
// afford any denomination and has no in-flight planchets.
func (w *Wallet) maybeMarkReserveDormant(ctx context.Context, reservePub string) error {
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return err
		}
		if !cur.PrecoinAmount.IsZero() {
			return nil
		}
		denoms, err := w.activeDenominations(tx, cur.ExchangeBaseURL, w.clock())
		if err != nil {
			return err
		}
		plan, _, err := planWithdrawal(cur.CurrentAmount, denoms)
		if err != nil {
			return err
		}
		if len(plan) == 0 && cur.Status == ReserveQueryingStatus {
			cur.Status = ReserveDormant
			return tx.Put(tableReserves, reservePub, cur)
		}
		return nil
	})
}

// withdrawOne runs the full per-denomination withdraw step: planchet
// creation, persist-before-send, the exchange roundtrip, and coin
// materialization.
func (w *Wallet) withdrawOne(ctx context.Context, reservePub string, denom *DenominationRecord) error {
	pre, err := w.createPrecoin(ctx, reservePub, denom)
	if err != nil {
		return err
	}
	if pre == nil {
		// The reserve could no longer afford this pick; another
		// concurrent step got there first.
		return nil
	}
	return w.processPrecoin(ctx, *pre)
}

// createPrecoin builds a blinded planchet and persists it before any
// network traffic. The persist-before-send ordering is a correctness
// requirement: a crash after the exchange accepts the request must be
// resumable without minting a duplicate coin.
func (w *Wallet) createPrecoin(ctx context.Context, reservePub string, denom *DenominationRecord) (*PrecoinRecord, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.createPrecoin")
	defer span.End()

	costRes, err := amount.Add(denom.Value, denom.FeeWithdraw)
	if err != nil || costRes.Saturated {
		return nil, fmt.Errorf("denomination cost overflow")
	}
	cost := costRes.Amount

	kp, err := w.crypto.CreateEddsaKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to create coin keypair: %w", err)
	}
	denomPub, err := talercrypto.DecodeDenomPub(denom.DenomPub)
	if err != nil {
		return nil, ConsistencyError{Err: fmt.Errorf("stored denomination key undecodable: %w", err)}
	}
	factor, err := w.crypto.NewBlindingFactor(denomPub)
	if err != nil {
		return nil, fmt.Errorf("failed to create blinding factor: %w", err)
	}
	coinPubBytes, err := crock.Decode(kp.Pub)
	if err != nil {
		return nil, fmt.Errorf("failed to decode coin pub: %w", err)
	}
	blinded, _, err := w.crypto.Blind(ctx, coinPubBytes, []byte(denom.Value.String()), denomPub, factor)
	if err != nil {
		return nil, fmt.Errorf("failed to blind planchet: %w", err)
	}
	coinEv := crock.Encode(blinded)

	var reservePriv string
	err = w.store.View(ctx, func(tx storage.ReadTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return ConsistencyError{Err: fmt.Errorf("reserve %s disappeared", reservePub)}
		}
		reservePriv = cur.ReservePriv
		return nil
	})
	if err != nil {
		return nil, err
	}

	binding := withdrawBinding{
		ReservePub:    reservePub,
		AmountWithFee: cost,
		DenomPubHash:  denom.DenomPubHash,
		CoinEvHash:    crock.Encode(w.crypto.Hash(blinded)),
	}
	withdrawSig, err := w.signCanonical(reservePriv, binding)
	if err != nil {
		return nil, fmt.Errorf("failed to sign withdrawal: %w", err)
	}

	pre := PrecoinRecord{
		CoinPub:         kp.Pub,
		CoinPriv:        kp.Priv,
		ReservePub:      reservePub,
		ExchangeBaseURL: denom.ExchangeBaseURL,
		DenomPubHash:    denom.DenomPubHash,
		DenomPub:        denom.DenomPub,
		Blinding:        factor,
		CoinEv:          coinEv,
		AmountWithFee:   cost,
		CoinValue:       denom.Value,
		WithdrawSig:     withdrawSig,
		Created:         w.clock(),
	}

	committed := false
	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return ConsistencyError{Err: fmt.Errorf("reserve %s disappeared", reservePub)}
		}
		cmp, err := amount.Cmp(cur.CurrentAmount, cost)
		if err != nil {
			return err
		}
		if cmp < 0 {
			return nil
		}
		subRes, err := amount.Sub(cur.CurrentAmount, cost)
		if err != nil {
			return err
		}
		if subRes.Saturated {
			return nil
		}
		addRes, err := amount.Add(cur.PrecoinAmount, cost)
		if err != nil || addRes.Saturated {
			return fmt.Errorf("precoin amount overflow")
		}
		cur.CurrentAmount = subRes.Amount
		cur.PrecoinAmount = addRes.Amount
		if err := tx.Put(tableReserves, reservePub, cur); err != nil {
			return err
		}
		if err := tx.Put(tablePrecoins, pre.CoinPub, pre); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !committed {
		return nil, nil
	}
	return &pre, nil
}

// processPrecoin sends (or resends) the withdrawal request for a
// persisted planchet and materializes the coin in one transaction.
func (w *Wallet) processPrecoin(ctx context.Context, pre PrecoinRecord) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.processPrecoin")
	defer span.End()

	req := withdrawRequest{
		DenomPub:   pre.DenomPub,
		ReservePub: pre.ReservePub,
		ReserveSig: pre.WithdrawSig,
		CoinEv:     pre.CoinEv,
	}
	resp, err := w.client.PostJSON(ctx, pre.ExchangeBaseURL+"reserve/withdraw", req)
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status >= 500 {
		return TransientError{Err: fmt.Errorf("withdraw returned %d", resp.Status)}
	}
	if resp.Status != http.StatusOK {
		return ProtocolError{
			Operation: "withdraw",
			URL:       pre.ExchangeBaseURL,
			Err:       fmt.Errorf("withdraw returned %d: %s", resp.Status, resp.Text()),
		}
	}
	var wresp withdrawResponse
	if err := resp.JSON(&wresp); err != nil {
		return ProtocolError{Operation: "withdraw", URL: pre.ExchangeBaseURL, Err: err}
	}

	denomPub, err := talercrypto.DecodeDenomPub(pre.DenomPub)
	if err != nil {
		return ConsistencyError{Err: fmt.Errorf("stored denomination key undecodable: %w", err)}
	}
	coinPubBytes, err := crock.Decode(pre.CoinPub)
	if err != nil {
		return ConsistencyError{Err: fmt.Errorf("stored coin pub undecodable: %w", err)}
	}
	metadata := []byte(pre.CoinValue.String())

	// Re-blinding with the persisted factor rebuilds the unblinding
	// state; this is what makes crash resume possible.
	_, state, err := w.crypto.Blind(ctx, coinPubBytes, metadata, denomPub, pre.Blinding)
	if err != nil {
		return fmt.Errorf("failed to rebuild blinding state: %w", err)
	}
	blindSig, err := crock.Decode(wresp.EvSig)
	if err != nil {
		return ProtocolError{Operation: "withdraw", URL: pre.ExchangeBaseURL, Err: fmt.Errorf("undecodable ev_sig")}
	}
	denomSig, err := state.Finalize(blindSig)
	if err != nil {
		return ProtocolError{Operation: "withdraw", URL: pre.ExchangeBaseURL, Err: fmt.Errorf("failed to unblind signature: %w", err)}
	}
	// An invalid unblinded signature is a protocol violation by the
	// exchange, never retried.
	if err := w.crypto.RsaVerify(coinPubBytes, metadata, denomSig, denomPub); err != nil {
		return ProtocolError{
			Operation: "withdraw",
			URL:       pre.ExchangeBaseURL,
			Err:       fmt.Errorf("unblinded denomination signature invalid: %w", err),
		}
	}

	coin := CoinRecord{
		CoinPub:         pre.CoinPub,
		CoinPriv:        pre.CoinPriv,
		DenomPubHash:    pre.DenomPubHash,
		DenomPub:        pre.DenomPub,
		DenomSig:        crock.Encode(denomSig),
		ExchangeBaseURL: pre.ExchangeBaseURL,
		CurrentAmount:   pre.CoinValue,
		Status:          CoinFresh,
		CoinSource:      CoinSourceWithdraw,
		ReservePub:      pre.ReservePub,
	}

	// Coin creation and precoin deletion commit together so a crash
	// never leaves both, or neither, behind.
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		found, err := tx.Get(tablePrecoins, pre.CoinPub, nil)
		if err != nil {
			return err
		}
		if !found {
			// Already materialized by a previous resume.
			return nil
		}
		if err := tx.Delete(tablePrecoins, pre.CoinPub); err != nil {
			return err
		}
		if err := tx.Put(tableCoins, coin.CoinPub, coin); err != nil {
			return err
		}
		var cur ReserveRecord
		foundReserve, err := tx.Get(tableReserves, pre.ReservePub, &cur)
		if err != nil || !foundReserve {
			return err
		}
		subRes, err := amount.Sub(cur.PrecoinAmount, pre.AmountWithFee)
		if err != nil {
			return err
		}
		cur.PrecoinAmount = subRes.Amount
		return tx.Put(tableReserves, pre.ReservePub, cur)
	})
}

// processReservePrecoins resumes every in-flight planchet of a
// reserve.
func (w *Wallet) processReservePrecoins(ctx context.Context, reservePub string) error {
	var pres []PrecoinRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.IterIndex(tablePrecoins, "byReserve", reservePub, func(key string, raw []byte) (bool, error) {
			var pre PrecoinRecord
			if _, err := tx.Get(tablePrecoins, key, &pre); err != nil {
				return false, err
			}
			pres = append(pres, pre)
			return true, nil
		})
	})
	if err != nil {
		return err
	}
	for _, pre := range pres {
		if err := w.processPrecoin(ctx, pre); err != nil {
			return err
		}
	}
	return nil
}
