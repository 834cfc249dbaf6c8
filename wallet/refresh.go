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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/canonicaljson"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/uuidv7"
)

// kappa is the cut-and-choose width: the exchange opens all cuts but
// one, so cheating succeeds with probability 1/kappa.
const kappa = 3

// refreshLeftover is one dormant coin whose remaining value enters a
// refresh group.
type refreshLeftover struct {
	Coin  CoinRecord
	Value amount.Amount
}

// sessionHashBody is the canonical structure both sides hash to pin a
// melt session.
type sessionHashBody struct {
	OldCoinPub   string        `json:"old_coin_pub"`
	ValueWithFee amount.Amount `json:"value_with_fee"`
	NewDenoms    []string      `json:"new_denoms"`
	TransferPubs []string      `json:"transfer_pubs"`
	CoinEvs      [][]string    `json:"coin_evs"`
}

// createRefreshGroupTx records a refresh group for the given leftovers
// inside the caller's transaction. Session planchets are built lazily
// at melt time.
func (w *Wallet) createRefreshGroupTx(tx storage.WriteTx, exchangeBaseURL string, leftovers []refreshLeftover) (string, error) {
	id, err := uuidv7.New()
	if err != nil {
		return "", fmt.Errorf("failed to create refresh group id: %w", err)
	}
	now := w.clock()
	group := RefreshGroupRecord{
		RefreshGroupID:  id.String(),
		ExchangeBaseURL: exchangeBaseURL,
		Timestamp:       now,
		Retry:           w.retryPol.Start(now),
	}
	for _, l := range leftovers {
		group.Sessions = append(group.Sessions, RefreshSession{
			OldCoinPub:   l.Coin.CoinPub,
			ValueWithFee: l.Value,
		})
	}
	if err := tx.Put(tableRefreshGroups, group.RefreshGroupID, group); err != nil {
		return "", err
	}
	return group.RefreshGroupID, nil
}

// ForceRefresh retires a spendable coin into a fresh refresh group,
// trading fees for unlinkability on user request.
func (w *Wallet) ForceRefresh(ctx context.Context, coinPub string) error {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var coin CoinRecord
		found, err := tx.Get(tableCoins, coinPub, &coin)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown coin %s", coinPub)}
		}
		if !coin.Spendable() {
			return &OperationError{Code: CodeInvalidRequest, Message: fmt.Sprintf("coin %s is not spendable", coinPub)}
		}
		value := coin.CurrentAmount
		coin.Status = CoinDormant
		coin.CurrentAmount = amount.Zero(value.Currency)
		if err := tx.Put(tableCoins, coinPub, coin); err != nil {
			return err
		}
		_, err = w.createRefreshGroupTx(tx, coin.ExchangeBaseURL, []refreshLeftover{{Coin: coin, Value: value}})
		return err
	})
	if err != nil {
		return err
	}
	w.Wake()
	return nil
}

// processRefreshGroup is the scheduler entry point: it advances every
// unfinished session and closes the group once all are done.
func (w *Wallet) processRefreshGroup(ctx context.Context, refreshGroupID string) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.processRefreshGroup")
	defer span.End()

	w.coinsLock.Lock()
	defer w.coinsLock.Unlock()

	var group RefreshGroupRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableRefreshGroups, refreshGroupID, &group)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("refresh group %s disappeared", refreshGroupID)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if group.Finished {
		return nil
	}

	for i := range group.Sessions {
		if group.Sessions[i].Finished {
			continue
		}
		if err := w.stepRefreshSession(ctx, &group, i); err != nil {
			w.refreshRetryFailure(ctx, refreshGroupID, err)
			return err
		}
	}

	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur RefreshGroupRecord
		found, err := tx.Get(tableRefreshGroups, refreshGroupID, &cur)
		if err != nil || !found {
			return err
		}
		for _, s := range cur.Sessions {
			if !s.Finished {
				return nil
			}
		}
		cur.Finished = true
		cur.LastError = nil
		cur.Retry = w.retryPol.Stop(cur.Retry)
		if err := tx.Put(tableRefreshGroups, refreshGroupID, cur); err != nil {
			return err
		}
		if err := w.settleRefundsForGroup(tx, refreshGroupID); err != nil {
			return err
		}
		return w.addHistory(tx, HistoryRecord{
			Type:      HistoryRefresh,
			Timestamp: w.clock(),
			Detail:    map[string]any{"refreshGroupId": refreshGroupID},
		})
	})
}

func (w *Wallet) stepRefreshSession(ctx context.Context, group *RefreshGroupRecord, idx int) error {
	session := &group.Sessions[idx]
	if session.SessionHash == "" {
		if err := w.meltSession(ctx, group, idx); err != nil {
			return err
		}
		session = &group.Sessions[idx]
		if session.Finished {
			return nil
		}
	}
	if session.NorevealIndex == nil {
		// Melt sent but no index persisted; meltSession handles resend.
		return w.meltSession(ctx, group, idx)
	}
	return w.revealSession(ctx, group, idx)
}

// meltSession builds (or rebuilds) the cut-and-choose envelopes,
// persists them before the request goes out, and records the
// exchange's noreveal index before any reveal can happen.
func (w *Wallet) meltSession(ctx context.Context, group *RefreshGroupRecord, idx int) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.meltSession")
	defer span.End()

	session := &group.Sessions[idx]

	var oldCoin CoinRecord
	var denoms []DenominationRecord
	var feeRefresh amount.Amount
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableCoins, session.OldCoinPub, &oldCoin)
		if err != nil || !found {
			return ConsistencyError{Err: fmt.Errorf("melted coin %s disappeared", session.OldCoinPub)}
		}
		denom, err := denominationForCoin(tx, &oldCoin)
		if err != nil {
			return err
		}
		feeRefresh = denom.FeeRefresh
		denoms, err = w.activeDenominations(tx, group.ExchangeBaseURL, w.clock())
		return err
	})
	if err != nil {
		return err
	}

	if session.SessionHash == "" {
		if err := w.buildRefreshSession(ctx, group, idx, feeRefresh, denoms); err != nil {
			return err
		}
		session = &group.Sessions[idx]
		if session.Finished {
			// Melt fee ate the whole leftover; nothing to obtain.
			return nil
		}
	}

	confirmSig, err := w.signCanonical(oldCoin.CoinPriv, meltBinding{
		CoinPub:      oldCoin.CoinPub,
		SessionHash:  session.SessionHash,
		ValueWithFee: session.ValueWithFee,
	})
	if err != nil {
		return fmt.Errorf("failed to sign melt confirmation: %w", err)
	}

	coinEvs := make([][]string, len(session.Planchets))
	for cut, planchets := range session.Planchets {
		for _, p := range planchets {
			coinEvs[cut] = append(coinEvs[cut], p.CoinEv)
		}
	}
	newDenomPubs, err := w.denomPubsForHashes(ctx, group.ExchangeBaseURL, session.NewDenomHashes)
	if err != nil {
		return err
	}
	req := meltRequest{
		MeltCoin: meltCoin{
			CoinPub:    oldCoin.CoinPub,
			DenomPub:   oldCoin.DenomPub,
			DenomSig:   oldCoin.DenomSig,
			ConfirmSig: confirmSig,
		},
		ValueWithFee: session.ValueWithFee,
		NewDenoms:    newDenomPubs,
		CoinEvs:      coinEvs,
		TransferPubs: session.TransferPubs,
		SessionHash:  session.SessionHash,
	}
	resp, err := w.client.PostJSON(ctx, group.ExchangeBaseURL+"refresh/melt", req)
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status >= 500 {
		return TransientError{Err: fmt.Errorf("melt returned %d", resp.Status)}
	}
	if resp.Status != http.StatusOK {
		return ProtocolError{
			Operation: "melt",
			URL:       group.ExchangeBaseURL,
			Err:       fmt.Errorf("melt returned %d: %s", resp.Status, resp.Text()),
		}
	}
	var mresp meltResponse
	if err := resp.JSON(&mresp); err != nil {
		return ProtocolError{Operation: "melt", URL: group.ExchangeBaseURL, Err: err}
	}
	if mresp.NorevealIndex < 0 || mresp.NorevealIndex >= kappa {
		return ProtocolError{
			Operation: "melt",
			URL:       group.ExchangeBaseURL,
			Err:       fmt.Errorf("noreveal index %d out of range", mresp.NorevealIndex),
		}
	}

	// The index commits the exchange; losing it would force a brand new
	// session, so it hits disk before the reveal.
	noreveal := mresp.NorevealIndex
	session.NorevealIndex = &noreveal
	return w.persistSession(ctx, group.RefreshGroupID, idx, *session)
}

// buildRefreshSession plans the new denominations and builds kappa cuts
// of blinded planchets, persisting everything before the melt request.
func (w *Wallet) buildRefreshSession(ctx context.Context, group *RefreshGroupRecord, idx int, feeRefresh amount.Amount, denoms []DenominationRecord) error {
	session := &group.Sessions[idx]

	meltable, err := amount.Sub(session.ValueWithFee, feeRefresh)
	if err != nil {
		return err
	}
	var plan []DenominationRecord
	if !meltable.Saturated && !meltable.Amount.IsZero() {
		plan, _, err = planWithdrawal(meltable.Amount, denoms)
		if err != nil {
			return err
		}
	}
	if len(plan) == 0 {
		slog.InfoContext(ctx, "refresh yields no obtainable denomination, forfeiting leftover",
			"oldCoinPub", session.OldCoinPub, "leftover", session.ValueWithFee.String())
		session.Finished = true
		return w.persistSession(ctx, group.RefreshGroupID, idx, *session)
	}

	session.NewDenomHashes = nil
	for _, d := range plan {
		session.NewDenomHashes = append(session.NewDenomHashes, d.DenomPubHash)
	}
	session.TransferPrivs = nil
	session.TransferPubs = nil
	session.Planchets = make([][]RefreshPlanchet, kappa)
	for cut := 0; cut < kappa; cut++ {
		transfer, err := w.crypto.CreateEddsaKeypair()
		if err != nil {
			return fmt.Errorf("failed to create transfer keypair: %w", err)
		}
		session.TransferPrivs = append(session.TransferPrivs, transfer.Priv)
		session.TransferPubs = append(session.TransferPubs, transfer.Pub)
		for _, d := range plan {
			planchet, err := w.buildPlanchet(ctx, &d)
			if err != nil {
				return err
			}
			session.Planchets[cut] = append(session.Planchets[cut], *planchet)
		}
	}

	coinEvs := make([][]string, kappa)
	for cut, planchets := range session.Planchets {
		for _, p := range planchets {
			coinEvs[cut] = append(coinEvs[cut], p.CoinEv)
		}
	}
	newDenomPubs := make([]string, len(plan))
	for i, d := range plan {
		newDenomPubs[i] = d.DenomPub
	}
	body, err := canonicaljson.Marshal(sessionHashBody{
		OldCoinPub:   session.OldCoinPub,
		ValueWithFee: session.ValueWithFee,
		NewDenoms:    newDenomPubs,
		TransferPubs: session.TransferPubs,
		CoinEvs:      coinEvs,
	})
	if err != nil {
		return fmt.Errorf("failed to canonicalize session: %w", err)
	}
	session.SessionHash = crock.Encode(w.crypto.Hash(body))

	return w.persistSession(ctx, group.RefreshGroupID, idx, *session)
}

func (w *Wallet) buildPlanchet(ctx context.Context, denom *DenominationRecord) (*RefreshPlanchet, error) {
	kp, err := w.crypto.CreateEddsaKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to create planchet keypair: %w", err)
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
		return nil, fmt.Errorf("failed to decode planchet pub: %w", err)
	}
	blinded, _, err := w.crypto.Blind(ctx, coinPubBytes, []byte(denom.Value.String()), denomPub, factor)
	if err != nil {
		return nil, fmt.Errorf("failed to blind planchet: %w", err)
	}
	return &RefreshPlanchet{
		CoinPub:  kp.Pub,
		CoinPriv: kp.Priv,
		Blinding: factor,
		CoinEv:   crock.Encode(blinded),
	}, nil
}

// revealSession opens every cut except the noreveal one and
// materializes the new coins. A malformed signature array leaves the
// session unfinished and books a retry with backoff.
func (w *Wallet) revealSession(ctx context.Context, group *RefreshGroupRecord, idx int) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.revealSession")
	defer span.End()

	session := &group.Sessions[idx]
	noreveal := *session.NorevealIndex

	var privs []string
	for i, priv := range session.TransferPrivs {
		if i == noreveal {
			continue
		}
		privs = append(privs, priv)
	}
	resp, err := w.client.PostJSON(ctx, group.ExchangeBaseURL+"refresh/reveal", revealRequest{
		SessionHash:   session.SessionHash,
		TransferPrivs: privs,
	})
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status >= 500 {
		return TransientError{Err: fmt.Errorf("reveal returned %d", resp.Status)}
	}
	if resp.Status != http.StatusOK {
		return ProtocolError{
			Operation: "reveal",
			URL:       group.ExchangeBaseURL,
			Err:       fmt.Errorf("reveal returned %d: %s", resp.Status, resp.Text()),
		}
	}
	var rresp revealResponse
	if err := resp.JSON(&rresp); err != nil {
		slog.WarnContext(ctx, "reveal response undecodable, leaving session unfinished",
			"refreshGroupId", group.RefreshGroupID, "error", err)
		return TransientError{Err: fmt.Errorf("reveal response undecodable: %w", err)}
	}
	planchets := session.Planchets[noreveal]
	if len(rresp.EvSigs) != len(planchets) {
		slog.WarnContext(ctx, "reveal returned wrong signature count, leaving session unfinished",
			"refreshGroupId", group.RefreshGroupID, "got", len(rresp.EvSigs), "want", len(planchets))
		return TransientError{Err: fmt.Errorf("reveal returned %d signatures, want %d", len(rresp.EvSigs), len(planchets))}
	}

	coins := make([]CoinRecord, 0, len(planchets))
	for i, p := range planchets {
		var denom DenominationRecord
		err := w.store.View(ctx, func(tx storage.ReadTx) error {
			found, err := tx.Get(tableDenominations, denomRecordKey(group.ExchangeBaseURL, session.NewDenomHashes[i]), &denom)
			if err != nil || !found {
				return ConsistencyError{Err: fmt.Errorf("refresh denomination %s disappeared", session.NewDenomHashes[i])}
			}
			return nil
		})
		if err != nil {
			return err
		}
		coin, err := w.finalizeRefreshCoin(ctx, group, &p, &denom, rresp.EvSigs[i].EvSig)
		if err != nil {
			slog.WarnContext(ctx, "reveal signature malformed, leaving session unfinished",
				"refreshGroupId", group.RefreshGroupID, "coinPub", p.CoinPub, "error", err)
			return TransientError{Err: fmt.Errorf("reveal signature for coin %s malformed: %w", p.CoinPub, err)}
		}
		coins = append(coins, *coin)
	}

	session.Finished = true
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		for _, coin := range coins {
			if err := tx.Put(tableCoins, coin.CoinPub, coin); err != nil {
				return err
			}
		}
		return w.updateSessionTx(tx, group.RefreshGroupID, idx, *session)
	})
}

// finalizeRefreshCoin unblinds one reveal signature and verifies it
// against the new denomination.
func (w *Wallet) finalizeRefreshCoin(ctx context.Context, group *RefreshGroupRecord, p *RefreshPlanchet, denom *DenominationRecord, evSig string) (*CoinRecord, error) {
	denomPub, err := talercrypto.DecodeDenomPub(denom.DenomPub)
	if err != nil {
		return nil, ConsistencyError{Err: fmt.Errorf("stored denomination key undecodable: %w", err)}
	}
	coinPubBytes, err := crock.Decode(p.CoinPub)
	if err != nil {
		return nil, ConsistencyError{Err: fmt.Errorf("stored planchet pub undecodable: %w", err)}
	}
	metadata := []byte(denom.Value.String())
	_, state, err := w.crypto.Blind(ctx, coinPubBytes, metadata, denomPub, p.Blinding)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild blinding state: %w", err)
	}
	blindSig, err := crock.Decode(evSig)
	if err != nil {
		return nil, fmt.Errorf("undecodable ev_sig: %w", err)
	}
	denomSig, err := state.Finalize(blindSig)
	if err != nil {
		return nil, fmt.Errorf("failed to unblind signature: %w", err)
	}
	if err := w.crypto.RsaVerify(coinPubBytes, metadata, denomSig, denomPub); err != nil {
		return nil, fmt.Errorf("unblinded refresh signature invalid: %w", err)
	}
	return &CoinRecord{
		CoinPub:         p.CoinPub,
		CoinPriv:        p.CoinPriv,
		DenomPubHash:    denom.DenomPubHash,
		DenomPub:        denom.DenomPub,
		DenomSig:        crock.Encode(denomSig),
		ExchangeBaseURL: group.ExchangeBaseURL,
		CurrentAmount:   denom.Value,
		Status:          CoinFresh,
		CoinSource:      CoinSourceRefresh,
	}, nil
}

func (w *Wallet) persistSession(ctx context.Context, refreshGroupID string, idx int, session RefreshSession) error {
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		return w.updateSessionTx(tx, refreshGroupID, idx, session)
	})
}

func (w *Wallet) updateSessionTx(tx storage.WriteTx, refreshGroupID string, idx int, session RefreshSession) error {
	var cur RefreshGroupRecord
	found, err := tx.Get(tableRefreshGroups, refreshGroupID, &cur)
	if err != nil {
		return err
	}
	if !found {
		return ConsistencyError{Err: fmt.Errorf("refresh group %s disappeared", refreshGroupID)}
	}
	if idx >= len(cur.Sessions) {
		return ConsistencyError{Err: fmt.Errorf("refresh group %s lost session %d", refreshGroupID, idx)}
	}
	cur.Sessions[idx] = session
	return tx.Put(tableRefreshGroups, refreshGroupID, cur)
}

func (w *Wallet) denomPubsForHashes(ctx context.Context, exchangeBaseURL string, hashes []string) ([]string, error) {
	pubs := make([]string, len(hashes))
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		for i, h := range hashes {
			var denom DenominationRecord
			found, err := tx.Get(tableDenominations, denomRecordKey(exchangeBaseURL, h), &denom)
			if err != nil || !found {
				return ConsistencyError{Err: fmt.Errorf("denomination %s disappeared", h)}
			}
			pubs[i] = denom.DenomPub
		}
		return nil
	})
	return pubs, err
}

// refreshRetryFailure records a step failure on the group. Protocol
// violations disable the retry loop for this group.
func (w *Wallet) refreshRetryFailure(ctx context.Context, refreshGroupID string, cause error) {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur RefreshGroupRecord
		found, err := tx.Get(tableRefreshGroups, refreshGroupID, &cur)
		if err != nil || !found {
			return err
		}
		cur.LastError = asOperationError(cause)
		var perm ProtocolError
		if errors.As(cause, &perm) {
			cur.Retry = w.retryPol.Stop(cur.Retry)
		} else {
			cur.Retry = w.retryPol.Increment(cur.Retry, w.clock())
		}
		return tx.Put(tableRefreshGroups, refreshGroupID, cur)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record refresh failure",
			"refreshGroupId", refreshGroupID, "error", err)
	}
}
