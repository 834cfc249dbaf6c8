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
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
)

// CreateReserve generates a reserve keypair and persists the reserve.
// Manual reserves start Uninitialized and wait for ConfirmReserve; bank
// integrated reserves carry their status URL and wait for the bank.
func (w *Wallet) CreateReserve(ctx context.Context, exchangeBaseURL string, requested amount.Amount, bankWithdrawStatusURL string) (*ReserveRecord, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.CreateReserve")
	defer span.End()

	exchangeBaseURL = canonicalBaseURL(exchangeBaseURL)
	kp, err := w.crypto.CreateEddsaKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to create reserve keypair: %w", err)
	}

	now := w.clock()
	rec := ReserveRecord{
		ReservePub:            kp.Pub,
		ReservePriv:           kp.Priv,
		ExchangeBaseURL:       exchangeBaseURL,
		CurrentAmount:         amount.Zero(requested.Currency),
		RequestedAmount:       requested,
		PrecoinAmount:         amount.Zero(requested.Currency),
		Status:                ReserveUninitialized,
		BankWithdrawStatusURL: bankWithdrawStatusURL,
		Created:               now,
		Retry:                 w.retryPol.Start(now),
	}
	if bankWithdrawStatusURL != "" {
		rec.Status = ReserveWaitConfirmBank
	}

	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		if err := tx.Put(tableReserves, rec.ReservePub, rec); err != nil {
			return err
		}
		return w.addHistory(tx, HistoryRecord{
			Type:      HistoryReserveCreated,
			Timestamp: now,
			Amount:    &requested,
			Detail:    map[string]any{"reservePub": rec.ReservePub, "exchangeBaseUrl": exchangeBaseURL},
		})
	})
	if err != nil {
		return nil, err
	}
	w.Wake()
	return &rec, nil
}

// ConfirmReserve advances a manual reserve to status querying: the
// caller asserts the bank transfer was initiated.
func (w *Wallet) ConfirmReserve(ctx context.Context, reservePub string) error {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var rec ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &rec)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown reserve %s", reservePub)}
		}
		if rec.Status == ReserveUninitialized || rec.Status == ReserveWaitConfirmBank {
			rec.Status = ReserveQueryingStatus
			rec.Retry = w.retryPol.Reset(rec.Retry, w.clock())
		}
		return tx.Put(tableReserves, reservePub, rec)
	})
	if err != nil {
		return err
	}
	w.Wake()
	return nil
}

// processReserve is the scheduler entry point for one reserve: it
// advances whatever step the reserve's status calls for.
func (w *Wallet) processReserve(ctx context.Context, reservePub string) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.processReserve")
	defer span.End()

	var rec ReserveRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableReserves, reservePub, &rec)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("reserve %s disappeared", reservePub)}
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch rec.Status {
	case ReserveUninitialized:
		// Waiting for the user to confirm the bank transfer.
		return nil
	case ReserveWaitConfirmBank:
		return w.stepReserveBank(ctx, &rec)
	case ReserveQueryingStatus:
		if err := w.processReservePrecoins(ctx, reservePub); err != nil {
			return err
		}
		if err := w.updateReserve(ctx, &rec); err != nil {
			return err
		}
		return w.depleteReserve(ctx, reservePub)
	case ReserveDormant:
		return nil
	default:
		return ConsistencyError{Err: fmt.Errorf("reserve %s has unknown status %q", reservePub, rec.Status)}
	}
}

// stepReserveBank polls the bank's withdrawal operation, submits the
// exchange/reserve selection once, and advances when the transfer is
// done.
func (w *Wallet) stepReserveBank(ctx context.Context, rec *ReserveRecord) error {
	resp, err := w.client.Get(ctx, rec.BankWithdrawStatusURL, transport.WithTimeout(requestTimeout))
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status != http.StatusOK {
		return TransientError{Err: fmt.Errorf("bank status returned %d", resp.Status)}
	}
	var status bankWithdrawalStatus
	if err := resp.JSON(&status); err != nil {
		return ProtocolError{Operation: "reserve-bank", URL: rec.BankWithdrawStatusURL, Err: err}
	}

	if !status.SelectionDone {
		sel := bankWithdrawalSelection{
			ReservePub:      rec.ReservePub,
			ExchangeBaseURL: rec.ExchangeBaseURL,
		}
		selResp, err := w.client.PostJSON(ctx, rec.BankWithdrawStatusURL, sel)
		if err != nil {
			return TransientError{Err: err}
		}
		if selResp.Status != http.StatusOK {
			return TransientError{Err: fmt.Errorf("bank selection returned %d", selResp.Status)}
		}
	}
	if !status.TransferDone {
		// The user still has to confirm the transfer at the bank.
		return nil
	}
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		if _, err := tx.Get(tableReserves, rec.ReservePub, &cur); err != nil {
			return err
		}
		if cur.Status == ReserveWaitConfirmBank {
			cur.Status = ReserveQueryingStatus
		}
		return tx.Put(tableReserves, rec.ReservePub, cur)
	})
}

// updateReserve queries the exchange for the reserve balance. Any
// non-200 is transient and retried with backoff.
func (w *Wallet) updateReserve(ctx context.Context, rec *ReserveRecord) error {
	url := rec.ExchangeBaseURL + "reserve/status?reserve_pub=" + rec.ReservePub
	resp, err := w.client.Get(ctx, url, transport.WithTimeout(requestTimeout))
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status != http.StatusOK {
		return TransientError{Err: fmt.Errorf("reserve status returned %d", resp.Status)}
	}
	var status reserveStatusResponse
	if err := resp.JSON(&status); err != nil {
		return ProtocolError{Operation: "reserve-status", URL: url, Err: err}
	}

	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, rec.ReservePub, &cur)
		if err != nil || !found {
			return err
		}
		cur.CurrentAmount = status.Balance
		rec.CurrentAmount = status.Balance
		return tx.Put(tableReserves, rec.ReservePub, cur)
	})
}

// markReservePermanentlyFailed records a protocol failure and disables
// the reserve's retries.
func (w *Wallet) markReservePermanentlyFailed(ctx context.Context, reservePub string, cause error) error {
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return err
		}
		cur.LastError = asOperationError(cause)
		cur.Retry = w.retryPol.Stop(cur.Retry)
		return tx.Put(tableReserves, reservePub, cur)
	})
}

// reserveRetryFailure books a step failure on the reserve: permanent
// failures stop the retry loop for it, transient ones back off.
func (w *Wallet) reserveRetryFailure(ctx context.Context, reservePub string, cause error) {
	var protocol ProtocolError
	if errors.As(cause, &protocol) {
		if err := w.markReservePermanentlyFailed(ctx, reservePub, cause); err != nil {
			slog.ErrorContext(ctx, "failed to record reserve failure", "reservePub", reservePub, "error", err)
		}
		return
	}
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return err
		}
		cur.Retry = w.retryPol.Increment(cur.Retry, w.clock())
		cur.LastError = asOperationError(cause)
		return tx.Put(tableReserves, reservePub, cur)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record reserve retry", "reservePub", reservePub, "error", err)
	}
}
