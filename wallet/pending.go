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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

// PendingOperationType tags the pending-operation union.
type PendingOperationType string

const (
	PendingExchangeUpdate   PendingOperationType = "exchange-update"
	PendingReserve          PendingOperationType = "reserve"
	PendingProposalDownload PendingOperationType = "proposal-download"
	PendingPay              PendingOperationType = "pay"
	PendingRefresh          PendingOperationType = "refresh"
)

// PendingOperation is a derived view of work that remains, never
// stored. Exactly one of the id fields is set, matching Type.
type PendingOperation struct {
	Type PendingOperationType `json:"type"`
	// GivesLifeness marks operations that still make externally visible
	// progress; passive polling does not keep the run loop alive.
	GivesLifeness bool      `json:"givesLifeness"`
	Retry         RetryInfo `json:"retryInfo"`

	ExchangeBaseURL string `json:"exchangeBaseUrl,omitempty"`
	ReservePub      string `json:"reservePub,omitempty"`
	ProposalID      string `json:"proposalId,omitempty"`
	RefreshGroupID  string `json:"refreshGroupId,omitempty"`
}

// GetPendingOperations computes the pending set from the stored
// records.
func (w *Wallet) GetPendingOperations(ctx context.Context) ([]PendingOperation, error) {
	now := w.clock()
	var ops []PendingOperation
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		err := tx.Iter(tableExchanges, func(key string, raw []byte) (bool, error) {
			var rec ExchangeRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			if now.Before(rec.LastUpdateTime.Add(w.updateIv)) {
				return true, nil
			}
			ops = append(ops, PendingOperation{
				Type:            PendingExchangeUpdate,
				GivesLifeness:   false,
				Retry:           rec.Retry,
				ExchangeBaseURL: rec.BaseURL,
			})
			return true, nil
		})
		if err != nil {
			return err
		}
		err = tx.Iter(tableReserves, func(key string, raw []byte) (bool, error) {
			var rec ReserveRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			switch rec.Status {
			case ReserveWaitConfirmBank:
				ops = append(ops, PendingOperation{
					Type:       PendingReserve,
					Retry:      rec.Retry,
					ReservePub: rec.ReservePub,
				})
			case ReserveQueryingStatus:
				ops = append(ops, PendingOperation{
					Type:          PendingReserve,
					GivesLifeness: true,
					Retry:         rec.Retry,
					ReservePub:    rec.ReservePub,
				})
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		err = tx.Iter(tableProposals, func(key string, raw []byte) (bool, error) {
			var rec ProposalRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			if rec.Status != ProposalDownloading {
				return true, nil
			}
			ops = append(ops, PendingOperation{
				Type:          PendingProposalDownload,
				GivesLifeness: true,
				Retry:         rec.Retry,
				ProposalID:    rec.ProposalID,
			})
			return true, nil
		})
		if err != nil {
			return err
		}
		err = tx.Iter(tablePurchases, func(key string, raw []byte) (bool, error) {
			var rec PurchaseRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			if rec.Paid() {
				return true, nil
			}
			ops = append(ops, PendingOperation{
				Type:          PendingPay,
				GivesLifeness: true,
				Retry:         rec.Retry,
				ProposalID:    rec.ProposalID,
			})
			return true, nil
		})
		if err != nil {
			return err
		}
		return tx.Iter(tableRefreshGroups, func(key string, raw []byte) (bool, error) {
			var rec RefreshGroupRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			if rec.Finished {
				return true, nil
			}
			ops = append(ops, PendingOperation{
				Type:           PendingRefresh,
				GivesLifeness:  true,
				Retry:          rec.Retry,
				RefreshGroupID: rec.RefreshGroupID,
			})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// processOnePendingOperation dispatches to the matching state machine
// and books the outcome on the record's retry state.
func (w *Wallet) processOnePendingOperation(ctx context.Context, op PendingOperation) error {
	switch op.Type {
	case PendingExchangeUpdate:
		err := runGuarded(ctx, string(op.Type), func(ctx context.Context) error {
			return w.UpdateExchangeFromURL(ctx, op.ExchangeBaseURL)
		})
		w.bookExchangeOutcome(ctx, op.ExchangeBaseURL, err)
		return err
	case PendingReserve:
		err := runGuarded(ctx, string(op.Type), func(ctx context.Context) error {
			return w.processReserve(ctx, op.ReservePub)
		})
		if err != nil {
			w.reserveRetryFailure(ctx, op.ReservePub, err)
		} else {
			w.resetReserveRetry(ctx, op.ReservePub)
		}
		return err
	case PendingProposalDownload:
		err := runGuarded(ctx, string(op.Type), func(ctx context.Context) error {
			return w.processProposalDownload(ctx, op.ProposalID)
		})
		return err
	case PendingPay:
		// processPurchase books its own retry state.
		return runGuarded(ctx, string(op.Type), func(ctx context.Context) error {
			return w.processPurchase(ctx, op.ProposalID)
		})
	case PendingRefresh:
		// processRefreshGroup books its own retry state.
		return runGuarded(ctx, string(op.Type), func(ctx context.Context) error {
			return w.processRefreshGroup(ctx, op.RefreshGroupID)
		})
	default:
		return ConsistencyError{Err: fmt.Errorf("unknown pending operation type %q", op.Type)}
	}
}

func (w *Wallet) processProposalDownload(ctx context.Context, proposalID string) error {
	var prop ProposalRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableProposals, proposalID, &prop)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("proposal %s disappeared", proposalID)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if prop.Status != ProposalDownloading {
		return nil
	}
	err = w.downloadProposal(ctx, &prop)
	var transient TransientError
	if errors.As(err, &transient) {
		w.bookProposalBackoff(ctx, proposalID, err)
	}
	return err
}

func (w *Wallet) bookProposalBackoff(ctx context.Context, proposalID string, cause error) {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ProposalRecord
		found, err := tx.Get(tableProposals, proposalID, &cur)
		if err != nil || !found {
			return err
		}
		cur.Retry = w.retryPol.Increment(cur.Retry, w.clock())
		cur.LastError = asOperationError(cause)
		return tx.Put(tableProposals, proposalID, cur)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record proposal failure", "proposalId", proposalID, "error", err)
	}
}

func (w *Wallet) bookExchangeOutcome(ctx context.Context, baseURL string, cause error) {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ExchangeRecord
		found, err := tx.Get(tableExchanges, baseURL, &cur)
		if err != nil || !found {
			return err
		}
		if cause == nil {
			cur.LastError = nil
			cur.Retry = w.retryPol.Reset(cur.Retry, w.clock())
			return tx.Put(tableExchanges, baseURL, cur)
		}
		cur.LastError = asOperationError(cause)
		var protocol ProtocolError
		if errors.As(cause, &protocol) {
			cur.Retry = w.retryPol.Stop(cur.Retry)
		} else {
			cur.Retry = w.retryPol.Increment(cur.Retry, w.clock())
		}
		return tx.Put(tableExchanges, baseURL, cur)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record exchange outcome", "exchange", baseURL, "error", err)
	}
}

func (w *Wallet) resetReserveRetry(ctx context.Context, reservePub string) {
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		var cur ReserveRecord
		found, err := tx.Get(tableReserves, reservePub, &cur)
		if err != nil || !found {
			return err
		}
		cur.LastError = nil
		cur.Retry = w.retryPol.Reset(cur.Retry, w.clock())
		return tx.Put(tableReserves, reservePub, cur)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to reset reserve retry", "reservePub", reservePub, "error", err)
	}
}

// ProcessPending runs every currently due pending operation once.
// Individual failures are logged and booked, never propagated, so one
// broken operation cannot starve the rest.
func (w *Wallet) ProcessPending(ctx context.Context) (int, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.ProcessPending")
	defer span.End()

	ops, err := w.GetPendingOperations(ctx)
	if err != nil {
		return 0, err
	}
	now := w.clock()
	ran := 0
	for _, op := range ops {
		if !op.Retry.Due(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		if err := w.processOnePendingOperation(ctx, op); err != nil {
			slog.WarnContext(ctx, "pending operation failed",
				"type", string(op.Type), "error", err)
		}
		ran++
	}
	return ran, nil
}

// RunUntilDone drives pending operations until nothing liveness-giving
// remains. Meant for CLI one-shot flows: withdraw, then exit.
func (w *Wallet) RunUntilDone(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops, err := w.GetPendingOperations(ctx)
		if err != nil {
			return err
		}
		lifeness := 0
		for _, op := range ops {
			if op.GivesLifeness && op.Retry.Active {
				lifeness++
			}
		}
		if lifeness == 0 {
			return nil
		}
		ran, err := w.ProcessPending(ctx)
		if err != nil {
			return err
		}
		if ran > 0 {
			continue
		}
		w.notify(Notification{Type: NotifyWaitingForRetry})
		if err := w.waitForNextOp(ctx, ops); err != nil {
			return err
		}
	}
}

// RunRetryLoop is the long-running scheduler: it never exits on an
// empty pending set, only on context cancellation.
func (w *Wallet) RunRetryLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops, err := w.GetPendingOperations(ctx)
		if err != nil {
			return err
		}
		ran, err := w.ProcessPending(ctx)
		if err != nil {
			return err
		}
		if ran > 0 {
			continue
		}
		if err := w.waitForNextOp(ctx, ops); err != nil {
			return err
		}
	}
}

// waitForNextOp sleeps until the earliest retry timestamp, a wake
// signal, or cancellation.
func (w *Wallet) waitForNextOp(ctx context.Context, ops []PendingOperation) error {
	var next time.Time
	for _, op := range ops {
		if !op.Retry.Active {
			continue
		}
		if next.IsZero() || op.Retry.NextRetry.Before(next) {
			next = op.Retry.NextRetry
		}
	}
	if next.IsZero() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
			return nil
		}
	}
	wait := next.Sub(w.clock())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// RetryPendingNow makes every pending operation due immediately,
// reactivating ones stopped by a permanent failure. Explicit user
// action is the only way a stopped operation comes back.
func (w *Wallet) RetryPendingNow(ctx context.Context) error {
	now := w.clock()
	err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		err := updateAll(tx, tableExchanges, func(rec *ExchangeRecord) { rec.Retry = w.retryPol.Reset(rec.Retry, now) })
		if err != nil {
			return err
		}
		err = updateAll(tx, tableReserves, func(rec *ReserveRecord) { rec.Retry = w.retryPol.Reset(rec.Retry, now) })
		if err != nil {
			return err
		}
		err = updateAll(tx, tableProposals, func(rec *ProposalRecord) { rec.Retry = w.retryPol.Reset(rec.Retry, now) })
		if err != nil {
			return err
		}
		err = updateAll(tx, tablePurchases, func(rec *PurchaseRecord) { rec.Retry = w.retryPol.Reset(rec.Retry, now) })
		if err != nil {
			return err
		}
		return updateAll(tx, tableRefreshGroups, func(rec *RefreshGroupRecord) { rec.Retry = w.retryPol.Reset(rec.Retry, now) })
	})
	if err != nil {
		return err
	}
	w.Wake()
	return nil
}

func updateAll[T any](tx storage.WriteTx, table string, mutate func(*T)) error {
	var keys []string
	err := tx.Iter(table, func(key string, raw []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		var rec T
		found, err := tx.Get(table, key, &rec)
		if err != nil || !found {
			return err
		}
		mutate(&rec)
		if err := tx.Put(table, key, rec); err != nil {
			return err
		}
	}
	return nil
}
