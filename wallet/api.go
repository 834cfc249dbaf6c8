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
	"net/http"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

// CoreResponse is the request/response envelope shared by every
// embedder (CLI, extension, mobile bindings). Its shape is a stable
// external contract.
type CoreResponse struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	ID        string          `json:"id"`
	Result    any             `json:"result,omitempty"`
	Error     *OperationError `json:"error,omitempty"`
}

// HandleCoreRequest dispatches one facade operation. It never panics
// and never returns raw errors; failures come back as typed error
// envelopes.
func (w *Wallet) HandleCoreRequest(ctx context.Context, operation, id string, payload json.RawMessage) CoreResponse {
	result, err := runGuardedResult(ctx, operation, func(ctx context.Context) (any, error) {
		return w.dispatch(ctx, operation, payload)
	})
	if err != nil {
		return CoreResponse{Type: "error", Operation: operation, ID: id, Error: asOperationError(err)}
	}
	return CoreResponse{Type: "response", Operation: operation, ID: id, Result: result}
}

func runGuardedResult(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (result any, err error) {
	err = runGuarded(ctx, name, func(ctx context.Context) error {
		var inner error
		result, inner = fn(ctx)
		return inner
	})
	return result, err
}

func (w *Wallet) dispatch(ctx context.Context, operation string, payload json.RawMessage) (any, error) {
	switch operation {
	case "addExchange":
		var req struct {
			ExchangeBaseURL string `json:"exchangeBaseUrl"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return w.AddExchange(ctx, req.ExchangeBaseURL)
	case "listExchanges":
		return w.ListExchanges(ctx)
	case "setExchangeTosAccepted":
		var req struct {
			ExchangeBaseURL string `json:"exchangeBaseUrl"`
			Etag            string `json:"etag"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, w.SetExchangeTosAccepted(ctx, req.ExchangeBaseURL, req.Etag)
	case "acceptManualWithdrawal":
		var req struct {
			ExchangeBaseURL string        `json:"exchangeBaseUrl"`
			Amount          amount.Amount `json:"amount"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		rec, err := w.CreateReserve(ctx, req.ExchangeBaseURL, req.Amount, "")
		if err != nil {
			return nil, err
		}
		if err := w.ConfirmReserve(ctx, rec.ReservePub); err != nil {
			return nil, err
		}
		return map[string]any{"reservePub": rec.ReservePub}, nil
	case "withdrawTestBalance":
		var req struct {
			ExchangeBaseURL string        `json:"exchangeBaseUrl"`
			BankBaseURL     string        `json:"bankBaseUrl"`
			Amount          amount.Amount `json:"amount"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return w.WithdrawTestBalance(ctx, req.ExchangeBaseURL, req.BankBaseURL, req.Amount)
	case "confirmReserve":
		var req struct {
			ReservePub string `json:"reservePub"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, w.ConfirmReserve(ctx, req.ReservePub)
	case "getBalances":
		balances, err := w.GetBalances(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balances": balances}, nil
	case "getTransactions":
		txs, err := w.GetTransactions(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"transactions": txs}, nil
	case "getPendingOperations":
		ops, err := w.GetPendingOperations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pendingOperations": ops}, nil
	case "preparePay":
		var req struct {
			MerchantBaseURL string `json:"merchantBaseUrl"`
			OrderID         string `json:"orderId"`
			ClaimToken      string `json:"claimToken"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return w.PreparePay(ctx, req.MerchantBaseURL, req.OrderID, req.ClaimToken)
	case "confirmPay":
		var req struct {
			ProposalID string `json:"proposalId"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return w.ConfirmPay(ctx, req.ProposalID)
	case "refuseProposal":
		var req struct {
			ProposalID string `json:"proposalId"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, w.RefuseProposal(ctx, req.ProposalID)
	case "applyRefund":
		var perm RefundPermission
		if err := decodePayload(payload, &perm); err != nil {
			return nil, err
		}
		return nil, w.ApplyRefund(ctx, perm)
	case "forceRefresh":
		var req struct {
			CoinPub string `json:"coinPub"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, w.ForceRefresh(ctx, req.CoinPub)
	case "setCoinSuspended":
		var req struct {
			CoinPub   string `json:"coinPub"`
			Suspended bool   `json:"suspended"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, w.SetCoinSuspended(ctx, req.CoinPub, req.Suspended)
	case "dumpCoins":
		coins, err := w.DumpCoins(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"coins": coins}, nil
	case "retryPendingNow":
		return nil, w.RetryPendingNow(ctx)
	default:
		return nil, &OperationError{Code: CodeInvalidRequest, Message: fmt.Sprintf("unknown operation %q", operation)}
	}
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &OperationError{Code: CodeInvalidRequest, Message: "missing payload"}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &OperationError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid payload: %v", err)}
	}
	return nil
}

// WithdrawTestBalance funds a reserve through a test bank's admin
// endpoint and starts the withdrawal. Meant for integration testing
// against sandboxed deployments.
func (w *Wallet) WithdrawTestBalance(ctx context.Context, exchangeBaseURL, bankBaseURL string, amt amount.Amount) (*ReserveRecord, error) {
	if _, err := w.AddExchange(ctx, exchangeBaseURL); err != nil {
		return nil, err
	}
	rec, err := w.CreateReserve(ctx, exchangeBaseURL, amt, "")
	if err != nil {
		return nil, err
	}
	req := bankTestWithdrawRequest{
		Amount:          amt,
		ReservePub:      rec.ReservePub,
		ExchangeBaseURL: canonicalBaseURL(exchangeBaseURL),
	}
	resp, err := w.client.PostJSON(ctx, canonicalBaseURL(bankBaseURL)+"testing/withdraw", req)
	if err != nil {
		return nil, TransientError{Err: err}
	}
	if resp.Status != http.StatusOK {
		return nil, TransientError{Err: fmt.Errorf("bank test withdraw returned %d", resp.Status)}
	}
	if err := w.ConfirmReserve(ctx, rec.ReservePub); err != nil {
		return nil, err
	}
	return rec, nil
}
