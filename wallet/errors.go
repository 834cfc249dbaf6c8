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
	"errors"
	"fmt"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

var (
	// ErrProposalRefused indicates an operation on a proposal the user
	// already refused.
	ErrProposalRefused = errors.New("proposal was refused")

	// ErrRedenominationNotImplemented marks the merchant 409
	// insufficient-funds path. Re-selecting coins after a partial double
	// spend is deliberately unimplemented; the failure must stay loud.
	ErrRedenominationNotImplemented = errors.New("payment re-denomination not implemented yet")
)

// InsufficientBalanceError indicates coin selection could not cover a
// payment. It is a normal outcome, not a protocol failure.
type InsufficientBalanceError struct {
	// Requested is the amount the payment needed.
	Requested amount.Amount
	// Balance is the spendable balance at selection time.
	Balance amount.Amount
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Requested)
}

// ProtocolError indicates a permanent violation by a remote party:
// a bad signature, a mismatched URL, a malformed mandatory field. It is
// never retried; it is recorded on the affected record and surfaced.
type ProtocolError struct {
	Operation string
	URL       string
	Err       error
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s against %s: %v", e.Operation, e.URL, e.Err)
}

func (e ProtocolError) Unwrap() error {
	return e.Err
}

// TransientError wraps a failure worth retrying with backoff: network
// trouble, 5xx responses, timeouts.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return e.Err.Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// ConsistencyError indicates the store contradicts itself, for example
// a coin referencing a denomination that does not exist. It is a hard
// error; retrying cannot fix corruption.
type ConsistencyError struct {
	Err error
}

func (e ConsistencyError) Error() string {
	return e.Err.Error()
}

func (e ConsistencyError) Unwrap() error {
	return e.Err
}

// OperationError is the typed error the facade returns to callers. It
// never carries stack traces.
type OperationError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for OperationError.
const (
	CodeTransient           = "TRANSIENT"
	CodeProtocolViolation   = "PROTOCOL_VIOLATION"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeConsistency         = "STORE_INCONSISTENT"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// asOperationError maps any error to the facade taxonomy.
func asOperationError(err error) *OperationError {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}
	var insufficient InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return &OperationError{
			Code:    CodeInsufficientBalance,
			Message: insufficient.Error(),
			Details: map[string]any{
				"requested": insufficient.Requested.String(),
				"balance":   insufficient.Balance.String(),
			},
		}
	}
	var protocol ProtocolError
	if errors.As(err, &protocol) {
		return &OperationError{
			Code:    CodeProtocolViolation,
			Message: protocol.Error(),
			Details: map[string]any{"operation": protocol.Operation, "url": protocol.URL},
		}
	}
	var transient TransientError
	if errors.As(err, &transient) {
		return &OperationError{Code: CodeTransient, Message: transient.Error()}
	}
	var consistency ConsistencyError
	if errors.As(err, &consistency) {
		return &OperationError{Code: CodeConsistency, Message: consistency.Error()}
	}
	return &OperationError{Code: CodeInternal, Message: err.Error()}
}
