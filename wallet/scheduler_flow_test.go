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

package wallet_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/test/wallettest"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

func TestRunUntilDoneReturnsWhenIdle(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Wallet.RunUntilDone(ctx))
}

func TestPendingOperationsTrackWithdrawal(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	rec, err := env.Wallet.WithdrawTestBalance(
		t.Context(), wallettest.ExchangeBaseURL, wallettest.BankBaseURL, amount.MustParse("TESTKUDOS:20"))
	require.NoError(t, err)

	ops, err := env.Wallet.GetPendingOperations(t.Context())
	require.NoError(t, err)
	var reserveOp *wallet.PendingOperation
	for i := range ops {
		if ops[i].Type == wallet.PendingReserve && ops[i].ReservePub == rec.ReservePub {
			reserveOp = &ops[i]
		}
	}
	require.NotNil(t, reserveOp, "confirmed reserve must surface as pending work")
	assert.True(t, reserveOp.GivesLifeness)

	runUntilDone(t, env.Wallet)

	// The dormant reserve stops producing work.
	ops, err = env.Wallet.GetPendingOperations(t.Context())
	require.NoError(t, err)
	for _, op := range ops {
		assert.NotEqual(t, wallet.PendingReserve, op.Type, "reserve should be dormant")
	}
}

func TestRetryLoopPicksUpNewWork(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- env.Wallet.RunRetryLoop(ctx) }()

	// The loop sits blocked on its wake channel; new work interrupts
	// the wait and gets processed without any external tick.
	time.Sleep(20 * time.Millisecond)
	_, err := env.Wallet.WithdrawTestBalance(
		ctx, wallettest.ExchangeBaseURL, wallettest.BankBaseURL, amount.MustParse("TESTKUDOS:10"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		balances, err := env.Wallet.GetBalances(t.Context())
		return err == nil && len(balances) == 1 && balances[0].Available.String() == "TESTKUDOS:9.6"
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestCoreRequestDispatch(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())
	withdrawBalance(t, env, "TESTKUDOS:20")

	res := env.Wallet.HandleCoreRequest(t.Context(), "getBalances", "req-1", nil)
	require.Equal(t, "response", res.Type)
	assert.Equal(t, "getBalances", res.Operation)
	assert.Equal(t, "req-1", res.ID)
	require.Nil(t, res.Error)

	raw, err := json.Marshal(res.Result)
	require.NoError(t, err)
	var body struct {
		Balances []wallet.Balance `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Balances, 1)
	assert.Equal(t, "TESTKUDOS:19.6", body.Balances[0].Available.String())
}

func TestCoreRequestRejectsBadPayload(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	res := env.Wallet.HandleCoreRequest(t.Context(), "preparePay", "req-2", json.RawMessage(`{`))
	require.Equal(t, "error", res.Type)
	require.NotNil(t, res.Error)
	assert.Equal(t, wallet.CodeInvalidRequest, res.Error.Code)
}

func TestCoreRequestUnknownOperation(t *testing.T) {
	env := wallettest.NewEnv(t, wallettest.DefaultDenoms())

	res := env.Wallet.HandleCoreRequest(t.Context(), "noSuchOperation", "req-3", nil)
	require.Equal(t, "error", res.Type)
	require.NotNil(t, res.Error)
	assert.Equal(t, wallet.CodeInvalidRequest, res.Error.Code)
}
