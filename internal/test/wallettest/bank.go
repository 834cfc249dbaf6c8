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
	"context"
	"net/http"
	"testing"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport/transporttest"
)

// Bank is a fake bank that funds exchange reserves on demand via the
// testing withdraw endpoint.
type Bank struct {
	BaseURL  string
	exchange *Exchange
}

// NewBank registers the testing/withdraw handler under baseURL.
func NewBank(t *testing.T, baseURL string, client *transporttest.Client, exchange *Exchange) *Bank {
	t.Helper()

	b := &Bank{BaseURL: baseURL, exchange: exchange}
	client.Handle(http.MethodPost, baseURL+"testing/withdraw", b.handleTestWithdraw)
	return b
}

func (b *Bank) handleTestWithdraw(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	var twr bankTestWithdrawRequest
	if err := req.JSON(&twr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}
	if twr.ReservePub == "" {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "missing reserve_pub"})
	}
	b.exchange.AddReserveFunds(twr.ReservePub, twr.Amount)
	return transporttest.JSONResponse(http.StatusOK, map[string]string{})
}
