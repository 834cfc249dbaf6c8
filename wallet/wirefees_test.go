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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage/inmem"
)

func wireFeeStore(t *testing.T, now time.Time) *inmem.Store {
	t.Helper()
	store := inmem.NewStore(Schema())
	rec := ExchangeRecord{
		BaseURL:  "https://exchange.test/",
		Currency: "TESTKUDOS",
		WireInfo: map[string][]WireFeeRecord{
			"iban": {{
				WireFee:    amount.MustParse("TESTKUDOS:0.4"),
				ClosingFee: amount.MustParse("TESTKUDOS:0.1"),
				StartStamp: now.Add(-time.Hour),
				EndStamp:   now.Add(time.Hour),
			}},
		},
	}
	require.NoError(t, store.Update(t.Context(), func(tx storage.WriteTx) error {
		return tx.Put(tableExchanges, rec.BaseURL, rec)
	}))
	return store
}

func selectionRequestFor(t *testing.T, store *inmem.Store, contract *ContractTerms) paySelectionRequest {
	t.Helper()
	var req paySelectionRequest
	require.NoError(t, store.View(t.Context(), func(tx storage.ReadTx) error {
		var err error
		req, err = selectionRequest(tx, contract)
		return err
	}))
	return req
}

func TestSelectionRequestUsesStoredWireFees(t *testing.T) {
	now := time.Now().UTC()
	store := wireFeeStore(t, now)

	contract := &ContractTerms{
		Amount:     amount.MustParse("TESTKUDOS:5"),
		MaxFee:     amount.MustParse("TESTKUDOS:1"),
		WireMethod: "iban",
		Timestamp:  now.Unix(),
	}
	req := selectionRequestFor(t, store, contract)
	require.Contains(t, req.WireFees, "https://exchange.test/")
	assert.Equal(t, "TESTKUDOS:0.4", req.WireFees["https://exchange.test/"].String())
}

func TestSelectionRequestSkipsUnknownWireMethod(t *testing.T) {
	now := time.Now().UTC()
	store := wireFeeStore(t, now)

	contract := &ContractTerms{
		Amount:     amount.MustParse("TESTKUDOS:5"),
		MaxFee:     amount.MustParse("TESTKUDOS:1"),
		WireMethod: "sepa",
		Timestamp:  now.Unix(),
	}
	req := selectionRequestFor(t, store, contract)
	assert.Empty(t, req.WireFees)
}

func TestSelectionRequestIgnoresExpiredWireFeeWindow(t *testing.T) {
	now := time.Now().UTC()
	store := wireFeeStore(t, now)

	contract := &ContractTerms{
		Amount:     amount.MustParse("TESTKUDOS:5"),
		MaxFee:     amount.MustParse("TESTKUDOS:1"),
		WireMethod: "iban",
		Timestamp:  now.Add(2 * time.Hour).Unix(),
	}
	req := selectionRequestFor(t, store, contract)
	assert.Empty(t, req.WireFees)
}
