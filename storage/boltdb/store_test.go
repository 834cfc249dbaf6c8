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

package boltdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage/boltdb"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage/testcontract"
)

func TestStoreContract(t *testing.T) {
	testcontract.TestStoreContract(t, func(t *testing.T) (storage.Store, error) {
		return boltdb.Open(filepath.Join(t.TempDir(), "wallet.db"), testcontract.Schema())
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	schema := testcontract.Schema()

	store, err := boltdb.Open(path, schema)
	require.NoError(t, err)
	err = store.Update(t.Context(), func(tx storage.WriteTx) error {
		return tx.Put("plain", "k", map[string]int{"n": 42})
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = boltdb.Open(path, schema)
	require.NoError(t, err)
	defer store.Close()

	var got map[string]int
	err = store.View(t.Context(), func(tx storage.ReadTx) error {
		found, err := tx.Get("plain", "k", &got)
		require.NoError(t, err)
		require.True(t, found)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got["n"])
}
