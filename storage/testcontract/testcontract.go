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

// Package testcontract holds the behavioral test suite every
// storage.Store implementation must pass.
package testcontract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

// Schema returns the schema the contract tests run against.
func Schema() storage.Schema {
	return storage.Schema{
		Tables: []storage.Table{
			{Name: "plain"},
			{
				Name: "indexed",
				Indexes: []storage.Index{
					{
						Name: "byGroup",
						Keys: func(raw []byte) []string {
							var r record
							if err := json.Unmarshal(raw, &r); err != nil {
								return nil
							}
							return []string{r.Group}
						},
					},
				},
			},
		},
	}
}

type record struct {
	Group string `json:"group"`
	N     int    `json:"n"`
}

type SetupFunc func(t *testing.T) (storage.Store, error)

// TestStoreContract runs the full suite against a fresh store per
// subtest.
func TestStoreContract(t *testing.T, setupFunc SetupFunc) {
	setup := func(t *testing.T) storage.Store {
		t.Helper()

		store, err := setupFunc(t)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, store.Close())
		})

		return store
	}

	t.Run("ReadWrite", func(t *testing.T) {
		RunReadWriteTests(t, setup)
	})

	t.Run("Transactions", func(t *testing.T) {
		RunTransactionTests(t, setup)
	})

	t.Run("Indexes", func(t *testing.T) {
		RunIndexTests(t, setup)
	})
}

type fullSetupFunc func(t *testing.T) storage.Store

func RunReadWriteTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, put then get", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("plain", "k1", record{Group: "a", N: 1})
		})
		require.NoError(t, err)

		var got record
		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			found, err := tx.Get("plain", "k1", &got)
			require.NoError(t, err)
			require.True(t, found)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, record{Group: "a", N: 1}, got)
	})

	t.Run("ok, get missing reports not found", func(t *testing.T) {
		store := setup(t)

		err := store.View(t.Context(), func(tx storage.ReadTx) error {
			found, err := tx.Get("plain", "nope", nil)
			require.NoError(t, err)
			require.False(t, found)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ok, put overwrites", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Put("plain", "k", record{N: 1}); err != nil {
				return err
			}
			return tx.Put("plain", "k", record{N: 2})
		})
		require.NoError(t, err)

		var got record
		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			_, err := tx.Get("plain", "k", &got)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, got.N)
	})

	t.Run("ok, delete removes and is idempotent", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("plain", "k", record{N: 1})
		})
		require.NoError(t, err)

		err = store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Delete("plain", "k"); err != nil {
				return err
			}
			return tx.Delete("plain", "k")
		})
		require.NoError(t, err)

		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			found, err := tx.Get("plain", "k", nil)
			require.NoError(t, err)
			require.False(t, found)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ok, iteration is key ordered", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			for _, k := range []string{"b", "c", "a"} {
				if err := tx.Put("plain", k, record{}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		var keys []string
		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			return tx.Iter("plain", func(key string, raw []byte) (bool, error) {
				keys = append(keys, key)
				return true, nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)
	})

	t.Run("ok, iteration stops early", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			for _, k := range []string{"a", "b", "c"} {
				if err := tx.Put("plain", k, record{}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		var visited int
		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			return tx.Iter("plain", func(key string, raw []byte) (bool, error) {
				visited++
				return visited < 2, nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, visited)
	})

	t.Run("fail, unknown table", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("mystery", "k", record{})
		})
		require.Error(t, err)
	})
}

func RunTransactionTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, transaction sees own writes", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Put("plain", "k", record{N: 7}); err != nil {
				return err
			}
			var got record
			found, err := tx.Get("plain", "k", &got)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 7, got.N)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ok, error discards all writes", func(t *testing.T) {
		store := setup(t)

		boom := errors.New("boom")
		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Put("plain", "k1", record{N: 1}); err != nil {
				return err
			}
			if err := tx.Put("plain", "k2", record{N: 2}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			for _, k := range []string{"k1", "k2"} {
				found, err := tx.Get("plain", k, nil)
				require.NoError(t, err)
				require.False(t, found, k)
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ok, delete visible within transaction", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("plain", "k", record{N: 1})
		})
		require.NoError(t, err)

		err = store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Delete("plain", "k"); err != nil {
				return err
			}
			found, err := tx.Get("plain", "k", nil)
			require.NoError(t, err)
			require.False(t, found)
			return nil
		})
		require.NoError(t, err)
	})
}

func RunIndexTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, index lookup finds group members", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			if err := tx.Put("indexed", "k1", record{Group: "a", N: 1}); err != nil {
				return err
			}
			if err := tx.Put("indexed", "k2", record{Group: "b", N: 2}); err != nil {
				return err
			}
			return tx.Put("indexed", "k3", record{Group: "a", N: 3})
		})
		require.NoError(t, err)

		var keys []string
		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			return tx.IterIndex("indexed", "byGroup", "a", func(key string, raw []byte) (bool, error) {
				keys = append(keys, key)
				return true, nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k3"}, keys)
	})

	t.Run("ok, index follows overwrite", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("indexed", "k", record{Group: "a"})
		})
		require.NoError(t, err)

		err = store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("indexed", "k", record{Group: "b"})
		})
		require.NoError(t, err)

		count := func(group string) int {
			n := 0
			err := store.View(t.Context(), func(tx storage.ReadTx) error {
				return tx.IterIndex("indexed", "byGroup", group, func(string, []byte) (bool, error) {
					n++
					return true, nil
				})
			})
			require.NoError(t, err)
			return n
		}
		assert.Equal(t, 0, count("a"))
		assert.Equal(t, 1, count("b"))
	})

	t.Run("ok, index follows delete", func(t *testing.T) {
		store := setup(t)

		err := store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Put("indexed", "k", record{Group: "a"})
		})
		require.NoError(t, err)

		err = store.Update(t.Context(), func(tx storage.WriteTx) error {
			return tx.Delete("indexed", "k")
		})
		require.NoError(t, err)

		err = store.View(t.Context(), func(tx storage.ReadTx) error {
			return tx.IterIndex("indexed", "byGroup", "a", func(string, []byte) (bool, error) {
				t.Fatal("index entry survived delete")
				return false, nil
			})
		})
		require.NoError(t, err)
	})

	t.Run("fail, unknown index", func(t *testing.T) {
		store := setup(t)

		err := store.View(t.Context(), func(tx storage.ReadTx) error {
			return tx.IterIndex("indexed", "mystery", "a", func(string, []byte) (bool, error) {
				return true, nil
			})
		})
		require.Error(t, err)
	})
}
