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

// Package inmem provides an in-memory Store for tests and ephemeral
// wallets. Transactions buffer their writes and apply them only when the
// transaction function returns nil.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

// Store implements storage.Store with plain maps guarded by a RWMutex.
type Store struct {
	schema storage.Schema

	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore returns an empty store for the given schema.
func NewStore(schema storage.Schema) *Store {
	tables := make(map[string]map[string][]byte, len(schema.Tables))
	for _, t := range schema.Tables {
		tables[t.Name] = make(map[string][]byte)
	}
	return &Store{schema: schema, tables: tables}
}

func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{store: s})
}

func (s *Store) Update(ctx context.Context, fn func(tx storage.WriteTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, pending: make(map[string]map[string][]byte)}
	if err := fn(t); err != nil {
		return err
	}
	for table, recs := range t.pending {
		base := s.tables[table]
		for key, raw := range recs {
			if raw == nil {
				delete(base, key)
			} else {
				base[key] = raw
			}
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// tx layers a pending write set over the base maps. A nil pending map
// marks a read-only transaction; a nil raw value marks a deletion.
type tx struct {
	store   *Store
	pending map[string]map[string][]byte
}

func (t *tx) table(name string) (map[string][]byte, error) {
	base, ok := t.store.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return base, nil
}

func (t *tx) lookup(table, key string) ([]byte, bool, error) {
	base, err := t.table(table)
	if err != nil {
		return nil, false, err
	}
	if recs, ok := t.pending[table]; ok {
		if raw, ok := recs[key]; ok {
			return raw, raw != nil, nil
		}
	}
	raw, ok := base[key]
	return raw, ok, nil
}

func (t *tx) Get(table, key string, v any) (bool, error) {
	raw, ok, err := t.lookup(table, key)
	if err != nil || !ok {
		return false, err
	}
	if v == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return true, nil
}

func (t *tx) visible(table string) ([]string, map[string][]byte, error) {
	base, err := t.table(table)
	if err != nil {
		return nil, nil, err
	}
	merged := make(map[string][]byte, len(base))
	for k, raw := range base {
		merged[k] = raw
	}
	for k, raw := range t.pending[table] {
		if raw == nil {
			delete(merged, k)
		} else {
			merged[k] = raw
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, merged, nil
}

func (t *tx) Iter(table string, fn func(key string, raw []byte) (bool, error)) error {
	keys, merged, err := t.visible(table)
	if err != nil {
		return err
	}
	for _, k := range keys {
		cont, err := fn(k, merged[k])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *tx) IterIndex(table, index, value string, fn func(key string, raw []byte) (bool, error)) error {
	idx, err := t.index(table, index)
	if err != nil {
		return err
	}
	keys, merged, err := t.visible(table)
	if err != nil {
		return err
	}
	for _, k := range keys {
		raw := merged[k]
		for _, v := range idx.Keys(raw) {
			if v != value {
				continue
			}
			cont, err := fn(k, raw)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			break
		}
	}
	return nil
}

func (t *tx) index(table, index string) (storage.Index, error) {
	for _, tbl := range t.store.schema.Tables {
		if tbl.Name != table {
			continue
		}
		for _, idx := range tbl.Indexes {
			if idx.Name == index {
				return idx, nil
			}
		}
		return storage.Index{}, fmt.Errorf("unknown index %q on table %q", index, table)
	}
	return storage.Index{}, fmt.Errorf("unknown table %q", table)
}

func (t *tx) Put(table, key string, v any) error {
	if t.pending == nil {
		return fmt.Errorf("put in read-only transaction")
	}
	if _, err := t.table(table); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	if t.pending[table] == nil {
		t.pending[table] = make(map[string][]byte)
	}
	t.pending[table][key] = raw
	return nil
}

func (t *tx) Delete(table, key string) error {
	if t.pending == nil {
		return fmt.Errorf("delete in read-only transaction")
	}
	if _, err := t.table(table); err != nil {
		return err
	}
	if t.pending[table] == nil {
		t.pending[table] = make(map[string][]byte)
	}
	t.pending[table][key] = nil
	return nil
}
