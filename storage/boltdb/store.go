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

// Package boltdb provides a durable Store on top of a single bbolt file.
// Each table maps to a bucket; each secondary index maps to a companion
// bucket holding composite keys of the form value NUL primaryKey, which
// makes index scans a simple prefix cursor walk.
package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
)

const idxSep = "\x00"

// Store implements storage.Store backed by bbolt.
type Store struct {
	schema storage.Schema
	db     *bolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database file and ensures every bucket the
// schema declares exists.
func Open(path string, schema storage.Schema) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, table := range schema.Tables {
			if _, err := btx.CreateBucketIfNotExists([]byte(table.Name)); err != nil {
				return err
			}
			for _, idx := range table.Indexes {
				if _, err := btx.CreateBucketIfNotExists([]byte(indexBucket(table.Name, idx.Name))); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{schema: schema, db: db}, nil
}

func indexBucket(table, index string) string {
	return table + idxSep + "idx" + idxSep + index
}

func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{store: s, btx: btx})
	})
}

func (s *Store) Update(ctx context.Context, fn func(tx storage.WriteTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{store: s, btx: btx})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	store *Store
	btx   *bolt.Tx
}

func (t *tx) bucket(table string) (*bolt.Bucket, error) {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return b, nil
}

func (t *tx) Get(table, key string, v any) (bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return false, err
	}
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if v == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return true, nil
}

func (t *tx) Iter(table string, fn func(key string, raw []byte) (bool, error)) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		cont, err := fn(string(k), raw)
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
	if _, err := t.store.indexDef(table, index); err != nil {
		return err
	}
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	ib, err := t.bucket(indexBucket(table, index))
	if err != nil {
		return err
	}
	prefix := []byte(value + idxSep)
	c := ib.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		primary := k[len(prefix):]
		raw := b.Get(primary)
		if raw == nil {
			continue
		}
		cont, err := fn(string(primary), raw)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) indexDef(table, index string) (storage.Index, error) {
	for _, tbl := range s.schema.Tables {
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

func (s *Store) tableDef(table string) (storage.Table, error) {
	for _, tbl := range s.schema.Tables {
		if tbl.Name == table {
			return tbl, nil
		}
	}
	return storage.Table{}, fmt.Errorf("unknown table %q", table)
}

func (t *tx) Put(table, key string, v any) error {
	if !t.btx.Writable() {
		return fmt.Errorf("put in read-only transaction")
	}
	tbl, err := t.store.tableDef(table)
	if err != nil {
		return err
	}
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	old := b.Get([]byte(key))
	if err := t.updateIndexes(tbl, key, old, raw); err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

func (t *tx) Delete(table, key string) error {
	if !t.btx.Writable() {
		return fmt.Errorf("delete in read-only transaction")
	}
	tbl, err := t.store.tableDef(table)
	if err != nil {
		return err
	}
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	old := b.Get([]byte(key))
	if old == nil {
		return nil
	}
	if err := t.updateIndexes(tbl, key, old, nil); err != nil {
		return err
	}
	return b.Delete([]byte(key))
}

func (t *tx) updateIndexes(tbl storage.Table, key string, old, new []byte) error {
	for _, idx := range tbl.Indexes {
		ib, err := t.bucket(indexBucket(tbl.Name, idx.Name))
		if err != nil {
			return err
		}
		if old != nil {
			for _, v := range idx.Keys(old) {
				if err := ib.Delete([]byte(v + idxSep + key)); err != nil {
					return err
				}
			}
		}
		if new != nil {
			for _, v := range idx.Keys(new) {
				if err := ib.Put([]byte(v+idxSep+key), nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
