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

// Package storage defines the transactional key-value store the wallet
// persists its state in. Records are JSON documents keyed by string
// within named tables; tables may declare secondary indexes computed
// from the record bytes. Implementations live in subpackages, the
// shared behavioral tests in storage/testcontract.
package storage

import "context"

// Index declares a secondary index over a table. Keys extracts the index
// values for a record from its marshaled bytes; a record may map to zero
// or more values.
type Index struct {
	Name string
	Keys func(raw []byte) []string
}

// Table declares a table and its indexes.
type Table struct {
	Name    string
	Indexes []Index
}

// Schema is the full set of tables a store is opened with. Writes to
// undeclared tables are errors.
type Schema struct {
	Tables []Table
}

// Store is a transactional key-value store.
//
// Contract:
//   - View runs fn in a read-only transaction. Update runs fn in a
//     writable transaction that commits iff fn returns nil; on error
//     every write in the transaction is discarded.
//   - A transaction sees its own writes. Concurrent transactions are
//     serialized or isolated; readers never observe a partial commit.
//   - Iteration visits keys in lexicographic order. The callback returns
//     false to stop early.
//   - Secondary indexes are maintained automatically on Put and Delete
//     and are consistent with the table within every transaction.
//   - Get into a nil pointer only reports existence.
type Store interface {
	View(ctx context.Context, fn func(tx ReadTx) error) error
	Update(ctx context.Context, fn func(tx WriteTx) error) error
	Close() error
}

// ReadTx is the read half of a transaction.
type ReadTx interface {
	// Get unmarshals the record at key into v and reports whether it
	// exists.
	Get(table, key string, v any) (bool, error)

	// Iter visits every record in the table in key order.
	Iter(table string, fn func(key string, raw []byte) (bool, error)) error

	// IterIndex visits every record whose index value equals value, in
	// primary-key order.
	IterIndex(table, index, value string, fn func(key string, raw []byte) (bool, error)) error
}

// WriteTx is a transaction that can also mutate.
type WriteTx interface {
	ReadTx

	// Put marshals v and stores it at key, replacing any prior record.
	Put(table, key string, v any) error

	// Delete removes the record at key. Deleting a missing key is not an
	// error.
	Delete(table, key string) error
}
