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

// Package wallet implements the coin lifecycle core: reserve
// withdrawal, denomination trust, payment with coin selection, refresh
// change-making, refund application, and the retry scheduler that
// drives all of it to completion over a transactional store.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/canonicaljson"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/uuidv7"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/work"
)

// Config tunes a wallet instance. Zero values get sane defaults.
type Config struct {
	// MaxParallelCrypto bounds concurrent blinding/unblinding work.
	// Defaults to 4.
	MaxParallelCrypto int `yaml:"max_parallel_crypto"`
	// Retry overrides the backoff pacing; tests shrink it.
	Retry RetryPolicy `yaml:"-"`
	// ExchangeUpdateInterval is how stale an exchange's /keys may get
	// before the scheduler refreshes it. Defaults to 1h.
	ExchangeUpdateInterval time.Duration `yaml:"exchange_update_interval"`
	// Clock overrides time for tests.
	Clock func() time.Time `yaml:"-"`
}

// Notification is emitted by the scheduler for UI layers.
type Notification struct {
	Type string `json:"type"`
}

// NotifyWaitingForRetry is sent when no operation can make progress
// until a retry timer fires.
const NotifyWaitingForRetry = "waiting-for-retry"

// requestTimeout bounds every wallet-initiated status and key fetch so
// a stuck peer cannot stall a scheduler step.
const requestTimeout = 30 * time.Second

// Wallet is the explicit state context every operation runs against.
// There are no package-level globals.
type Wallet struct {
	store    storage.Store
	client   transport.Client
	crypto   talercrypto.Provider
	pool     *work.Pool
	retryPol RetryPolicy
	updateIv time.Duration
	clock    func() time.Time

	// coinsLock serializes network-side coin spending (/pay and
	// /refresh/melt submissions) so two concurrent payments never race
	// on the same coins between local commit and network confirmation.
	coinsLock sync.Mutex

	wake chan struct{}

	notifyMu sync.Mutex
	notifyFn func(Notification)

	closeOnce sync.Once
}

// New assembles a wallet over its three external capabilities.
func New(cfg Config, store storage.Store, client transport.Client, crypto talercrypto.Provider) (*Wallet, error) {
	if store == nil || client == nil || crypto == nil {
		return nil, fmt.Errorf("store, client and crypto are all required")
	}
	if cfg.MaxParallelCrypto <= 0 {
		cfg.MaxParallelCrypto = 4
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.ExchangeUpdateInterval <= 0 {
		cfg.ExchangeUpdateInterval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Wallet{
		store:    store,
		client:   client,
		crypto:   crypto,
		pool:     work.NewPool(cfg.MaxParallelCrypto*4, cfg.MaxParallelCrypto),
		retryPol: cfg.Retry,
		updateIv: cfg.ExchangeUpdateInterval,
		clock:    cfg.Clock,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Close releases the worker pool. The store is owned by the caller.
func (w *Wallet) Close() {
	w.closeOnce.Do(func() {
		w.pool.Close()
	})
}

// OnNotification registers a callback for scheduler notifications.
func (w *Wallet) OnNotification(fn func(Notification)) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	w.notifyFn = fn
}

func (w *Wallet) notify(n Notification) {
	w.notifyMu.Lock()
	fn := w.notifyFn
	w.notifyMu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Wake nudges the retry loop after a user action changed the pending
// set.
func (w *Wallet) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// signCanonical signs the canonical JSON of v with an EdDSA key.
func (w *Wallet) signCanonical(priv string, v any) (string, error) {
	body, err := canonicaljson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize signing body: %w", err)
	}
	return w.crypto.EddsaSign(priv, body)
}

// verifyCanonical verifies an EdDSA signature over the canonical JSON
// of v.
func (w *Wallet) verifyCanonical(pub string, v any, sig string) error {
	body, err := canonicaljson.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to canonicalize signing body: %w", err)
	}
	return w.crypto.EddsaVerify(pub, body, sig)
}

// hashContract computes the crock SHA-512 of canonical contract terms.
func (w *Wallet) hashContract(raw []byte) (string, error) {
	canonical, err := canonicaljson.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize contract terms: %w", err)
	}
	return crock.Encode(w.crypto.Hash(canonical)), nil
}

// addHistory appends an event log entry inside an existing transaction.
func (w *Wallet) addHistory(tx storage.WriteTx, rec HistoryRecord) error {
	id, err := uuidv7.New()
	if err != nil {
		return fmt.Errorf("failed to create history id: %w", err)
	}
	return tx.Put(tableHistory, historyKey(rec.Timestamp, id.String()), rec)
}

// runGuarded executes one scheduler step and converts panics into
// errors so a single broken operation cannot halt the retry loop.
func runGuarded(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "operation panicked", "operation", name, "panic", r)
			err = fmt.Errorf("operation %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}
