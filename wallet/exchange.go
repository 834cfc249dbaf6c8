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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/work"
)

// canonicalBaseURL normalizes an exchange base URL to end in a slash.
func canonicalBaseURL(url string) string {
	if !strings.HasSuffix(url, "/") {
		return url + "/"
	}
	return url
}

// AddExchange makes first contact with an exchange: fetches and
// verifies /keys, adopts the master key, and records the exchange.
func (w *Wallet) AddExchange(ctx context.Context, baseURL string) (*ExchangeRecord, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.AddExchange")
	defer span.End()

	baseURL = canonicalBaseURL(baseURL)
	if err := w.UpdateExchangeFromURL(ctx, baseURL); err != nil {
		return nil, err
	}

	var rec ExchangeRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableExchanges, baseURL, &rec)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("exchange %s missing after update", baseURL)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateExchangeFromURL runs the trust engine against a fresh /keys
// response: master signature check, per-denomination verification,
// tamper detection, and the atomic activeDenoms swap with coin
// suspension.
func (w *Wallet) UpdateExchangeFromURL(ctx context.Context, baseURL string) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.UpdateExchangeFromURL")
	defer span.End()

	baseURL = canonicalBaseURL(baseURL)

	resp, err := w.client.Get(ctx, baseURL+"keys", transport.WithTimeout(requestTimeout))
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status != http.StatusOK {
		return TransientError{Err: fmt.Errorf("GET /keys returned status %d", resp.Status)}
	}
	var keys keysResponse
	if err := resp.JSON(&keys); err != nil {
		return ProtocolError{Operation: "update-exchange", URL: baseURL, Err: err}
	}

	var existing ExchangeRecord
	var haveExisting bool
	err = w.store.View(ctx, func(tx storage.ReadTx) error {
		haveExisting, err = tx.Get(tableExchanges, baseURL, &existing)
		return err
	})
	if err != nil {
		return err
	}

	// The master key is adopted on first contact and pinned forever.
	masterPub := keys.MasterPublicKey
	if haveExisting && existing.MasterPub != masterPub {
		return ProtocolError{
			Operation: "update-exchange",
			URL:       baseURL,
			Err:       fmt.Errorf("master public key changed from %s to %s", existing.MasterPub, masterPub),
		}
	}
	signed := keysSignedBody{
		MasterPublicKey: keys.MasterPublicKey,
		ListIssueDate:   keys.ListIssueDate,
		Denoms:          keys.Denoms,
	}
	if err := w.verifyCanonical(masterPub, signed, keys.EddsaSig); err != nil {
		return ProtocolError{
			Operation: "update-exchange",
			URL:       baseURL,
			Err:       fmt.Errorf("keys response signature invalid: %w", err),
		}
	}

	newDenoms, err := w.checkDenominations(ctx, baseURL, masterPub, keys.Denoms)
	if err != nil {
		return err
	}

	wireInfo, err := w.fetchWireFees(ctx, baseURL, masterPub)
	if err != nil {
		return err
	}
	auditors := make([]ExchangeAuditor, 0, len(keys.Auditors))
	for _, a := range keys.Auditors {
		auditors = append(auditors, ExchangeAuditor{AuditorPub: a.AuditorPub, AuditorURL: a.AuditorURL})
	}

	now := w.clock()
	currency := ""
	if len(newDenoms) > 0 {
		currency = newDenoms[0].Value.Currency
	}

	offered := make(map[string]bool, len(newDenoms))
	for _, d := range newDenoms {
		offered[d.DenomPubHash] = true
	}

	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		rec := ExchangeRecord{BaseURL: baseURL, Retry: w.retryPol.Start(now)}
		if haveExisting {
			rec = existing
		} else {
			rec.MasterPub = masterPub
			if err := w.addHistory(tx, HistoryRecord{
				Type:      HistoryExchangeAdded,
				Timestamp: now,
				Detail:    map[string]any{"exchangeBaseUrl": baseURL},
			}); err != nil {
				return err
			}
		}
		if currency != "" {
			rec.Currency = currency
		}
		rec.Auditors = auditors
		rec.WireInfo = wireInfo
		rec.LastUpdateTime = now
		rec.LastError = nil
		if err := tx.Put(tableExchanges, baseURL, rec); err != nil {
			return err
		}

		// Append-only denomination history plus tamper detection.
		for _, d := range newDenoms {
			key := denomRecordKey(baseURL, d.DenomPubHash)
			var stored DenominationRecord
			found, err := tx.Get(tableDenominations, key, &stored)
			if err != nil {
				return err
			}
			if found {
				if !stored.sameEconomics(&d) {
					// Surfaced for auditing; the stored copy wins.
					slog.WarnContext(ctx, "denomination parameters were modified",
						"exchange", baseURL, "denomPubHash", d.DenomPubHash)
				}
				stored.IsOffered = true
				if err := tx.Put(tableDenominations, key, stored); err != nil {
					return err
				}
				continue
			}
			d.IsOffered = true
			if err := tx.Put(tableDenominations, key, d); err != nil {
				return err
			}
		}

		// Swap activeDenoms and suspend coins whose denomination dropped
		// out, atomically with the swap.
		var dropped []string
		err = tx.IterIndex(tableDenominations, indexByExchange, baseURL, func(key string, raw []byte) (bool, error) {
			var d DenominationRecord
			found, err := tx.Get(tableDenominations, key, &d)
			if err != nil || !found {
				return false, err
			}
			if d.IsOffered && !offered[d.DenomPubHash] {
				d.IsOffered = false
				dropped = append(dropped, d.DenomPubHash)
				if err := tx.Put(tableDenominations, key, d); err != nil {
					return false, err
				}
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if len(dropped) == 0 {
			return nil
		}
		droppedSet := make(map[string]bool, len(dropped))
		for _, h := range dropped {
			droppedSet[h] = true
		}
		return tx.IterIndex(tableCoins, indexByExchange, baseURL, func(key string, raw []byte) (bool, error) {
			var c CoinRecord
			if _, err := tx.Get(tableCoins, key, &c); err != nil {
				return false, err
			}
			if droppedSet[c.DenomPubHash] && !c.Suspended {
				c.Suspended = true
				slog.InfoContext(ctx, "suspending coin of withdrawn denomination",
					"coinPub", c.CoinPub, "denomPubHash", c.DenomPubHash)
				if err := tx.Put(tableCoins, key, c); err != nil {
					return false, err
				}
			}
			return true, nil
		})
	})
}

// checkDenominations builds denomination records from the wire form,
// verifying each new denomination's master signature concurrently.
// Invalid signatures are logged and the denominations kept with status
// bad: the auditor-based trust model flags them instead of hiding them.
func (w *Wallet) checkDenominations(ctx context.Context, baseURL, masterPub string, denoms []keysDenom) ([]DenominationRecord, error) {
	out := make([]DenominationRecord, len(denoms))
	var wg sync.WaitGroup
	for i := range denoms {
		wd := denoms[i]
		pub, err := talercrypto.DecodeDenomPub(wd.DenomPub)
		if err != nil {
			return nil, ProtocolError{
				Operation: "update-exchange",
				URL:       baseURL,
				Err:       fmt.Errorf("undecodable denomination key: %w", err),
			}
		}
		rec := DenominationRecord{
			ExchangeBaseURL:     baseURL,
			DenomPub:            wd.DenomPub,
			DenomPubHash:        talercrypto.DenomPubHash(pub),
			Value:               wd.Value,
			FeeWithdraw:         wd.FeeWithdraw,
			FeeDeposit:          wd.FeeDeposit,
			FeeRefresh:          wd.FeeRefresh,
			FeeRefund:           wd.FeeRefund,
			StampStart:          time.Unix(wd.StampStart, 0).UTC(),
			StampExpireWithdraw: time.Unix(wd.StampExpireWithdraw, 0).UTC(),
			StampExpireDeposit:  time.Unix(wd.StampExpireDeposit, 0).UTC(),
			StampExpireLegal:    time.Unix(wd.StampExpireLegal, 0).UTC(),
			MasterSig:           wd.MasterSig,
			Status:              DenomUnverified,
		}
		out[i] = rec

		idx := i
		wg.Add(1)
		err = w.pool.AddJob(ctx, work.JobFunc(func() {
			defer wg.Done()
			body := denomSignedBody(wd)
			if err := w.verifyCanonical(masterPub, body, wd.MasterSig); err != nil {
				slog.WarnContext(ctx, "denomination signature invalid",
					"exchange", baseURL, "denomPubHash", out[idx].DenomPubHash, "error", err)
				out[idx].Status = DenomBad
				return
			}
			out[idx].Status = DenomVerified
		}))
		if err != nil {
			wg.Done()
			return nil, fmt.Errorf("failed to schedule denomination check: %w", err)
		}
	}
	wg.Wait()
	return out, nil
}

// denomSignedBody is the denomination portion covered by master_sig.
func denomSignedBody(d keysDenom) keysDenom {
	d.MasterSig = ""
	return d
}

// fetchWireFees pulls /wire and verifies each fee window under the
// master key. An exchange without the endpoint just has no wire fees.
func (w *Wallet) fetchWireFees(ctx context.Context, baseURL, masterPub string) (map[string][]WireFeeRecord, error) {
	resp, err := w.client.Get(ctx, baseURL+"wire", transport.WithTimeout(requestTimeout))
	if err != nil {
		return nil, TransientError{Err: err}
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	if resp.Status != http.StatusOK {
		return nil, TransientError{Err: fmt.Errorf("GET /wire returned status %d", resp.Status)}
	}
	var wr wireFeesResponse
	if err := resp.JSON(&wr); err != nil {
		return nil, ProtocolError{Operation: "update-exchange", URL: baseURL, Err: err}
	}
	out := make(map[string][]WireFeeRecord, len(wr.Fees))
	for method, fees := range wr.Fees {
		for _, f := range fees {
			binding := wireFeeBinding{
				WireMethod: method,
				WireFee:    f.WireFee,
				ClosingFee: f.ClosingFee,
				StartStamp: f.StartStamp,
				EndStamp:   f.EndStamp,
			}
			if err := w.verifyCanonical(masterPub, binding, f.Sig); err != nil {
				return nil, ProtocolError{
					Operation: "update-exchange",
					URL:       baseURL,
					Err:       fmt.Errorf("wire fee signature invalid for method %s: %w", method, err),
				}
			}
			out[method] = append(out[method], WireFeeRecord{
				WireFee:    f.WireFee,
				ClosingFee: f.ClosingFee,
				StartStamp: time.Unix(f.StartStamp, 0).UTC(),
				EndStamp:   time.Unix(f.EndStamp, 0).UTC(),
			})
		}
	}
	return out, nil
}

// ListExchanges returns every known exchange.
func (w *Wallet) ListExchanges(ctx context.Context) ([]ExchangeRecord, error) {
	var out []ExchangeRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.Iter(tableExchanges, func(key string, raw []byte) (bool, error) {
			var rec ExchangeRecord
			if _, err := tx.Get(tableExchanges, key, &rec); err != nil {
				return false, err
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}

// SetExchangeTosAccepted records the user's acceptance of an
// exchange's terms of service at a given etag.
func (w *Wallet) SetExchangeTosAccepted(ctx context.Context, baseURL, etag string) error {
	baseURL = canonicalBaseURL(baseURL)
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var rec ExchangeRecord
		found, err := tx.Get(tableExchanges, baseURL, &rec)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown exchange %s", baseURL)}
		}
		rec.TermsOfServiceAcceptedEtag = etag
		return tx.Put(tableExchanges, baseURL, rec)
	})
}

// activeDenominations loads the currently offered, non-bad, unexpired
// denominations of an exchange, inside an open transaction.
func (w *Wallet) activeDenominations(tx storage.ReadTx, baseURL string, now time.Time) ([]DenominationRecord, error) {
	var out []DenominationRecord
	err := tx.IterIndex(tableDenominations, indexByExchange, baseURL, func(key string, raw []byte) (bool, error) {
		var d DenominationRecord
		if _, err := tx.Get(tableDenominations, key, &d); err != nil {
			return false, err
		}
		if d.IsOffered && !d.IsRevoked && d.Status != DenomBad && now.Before(d.StampExpireWithdraw) {
			out = append(out, d)
		}
		return true, nil
	})
	return out, err
}

// denominationForCoin resolves a coin's denomination or reports store
// corruption.
func denominationForCoin(tx storage.ReadTx, coin *CoinRecord) (*DenominationRecord, error) {
	var d DenominationRecord
	found, err := tx.Get(tableDenominations, denomRecordKey(coin.ExchangeBaseURL, coin.DenomPubHash), &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ConsistencyError{
			Err: fmt.Errorf("denomination %s missing for coin %s", coin.DenomPubHash, coin.CoinPub),
		}
	}
	return &d, nil
}
