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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/uuidv7"
)

// maxPayRetries caps transient /pay resubmissions before the failure
// escalates to the caller.
const maxPayRetries = 5

// PayStatus summarizes what PreparePay found out.
type PayStatus string

const (
	PayStatusPaymentPossible     PayStatus = "payment-possible"
	PayStatusInsufficientBalance PayStatus = "insufficient-balance"
	PayStatusAlreadyConfirmed    PayStatus = "already-confirmed"
)

// PreparePayResult is returned to the UI before any coin is spent.
type PreparePayResult struct {
	Status        PayStatus       `json:"status"`
	ProposalID    string          `json:"proposalId"`
	ContractTerms json.RawMessage `json:"contractTerms,omitempty"`
	// TotalCost includes deposit fees above the merchant's limit and the
	// anticipated refresh cost of change on partially spent coins.
	TotalCost *amount.Amount `json:"totalCost,omitempty"`
	TotalFees *amount.Amount `json:"totalFees,omitempty"`
	Paid      bool           `json:"paid,omitempty"`
}

// ConfirmPayResult reports the outcome of a payment submission.
type ConfirmPayResult struct {
	ProposalID string `json:"proposalId"`
	Paid       bool   `json:"paid"`
}

// PreparePay downloads and validates a merchant's contract offer and
// checks whether the wallet can afford it. No coins are committed.
func (w *Wallet) PreparePay(ctx context.Context, merchantBaseURL, orderID, claimToken string) (*PreparePayResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.PreparePay")
	defer span.End()

	merchantBaseURL = canonicalBaseURL(merchantBaseURL)

	var existing *ProposalRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		return tx.IterIndex(tableProposals, indexByOrder, merchantBaseURL+"#"+orderID, func(key string, raw []byte) (bool, error) {
			var p ProposalRecord
			if _, err := tx.Get(tableProposals, key, &p); err != nil {
				return false, err
			}
			existing = &p
			return false, nil
		})
	})
	if err != nil {
		return nil, err
	}

	var prop ProposalRecord
	if existing != nil {
		prop = *existing
	} else {
		id, err := uuidv7.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create proposal id: %w", err)
		}
		prop = ProposalRecord{
			ProposalID:      id.String(),
			MerchantBaseURL: merchantBaseURL,
			OrderID:         orderID,
			ClaimToken:      claimToken,
			Status:          ProposalDownloading,
			Timestamp:       w.clock(),
			Retry:           w.retryPol.Start(w.clock()),
		}
		err = w.store.Update(ctx, func(tx storage.WriteTx) error {
			return tx.Put(tableProposals, prop.ProposalID, prop)
		})
		if err != nil {
			return nil, err
		}
	}

	if prop.Status == ProposalDownloading {
		if err := w.downloadProposal(ctx, &prop); err != nil {
			return nil, err
		}
	}

	return w.prepareResultForProposal(ctx, &prop)
}

func (w *Wallet) prepareResultForProposal(ctx context.Context, prop *ProposalRecord) (*PreparePayResult, error) {
	switch prop.Status {
	case ProposalRefused:
		return nil, ErrProposalRefused
	case ProposalPermanentlyFailed:
		return nil, ProtocolError{
			Operation: "preparePay",
			URL:       prop.MerchantBaseURL,
			Err:       fmt.Errorf("proposal %s failed permanently", prop.ProposalID),
		}
	case ProposalRepurchase:
		return w.repurchaseResult(ctx, prop)
	case ProposalAccepted:
		var purchase PurchaseRecord
		err := w.store.View(ctx, func(tx storage.ReadTx) error {
			found, err := tx.Get(tablePurchases, prop.ProposalID, &purchase)
			if err != nil || !found {
				return ConsistencyError{Err: fmt.Errorf("accepted proposal %s has no purchase", prop.ProposalID)}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &PreparePayResult{
			Status:        PayStatusAlreadyConfirmed,
			ProposalID:    prop.ProposalID,
			ContractTerms: prop.ContractTermsRaw,
			Paid:          purchase.Paid(),
		}, nil
	}

	var contract ContractTerms
	if err := json.Unmarshal(prop.ContractTermsRaw, &contract); err != nil {
		return nil, ConsistencyError{Err: fmt.Errorf("stored contract terms undecodable: %w", err)}
	}
	sel, fees, cost, err := w.checkPaymentFeasibility(ctx, &contract)
	if err != nil {
		return nil, err
	}
	res := &PreparePayResult{
		ProposalID:    prop.ProposalID,
		ContractTerms: prop.ContractTermsRaw,
	}
	if sel == nil {
		res.Status = PayStatusInsufficientBalance
		return res, nil
	}
	res.Status = PayStatusPaymentPossible
	res.TotalCost = &cost
	res.TotalFees = &fees
	return res, nil
}

func (w *Wallet) repurchaseResult(ctx context.Context, prop *ProposalRecord) (*PreparePayResult, error) {
	var purchase PurchaseRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tablePurchases, prop.RepurchaseProposalID, &purchase)
		if err != nil || !found {
			return ConsistencyError{Err: fmt.Errorf("repurchase target %s has no purchase", prop.RepurchaseProposalID)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PreparePayResult{
		Status:        PayStatusAlreadyConfirmed,
		ProposalID:    prop.RepurchaseProposalID,
		ContractTerms: purchase.ContractTermsRaw,
		Paid:          purchase.Paid(),
	}, nil
}

// downloadProposal claims the order at the merchant and validates the
// returned contract. Signature and base URL mismatches fail the
// proposal permanently; network trouble stays transient.
func (w *Wallet) downloadProposal(ctx context.Context, prop *ProposalRecord) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.downloadProposal")
	defer span.End()

	nonceKP, err := w.crypto.CreateEddsaKeypair()
	if err != nil {
		return fmt.Errorf("failed to create claim nonce: %w", err)
	}
	claimURL := prop.MerchantBaseURL + "orders/" + prop.OrderID + "/claim"
	resp, err := w.client.PostJSON(ctx, claimURL, claimRequest{Nonce: nonceKP.Pub, Token: prop.ClaimToken})
	if err != nil {
		return TransientError{Err: err}
	}
	if resp.Status >= 500 {
		return TransientError{Err: fmt.Errorf("claim returned %d", resp.Status)}
	}
	if resp.Status != http.StatusOK {
		return w.failProposal(ctx, prop, ProtocolError{
			Operation: "claim",
			URL:       claimURL,
			Err:       fmt.Errorf("claim returned %d: %s", resp.Status, resp.Text()),
		})
	}
	var claim claimResponse
	if err := resp.JSON(&claim); err != nil {
		return w.failProposal(ctx, prop, ProtocolError{Operation: "claim", URL: claimURL, Err: err})
	}
	var contract ContractTerms
	if err := json.Unmarshal(claim.ContractTerms, &contract); err != nil {
		return w.failProposal(ctx, prop, ProtocolError{Operation: "claim", URL: claimURL, Err: fmt.Errorf("undecodable contract terms: %w", err)})
	}

	hash, err := w.hashContract(claim.ContractTerms)
	if err != nil {
		return w.failProposal(ctx, prop, ProtocolError{Operation: "claim", URL: claimURL, Err: err})
	}
	if err := w.verifyCanonical(contract.MerchantPub, proposalBinding{HContract: hash}, claim.Sig); err != nil {
		return w.failProposal(ctx, prop, ProtocolError{
			Operation: "claim",
			URL:       claimURL,
			Err:       fmt.Errorf("merchant signature over contract invalid: %w", err),
		})
	}
	// The contract must name the merchant we fetched it from, or a
	// hostile page could relay another shop's offer.
	if canonicalBaseURL(contract.MerchantBaseURL) != prop.MerchantBaseURL {
		return w.failProposal(ctx, prop, ProtocolError{
			Operation: "claim",
			URL:       claimURL,
			Err:       fmt.Errorf("contract names merchant %q, fetched from %q", contract.MerchantBaseURL, prop.MerchantBaseURL),
		})
	}

	prop.ContractTermsRaw = claim.ContractTerms
	prop.ContractTermsHash = hash
	prop.MerchantPub = contract.MerchantPub
	prop.MerchantSig = claim.Sig
	prop.FulfillmentURL = contract.FulfillmentURL
	prop.Status = ProposalProposed

	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		if contract.FulfillmentURL != "" {
			var repurchaseID string
			err := tx.IterIndex(tablePurchases, indexByFulfillment, contract.FulfillmentURL, func(key string, raw []byte) (bool, error) {
				repurchaseID = key
				return false, nil
			})
			if err != nil {
				return err
			}
			if repurchaseID != "" && repurchaseID != prop.ProposalID {
				prop.Status = ProposalRepurchase
				prop.RepurchaseProposalID = repurchaseID
				slog.InfoContext(ctx, "proposal redirected to existing purchase",
					"proposalId", prop.ProposalID, "existing", repurchaseID)
			}
		}
		return tx.Put(tableProposals, prop.ProposalID, *prop)
	})
}

// failProposal records a permanent proposal failure and returns cause.
func (w *Wallet) failProposal(ctx context.Context, prop *ProposalRecord, cause error) error {
	prop.Status = ProposalPermanentlyFailed
	prop.LastError = asOperationError(cause)
	if err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		return tx.Put(tableProposals, prop.ProposalID, *prop)
	}); err != nil {
		return err
	}
	return cause
}

// checkPaymentFeasibility runs coin selection for a contract and prices
// the payment, including the refresh cost of change. A nil selection
// means insufficient balance.
func (w *Wallet) checkPaymentFeasibility(ctx context.Context, contract *ContractTerms) (*paySelection, amount.Amount, amount.Amount, error) {
	var sel *paySelection
	var totalFees, totalCost amount.Amount
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		candidates, byPub, err := w.payCandidates(tx, contract)
		if err != nil {
			return err
		}
		req, err := selectionRequest(tx, contract)
		if err != nil {
			return err
		}
		sel, err = selectPayCoins(candidates, req)
		if err != nil || sel == nil {
			return err
		}
		totalFees = sel.TotalFees
		costRes, err := amount.Add(contract.Amount, sel.TotalFees)
		if err != nil || costRes.Saturated {
			return fmt.Errorf("payment cost overflow")
		}
		totalCost = costRes.Amount
		// Change left on partially spent coins must be refreshed for
		// unlinkability; that overhead is part of the true price.
		for i, pub := range sel.CoinPubs {
			cand := byPub[pub]
			change, err := amount.Sub(cand.AvailableAmount, sel.CoinContributions[i])
			if err != nil {
				return err
			}
			if change.Amount.IsZero() {
				continue
			}
			refreshCost, err := w.refreshCost(tx, cand.ExchangeBaseURL, cand.DenomPub, change.Amount)
			if err != nil {
				return err
			}
			feesRes, err := amount.Add(totalFees, refreshCost)
			if err != nil || feesRes.Saturated {
				return fmt.Errorf("payment cost overflow")
			}
			totalFees = feesRes.Amount
			costRes, err := amount.Add(totalCost, refreshCost)
			if err != nil || costRes.Saturated {
				return fmt.Errorf("payment cost overflow")
			}
			totalCost = costRes.Amount
		}
		return nil
	})
	return sel, totalFees, totalCost, err
}

func selectionRequest(tx storage.ReadTx, contract *ContractTerms) (paySelectionRequest, error) {
	req := paySelectionRequest{
		Target:              contract.Amount,
		DepositFeeLimit:     contract.MaxFee,
		WireFeeLimit:        amount.Zero(contract.Amount.Currency),
		WireFeeAmortization: uint64(contract.WireFeeAmortization),
		WireFees:            map[string]amount.Amount{},
	}
	if contract.MaxWireFee != nil {
		req.WireFeeLimit = *contract.MaxWireFee
	}
	if contract.WireMethod == "" {
		return req, nil
	}
	// The wire fee window matching the contract timestamp is the one
	// the exchange will charge the merchant for this deposit.
	ts := time.Unix(contract.Timestamp, 0).UTC()
	err := tx.Iter(tableExchanges, func(key string, raw []byte) (bool, error) {
		var rec ExchangeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, err
		}
		for _, f := range rec.WireInfo[contract.WireMethod] {
			if !ts.Before(f.StartStamp) && ts.Before(f.EndStamp) {
				req.WireFees[rec.BaseURL] = f.WireFee
				break
			}
		}
		return true, nil
	})
	if err != nil {
		return paySelectionRequest{}, err
	}
	return req, nil
}

// payCandidates flattens the wallet's spendable coins at exchanges the
// contract accepts, either directly or through a trusted auditor.
func (w *Wallet) payCandidates(tx storage.ReadTx, contract *ContractTerms) ([]payCoinCandidate, map[string]payCoinCandidate, error) {
	allowed := make(map[string]struct{}, len(contract.Exchanges))
	for _, h := range contract.Exchanges {
		allowed[canonicalBaseURL(h.URL)] = struct{}{}
	}
	if len(contract.Auditors) > 0 {
		trusted := make(map[string]struct{}, len(contract.Auditors))
		for _, a := range contract.Auditors {
			trusted[a.AuditorPub] = struct{}{}
		}
		err := tx.Iter(tableExchanges, func(key string, raw []byte) (bool, error) {
			var rec ExchangeRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}
			for _, a := range rec.Auditors {
				if _, ok := trusted[a.AuditorPub]; ok {
					allowed[rec.BaseURL] = struct{}{}
					break
				}
			}
			return true, nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	var candidates []payCoinCandidate
	byPub := make(map[string]payCoinCandidate)
	err := tx.Iter(tableCoins, func(key string, raw []byte) (bool, error) {
		var coin CoinRecord
		if err := json.Unmarshal(raw, &coin); err != nil {
			return false, err
		}
		if !coin.Spendable() || coin.CurrentAmount.Currency != contract.Amount.Currency {
			return true, nil
		}
		if _, ok := allowed[coin.ExchangeBaseURL]; !ok {
			return true, nil
		}
		denom, err := denominationForCoin(tx, &coin)
		if err != nil {
			return false, err
		}
		cand := payCoinCandidate{
			CoinPub:         coin.CoinPub,
			AvailableAmount: coin.CurrentAmount,
			FeeDeposit:      denom.FeeDeposit,
			ExchangeBaseURL: coin.ExchangeBaseURL,
			DenomPub:        coin.DenomPub,
		}
		candidates = append(candidates, cand)
		byPub[coin.CoinPub] = cand
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return candidates, byPub, nil
}

// refreshCost is the value lost when refreshing change of the given
// size: the melt fee plus whatever cannot be covered by obtainable new
// denominations.
func (w *Wallet) refreshCost(tx storage.ReadTx, exchangeBaseURL, denomPub string, change amount.Amount) (amount.Amount, error) {
	var denom *DenominationRecord
	denoms, err := w.activeDenominations(tx, exchangeBaseURL, w.clock())
	if err != nil {
		return amount.Amount{}, err
	}
	for i := range denoms {
		if denoms[i].DenomPub == denomPub {
			denom = &denoms[i]
			break
		}
	}
	feeRefresh := amount.Zero(change.Currency)
	if denom != nil {
		feeRefresh = denom.FeeRefresh
	}
	meltable, err := amount.Sub(change, feeRefresh)
	if err != nil {
		return amount.Amount{}, err
	}
	if meltable.Saturated || meltable.Amount.IsZero() {
		// The whole change is eaten by the melt fee.
		return change, nil
	}
	plan, _, err := planWithdrawal(meltable.Amount, denoms)
	if err != nil {
		return amount.Amount{}, err
	}
	output := amount.Zero(change.Currency)
	for _, d := range plan {
		res, err := amount.Add(output, d.Value)
		if err != nil || res.Saturated {
			return amount.Amount{}, fmt.Errorf("refresh output overflow")
		}
		output = res.Amount
	}
	cost, err := amount.Sub(change, output)
	if err != nil {
		return amount.Amount{}, err
	}
	return cost.Amount, nil
}

// ConfirmPay commits coins to an accepted proposal and submits the
// payment. Re-invocation on an already confirmed proposal resubmits
// idempotently without re-spending.
func (w *Wallet) ConfirmPay(ctx context.Context, proposalID string) (*ConfirmPayResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.ConfirmPay")
	defer span.End()

	w.coinsLock.Lock()
	defer w.coinsLock.Unlock()

	var prop ProposalRecord
	var purchase PurchaseRecord
	havePurchase := false
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tableProposals, proposalID, &prop)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown proposal %s", proposalID)}
		}
		havePurchase, err = tx.Get(tablePurchases, proposalID, &purchase)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch prop.Status {
	case ProposalRefused:
		return nil, ErrProposalRefused
	case ProposalRepurchase:
		return w.resubmit(ctx, prop.RepurchaseProposalID)
	case ProposalAccepted:
		if !havePurchase {
			return nil, ConsistencyError{Err: fmt.Errorf("accepted proposal %s has no purchase", proposalID)}
		}
		return w.submitPay(ctx, &purchase)
	case ProposalProposed:
	default:
		return nil, &OperationError{Code: CodeInvalidRequest, Message: fmt.Sprintf("proposal %s is not payable (status %s)", proposalID, prop.Status)}
	}

	purchaseRec, err := w.commitPurchase(ctx, &prop)
	if err != nil {
		return nil, err
	}
	return w.submitPay(ctx, purchaseRec)
}

func (w *Wallet) resubmit(ctx context.Context, proposalID string) (*ConfirmPayResult, error) {
	var purchase PurchaseRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tablePurchases, proposalID, &purchase)
		if err != nil || !found {
			return ConsistencyError{Err: fmt.Errorf("proposal %s has no purchase", proposalID)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.submitPay(ctx, &purchase)
}

// commitPurchase spends the selected coins and creates the purchase in
// one transaction: coins go Dormant, contributions come off their
// balances, and leftovers enter a refresh group atomically.
func (w *Wallet) commitPurchase(ctx context.Context, prop *ProposalRecord) (*PurchaseRecord, error) {
	var contract ContractTerms
	if err := json.Unmarshal(prop.ContractTermsRaw, &contract); err != nil {
		return nil, ConsistencyError{Err: fmt.Errorf("stored contract terms undecodable: %w", err)}
	}

	var sel *paySelection
	var coins map[string]CoinRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		candidates, _, err := w.payCandidates(tx, &contract)
		if err != nil {
			return err
		}
		req, err := selectionRequest(tx, &contract)
		if err != nil {
			return err
		}
		sel, err = selectPayCoins(candidates, req)
		if err != nil || sel == nil {
			return err
		}
		coins = make(map[string]CoinRecord, len(sel.CoinPubs))
		for _, pub := range sel.CoinPubs {
			var coin CoinRecord
			found, err := tx.Get(tableCoins, pub, &coin)
			if err != nil || !found {
				return ConsistencyError{Err: fmt.Errorf("selected coin %s disappeared", pub)}
			}
			coins[pub] = coin
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sel == nil {
		balance, err := w.spendableBalance(ctx, contract.Amount.Currency)
		if err != nil {
			return nil, err
		}
		return nil, InsufficientBalanceError{Requested: contract.Amount, Balance: balance}
	}

	permissions := make([]DepositPermission, len(sel.CoinPubs))
	for i, pub := range sel.CoinPubs {
		coin := coins[pub]
		binding := depositBinding{
			HContract:      prop.ContractTermsHash,
			CoinPub:        coin.CoinPub,
			Contribution:   sel.CoinContributions[i],
			MerchantPub:    contract.MerchantPub,
			HWire:          contract.HWire,
			RefundDeadline: contract.RefundDeadline,
		}
		coinSig, err := w.signCanonical(coin.CoinPriv, binding)
		if err != nil {
			return nil, fmt.Errorf("failed to sign deposit permission: %w", err)
		}
		permissions[i] = DepositPermission{
			CoinPub:      coin.CoinPub,
			DenomPub:     coin.DenomPub,
			UbSig:        coin.DenomSig,
			Contribution: sel.CoinContributions[i],
			HContract:    prop.ContractTermsHash,
			ExchangeURL:  sel.ExchangeBaseURL,
			CoinSig:      coinSig,
		}
	}

	now := w.clock()
	costRes, err := amount.Add(contract.Amount, sel.TotalFees)
	if err != nil || costRes.Saturated {
		return nil, fmt.Errorf("payment cost overflow")
	}
	purchase := PurchaseRecord{
		ProposalID:        prop.ProposalID,
		MerchantBaseURL:   prop.MerchantBaseURL,
		OrderID:           prop.OrderID,
		FulfillmentURL:    prop.FulfillmentURL,
		MerchantPub:       contract.MerchantPub,
		ContractTermsRaw:  prop.ContractTermsRaw,
		ContractTermsHash: prop.ContractTermsHash,
		PayCoinSelection: CoinSelection{
			ExchangeBaseURL:   sel.ExchangeBaseURL,
			CoinPubs:          sel.CoinPubs,
			CoinContributions: sel.CoinContributions,
			TotalPayCost:      costRes.Amount,
			TotalFees:         sel.TotalFees,
		},
		CoinDepositPermissions: permissions,
		Timestamp:              now,
		Retry:                  w.retryPol.Start(now),
	}

	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		var leftovers []refreshLeftover
		for i, pub := range sel.CoinPubs {
			var coin CoinRecord
			found, err := tx.Get(tableCoins, pub, &coin)
			if err != nil || !found {
				return ConsistencyError{Err: fmt.Errorf("selected coin %s disappeared", pub)}
			}
			expected := coins[pub]
			if cmp, err := amount.Cmp(coin.CurrentAmount, expected.CurrentAmount); err != nil || cmp != 0 || !coin.Spendable() {
				return ConsistencyError{Err: fmt.Errorf("coin %s changed during payment commit", pub)}
			}
			left, err := amount.Sub(coin.CurrentAmount, sel.CoinContributions[i])
			if err != nil {
				return err
			}
			if left.Saturated {
				return ConsistencyError{Err: fmt.Errorf("contribution exceeds coin %s balance", pub)}
			}
			coin.CurrentAmount = left.Amount
			coin.Status = CoinDormant
			if err := tx.Put(tableCoins, pub, coin); err != nil {
				return err
			}
			if !left.Amount.IsZero() {
				leftovers = append(leftovers, refreshLeftover{Coin: coin, Value: left.Amount})
			}
		}
		if len(leftovers) > 0 {
			if _, err := w.createRefreshGroupTx(tx, sel.ExchangeBaseURL, leftovers); err != nil {
				return err
			}
		}
		if err := tx.Put(tablePurchases, purchase.ProposalID, purchase); err != nil {
			return err
		}
		prop.Status = ProposalAccepted
		if err := tx.Put(tableProposals, prop.ProposalID, *prop); err != nil {
			return err
		}
		return w.addHistory(tx, HistoryRecord{
			Type:      HistoryPayment,
			Timestamp: now,
			Amount:    &contract.Amount,
			Detail: map[string]any{
				"proposalId": prop.ProposalID,
				"orderId":    prop.OrderID,
				"merchant":   prop.MerchantBaseURL,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	w.Wake()
	return &purchase, nil
}

// submitPay drives the merchant roundtrip. Once the merchant has
// accepted payment the lighter /paid replay proves it without
// re-spending coins.
func (w *Wallet) submitPay(ctx context.Context, purchase *PurchaseRecord) (*ConfirmPayResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.submitPay")
	defer span.End()

	if purchase.Paid() {
		return w.submitPaid(ctx, purchase)
	}

	payURL := purchase.MerchantBaseURL + "orders/" + purchase.OrderID + "/pay"
	timeout := 15 * time.Second * time.Duration(1+len(purchase.CoinDepositPermissions)/5)
	resp, err := w.client.PostJSON(ctx, payURL, payRequest{Coins: purchase.CoinDepositPermissions}, transport.WithTimeout(timeout))
	if err != nil {
		return nil, w.payRetryFailure(ctx, purchase, TransientError{Err: err})
	}
	switch {
	case resp.Status == http.StatusOK:
	case resp.Status >= 500:
		return nil, w.payRetryFailure(ctx, purchase, TransientError{Err: fmt.Errorf("pay returned %d", resp.Status)})
	case resp.Status == http.StatusConflict:
		var merr merchantErrorResponse
		if err := resp.JSON(&merr); err == nil && merr.Code == merchantCodeInsufficientFunds {
			return nil, w.failPurchase(ctx, purchase, ErrRedenominationNotImplemented)
		}
		return nil, w.failPurchase(ctx, purchase, ProtocolError{
			Operation: "pay", URL: payURL,
			Err: fmt.Errorf("pay returned conflict: %s", resp.Text()),
		})
	default:
		return nil, w.failPurchase(ctx, purchase, ProtocolError{
			Operation: "pay", URL: payURL,
			Err: fmt.Errorf("pay returned %d: %s", resp.Status, resp.Text()),
		})
	}

	var pr payResponse
	if err := resp.JSON(&pr); err != nil {
		return nil, w.failPurchase(ctx, purchase, ProtocolError{Operation: "pay", URL: payURL, Err: err})
	}
	purchase.MerchantPaySig = pr.Sig
	purchase.LastError = nil
	purchase.Retry = w.retryPol.Stop(purchase.Retry)
	err = w.store.Update(ctx, func(tx storage.WriteTx) error {
		return tx.Put(tablePurchases, purchase.ProposalID, *purchase)
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "payment accepted by merchant",
		"proposalId", purchase.ProposalID, "orderId", purchase.OrderID)
	return &ConfirmPayResult{ProposalID: purchase.ProposalID, Paid: true}, nil
}

func (w *Wallet) submitPaid(ctx context.Context, purchase *PurchaseRecord) (*ConfirmPayResult, error) {
	paidURL := purchase.MerchantBaseURL + "orders/" + purchase.OrderID + "/paid"
	resp, err := w.client.PostJSON(ctx, paidURL, paidRequest{
		Sig:       purchase.MerchantPaySig,
		HContract: purchase.ContractTermsHash,
	})
	if err != nil {
		return nil, w.payRetryFailure(ctx, purchase, TransientError{Err: err})
	}
	if resp.Status >= 500 {
		return nil, w.payRetryFailure(ctx, purchase, TransientError{Err: fmt.Errorf("paid returned %d", resp.Status)})
	}
	if resp.Status/100 != 2 {
		return nil, w.failPurchase(ctx, purchase, ProtocolError{
			Operation: "paid", URL: paidURL,
			Err: fmt.Errorf("paid returned %d: %s", resp.Status, resp.Text()),
		})
	}
	return &ConfirmPayResult{ProposalID: purchase.ProposalID, Paid: true}, nil
}

// payRetryFailure records a transient submission failure. Once the
// retry budget is spent the failure escalates.
func (w *Wallet) payRetryFailure(ctx context.Context, purchase *PurchaseRecord, cause error) error {
	purchase.PayRetries++
	if purchase.PayRetries > maxPayRetries {
		return w.failPurchase(ctx, purchase, ProtocolError{
			Operation: "pay",
			URL:       purchase.MerchantBaseURL,
			Err:       fmt.Errorf("giving up after %d submission attempts: %w", purchase.PayRetries, cause),
		})
	}
	purchase.LastError = asOperationError(cause)
	purchase.Retry = w.retryPol.Increment(purchase.Retry, w.clock())
	if err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		return tx.Put(tablePurchases, purchase.ProposalID, *purchase)
	}); err != nil {
		return err
	}
	return cause
}

func (w *Wallet) failPurchase(ctx context.Context, purchase *PurchaseRecord, cause error) error {
	purchase.LastError = asOperationError(cause)
	purchase.Retry = w.retryPol.Stop(purchase.Retry)
	if err := w.store.Update(ctx, func(tx storage.WriteTx) error {
		return tx.Put(tablePurchases, purchase.ProposalID, *purchase)
	}); err != nil {
		return err
	}
	return cause
}

// processPurchase is the scheduler entry point for unpaid purchases.
func (w *Wallet) processPurchase(ctx context.Context, proposalID string) error {
	w.coinsLock.Lock()
	defer w.coinsLock.Unlock()

	var purchase PurchaseRecord
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		found, err := tx.Get(tablePurchases, proposalID, &purchase)
		if err != nil {
			return err
		}
		if !found {
			return ConsistencyError{Err: fmt.Errorf("purchase %s disappeared", proposalID)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if purchase.Paid() {
		return nil
	}
	_, err = w.submitPay(ctx, &purchase)
	return err
}

// RefuseProposal marks a downloaded offer as rejected by the user.
// Accepted proposals can no longer be refused.
func (w *Wallet) RefuseProposal(ctx context.Context, proposalID string) error {
	return w.store.Update(ctx, func(tx storage.WriteTx) error {
		var prop ProposalRecord
		found, err := tx.Get(tableProposals, proposalID, &prop)
		if err != nil {
			return err
		}
		if !found {
			return &OperationError{Code: CodeNotFound, Message: fmt.Sprintf("unknown proposal %s", proposalID)}
		}
		switch prop.Status {
		case ProposalAccepted:
			return &OperationError{Code: CodeInvalidRequest, Message: "proposal is already accepted"}
		case ProposalRefused:
			return nil
		}
		prop.Status = ProposalRefused
		return tx.Put(tableProposals, proposalID, prop)
	})
}
