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
	"encoding/json"
	"fmt"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
)

// Table names.
const (
	tableExchanges     = "exchanges"
	tableDenominations = "denominations"
	tableCoins         = "coins"
	tableReserves      = "reserves"
	tablePrecoins      = "precoins"
	tableProposals     = "proposals"
	tablePurchases     = "purchases"
	tableRefreshGroups = "refreshGroups"
	tableHistory       = "history"
)

// Index names.
const (
	indexByExchange    = "byExchange"
	indexByFulfillment = "byFulfillment"
	indexByOrder       = "byOrder"
)

// Schema declares every table and index the wallet uses. Both provided
// store implementations are opened with exactly this schema.
func Schema() storage.Schema {
	byExchange := func(field string) storage.Index {
		return storage.Index{
			Name: indexByExchange,
			Keys: func(raw []byte) []string {
				return extractStringField(raw, field)
			},
		}
	}
	return storage.Schema{
		Tables: []storage.Table{
			{Name: tableExchanges},
			{Name: tableDenominations, Indexes: []storage.Index{byExchange("exchangeBaseUrl")}},
			{Name: tableCoins, Indexes: []storage.Index{byExchange("exchangeBaseUrl")}},
			{Name: tableReserves},
			{Name: tablePrecoins, Indexes: []storage.Index{
				{
					Name: "byReserve",
					Keys: func(raw []byte) []string {
						return extractStringField(raw, "reservePub")
					},
				},
			}},
			{Name: tableProposals, Indexes: []storage.Index{
				{
					Name: indexByOrder,
					Keys: func(raw []byte) []string {
						var p struct {
							MerchantBaseURL string `json:"merchantBaseUrl"`
							OrderID         string `json:"orderId"`
						}
						if err := json.Unmarshal(raw, &p); err != nil {
							return nil
						}
						return []string{p.MerchantBaseURL + "#" + p.OrderID}
					},
				},
			}},
			{Name: tablePurchases, Indexes: []storage.Index{
				{
					Name: indexByFulfillment,
					Keys: func(raw []byte) []string {
						return extractStringField(raw, "fulfillmentUrl")
					},
				},
			}},
			{Name: tableRefreshGroups},
			{Name: tableHistory},
		},
	}
}

func extractStringField(raw []byte, field string) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	var v string
	if err := json.Unmarshal(m[field], &v); err != nil || v == "" {
		return nil
	}
	return []string{v}
}

// DenominationStatus tracks signature verification of a denomination.
type DenominationStatus string

const (
	DenomUnverified DenominationStatus = "unverified"
	DenomVerified   DenominationStatus = "verified"
	// DenomBad marks a denomination whose master signature failed
	// verification. Bad denominations stay recorded for auditing but are
	// never planned for withdrawal.
	DenomBad DenominationStatus = "bad"
)

// DenominationRecord is one coin class offered by an exchange.
// Immutable once issued; identified by (exchangeBaseUrl, denomPubHash).
type DenominationRecord struct {
	ExchangeBaseURL     string             `json:"exchangeBaseUrl"`
	DenomPub            string             `json:"denomPub"`
	DenomPubHash        string             `json:"denomPubHash"`
	Value               amount.Amount      `json:"value"`
	FeeWithdraw         amount.Amount      `json:"feeWithdraw"`
	FeeDeposit          amount.Amount      `json:"feeDeposit"`
	FeeRefresh          amount.Amount      `json:"feeRefresh"`
	FeeRefund           amount.Amount      `json:"feeRefund"`
	StampStart          time.Time          `json:"stampStart"`
	StampExpireWithdraw time.Time          `json:"stampExpireWithdraw"`
	StampExpireDeposit  time.Time          `json:"stampExpireDeposit"`
	StampExpireLegal    time.Time          `json:"stampExpireLegal"`
	MasterSig           string             `json:"masterSig"`
	Status              DenominationStatus `json:"status"`
	// IsOffered is true while the denomination appears in the latest
	// /keys response. Coins of unoffered denominations remain spendable
	// until stampExpireDeposit.
	IsOffered bool `json:"isOffered"`
	IsRevoked bool `json:"isRevoked"`
}

func denomRecordKey(exchangeBaseURL, denomPubHash string) string {
	return exchangeBaseURL + "#" + denomPubHash
}

// sameEconomics reports whether two copies of a denomination agree on
// every economically relevant field.
func (d *DenominationRecord) sameEconomics(o *DenominationRecord) bool {
	eq := func(a, b amount.Amount) bool {
		c, err := amount.Cmp(a, b)
		return err == nil && c == 0
	}
	return eq(d.Value, o.Value) &&
		eq(d.FeeWithdraw, o.FeeWithdraw) &&
		eq(d.FeeDeposit, o.FeeDeposit) &&
		eq(d.FeeRefresh, o.FeeRefresh) &&
		eq(d.FeeRefund, o.FeeRefund) &&
		d.StampExpireWithdraw.Equal(o.StampExpireWithdraw) &&
		d.StampExpireDeposit.Equal(o.StampExpireDeposit) &&
		d.StampExpireLegal.Equal(o.StampExpireLegal)
}

// CoinStatus is the coin lifecycle state.
type CoinStatus string

const (
	// CoinFresh coins are spendable.
	CoinFresh CoinStatus = "fresh"
	// CoinDormant coins have been fully allocated to a payment. The
	// transition Fresh to Dormant happens exactly once; leftover value
	// moves into a refresh group in the same transaction.
	CoinDormant CoinStatus = "dormant"
)

// CoinSourceType records how a coin came into existence.
type CoinSourceType string

const (
	CoinSourceWithdraw CoinSourceType = "withdraw"
	CoinSourceRefresh  CoinSourceType = "refresh"
	CoinSourceTip      CoinSourceType = "tip"
)

// CoinRecord is a coin owned exclusively by this wallet.
//
// Invariants: CurrentAmount never exceeds the denomination value and
// never goes negative; it only decreases while the coin is Fresh,
// except for refund credits.
type CoinRecord struct {
	CoinPub         string         `json:"coinPub"`
	CoinPriv        string         `json:"coinPriv"`
	DenomPubHash    string         `json:"denomPubHash"`
	DenomPub        string         `json:"denomPub"`
	DenomSig        string         `json:"denomSig"`
	ExchangeBaseURL string         `json:"exchangeBaseUrl"`
	CurrentAmount   amount.Amount  `json:"currentAmount"`
	Status          CoinStatus     `json:"status"`
	Suspended       bool           `json:"suspended"`
	CoinSource      CoinSourceType `json:"coinSource"`
	ReservePub      string         `json:"reservePub,omitempty"`
}

// Spendable reports whether the coin can enter a new coin selection.
func (c *CoinRecord) Spendable() bool {
	return c.Status == CoinFresh && !c.Suspended && !c.CurrentAmount.IsZero()
}

// ExchangeRecord tracks one exchange the wallet talks to. The
// denomination history lives in the denominations table: every
// denomination ever seen stays recorded (append-only), IsOffered marks
// the currently active set.
type ExchangeRecord struct {
	BaseURL        string    `json:"baseUrl"`
	MasterPub      string    `json:"masterPub"`
	Currency       string    `json:"currency"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`

	// Auditors vouching for the exchange, from the last /keys.
	Auditors []ExchangeAuditor `json:"auditors,omitempty"`
	// WireInfo is the verified wire fee schedule per wire method, from
	// /wire.
	WireInfo map[string][]WireFeeRecord `json:"wireInfo,omitempty"`

	TermsOfServiceLastEtag     string `json:"termsOfServiceLastEtag,omitempty"`
	TermsOfServiceAcceptedEtag string `json:"termsOfServiceAcceptedEtag,omitempty"`

	LastError *OperationError `json:"lastError,omitempty"`
	Retry     RetryInfo       `json:"retry"`
}

// ExchangeAuditor is one auditor the exchange claims oversight from.
type ExchangeAuditor struct {
	AuditorPub string `json:"auditorPub"`
	AuditorURL string `json:"auditorUrl,omitempty"`
}

// WireFeeRecord is one verified wire fee window.
type WireFeeRecord struct {
	WireFee    amount.Amount `json:"wireFee"`
	ClosingFee amount.Amount `json:"closingFee"`
	StartStamp time.Time     `json:"startStamp"`
	EndStamp   time.Time     `json:"endStamp"`
}

// ReserveStatus is the withdrawal state machine state.
type ReserveStatus string

const (
	ReserveUninitialized   ReserveStatus = "uninitialized"
	ReserveWaitConfirmBank ReserveStatus = "waitConfirmBank"
	ReserveQueryingStatus  ReserveStatus = "queryingStatus"
	ReserveDormant         ReserveStatus = "dormant"
)

// ReserveRecord is a bank-funded balance held at an exchange.
type ReserveRecord struct {
	ReservePub      string        `json:"reservePub"`
	ReservePriv     string        `json:"reservePriv"`
	ExchangeBaseURL string        `json:"exchangeBaseUrl"`
	CurrentAmount   amount.Amount `json:"currentAmount"`
	RequestedAmount amount.Amount `json:"requestedAmount"`
	// PrecoinAmount is value already committed to in-flight planchets,
	// excluded from further planning so a resumed withdrawal never
	// over-draws the reserve.
	PrecoinAmount         amount.Amount   `json:"precoinAmount"`
	Status                ReserveStatus   `json:"status"`
	BankWithdrawStatusURL string          `json:"bankWithdrawStatusUrl,omitempty"`
	BankConfirmURL        string          `json:"bankConfirmUrl,omitempty"`
	Created               time.Time       `json:"created"`
	LastError             *OperationError `json:"lastError,omitempty"`
	Retry                 RetryInfo       `json:"retry"`
}

// PrecoinRecord is a planchet persisted before its withdrawal request
// is sent, so a crash between send and response can be resumed without
// minting a duplicate coin. The blinding factor makes re-blinding
// deterministic.
type PrecoinRecord struct {
	CoinPub         string                     `json:"coinPub"`
	CoinPriv        string                     `json:"coinPriv"`
	ReservePub      string                     `json:"reservePub"`
	ExchangeBaseURL string                     `json:"exchangeBaseUrl"`
	DenomPubHash    string                     `json:"denomPubHash"`
	DenomPub        string                     `json:"denomPub"`
	Blinding        talercrypto.BlindingFactor `json:"blinding"`
	CoinEv          string                     `json:"coinEv"`
	AmountWithFee   amount.Amount              `json:"amountWithFee"`
	CoinValue       amount.Amount              `json:"coinValue"`
	WithdrawSig     string                     `json:"withdrawSig"`
	Created         time.Time                  `json:"created"`
}

// ProposalStatus is the payment proposal state.
type ProposalStatus string

const (
	ProposalDownloading       ProposalStatus = "downloading"
	ProposalProposed          ProposalStatus = "proposed"
	ProposalAccepted          ProposalStatus = "accepted"
	ProposalRepurchase        ProposalStatus = "repurchase"
	ProposalRefused           ProposalStatus = "refused"
	ProposalPermanentlyFailed ProposalStatus = "permanentlyFailed"
)

// ProposalRecord is a downloaded but not necessarily accepted contract
// offer.
type ProposalRecord struct {
	ProposalID        string          `json:"proposalId"`
	MerchantBaseURL   string          `json:"merchantBaseUrl"`
	OrderID           string          `json:"orderId"`
	ClaimToken        string          `json:"claimToken,omitempty"`
	ContractTermsRaw  json.RawMessage `json:"contractTermsRaw,omitempty"`
	ContractTermsHash string          `json:"contractTermsHash,omitempty"`
	MerchantPub       string          `json:"merchantPub,omitempty"`
	MerchantSig       string          `json:"merchantSig,omitempty"`
	FulfillmentURL    string          `json:"fulfillmentUrl,omitempty"`
	Status            ProposalStatus  `json:"status"`
	// RepurchaseProposalID points at the proposal whose existing
	// purchase already covers this one's fulfillment URL.
	RepurchaseProposalID string          `json:"repurchaseProposalId,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	LastError            *OperationError `json:"lastError,omitempty"`
	Retry                RetryInfo       `json:"retry"`
}

// RefundState is the per-refund application state.
type RefundState string

const (
	RefundPending RefundState = "pending"
	RefundApplied RefundState = "applied"
)

// RefundRecord tracks one merchant-issued refund inside a purchase. A
// refund stays pending until the refresh group carrying its credit has
// minted fresh coins.
type RefundRecord struct {
	RefundID     string        `json:"refundId"`
	MerchantPub  string        `json:"merchantPub"`
	CoinPub      string        `json:"coinPub"`
	RefundAmount amount.Amount `json:"refundAmount"`
	RefundFee    amount.Amount `json:"refundFee"`
	State        RefundState   `json:"state"`
	// RefreshGroupID is the refresh group the refunded value entered.
	RefreshGroupID string    `json:"refreshGroupId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func refundKey(merchantPub, refundID string) string {
	return merchantPub + "#" + refundID
}

// CoinSelection is the committed outcome of coin selection for one
// purchase. Immutable after the purchase is created; the coins mutate,
// the selection record does not.
type CoinSelection struct {
	ExchangeBaseURL   string          `json:"exchangeBaseUrl"`
	CoinPubs          []string        `json:"coinPubs"`
	CoinContributions []amount.Amount `json:"coinContributions"`
	// TotalPayCost includes deposit fees and the anticipated refresh
	// cost of change left on partially spent coins.
	TotalPayCost amount.Amount `json:"totalPayCost"`
	TotalFees    amount.Amount `json:"totalFees"`
}

// PurchaseRecord is an accepted proposal with its committed coin
// selection. Created exactly once per proposal.
type PurchaseRecord struct {
	ProposalID        string          `json:"proposalId"`
	MerchantBaseURL   string          `json:"merchantBaseUrl"`
	OrderID           string          `json:"orderId"`
	FulfillmentURL    string          `json:"fulfillmentUrl,omitempty"`
	MerchantPub       string          `json:"merchantPub"`
	ContractTermsRaw  json.RawMessage `json:"contractTermsRaw"`
	ContractTermsHash string          `json:"contractTermsHash"`

	PayCoinSelection       CoinSelection       `json:"payCoinSelection"`
	CoinDepositPermissions []DepositPermission `json:"coinDepositPermissions"`

	// MerchantPaySig is set once the merchant accepted payment;
	// resubmission then goes through /paid and must never re-spend.
	MerchantPaySig string `json:"merchantPaySig,omitempty"`

	Refunds map[string]RefundRecord `json:"refunds,omitempty"`

	Timestamp  time.Time       `json:"timestamp"`
	PayRetries int             `json:"payRetries"`
	LastError  *OperationError `json:"lastError,omitempty"`
	Retry      RetryInfo       `json:"retry"`
}

// Paid reports whether the merchant has accepted the payment.
func (p *PurchaseRecord) Paid() bool {
	return p.MerchantPaySig != ""
}

// RefreshPlanchet is one candidate new coin inside one cut.
type RefreshPlanchet struct {
	CoinPub  string                     `json:"coinPub"`
	CoinPriv string                     `json:"coinPriv"`
	Blinding talercrypto.BlindingFactor `json:"blinding"`
	CoinEv   string                     `json:"coinEv"`
}

// RefreshSession is the cut-and-choose state for melting one old coin.
type RefreshSession struct {
	OldCoinPub     string        `json:"oldCoinPub"`
	ValueWithFee   amount.Amount `json:"valueWithFee"`
	NewDenomHashes []string      `json:"newDenomHashes"`
	// Planchets is kappa cuts, each holding one planchet per new
	// denomination.
	Planchets     [][]RefreshPlanchet `json:"planchets"`
	TransferPrivs []string            `json:"transferPrivs"`
	TransferPubs  []string            `json:"transferPubs"`
	SessionHash   string              `json:"sessionHash,omitempty"`
	// NorevealIndex is persisted the moment the exchange chooses it,
	// before the reveal request goes out.
	NorevealIndex *int `json:"norevealIndex,omitempty"`
	Finished      bool `json:"finished"`
}

// RefreshGroupRecord melts one or more old coins into unlinkable new
// ones. Terminal once Finished.
type RefreshGroupRecord struct {
	RefreshGroupID  string           `json:"refreshGroupId"`
	ExchangeBaseURL string           `json:"exchangeBaseUrl"`
	Sessions        []RefreshSession `json:"sessions"`
	Finished        bool             `json:"finished"`
	Timestamp       time.Time        `json:"timestamp"`
	LastError       *OperationError  `json:"lastError,omitempty"`
	Retry           RetryInfo        `json:"retry"`
}

// HistoryType classifies history entries.
type HistoryType string

const (
	HistoryReserveCreated HistoryType = "reserve-created"
	HistoryExchangeAdded  HistoryType = "exchange-added"
	HistoryWithdrawal     HistoryType = "withdrawal"
	HistoryPayment        HistoryType = "payment"
	HistoryRefund         HistoryType = "refund"
	HistoryRefresh        HistoryType = "refresh"
)

// HistoryRecord is one entry of the user-visible event log. Keys are
// zero-padded nanosecond timestamps so plain iteration is
// chronological.
type HistoryRecord struct {
	Type      HistoryType    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Amount    *amount.Amount `json:"amount,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func historyKey(ts time.Time, id string) string {
	return fmt.Sprintf("%020d#%s", ts.UnixNano(), id)
}
