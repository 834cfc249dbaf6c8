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

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

// Wire DTOs for the exchange, merchant and bank protocol surfaces.
// Field names are part of the protocol and must not change.

// keysDenom is one denomination in an exchange /keys response.
type keysDenom struct {
	DenomPub            string        `json:"denom_pub"`
	Value               amount.Amount `json:"value"`
	FeeWithdraw         amount.Amount `json:"fee_withdraw"`
	FeeDeposit          amount.Amount `json:"fee_deposit"`
	FeeRefresh          amount.Amount `json:"fee_refresh"`
	FeeRefund           amount.Amount `json:"fee_refund"`
	StampStart          int64         `json:"stamp_start"`
	StampExpireWithdraw int64         `json:"stamp_expire_withdraw"`
	StampExpireDeposit  int64         `json:"stamp_expire_deposit"`
	StampExpireLegal    int64         `json:"stamp_expire_legal"`
	MasterSig           string        `json:"master_sig"`
}

// keysResponse is the exchange /keys response. EddsaSig covers the
// canonical JSON of the signed portion under the master key.
type keysResponse struct {
	MasterPublicKey string        `json:"master_public_key"`
	ListIssueDate   int64         `json:"list_issue_date"`
	Denoms          []keysDenom   `json:"denoms"`
	Auditors        []keysAuditor `json:"auditors,omitempty"`
	EddsaPub        string        `json:"eddsa_pub"`
	EddsaSig        string        `json:"eddsa_sig"`
}

// keysAuditor is one auditor vouching for the exchange in /keys.
type keysAuditor struct {
	AuditorPub string `json:"auditor_pub"`
	AuditorURL string `json:"auditor_url"`
}

// keysSignedBody is the portion of /keys covered by eddsa_sig.
type keysSignedBody struct {
	MasterPublicKey string      `json:"master_public_key"`
	ListIssueDate   int64       `json:"list_issue_date"`
	Denoms          []keysDenom `json:"denoms"`
}

// wireFeesResponse is GET /wire: the exchange's wire fee schedule per
// wire method.
type wireFeesResponse struct {
	Fees map[string][]wireFeeWire `json:"fees"`
}

type wireFeeWire struct {
	WireFee    amount.Amount `json:"wire_fee"`
	ClosingFee amount.Amount `json:"closing_fee"`
	StartStamp int64         `json:"start_stamp"`
	EndStamp   int64         `json:"end_stamp"`
	Sig        string        `json:"sig"`
}

// wireFeeBinding is what each wire fee's sig covers under the master
// key.
type wireFeeBinding struct {
	WireMethod string        `json:"wire_method"`
	WireFee    amount.Amount `json:"wire_fee"`
	ClosingFee amount.Amount `json:"closing_fee"`
	StartStamp int64         `json:"start_stamp"`
	EndStamp   int64         `json:"end_stamp"`
}

// reserveStatusResponse is GET /reserve/status.
type reserveStatusResponse struct {
	Balance amount.Amount `json:"balance"`
}

// withdrawRequest is POST /reserve/withdraw. ReserveSig covers the
// canonical JSON of the withdrawal binding under the reserve key.
type withdrawRequest struct {
	DenomPub   string `json:"denom_pub"`
	ReservePub string `json:"reserve_pub"`
	ReserveSig string `json:"reserve_sig"`
	CoinEv     string `json:"coin_ev"`
}

// withdrawBinding is what reserve_sig signs.
type withdrawBinding struct {
	ReservePub    string        `json:"reserve_pub"`
	AmountWithFee amount.Amount `json:"amount_with_fee"`
	DenomPubHash  string        `json:"denom_pub_hash"`
	CoinEvHash    string        `json:"coin_ev_hash"`
}

// withdrawResponse is the exchange's blind signature.
type withdrawResponse struct {
	EvSig string `json:"ev_sig"`
}

// meltRequest is POST /refresh/melt. CoinEvs is kappa cuts, each one
// envelope per new denomination.
type meltRequest struct {
	MeltCoin     meltCoin      `json:"melt_coin"`
	ValueWithFee amount.Amount `json:"value_with_fee"`
	NewDenoms    []string      `json:"new_denoms"`
	CoinEvs      [][]string    `json:"coin_evs"`
	TransferPubs []string      `json:"transfer_pubs"`
	SessionHash  string        `json:"session_hash"`
}

type meltCoin struct {
	CoinPub    string `json:"coin_pub"`
	DenomPub   string `json:"denom_pub"`
	DenomSig   string `json:"denom_sig"`
	ConfirmSig string `json:"confirm_sig"`
}

// meltBinding is what confirm_sig signs.
type meltBinding struct {
	CoinPub      string        `json:"coin_pub"`
	SessionHash  string        `json:"session_hash"`
	ValueWithFee amount.Amount `json:"value_with_fee"`
}

type meltResponse struct {
	NorevealIndex int `json:"noreveal_index"`
}

// revealRequest is POST /refresh/reveal: every transfer private key
// except the one at noreveal_index.
type revealRequest struct {
	SessionHash   string   `json:"session_hash"`
	TransferPrivs []string `json:"transfer_privs"`
}

type revealResponse struct {
	EvSigs []withdrawResponse `json:"ev_sigs"`
}

// ContractTerms is the merchant contract the wallet hashes and pays
// against.
type ContractTerms struct {
	OrderID             string           `json:"order_id"`
	Summary             string           `json:"summary,omitempty"`
	Amount              amount.Amount    `json:"amount"`
	MaxFee              amount.Amount    `json:"max_fee"`
	MaxWireFee          *amount.Amount   `json:"max_wire_fee,omitempty"`
	WireFeeAmortization uint32           `json:"wire_fee_amortization,omitempty"`
	MerchantBaseURL     string           `json:"merchant_base_url"`
	MerchantPub         string           `json:"merchant_pub"`
	FulfillmentURL      string           `json:"fulfillment_url,omitempty"`
	Exchanges           []ExchangeHandle `json:"exchanges"`
	Auditors            []AuditorHandle  `json:"auditors,omitempty"`
	Timestamp           int64            `json:"timestamp"`
	RefundDeadline      int64            `json:"refund_deadline"`
	PayDeadline         int64            `json:"pay_deadline"`
	HWire               string           `json:"h_wire"`
	WireMethod          string           `json:"wire_method,omitempty"`
}

// ExchangeHandle names an exchange the merchant accepts.
type ExchangeHandle struct {
	URL       string `json:"url"`
	MasterPub string `json:"master_pub"`
}

// AuditorHandle names an auditor the merchant trusts.
type AuditorHandle struct {
	Name       string `json:"name"`
	AuditorPub string `json:"auditor_pub"`
	URL        string `json:"url"`
}

// claimRequest is POST {merchant}/orders/{id}/claim.
type claimRequest struct {
	Nonce string `json:"nonce"`
	Token string `json:"token,omitempty"`
}

// claimResponse carries the contract and the merchant's signature over
// h_contract. The contract stays raw so the hash covers the exact
// bytes the merchant signed, not a re-serialization.
type claimResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

// proposalBinding is what the merchant's claim sig signs.
type proposalBinding struct {
	HContract string `json:"h_contract"`
}

// DepositPermission authorizes the merchant to redeem one coin amount
// against the exchange.
type DepositPermission struct {
	CoinPub      string        `json:"coin_pub"`
	DenomPub     string        `json:"denom_pub"`
	UbSig        string        `json:"ub_sig"`
	Contribution amount.Amount `json:"contribution"`
	HContract    string        `json:"h_contract"`
	ExchangeURL  string        `json:"exchange_url"`
	CoinSig      string        `json:"coin_sig"`
}

// depositBinding is what coin_sig signs.
type depositBinding struct {
	HContract      string        `json:"h_contract"`
	CoinPub        string        `json:"coin_pub"`
	Contribution   amount.Amount `json:"contribution"`
	MerchantPub    string        `json:"merchant_pub"`
	HWire          string        `json:"h_wire"`
	RefundDeadline int64         `json:"refund_deadline"`
}

// payRequest is POST {merchant}/orders/{id}/pay.
type payRequest struct {
	Coins []DepositPermission `json:"coins"`
}

type payResponse struct {
	Sig string `json:"sig"`
}

// paidRequest proves prior payment without re-spending coins.
type paidRequest struct {
	Sig       string `json:"sig"`
	HContract string `json:"h_contract"`
}

// merchantErrorResponse is the merchant's error body; Code
// distinguishes the 409 insufficient funds case.
type merchantErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"hint,omitempty"`
}

const merchantCodeInsufficientFunds = "insufficient_funds"

// RefundPermission is a merchant-issued refund grant.
type RefundPermission struct {
	MerchantPub  string        `json:"merchant_pub"`
	MerchantSig  string        `json:"merchant_sig"`
	HContract    string        `json:"h_contract"`
	CoinPub      string        `json:"coin_pub"`
	RefundID     string        `json:"refund_id"`
	RefundAmount amount.Amount `json:"refund_amount"`
	RefundFee    amount.Amount `json:"refund_fee"`
}

// refundBinding is what merchant_sig signs.
type refundBinding struct {
	HContract    string        `json:"h_contract"`
	CoinPub      string        `json:"coin_pub"`
	RefundID     string        `json:"refund_id"`
	RefundAmount amount.Amount `json:"refund_amount"`
	RefundFee    amount.Amount `json:"refund_fee"`
}

// bankWithdrawalStatus is the bank's withdrawal-operation status.
type bankWithdrawalStatus struct {
	TransferDone       bool           `json:"transfer_done"`
	Amount             *amount.Amount `json:"amount,omitempty"`
	SelectionDone      bool           `json:"selection_done"`
	ConfirmTransferURL string         `json:"confirm_transfer_url,omitempty"`
	WireTypes          []string       `json:"wire_types,omitempty"`
}

// bankWithdrawalSelection tells the bank which exchange and reserve to
// wire the funds to.
type bankWithdrawalSelection struct {
	ReservePub      string `json:"reserve_pub"`
	ExchangeBaseURL string `json:"selected_exchange"`
}

// bankTestWithdrawRequest is the test bank's admin funding endpoint.
type bankTestWithdrawRequest struct {
	Amount          amount.Amount `json:"amount"`
	ReservePub      string        `json:"reserve_pub"`
	ExchangeBaseURL string        `json:"exchange_url"`
}
