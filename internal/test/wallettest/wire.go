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

package wallettest

import (
	"encoding/json"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

// Server-side mirrors of the protocol DTOs. Field names must match the
// wallet's wire surface exactly.

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

type keysResponse struct {
	MasterPublicKey string        `json:"master_public_key"`
	ListIssueDate   int64         `json:"list_issue_date"`
	Denoms          []keysDenom   `json:"denoms"`
	Auditors        []keysAuditor `json:"auditors,omitempty"`
	EddsaPub        string        `json:"eddsa_pub"`
	EddsaSig        string        `json:"eddsa_sig"`
}

type keysAuditor struct {
	AuditorPub string `json:"auditor_pub"`
	AuditorURL string `json:"auditor_url"`
}

type keysSignedBody struct {
	MasterPublicKey string      `json:"master_public_key"`
	ListIssueDate   int64       `json:"list_issue_date"`
	Denoms          []keysDenom `json:"denoms"`
}

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

type wireFeeBinding struct {
	WireMethod string        `json:"wire_method"`
	WireFee    amount.Amount `json:"wire_fee"`
	ClosingFee amount.Amount `json:"closing_fee"`
	StartStamp int64         `json:"start_stamp"`
	EndStamp   int64         `json:"end_stamp"`
}

type reserveStatusResponse struct {
	Balance amount.Amount `json:"balance"`
}

type withdrawRequest struct {
	DenomPub   string `json:"denom_pub"`
	ReservePub string `json:"reserve_pub"`
	ReserveSig string `json:"reserve_sig"`
	CoinEv     string `json:"coin_ev"`
}

type withdrawBinding struct {
	ReservePub    string        `json:"reserve_pub"`
	AmountWithFee amount.Amount `json:"amount_with_fee"`
	DenomPubHash  string        `json:"denom_pub_hash"`
	CoinEvHash    string        `json:"coin_ev_hash"`
}

type withdrawResponse struct {
	EvSig string `json:"ev_sig"`
}

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

type meltBinding struct {
	CoinPub      string        `json:"coin_pub"`
	SessionHash  string        `json:"session_hash"`
	ValueWithFee amount.Amount `json:"value_with_fee"`
}

type meltResponse struct {
	NorevealIndex int `json:"noreveal_index"`
}

type revealRequest struct {
	SessionHash   string   `json:"session_hash"`
	TransferPrivs []string `json:"transfer_privs"`
}

type revealResponse struct {
	EvSigs []withdrawResponse `json:"ev_sigs"`
}

type claimRequest struct {
	Nonce string `json:"nonce"`
	Token string `json:"token,omitempty"`
}

type claimResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

type proposalBinding struct {
	HContract string `json:"h_contract"`
}

type depositBinding struct {
	HContract      string        `json:"h_contract"`
	CoinPub        string        `json:"coin_pub"`
	Contribution   amount.Amount `json:"contribution"`
	MerchantPub    string        `json:"merchant_pub"`
	HWire          string        `json:"h_wire"`
	RefundDeadline int64         `json:"refund_deadline"`
}

type payRequest struct {
	Coins []depositPermission `json:"coins"`
}

type depositPermission struct {
	CoinPub      string        `json:"coin_pub"`
	DenomPub     string        `json:"denom_pub"`
	UbSig        string        `json:"ub_sig"`
	Contribution amount.Amount `json:"contribution"`
	HContract    string        `json:"h_contract"`
	ExchangeURL  string        `json:"exchange_url"`
	CoinSig      string        `json:"coin_sig"`
}

type payResponse struct {
	Sig string `json:"sig"`
}

type paidRequest struct {
	Sig       string `json:"sig"`
	HContract string `json:"h_contract"`
}

type merchantErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"hint,omitempty"`
}

type refundBinding struct {
	HContract    string        `json:"h_contract"`
	CoinPub      string        `json:"coin_pub"`
	RefundID     string        `json:"refund_id"`
	RefundAmount amount.Amount `json:"refund_amount"`
	RefundFee    amount.Amount `json:"refund_fee"`
}

type bankTestWithdrawRequest struct {
	Amount          amount.Amount `json:"amount"`
	ReservePub      string        `json:"reserve_pub"`
	ExchangeBaseURL string        `json:"exchange_url"`
}
