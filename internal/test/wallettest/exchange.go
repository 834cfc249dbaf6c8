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

// Package wallettest provides in-process fakes of the exchange,
// merchant and bank protocol surfaces so wallet flows can run end to
// end without a network.
package wallettest

import (
	"context"
	"crypto/sha512"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/canonicaljson"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/keys"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport/transporttest"
)

// DenomSpec configures one denomination of a fake exchange.
type DenomSpec struct {
	Value       string
	FeeWithdraw string
	FeeDeposit  string
	FeeRefresh  string
	FeeRefund   string
}

// DefaultDenoms is the standard test denomination schedule.
func DefaultDenoms() []DenomSpec {
	specs := make([]DenomSpec, 0, 5)
	for _, v := range []string{"TESTKUDOS:8", "TESTKUDOS:4", "TESTKUDOS:2", "TESTKUDOS:1", "TESTKUDOS:0.1"} {
		fee := "TESTKUDOS:0.02"
		if v == "TESTKUDOS:8" {
			fee = "TESTKUDOS:0.16"
		}
		specs = append(specs, DenomSpec{
			Value:       v,
			FeeWithdraw: fee,
			FeeDeposit:  "TESTKUDOS:0.01",
			FeeRefresh:  "TESTKUDOS:0.01",
			FeeRefund:   "TESTKUDOS:0.01",
		})
	}
	return specs
}

type exchangeDenom struct {
	wire   keysDenom
	signer *talercrypto.DenomSigner
}

type meltSessionState struct {
	newDenoms []string
	coinEvs   [][]string
	noreveal  int
}

// Exchange is a fake exchange wired into a transporttest client.
type Exchange struct {
	BaseURL string

	crypto   *talercrypto.Local
	masterKP talercrypto.EddsaKeypair
	denoms   []exchangeDenom

	mu              sync.Mutex
	reserves        map[string]amount.Amount
	seenEvs         map[string]string
	sessions        map[string]meltSessionState
	auditors        []keysAuditor
	wireFees        map[string][]wireFeeWire
	withdrawHits    int
	failWithdraws   int
	dropWithdrawals int
	breakReveals    int
}

// NewExchange builds a fake exchange with the given denomination
// schedule and registers its handlers. At most as many denominations
// as there are fixture keys.
func NewExchange(t *testing.T, baseURL string, client *transporttest.Client, specs []DenomSpec) *Exchange {
	t.Helper()

	sks, err := keys.ParseAllX509PKCS1PrivateKeysFromPEM(denomKeyPEM)
	require.NoError(t, err)
	require.LessOrEqual(t, len(specs), len(sks), "not enough fixture keys for denomination schedule")

	crypto := talercrypto.NewLocal()
	masterKP, err := crypto.CreateEddsaKeypair()
	require.NoError(t, err)

	e := &Exchange{
		BaseURL:  baseURL,
		crypto:   crypto,
		masterKP: masterKP,
		reserves: map[string]amount.Amount{},
		seenEvs:  map[string]string{},
		sessions: map[string]meltSessionState{},
		wireFees: map[string][]wireFeeWire{},
	}

	now := time.Now()
	for i, spec := range specs {
		signer, err := talercrypto.NewDenomSigner(sks[i])
		require.NoError(t, err)
		pub := signer.PublicKey()
		wire := keysDenom{
			DenomPub:            talercrypto.EncodeDenomPub(pub),
			Value:               amount.MustParse(spec.Value),
			FeeWithdraw:         amount.MustParse(spec.FeeWithdraw),
			FeeDeposit:          amount.MustParse(spec.FeeDeposit),
			FeeRefresh:          amount.MustParse(spec.FeeRefresh),
			FeeRefund:           amount.MustParse(spec.FeeRefund),
			StampStart:          now.Add(-time.Hour).Unix(),
			StampExpireWithdraw: now.Add(24 * time.Hour).Unix(),
			StampExpireDeposit:  now.Add(48 * time.Hour).Unix(),
			StampExpireLegal:    now.Add(72 * time.Hour).Unix(),
		}
		unsigned := wire
		unsigned.MasterSig = ""
		body, err := canonicaljson.Marshal(unsigned)
		require.NoError(t, err)
		wire.MasterSig, err = crypto.EddsaSign(masterKP.Priv, body)
		require.NoError(t, err)
		e.denoms = append(e.denoms, exchangeDenom{wire: wire, signer: signer})
	}

	client.Handle(http.MethodGet, baseURL+"keys", e.handleKeys)
	client.Handle(http.MethodGet, baseURL+"wire", e.handleWire)
	client.Handle(http.MethodGet, baseURL+"reserve/status", e.handleReserveStatus)
	client.Handle(http.MethodPost, baseURL+"reserve/withdraw", e.handleWithdraw)
	client.Handle(http.MethodPost, baseURL+"refresh/melt", e.handleMelt)
	client.Handle(http.MethodPost, baseURL+"refresh/reveal", e.handleReveal)
	return e
}

// MasterPub is the exchange's pinned master key.
func (e *Exchange) MasterPub() string {
	return e.masterKP.Pub
}

// AddReserveFunds credits a reserve, creating it if needed.
func (e *Exchange) AddReserveFunds(reservePub string, amt amount.Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.reserves[reservePub]
	if !ok {
		e.reserves[reservePub] = amt
		return nil
	}
	res, err := amount.Add(cur, amt)
	if err != nil || res.Saturated {
		return fmt.Errorf("reserve credit failed")
	}
	e.reserves[reservePub] = res.Amount
	return nil
}

// WithdrawHits counts /reserve/withdraw requests seen.
func (e *Exchange) WithdrawHits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawHits
}

// FailNextWithdraws makes the next n withdraw requests return 500
// before any state changes.
func (e *Exchange) FailNextWithdraws(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWithdraws = n
}

// DropNextWithdrawResponses processes the next n withdraw requests
// fully but loses the response on the wire, simulating a crash between
// the exchange accepting and the wallet seeing the answer.
func (e *Exchange) DropNextWithdrawResponses(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropWithdrawals = n
}

// BreakNextReveals makes the next n reveal requests answer with an
// empty signature array after the melt state is consulted.
func (e *Exchange) BreakNextReveals(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakReveals = n
}

// AddAuditor announces an auditor on /keys. Call before the wallet
// first syncs the exchange.
func (e *Exchange) AddAuditor(auditorPub, auditorURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditors = append(e.auditors, keysAuditor{AuditorPub: auditorPub, AuditorURL: auditorURL})
}

// SetWireFee publishes one master-signed wire fee window on /wire.
func (e *Exchange) SetWireFee(t *testing.T, method string, wireFee, closingFee amount.Amount, start, end time.Time) {
	t.Helper()
	binding := wireFeeBinding{
		WireMethod: method,
		WireFee:    wireFee,
		ClosingFee: closingFee,
		StartStamp: start.Unix(),
		EndStamp:   end.Unix(),
	}
	body, err := canonicaljson.Marshal(binding)
	require.NoError(t, err)
	sig, err := e.crypto.EddsaSign(e.masterKP.Priv, body)
	require.NoError(t, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wireFees[method] = append(e.wireFees[method], wireFeeWire{
		WireFee:    wireFee,
		ClosingFee: closingFee,
		StartStamp: binding.StartStamp,
		EndStamp:   binding.EndStamp,
		Sig:        sig,
	})
}

func (e *Exchange) handleKeys(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	e.mu.Lock()
	denoms := make([]keysDenom, len(e.denoms))
	for i, d := range e.denoms {
		denoms[i] = d.wire
	}
	auditors := append([]keysAuditor(nil), e.auditors...)
	e.mu.Unlock()

	signed := keysSignedBody{
		MasterPublicKey: e.masterKP.Pub,
		ListIssueDate:   time.Now().Unix(),
		Denoms:          denoms,
	}
	body, err := canonicaljson.Marshal(signed)
	if err != nil {
		return nil, err
	}
	sig, err := e.crypto.EddsaSign(e.masterKP.Priv, body)
	if err != nil {
		return nil, err
	}
	return transporttest.JSONResponse(http.StatusOK, keysResponse{
		MasterPublicKey: signed.MasterPublicKey,
		ListIssueDate:   signed.ListIssueDate,
		Denoms:          denoms,
		Auditors:        auditors,
		EddsaPub:        e.masterKP.Pub,
		EddsaSig:        sig,
	})
}

func (e *Exchange) handleWire(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	e.mu.Lock()
	fees := make(map[string][]wireFeeWire, len(e.wireFees))
	for method, fs := range e.wireFees {
		fees[method] = append([]wireFeeWire(nil), fs...)
	}
	e.mu.Unlock()
	return transporttest.JSONResponse(http.StatusOK, wireFeesResponse{Fees: fees})
}

func (e *Exchange) handleReserveStatus(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	reservePub := reserveParam(req.URL)
	e.mu.Lock()
	balance, ok := e.reserves[reservePub]
	e.mu.Unlock()
	if !ok {
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown reserve"})
	}
	return transporttest.JSONResponse(http.StatusOK, reserveStatusResponse{Balance: balance})
}

func reserveParam(url string) string {
	const marker = "reserve_pub="
	idx := strings.Index(url, marker)
	if idx < 0 {
		return ""
	}
	return url[idx+len(marker):]
}

func (e *Exchange) handleWithdraw(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	var wr withdrawRequest
	if err := req.JSON(&wr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}

	e.mu.Lock()
	e.withdrawHits++
	if e.failWithdraws > 0 {
		e.failWithdraws--
		e.mu.Unlock()
		return transporttest.JSONResponse(http.StatusInternalServerError, map[string]string{"hint": "simulated outage"})
	}
	drop := false
	if e.dropWithdrawals > 0 {
		e.dropWithdrawals--
		drop = true
	}
	e.mu.Unlock()

	denom := e.denomByPub(wr.DenomPub)
	if denom == nil {
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown denomination"})
	}
	cost, err := amount.Add(denom.wire.Value, denom.wire.FeeWithdraw)
	if err != nil || cost.Saturated {
		return nil, fmt.Errorf("denomination cost overflow")
	}
	blinded, err := crock.Decode(wr.CoinEv)
	if err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad coin_ev"})
	}
	evHash := sha512.Sum512(blinded)
	binding := withdrawBinding{
		ReservePub:    wr.ReservePub,
		AmountWithFee: cost.Amount,
		DenomPubHash:  talercrypto.DenomPubHash(denom.signer.PublicKey()),
		CoinEvHash:    crock.Encode(evHash[:]),
	}
	body, err := canonicaljson.Marshal(binding)
	if err != nil {
		return nil, err
	}
	if err := e.crypto.EddsaVerify(wr.ReservePub, body, wr.ReserveSig); err != nil {
		return transporttest.JSONResponse(http.StatusForbidden, map[string]string{"hint": "bad reserve signature"})
	}

	e.mu.Lock()
	if _, seen := e.seenEvs[wr.CoinEv]; !seen {
		balance, ok := e.reserves[wr.ReservePub]
		if !ok {
			e.mu.Unlock()
			return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown reserve"})
		}
		left, err := amount.Sub(balance, cost.Amount)
		if err != nil || left.Saturated {
			e.mu.Unlock()
			return transporttest.JSONResponse(http.StatusConflict, map[string]string{"hint": "insufficient reserve balance"})
		}
		e.reserves[wr.ReservePub] = left.Amount
		e.seenEvs[wr.CoinEv] = wr.ReservePub
	}
	e.mu.Unlock()

	sig, err := denom.signer.BlindSign(blinded, []byte(denom.wire.Value.String()))
	if err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "unsignable envelope"})
	}
	if drop {
		return nil, fmt.Errorf("%w: connection lost", transport.ErrTransport)
	}
	return transporttest.JSONResponse(http.StatusOK, withdrawResponse{EvSig: crock.Encode(sig)})
}

func (e *Exchange) denomByPub(denomPub string) *exchangeDenom {
	for i := range e.denoms {
		if e.denoms[i].wire.DenomPub == denomPub {
			return &e.denoms[i]
		}
	}
	return nil
}

func (e *Exchange) handleMelt(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	var mr meltRequest
	if err := req.JSON(&mr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}
	binding := meltBinding{
		CoinPub:      mr.MeltCoin.CoinPub,
		SessionHash:  mr.SessionHash,
		ValueWithFee: mr.ValueWithFee,
	}
	body, err := canonicaljson.Marshal(binding)
	if err != nil {
		return nil, err
	}
	if err := e.crypto.EddsaVerify(mr.MeltCoin.CoinPub, body, mr.MeltCoin.ConfirmSig); err != nil {
		return transporttest.JSONResponse(http.StatusForbidden, map[string]string{"hint": "bad confirm signature"})
	}
	for _, pub := range mr.NewDenoms {
		if e.denomByPub(pub) == nil {
			return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown new denomination"})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[mr.SessionHash]; ok {
		return transporttest.JSONResponse(http.StatusOK, meltResponse{NorevealIndex: existing.noreveal})
	}
	// Deterministic pick keeps melts idempotent.
	noreveal := int(sha512.Sum512([]byte(mr.SessionHash))[0]) % len(mr.CoinEvs)
	e.sessions[mr.SessionHash] = meltSessionState{
		newDenoms: mr.NewDenoms,
		coinEvs:   mr.CoinEvs,
		noreveal:  noreveal,
	}
	return transporttest.JSONResponse(http.StatusOK, meltResponse{NorevealIndex: noreveal})
}

func (e *Exchange) handleReveal(ctx context.Context, req transporttest.Request) (*transport.Response, error) {
	var rr revealRequest
	if err := req.JSON(&rr); err != nil {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad body"})
	}
	e.mu.Lock()
	session, ok := e.sessions[rr.SessionHash]
	broken := false
	if e.breakReveals > 0 {
		e.breakReveals--
		broken = true
	}
	e.mu.Unlock()
	if !ok {
		return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown session"})
	}
	if broken {
		return transporttest.JSONResponse(http.StatusOK, revealResponse{EvSigs: []withdrawResponse{}})
	}
	if len(rr.TransferPrivs) != len(session.coinEvs)-1 {
		return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "wrong transfer key count"})
	}

	evs := session.coinEvs[session.noreveal]
	sigs := make([]withdrawResponse, 0, len(evs))
	for i, ev := range evs {
		denom := e.denomByPub(session.newDenoms[i])
		if denom == nil {
			return transporttest.JSONResponse(http.StatusNotFound, map[string]string{"hint": "unknown denomination"})
		}
		blinded, err := crock.Decode(ev)
		if err != nil {
			return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "bad envelope"})
		}
		sig, err := denom.signer.BlindSign(blinded, []byte(denom.wire.Value.String()))
		if err != nil {
			return transporttest.JSONResponse(http.StatusBadRequest, map[string]string{"hint": "unsignable envelope"})
		}
		sigs = append(sigs, withdrawResponse{EvSig: crock.Encode(sig)})
	}
	return transporttest.JSONResponse(http.StatusOK, revealResponse{EvSigs: sigs})
}
