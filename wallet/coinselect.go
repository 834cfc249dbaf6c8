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
	"fmt"
	"sort"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
)

// payCoinCandidate is one spendable coin offered to the selection
// engine, flattened with its denomination's deposit fee.
type payCoinCandidate struct {
	CoinPub         string
	AvailableAmount amount.Amount
	FeeDeposit      amount.Amount
	ExchangeBaseURL string
	DenomPub        string
}

// paySelectionRequest carries the fee constraints of one contract.
type paySelectionRequest struct {
	Target          amount.Amount
	DepositFeeLimit amount.Amount
	WireFeeLimit    amount.Amount
	// WireFeeAmortization spreads the wire fee across this many expected
	// payments; the amortized share enters the fee budget once per
	// exchange, not once per coin.
	WireFeeAmortization uint64
	// WireFees maps exchange base URL to the wire fee applicable at the
	// contract timestamp.
	WireFees map[string]amount.Amount
	// Exclude lists coin pubs already committed elsewhere.
	Exclude map[string]struct{}
}

// paySelection is a feasible subset of coins at a single exchange.
type paySelection struct {
	ExchangeBaseURL   string
	CoinPubs          []string
	CoinContributions []amount.Amount
	TotalFees         amount.Amount
}

// selectPayCoins picks coins to cover req.Target. Exchanges are tried
// in ascending base URL order and the first feasible one wins; there is
// no global optimization across exchanges. A nil selection with a nil
// error means no feasible subset exists, which callers report as
// insufficient balance rather than a failure.
func selectPayCoins(candidates []payCoinCandidate, req paySelectionRequest) (*paySelection, error) {
	byExchange := make(map[string][]payCoinCandidate)
	for _, c := range candidates {
		if _, excluded := req.Exclude[c.CoinPub]; excluded {
			continue
		}
		byExchange[c.ExchangeBaseURL] = append(byExchange[c.ExchangeBaseURL], c)
	}
	urls := make([]string, 0, len(byExchange))
	for url := range byExchange {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		sel, err := selectAtExchange(url, byExchange[url], req)
		if err != nil {
			return nil, err
		}
		if sel != nil {
			return sel, nil
		}
	}
	return nil, nil
}

func selectAtExchange(url string, coins []payCoinCandidate, req paySelectionRequest) (*paySelection, error) {
	sort.SliceStable(coins, func(i, j int) bool {
		c, _ := amount.Cmp(coins[i].FeeDeposit, coins[j].FeeDeposit)
		return c < 0
	})

	accFee, err := amortizedWireFee(url, req)
	if err != nil {
		return nil, err
	}
	accAmount := amount.Zero(req.Target.Currency)
	var picked []payCoinCandidate

	for _, c := range coins {
		// A coin worth no more than its own deposit fee is a net loss.
		cmp, err := amount.Cmp(c.AvailableAmount, c.FeeDeposit)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			continue
		}
		feeRes, err := amount.Add(accFee, c.FeeDeposit)
		if err != nil || feeRes.Saturated {
			return nil, fmt.Errorf("deposit fee accumulation overflow")
		}
		accFee = feeRes.Amount
		amtRes, err := amount.Add(accAmount, c.AvailableAmount)
		if err != nil || amtRes.Saturated {
			return nil, fmt.Errorf("coin amount accumulation overflow")
		}
		accAmount = amtRes.Amount
		picked = append(picked, c)

		feeCmp, err := amount.Cmp(accFee, req.DepositFeeLimit)
		if err != nil {
			return nil, err
		}
		if feeCmp >= 0 {
			// Fee budget exhausted at this exchange.
			return nil, nil
		}
		amtCmp, err := amount.Cmp(accAmount, req.Target)
		if err != nil {
			return nil, err
		}
		if amtCmp >= 0 {
			return buildSelection(url, picked, req.Target, accFee)
		}
	}
	return nil, nil
}

// buildSelection assigns exact per-coin contributions summing to the
// target.
func buildSelection(url string, picked []payCoinCandidate, target amount.Amount, totalFees amount.Amount) (*paySelection, error) {
	sel := &paySelection{ExchangeBaseURL: url, TotalFees: totalFees}
	remaining := target
	for _, c := range picked {
		contribution := c.AvailableAmount
		cmp, err := amount.Cmp(remaining, contribution)
		if err != nil {
			return nil, err
		}
		if cmp < 0 {
			contribution = remaining
		}
		if contribution.IsZero() {
			continue
		}
		sel.CoinPubs = append(sel.CoinPubs, c.CoinPub)
		sel.CoinContributions = append(sel.CoinContributions, contribution)
		subRes, err := amount.Sub(remaining, contribution)
		if err != nil {
			return nil, err
		}
		remaining = subRes.Amount
	}
	if !remaining.IsZero() {
		return nil, ConsistencyError{Err: fmt.Errorf("selection does not cover target")}
	}
	return sel, nil
}

// amortizedWireFee is the fee-budget share of the exchange's wire fee.
// Wire fees fully covered by the merchant's wire fee limit cost the
// customer nothing.
func amortizedWireFee(url string, req paySelectionRequest) (amount.Amount, error) {
	zero := amount.Zero(req.Target.Currency)
	wireFee, ok := req.WireFees[url]
	if !ok {
		return zero, nil
	}
	cmp, err := amount.Cmp(wireFee, req.WireFeeLimit)
	if err != nil {
		return zero, err
	}
	if cmp <= 0 {
		return zero, nil
	}
	amortization := req.WireFeeAmortization
	if amortization == 0 {
		amortization = 1
	}
	return divideAmount(wireFee, amortization)
}

// divideAmount splits a into n equal shares, rounding the share down to
// the fractional base.
func divideAmount(a amount.Amount, n uint64) (amount.Amount, error) {
	if n == 0 {
		return amount.Amount{}, fmt.Errorf("division by zero")
	}
	value := a.Value / n
	rem := a.Value % n
	if rem > (1<<63)/amount.FractionalBase {
		return amount.Amount{}, fmt.Errorf("amount too large to divide")
	}
	fracTotal := rem*amount.FractionalBase + uint64(a.Fraction)
	frac := fracTotal / n
	value += frac / amount.FractionalBase
	frac %= amount.FractionalBase
	return amount.Amount{Currency: a.Currency, Value: value, Fraction: uint32(frac)}, nil
}
