// Package payout settles bets once their market is resolved or cancelled.
//
// A user's BUY bets on an outcome are paid on the shares the user still
// holds there: bought minus sold, spread across the BUY bets in proportion
// to their size. Winning BUY bets receive one unit per held share less the
// market's fee. Losing BUY bets receive a consolation refund of the stake
// behind their held shares. SELL bets receive nothing, their proceeds were
// realised at sale time.
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// Rates are the settlement percentages, as fractions.
type Rates struct {
	FeeRate    decimal.Decimal // the market's fee rate, taken from winnings
	RefundRate decimal.Decimal // of a losing bet's total cost
}

// DefaultRefundRate is the consolation paid on losing stakes.
var DefaultRefundRate = decimal.RequireFromString("0.10")

// DefaultRates returns a 5% payout fee and a 10% consolation refund.
func DefaultRates() Rates {
	return Rates{
		FeeRate:    decimal.RequireFromString("0.05"),
		RefundRate: DefaultRefundRate,
	}
}

// Settlement is what a bet is owed at resolution.
type Settlement struct {
	Won   bool
	Kind  model.PayoutKind
	Held  decimal.Decimal
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Due reports whether the settlement pays out anything.
func (s Settlement) Due() bool {
	return s.Net.IsPositive()
}

// Settle computes what bet is owed when winner is the resolved outcome. pos
// is the bettor's position on the bet's outcome.
func Settle(bet model.Bet, pos model.Position, winner string, r Rates) Settlement {
	won := bet.OutcomeID == winner
	if bet.Type == model.BetSell {
		kind := model.PayoutConsolation
		if won {
			kind = model.PayoutWinnings
		}
		return Settlement{Won: won, Kind: kind}
	}

	held := heldShares(bet, pos)
	if !won {
		refund := stake(bet, held).Mul(r.RefundRate).Round(8)
		return Settlement{Kind: model.PayoutConsolation, Held: held, Gross: refund, Fee: decimal.Zero, Net: refund}
	}
	fee := held.Mul(r.FeeRate).Round(8)
	return Settlement{Won: true, Kind: model.PayoutWinnings, Held: held, Gross: held, Fee: fee, Net: held.Sub(fee)}
}

// Refund returns what a BUY bet gets back when its market is cancelled: the
// cost of the shares still held. SELL bets get nothing.
func Refund(bet model.Bet, pos model.Position) decimal.Decimal {
	if bet.Type != model.BetBuy {
		return decimal.Zero
	}
	return stake(bet, heldShares(bet, pos))
}

// heldShares is the part of a BUY bet not offset by the bettor's sales.
func heldShares(bet model.Bet, pos model.Position) decimal.Decimal {
	if !pos.Bought.IsPositive() || !bet.Shares.IsPositive() {
		return decimal.Zero
	}
	if !pos.Sold.IsPositive() {
		return bet.Shares
	}
	held := bet.Shares.Mul(pos.Held()).Div(pos.Bought).Round(8)
	if held.GreaterThan(bet.Shares) {
		return bet.Shares
	}
	return held
}

// stake is the part of the bet's cost behind held shares.
func stake(bet model.Bet, held decimal.Decimal) decimal.Decimal {
	if !bet.Shares.IsPositive() {
		return decimal.Zero
	}
	if held.Equal(bet.Shares) {
		return bet.TotalCost
	}
	return bet.TotalCost.Mul(held).Div(bet.Shares).Round(8)
}
