// Package cpmm implements a constant-product automated market maker over
// outcome reserves.
//
// For two outcomes the invariant R_i * R_o = k holds exactly. For more than
// two outcomes a trade on outcome i rescales every other reserve by the same
// factor R_i / (R_i + x), and the cost is the sum of what the other reserves
// give up. That keeps each pairwise product with R_i constant but is not a
// true n-dimensional constant-product curve.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoLiquidity is returned when the traded outcome has an empty reserve.
	ErrNoLiquidity = errors.New("cpmm: outcome reserve is empty")

	// ErrInsufficientShares is returned when a sale exceeds the outcome reserve.
	ErrInsufficientShares = errors.New("cpmm: outcome reserve is smaller than the sale")

	// ErrReserveDepleted is returned when a sale would drain the outcome
	// reserve completely and leave the other reserves undefined.
	ErrReserveDepleted = errors.New("cpmm: sale would deplete the outcome reserve")

	// ErrCostUnreachable is returned when the requested cost would take every
	// other reserve to zero.
	ErrCostUnreachable = errors.New("cpmm: cost exceeds available reserves")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("cpmm: amount must not be negative")

	// ErrOutcomeIndex is returned when the outcome index is out of range.
	ErrOutcomeIndex = errors.New("cpmm: outcome index out of range")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

const divPrecision int32 = 20

// Prices returns R_i / Σ R_j for every outcome, uniform when all reserves
// are empty.
func Prices(reserves []decimal.Decimal) []decimal.Decimal {
	n := len(reserves)
	if n == 0 {
		return nil
	}
	prices := make([]decimal.Decimal, n)
	total := decimal.Sum(decimal.Zero, reserves...)
	if !total.IsPositive() {
		uniform := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(n)), PriceScale)
		for i := range prices {
			prices[i] = uniform
		}
		return prices
	}
	for i, r := range reserves {
		prices[i] = r.DivRound(total, PriceScale)
	}
	return prices
}

// Price returns the price of outcome i.
func Price(reserves []decimal.Decimal, i int) (decimal.Decimal, error) {
	if i < 0 || i >= len(reserves) {
		return decimal.Zero, ErrOutcomeIndex
	}
	return Prices(reserves)[i], nil
}

func check(reserves []decimal.Decimal, i int, x decimal.Decimal) error {
	if i < 0 || i >= len(reserves) {
		return ErrOutcomeIndex
	}
	if x.IsNegative() {
		return ErrInvalidAmount
	}
	if !reserves[i].IsPositive() {
		return ErrNoLiquidity
	}
	return nil
}

// others sums every reserve except i.
func others(reserves []decimal.Decimal, i int) decimal.Decimal {
	sum := decimal.Zero
	for j, r := range reserves {
		if j != i {
			sum = sum.Add(r)
		}
	}
	return sum
}

// Buy returns the cost of buying x shares of outcome i and the reserves
// after the trade. The input slice is not modified.
//
//	cost = Σ_{j≠i} (R_j - R_i·R_j / (R_i + x))
func Buy(reserves []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	if err := check(reserves, i, x); err != nil {
		return decimal.Zero, nil, err
	}
	next := append([]decimal.Decimal(nil), reserves...)
	if x.IsZero() {
		return decimal.Zero, next, nil
	}
	ri := reserves[i]
	denom := ri.Add(x)
	cost := decimal.Zero
	for j, rj := range reserves {
		if j == i {
			continue
		}
		after := ri.Mul(rj).DivRound(denom, divPrecision)
		cost = cost.Add(rj.Sub(after))
		next[j] = after
	}
	next[i] = denom
	return cost.Round(PriceScale), next, nil
}

// Sell returns the revenue from selling x shares of outcome i and the
// reserves after the trade. It is the inverse of Buy.
//
//	revenue = Σ_{j≠i} (R_i·R_j / (R_i - x) - R_j)
func Sell(reserves []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	if err := check(reserves, i, x); err != nil {
		return decimal.Zero, nil, err
	}
	ri := reserves[i]
	if x.GreaterThan(ri) {
		return decimal.Zero, nil, ErrInsufficientShares
	}
	if x.Equal(ri) {
		return decimal.Zero, nil, ErrReserveDepleted
	}
	next := append([]decimal.Decimal(nil), reserves...)
	if x.IsZero() {
		return decimal.Zero, next, nil
	}
	denom := ri.Sub(x)
	revenue := decimal.Zero
	for j, rj := range reserves {
		if j == i {
			continue
		}
		after := ri.Mul(rj).DivRound(denom, divPrecision)
		revenue = revenue.Add(after.Sub(rj))
		next[j] = after
	}
	next[i] = denom
	return revenue.Round(PriceScale), next, nil
}

// BuyCost returns only the cost component of Buy.
func BuyCost(reserves []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, error) {
	cost, _, err := Buy(reserves, i, x)
	return cost, err
}

// SellRevenue returns only the revenue component of Sell.
func SellRevenue(reserves []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, error) {
	revenue, _, err := Sell(reserves, i, x)
	return revenue, err
}

// SharesForCost inverts Buy in closed form. With O = Σ_{j≠i} R_j the cost of
// x shares is O·x / (R_i + x), so x = cost·R_i / (O - cost). The result is
// truncated so its cost never exceeds the target.
func SharesForCost(reserves []decimal.Decimal, i int, cost decimal.Decimal) (decimal.Decimal, error) {
	if err := check(reserves, i, cost); err != nil {
		return decimal.Zero, err
	}
	o := others(reserves, i)
	if cost.GreaterThanOrEqual(o) {
		return decimal.Zero, ErrCostUnreachable
	}
	return cost.Mul(reserves[i]).DivRound(o.Sub(cost), divPrecision).Truncate(PriceScale), nil
}

// SharesForRevenue inverts Sell in closed form: x = revenue·R_i / (O + revenue).
func SharesForRevenue(reserves []decimal.Decimal, i int, revenue decimal.Decimal) (decimal.Decimal, error) {
	if err := check(reserves, i, revenue); err != nil {
		return decimal.Zero, err
	}
	o := others(reserves, i)
	return revenue.Mul(reserves[i]).DivRound(o.Add(revenue), divPrecision).Truncate(PriceScale), nil
}
