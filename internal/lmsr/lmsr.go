// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for markets with any number of outcomes.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing without an order book
//   - Path-independent cost function
//
// All arithmetic, including the transcendental functions, runs on
// shopspring/decimal. Exponentials are evaluated after the log-sum-exp
// shift, so every exponent is <= 0 and every sum lies in [1, n].
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b < 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must not be negative")

	// ErrNoLiquidity is returned by cost and revenue calculations when b = 0.
	// Prices degrade to uniform instead.
	ErrNoLiquidity = errors.New("lmsr: liquidity parameter b is zero")

	// ErrInsufficientShares is returned when a sale exceeds the outstanding
	// shares of the outcome.
	ErrInsufficientShares = errors.New("lmsr: outcome holds fewer shares than requested")

	// ErrInvalidShares is returned for negative share or money amounts.
	ErrInvalidShares = errors.New("lmsr: amount must not be negative")

	// ErrOutcomeIndex is returned when the outcome index is out of range.
	ErrOutcomeIndex = errors.New("lmsr: outcome index out of range")

	// ErrCostUnreachable is returned when no share amount inside the search
	// bound matches the requested cost.
	ErrCostUnreachable = errors.New("lmsr: target amount is outside the search range")

	// SearchUpperBound caps the share search used by SharesForCost.
	SearchUpperBound = decimal.NewFromInt(1_000_000)

	// SearchTolerance is the width at which the share search stops.
	SearchTolerance = decimal.New(1, -4)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// precision is the number of fractional digits carried through exp and ln.
const precision int32 = 20

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)

	// Below this exponent e^x is smaller than the working precision.
	expFloor = decimal.NewFromInt(-46)
)

// MarketMaker implements the LMSR cost function. It is stateless: outcome
// quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a market maker with liquidity parameter b.
// Higher b means flatter prices. b = 0 is accepted: prices are uniform and
// every cost calculation fails with ErrNoLiquidity.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.IsNegative() {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// exp returns e^x. The Taylor series runs on |x| so all terms are positive,
// and negative exponents are inverted at the end.
func exp(x decimal.Decimal) decimal.Decimal {
	if x.IsZero() {
		return one
	}
	if x.LessThan(expFloor) {
		return decimal.Zero
	}
	ax := x.Abs()
	eps := decimal.New(1, -precision)
	sum, term := one, one
	for n := int64(1); ; n++ {
		term = term.Mul(ax).DivRound(decimal.NewFromInt(n), precision)
		sum = sum.Add(term)
		if term.LessThan(eps) {
			break
		}
	}
	if x.IsNegative() {
		return one.DivRound(sum, precision)
	}
	return sum
}

// logSumExp computes ln(Σ exp(x_i)) as max(x) + ln(Σ exp(x_i - max(x))).
func logSumExp(xs []decimal.Decimal) decimal.Decimal {
	maxVal := decimal.Max(xs[0], xs[1:]...)
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(exp(x.Sub(maxVal)))
	}
	ln, err := sum.Ln(precision)
	if err != nil {
		// sum >= 1 because the maximum term contributes e^0.
		panic("lmsr: ln of non-positive sum")
	}
	return maxVal.Add(ln)
}

func (m *MarketMaker) scaled(q []decimal.Decimal) []decimal.Decimal {
	xs := make([]decimal.Decimal, len(q))
	for i, v := range q {
		xs[i] = v.DivRound(m.b, precision)
	}
	return xs
}

// cost computes C(q) = b * ln(Σ exp(q_i / b)) without rounding.
func (m *MarketMaker) cost(q []decimal.Decimal) decimal.Decimal {
	return m.b.Mul(logSumExp(m.scaled(q)))
}

// Cost computes the LMSR cost function C(q) = b * ln(Σ exp(q_i / b)).
func (m *MarketMaker) Cost(q []decimal.Decimal) (decimal.Decimal, error) {
	if m.b.IsZero() {
		return decimal.Zero, ErrNoLiquidity
	}
	if len(q) == 0 {
		return decimal.Zero, ErrOutcomeIndex
	}
	return m.cost(q).Round(PriceScale), nil
}

// Prices returns the instantaneous price of every outcome, the softmax of
// q / b. With b = 0 every outcome is priced 1/n.
func (m *MarketMaker) Prices(q []decimal.Decimal) []decimal.Decimal {
	n := len(q)
	if n == 0 {
		return nil
	}
	prices := make([]decimal.Decimal, n)
	if m.b.IsZero() {
		uniform := one.DivRound(decimal.NewFromInt(int64(n)), PriceScale)
		for i := range prices {
			prices[i] = uniform
		}
		return prices
	}

	xs := m.scaled(q)
	maxVal := decimal.Max(xs[0], xs[1:]...)
	weights := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for i, x := range xs {
		weights[i] = exp(x.Sub(maxVal))
		sum = sum.Add(weights[i])
	}
	for i, w := range weights {
		prices[i] = w.DivRound(sum, PriceScale)
	}
	return prices
}

// Price returns the instantaneous price of outcome i.
func (m *MarketMaker) Price(q []decimal.Decimal, i int) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrOutcomeIndex
	}
	return m.Prices(q)[i], nil
}

func (m *MarketMaker) check(q []decimal.Decimal, i int, x decimal.Decimal) error {
	if m.b.IsZero() {
		return ErrNoLiquidity
	}
	if i < 0 || i >= len(q) {
		return ErrOutcomeIndex
	}
	if x.IsNegative() {
		return ErrInvalidShares
	}
	return nil
}

func shifted(q []decimal.Decimal, i int, delta decimal.Decimal) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), q...)
	out[i] = out[i].Add(delta)
	return out
}

func (m *MarketMaker) buyCost(q []decimal.Decimal, i int, x decimal.Decimal) decimal.Decimal {
	return m.cost(shifted(q, i, x)).Sub(m.cost(q))
}

func (m *MarketMaker) sellRevenue(q []decimal.Decimal, i int, x decimal.Decimal) decimal.Decimal {
	return m.cost(q).Sub(m.cost(shifted(q, i, x.Neg())))
}

// BuyCost returns the cost of buying x shares of outcome i:
//
//	C(q + x·e_i) - C(q)
func (m *MarketMaker) BuyCost(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, error) {
	if err := m.check(q, i, x); err != nil {
		return decimal.Zero, err
	}
	if x.IsZero() {
		return decimal.Zero, nil
	}
	return m.buyCost(q, i, x).Round(PriceScale), nil
}

// SellRevenue returns the revenue from selling x shares of outcome i:
//
//	C(q) - C(q - x·e_i)
//
// It fails with ErrInsufficientShares when q_i < x.
func (m *MarketMaker) SellRevenue(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, error) {
	if err := m.check(q, i, x); err != nil {
		return decimal.Zero, err
	}
	if q[i].LessThan(x) {
		return decimal.Zero, ErrInsufficientShares
	}
	if x.IsZero() {
		return decimal.Zero, nil
	}
	return m.sellRevenue(q, i, x).Round(PriceScale), nil
}

// SharesForCost finds the largest share amount of outcome i whose buy cost
// does not exceed cost. It bisects [0, SearchUpperBound] until the bracket is
// narrower than SearchTolerance and relies on the cost being increasing in x.
func (m *MarketMaker) SharesForCost(q []decimal.Decimal, i int, cost decimal.Decimal) (decimal.Decimal, error) {
	if err := m.check(q, i, cost); err != nil {
		return decimal.Zero, err
	}
	if m.buyCost(q, i, SearchUpperBound).LessThan(cost) {
		return decimal.Zero, ErrCostUnreachable
	}
	return bisect(decimal.Zero, SearchUpperBound, cost, func(x decimal.Decimal) decimal.Decimal {
		return m.buyCost(q, i, x)
	}), nil
}

// SharesForRevenue finds the largest share amount of outcome i whose sale
// yields at most revenue. The search range is [0, q_i].
func (m *MarketMaker) SharesForRevenue(q []decimal.Decimal, i int, revenue decimal.Decimal) (decimal.Decimal, error) {
	if err := m.check(q, i, revenue); err != nil {
		return decimal.Zero, err
	}
	if m.sellRevenue(q, i, q[i]).LessThan(revenue) {
		return decimal.Zero, ErrInsufficientShares
	}
	return bisect(decimal.Zero, q[i], revenue, func(x decimal.Decimal) decimal.Decimal {
		return m.sellRevenue(q, i, x)
	}), nil
}

// bisect narrows [lo, hi] around target for an increasing f and returns the
// lower end, truncated so that f never exceeds target.
func bisect(lo, hi, target decimal.Decimal, f func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	for hi.Sub(lo).GreaterThan(SearchTolerance) {
		mid := lo.Add(hi).Div(two)
		if f(mid).GreaterThan(target) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo.Truncate(PriceScale)
}

// MaxLoss returns the worst-case market maker loss b * ln(n).
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	if n < 2 || m.b.IsZero() {
		return decimal.Zero
	}
	ln, err := decimal.NewFromInt(int64(n)).Ln(precision)
	if err != nil {
		return decimal.Zero
	}
	return m.b.Mul(ln).Round(PriceScale)
}
