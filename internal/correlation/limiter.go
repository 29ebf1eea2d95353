// Package correlation implements position limits that account for
// correlation between markets of the same category.
//
// Markets in one category tend to resolve together (several matches of a
// tournament, several thresholds of one election). A user buying into all of
// them carries correlated risk, so this package enforces an aggregate limit
// per category on top of the single-market limit.
package correlation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a bet would push a single
	// market's exposure beyond the per-market maximum.
	ErrPerMarketLimitExceeded = fmt.Errorf("correlation: %w: per-market limit", model.ErrExposureLimit)

	// ErrCorrelatedLimitExceeded is returned when a bet would push the
	// aggregate exposure across markets of one category beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("correlation: %w: correlated limit", model.ErrExposureLimit)
)

// PositionLimiter enforces exposure limits with correlation awareness.
// Exposure is the money a user has staked on open BUY bets. A zero limit
// disables that check.
type PositionLimiter struct {
	// MaxPerMarket is the maximum exposure in any single market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate exposure across all markets
	// sharing a category. Uncategorised markets are never correlated.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-market and
// correlated exposure limits.
func NewPositionLimiter(maxPerMarket, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a bet respects exposure limits.
//
// Parameters:
//   - marketID, category: the market being bet on
//   - delta: additional exposure the bet creates
//   - existing: the user's current exposure per market
//
// Returns nil if the bet is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(marketID, category string, delta decimal.Decimal, existing []model.Exposure) error {
	current := decimal.Zero
	for _, e := range existing {
		if e.MarketID == marketID {
			current = current.Add(e.Amount)
		}
	}
	newExposure := current.Add(delta)

	if l.MaxPerMarket.IsPositive() && newExposure.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s would reach %s of %s",
			ErrPerMarketLimitExceeded, marketID, newExposure, l.MaxPerMarket)
	}

	if category == "" || !l.MaxCorrelated.IsPositive() {
		return nil
	}

	total := newExposure
	for _, e := range existing {
		if e.MarketID == marketID {
			continue // already counted via newExposure above
		}
		if e.Category == category {
			total = total.Add(e.Amount)
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: category %q would reach %s of %s",
			ErrCorrelatedLimitExceeded, category, total, l.MaxCorrelated)
	}
	return nil
}
