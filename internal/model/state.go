package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OutcomeState is the pricing view of one outcome. Shares is the AMM
// reserve for constant-product markets and the outstanding quantity for LMSR.
type OutcomeState struct {
	ID          string          `json:"id"`
	Shares      decimal.Decimal `json:"shares"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}

// MarketState is an immutable pricing snapshot of a market.
type MarketState struct {
	ID           string          `json:"id"`
	PricingModel PricingModel    `json:"pricing_model"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	FeeRate      decimal.Decimal `json:"fee_rate"`
	Outcomes     []OutcomeState  `json:"outcomes"`
}

// Clone returns a copy of s that shares no slices with it.
func (s MarketState) Clone() MarketState {
	s.Outcomes = append([]OutcomeState(nil), s.Outcomes...)
	return s
}

// Index returns the position of the outcome with the given ID, or -1.
func (s MarketState) Index(outcomeID string) int {
	for i, o := range s.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

// Shares returns the share vector in outcome order.
func (s MarketState) Shares() []decimal.Decimal {
	q := make([]decimal.Decimal, len(s.Outcomes))
	for i, o := range s.Outcomes {
		q[i] = o.Shares
	}
	return q
}

// Validate checks the structural rules every snapshot must satisfy.
func (s MarketState) Validate() error {
	if !s.PricingModel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPricingModel, s.PricingModel)
	}
	if len(s.Outcomes) < 2 {
		return fmt.Errorf("%w: at least two outcomes required", ErrInvalidMarket)
	}
	if s.FeeRate.IsNegative() || s.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fee rate %s outside [0,1]", ErrInvalidMarket, s.FeeRate)
	}
	if s.Liquidity.IsNegative() {
		return fmt.Errorf("%w: negative liquidity", ErrInvalidMarket)
	}
	seen := make(map[string]bool, len(s.Outcomes))
	for _, o := range s.Outcomes {
		if o.ID == "" || seen[o.ID] {
			return fmt.Errorf("%w: outcome ids must be unique and non-empty", ErrInvalidMarket)
		}
		if o.Shares.IsNegative() {
			return fmt.Errorf("%w: outcome %s has negative shares", ErrInvalidMarket, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}
