// Package market handles market definitions: id and outcome validation,
// default parameters and derivation of the LMSR liquidity parameter from a
// maker subsidy.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// idRegex matches market and outcome ids: lower-case slugs such as
// "us-election-2028" or "yes".
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

var (
	ErrInvalidID        = errors.New("market: invalid id")
	ErrTooFewOutcomes   = errors.New("market: at least two outcomes required")
	ErrDuplicateOutcome = errors.New("market: duplicate outcome id")
	ErrEndDatePassed    = errors.New("market: end date is in the past")
)

// MinLiquidity is the smallest liquidity parameter a subsidy derives.
var MinLiquidity = decimal.NewFromInt(10)

// OutcomeDef describes one outcome of a new market.
type OutcomeDef struct {
	ID    string `json:"id"`
	Label string `json:"label" validate:"required"`
}

// Definition describes a market to create. Unset decimals take defaults.
// Subsidy, when set and Liquidity is not, sizes an LMSR market so the maker
// can lose at most that amount.
type Definition struct {
	ID           string              `json:"id"`
	Title        string              `json:"title" validate:"required"`
	Category     string              `json:"category"`
	PricingModel model.PricingModel  `json:"pricing_model"`
	Liquidity    decimal.NullDecimal `json:"liquidity"`
	Subsidy      decimal.NullDecimal `json:"subsidy"`
	FeeRate      decimal.NullDecimal `json:"fee_rate"`
	EndDate      *time.Time          `json:"end_date"`
	Outcomes     []OutcomeDef        `json:"outcomes" validate:"min=2,dive"`
}

// Defaults fills unset definition fields.
type Defaults struct {
	Liquidity decimal.Decimal
	FeeRate   decimal.Decimal
}

// Slug lower-cases s and replaces every run of other characters with '-'.
func Slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Build validates def and returns the market to persist.
//
// LMSR outcomes start with zero shares. Constant-product reserves are seeded
// evenly with the liquidity, so a CP market starts at uniform prices.
func Build(def Definition, defaults Defaults, now time.Time) (*model.Market, error) {
	id := def.ID
	if id == "" {
		id = uuid.New().String()
	} else if !idRegex.MatchString(id) {
		return nil, fmt.Errorf("%w: %w: %q", model.ErrInvalidMarket, ErrInvalidID, id)
	}
	if strings.TrimSpace(def.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidMarket)
	}
	if def.EndDate != nil && !def.EndDate.After(now) {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidMarket, ErrEndDatePassed)
	}

	pm := def.PricingModel
	if pm == "" {
		pm = model.PricingLMSR
	}
	if !pm.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPricingModel, pm)
	}
	if len(def.Outcomes) < 2 {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidMarket, ErrTooFewOutcomes)
	}

	liquidity := defaults.Liquidity
	switch {
	case def.Liquidity.Valid:
		liquidity = def.Liquidity.Decimal
	case def.Subsidy.Valid && pm == model.PricingLMSR:
		b, err := LiquidityForSubsidy(def.Subsidy.Decimal, len(def.Outcomes))
		if err != nil {
			return nil, err
		}
		liquidity = b
	}
	if liquidity.IsNegative() {
		return nil, fmt.Errorf("%w: liquidity %s is negative", model.ErrInvalidMarket, liquidity)
	}
	if pm == model.PricingConstantProduct && !liquidity.IsPositive() {
		return nil, fmt.Errorf("%w: constant-product markets need positive liquidity", model.ErrInvalidMarket)
	}

	fee := defaults.FeeRate
	if def.FeeRate.Valid {
		fee = def.FeeRate.Decimal
	}
	if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: fee rate %s outside [0,1]", model.ErrInvalidMarket, fee)
	}

	seed := decimal.Zero
	if pm == model.PricingConstantProduct {
		seed = liquidity.Div(decimal.NewFromInt(int64(len(def.Outcomes))))
	}

	m := &model.Market{
		ID:           id,
		Title:        strings.TrimSpace(def.Title),
		Category:     Slug(def.Category),
		PricingModel: pm,
		Liquidity:    liquidity,
		FeeRate:      fee,
		Status:       model.MarketActive,
		EndDate:      def.EndDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	seen := make(map[string]bool, len(def.Outcomes))
	for i, o := range def.Outcomes {
		label := strings.TrimSpace(o.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: outcome %d has no label", model.ErrInvalidMarket, i)
		}
		oid := o.ID
		if oid == "" {
			oid = Slug(label)
		}
		if !idRegex.MatchString(oid) {
			return nil, fmt.Errorf("%w: %w: outcome %q", model.ErrInvalidMarket, ErrInvalidID, oid)
		}
		if seen[oid] {
			return nil, fmt.Errorf("%w: %w: %s", model.ErrInvalidMarket, ErrDuplicateOutcome, oid)
		}
		seen[oid] = true
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID:       oid,
			MarketID: id,
			Label:    label,
			Position: i,
			Shares:   seed,
		})
	}

	if err := m.State().Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LiquidityForSubsidy computes the LMSR b parameter whose worst-case maker
// loss, b·ln(n), equals subsidy. Results below MinLiquidity are raised to it
// to prevent degenerate markets.
func LiquidityForSubsidy(subsidy decimal.Decimal, n int) (decimal.Decimal, error) {
	if !subsidy.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: subsidy must be positive", model.ErrInvalidMarket)
	}
	if n < 2 {
		return decimal.Zero, fmt.Errorf("%w: %w", model.ErrInvalidMarket, ErrTooFewOutcomes)
	}
	ln, err := decimal.NewFromInt(int64(n)).Ln(20)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market: ln(%d): %w", n, err)
	}
	b := subsidy.DivRound(ln, 20)
	if b.LessThan(MinLiquidity) {
		return MinLiquidity, nil
	}
	return b.Round(2), nil
}
