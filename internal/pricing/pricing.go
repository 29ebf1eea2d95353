// Package pricing is the stateless facade over the market makers. It turns a
// market snapshot and a trade request into a quote and the snapshot that
// results from executing it. Nothing here touches storage.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/cpmm"
	"github.com/outcomex/market-engine/internal/lmsr"
	"github.com/outcomex/market-engine/internal/model"
)

// Scale is the rounding applied to every money and price field of a quote.
const Scale int32 = 8

var hundred = decimal.NewFromInt(100)

// QuoteRequest asks for the price of trading one outcome. Exactly one of
// Shares and Cost must be set. For SELL requests Cost is the gross revenue
// the seller wants to receive.
type QuoteRequest struct {
	State     model.MarketState   `json:"state"`
	OutcomeID string              `json:"outcome_id"`
	Type      model.BetType       `json:"type"`
	Shares    decimal.NullDecimal `json:"shares"`
	Cost      decimal.NullDecimal `json:"cost"`
}

// Quote is the priced trade plus the state it leads to. TotalCost is the
// buy cost or the gross sell revenue. Fee is always taken out of it, so
// NetAmount = TotalCost - Fee in both directions.
type Quote struct {
	OutcomeID       string                     `json:"outcome_id"`
	Type            model.BetType              `json:"type"`
	Shares          decimal.Decimal            `json:"shares"`
	CurrentPrice    decimal.Decimal            `json:"current_price"`
	Price           decimal.Decimal            `json:"price"`
	TotalCost       decimal.Decimal            `json:"total_cost"`
	Fee             decimal.Decimal            `json:"fee"`
	NetAmount       decimal.Decimal            `json:"net_amount"`
	Slippage        decimal.Decimal            `json:"slippage"`
	PotentialPayout decimal.Decimal            `json:"potential_payout"`
	NewOutcome      model.OutcomeState         `json:"new_outcome"`
	NewState        model.MarketState          `json:"new_state"`
	NewPrices       map[string]decimal.Decimal `json:"new_prices"`
}

// engine is the per-model math. trade functions return the money amount and
// the share vector after the trade.
type engine interface {
	prices(q []decimal.Decimal) []decimal.Decimal
	buy(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error)
	sell(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error)
	sharesForCost(q []decimal.Decimal, i int, cost decimal.Decimal) (decimal.Decimal, error)
	sharesForRevenue(q []decimal.Decimal, i int, revenue decimal.Decimal) (decimal.Decimal, error)
}

type lmsrEngine struct{ mm *lmsr.MarketMaker }

func (e lmsrEngine) prices(q []decimal.Decimal) []decimal.Decimal { return e.mm.Prices(q) }

func (e lmsrEngine) buy(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	cost, err := e.mm.BuyCost(q, i, x)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return cost, shift(q, i, x), nil
}

func (e lmsrEngine) sell(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	revenue, err := e.mm.SellRevenue(q, i, x)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return revenue, shift(q, i, x.Neg()), nil
}

func (e lmsrEngine) sharesForCost(q []decimal.Decimal, i int, cost decimal.Decimal) (decimal.Decimal, error) {
	return e.mm.SharesForCost(q, i, cost)
}

func (e lmsrEngine) sharesForRevenue(q []decimal.Decimal, i int, revenue decimal.Decimal) (decimal.Decimal, error) {
	return e.mm.SharesForRevenue(q, i, revenue)
}

type cpmmEngine struct{}

func (cpmmEngine) prices(q []decimal.Decimal) []decimal.Decimal { return cpmm.Prices(q) }

func (cpmmEngine) buy(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	return cpmm.Buy(q, i, x)
}

func (cpmmEngine) sell(q []decimal.Decimal, i int, x decimal.Decimal) (decimal.Decimal, []decimal.Decimal, error) {
	return cpmm.Sell(q, i, x)
}

func (cpmmEngine) sharesForCost(q []decimal.Decimal, i int, cost decimal.Decimal) (decimal.Decimal, error) {
	return cpmm.SharesForCost(q, i, cost)
}

func (cpmmEngine) sharesForRevenue(q []decimal.Decimal, i int, revenue decimal.Decimal) (decimal.Decimal, error) {
	return cpmm.SharesForRevenue(q, i, revenue)
}

func shift(q []decimal.Decimal, i int, delta decimal.Decimal) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), q...)
	out[i] = out[i].Add(delta)
	return out
}

func engineFor(state model.MarketState) (engine, error) {
	switch state.PricingModel {
	case model.PricingLMSR:
		mm, err := lmsr.NewMarketMaker(state.Liquidity)
		if err != nil {
			return nil, fmt.Errorf("pricing: %w: %w", model.ErrInvalidMarket, err)
		}
		return lmsrEngine{mm: mm}, nil
	case model.PricingConstantProduct:
		return cpmmEngine{}, nil
	default:
		return nil, fmt.Errorf("pricing: %w: %q", model.ErrInvalidPricingModel, state.PricingModel)
	}
}

// classify wraps a market maker error with the domain error it maps to.
func classify(err error) error {
	switch {
	case errors.Is(err, lmsr.ErrNoLiquidity), errors.Is(err, cpmm.ErrNoLiquidity):
		return fmt.Errorf("pricing: %w: %w", model.ErrNoLiquidity, err)
	case errors.Is(err, lmsr.ErrInsufficientShares),
		errors.Is(err, cpmm.ErrInsufficientShares),
		errors.Is(err, cpmm.ErrReserveDepleted):
		return fmt.Errorf("pricing: %w: %w", model.ErrInsufficientShares, err)
	case errors.Is(err, lmsr.ErrOutcomeIndex), errors.Is(err, cpmm.ErrOutcomeIndex):
		return fmt.Errorf("pricing: %w: %w", model.ErrOutcomeNotFound, err)
	default:
		return fmt.Errorf("pricing: %w: %w", model.ErrInvalidAmount, err)
	}
}

func prepare(state model.MarketState, outcomeID string) (engine, int, error) {
	if err := state.Validate(); err != nil {
		return nil, 0, fmt.Errorf("pricing: %w", err)
	}
	i := state.Index(outcomeID)
	if i < 0 {
		return nil, 0, fmt.Errorf("pricing: %w: %s", model.ErrOutcomeNotFound, outcomeID)
	}
	eng, err := engineFor(state)
	if err != nil {
		return nil, 0, err
	}
	return eng, i, nil
}

// Prices returns the current price of every outcome keyed by outcome ID.
func Prices(state model.MarketState) (map[string]decimal.Decimal, error) {
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	eng, err := engineFor(state)
	if err != nil {
		return nil, err
	}
	return priceMap(state, eng.prices(state.Shares())), nil
}

// Price returns the current price of one outcome, a value in [0,1].
func Price(state model.MarketState, outcomeID string) (decimal.Decimal, error) {
	eng, i, err := prepare(state, outcomeID)
	if err != nil {
		return decimal.Zero, err
	}
	return eng.prices(state.Shares())[i], nil
}

func priceMap(state model.MarketState, prices []decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(prices))
	for i, o := range state.Outcomes {
		out[o.ID] = prices[i]
	}
	return out
}

// Calculate prices a trade. The input state is never modified; the
// resulting snapshot is returned in Quote.NewState.
func Calculate(req QuoteRequest) (*Quote, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("pricing: %w: %q", model.ErrInvalidBetType, req.Type)
	}
	if req.Shares.Valid == req.Cost.Valid {
		return nil, fmt.Errorf("pricing: %w", model.ErrInvalidQuote)
	}
	eng, i, err := prepare(req.State, req.OutcomeID)
	if err != nil {
		return nil, err
	}
	q := req.State.Shares()

	shares := req.Shares.Decimal
	if req.Cost.Valid {
		if !req.Cost.Decimal.IsPositive() {
			return nil, fmt.Errorf("pricing: %w: cost %s", model.ErrInvalidAmount, req.Cost.Decimal)
		}
		if req.Type == model.BetBuy {
			shares, err = eng.sharesForCost(q, i, req.Cost.Decimal)
		} else {
			shares, err = eng.sharesForRevenue(q, i, req.Cost.Decimal)
		}
		if err != nil {
			return nil, classify(err)
		}
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("pricing: %w: shares %s", model.ErrInvalidAmount, shares)
	}

	var (
		amount decimal.Decimal
		next   []decimal.Decimal
	)
	if req.Type == model.BetBuy {
		amount, next, err = eng.buy(q, i, shares)
	} else {
		amount, next, err = eng.sell(q, i, shares)
	}
	if err != nil {
		return nil, classify(err)
	}

	current := eng.prices(q)[i]
	execution := amount.DivRound(shares, Scale)
	fee := amount.Mul(req.State.FeeRate).Round(Scale)

	slippage := decimal.Zero
	if current.IsPositive() {
		slippage = execution.Sub(current).Div(current).Mul(hundred).Round(Scale)
	}

	payout := decimal.Zero
	if req.Type == model.BetBuy {
		payout = shares
	}

	newState := req.State.Clone()
	for j := range newState.Outcomes {
		newState.Outcomes[j].Shares = next[j]
	}
	newState.Outcomes[i].TotalVolume = newState.Outcomes[i].TotalVolume.Add(amount)

	return &Quote{
		OutcomeID:       req.OutcomeID,
		Type:            req.Type,
		Shares:          shares,
		CurrentPrice:    current,
		Price:           execution,
		TotalCost:       amount,
		Fee:             fee,
		NetAmount:       amount.Sub(fee),
		Slippage:        slippage,
		PotentialPayout: payout,
		NewOutcome:      newState.Outcomes[i],
		NewState:        newState,
		NewPrices:       priceMap(newState, eng.prices(next)),
	}, nil
}

// Reverse returns the state with a previously executed trade undone: a BUY
// is sold back and a SELL bought back. Trading volume is not reversed.
func Reverse(state model.MarketState, outcomeID string, shares decimal.Decimal, betType model.BetType) (model.MarketState, error) {
	if !betType.Valid() {
		return model.MarketState{}, fmt.Errorf("pricing: %w: %q", model.ErrInvalidBetType, betType)
	}
	if shares.IsNegative() {
		return model.MarketState{}, fmt.Errorf("pricing: %w: shares %s", model.ErrInvalidAmount, shares)
	}
	eng, i, err := prepare(state, outcomeID)
	if err != nil {
		return model.MarketState{}, err
	}
	q := state.Shares()

	var next []decimal.Decimal
	switch e := eng.(type) {
	case lmsrEngine:
		// Shares move directly; no cost is needed, which also covers b = 0.
		delta := shares
		if betType == model.BetBuy {
			if q[i].LessThan(shares) {
				return model.MarketState{}, classify(lmsr.ErrInsufficientShares)
			}
			delta = shares.Neg()
		}
		next = shift(q, i, delta)
	default:
		if betType == model.BetBuy {
			_, next, err = e.sell(q, i, shares)
		} else {
			_, next, err = e.buy(q, i, shares)
		}
		if err != nil {
			return model.MarketState{}, classify(err)
		}
	}

	out := state.Clone()
	for j := range out.Outcomes {
		out.Outcomes[j].Shares = next[j]
	}
	return out, nil
}
