package pricing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/lmsr"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func some(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(f))
}

func state(pm model.PricingModel, liquidity, fee float64, shares ...float64) model.MarketState {
	s := model.MarketState{
		ID:           "m1",
		PricingModel: pm,
		Liquidity:    d(liquidity),
		FeeRate:      d(fee),
	}
	for i, q := range shares {
		s.Outcomes = append(s.Outcomes, model.OutcomeState{
			ID:     string(rune('a' + i)),
			Shares: d(q),
		})
	}
	return s
}

func TestPrice_LMSREqualShares(t *testing.T) {
	st := state(model.PricingLMSR, 1000, 0.02, 100, 100)
	for _, id := range []string{"a", "b"} {
		p, err := pricing.Price(st, id)
		if err != nil {
			t.Fatalf("Price(%s): %v", id, err)
		}
		if p.Sub(d(0.5)).Abs().GreaterThan(d(0.01)) {
			t.Errorf("price(%s) = %s, want ≈0.5", id, p)
		}
	}
}

func TestPrices_SumToOne(t *testing.T) {
	states := []model.MarketState{
		state(model.PricingLMSR, 100, 0, 200, 100),
		state(model.PricingLMSR, 50, 0, 1, 2, 3, 4, 5),
		state(model.PricingLMSR, 0, 0, 9, 1, 4),
		state(model.PricingConstantProduct, 100, 0, 70, 30),
		state(model.PricingConstantProduct, 100, 0, 11, 23, 5, 61),
	}
	for _, st := range states {
		prices, err := pricing.Prices(st)
		if err != nil {
			t.Fatalf("Prices(%s): %v", st.PricingModel, err)
		}
		sum := decimal.Zero
		for _, p := range prices {
			sum = sum.Add(p)
		}
		if sum.Sub(d(1)).Abs().GreaterThan(d(0.000001)) {
			t.Errorf("%s %v: prices sum to %s", st.PricingModel, st.Shares(), sum)
		}
	}
}

func TestPrice_Errors(t *testing.T) {
	tests := []struct {
		name string
		st   model.MarketState
		id   string
		want error
	}{
		{"unknown outcome", state(model.PricingLMSR, 100, 0, 0, 0), "z", model.ErrOutcomeNotFound},
		{"one outcome", state(model.PricingLMSR, 100, 0, 0), "a", model.ErrInvalidMarket},
		{"bad model", state("ORDERBOOK", 100, 0, 0, 0), "a", model.ErrInvalidPricingModel},
		{"bad fee", state(model.PricingLMSR, 100, 1.5, 0, 0), "a", model.ErrInvalidMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pricing.Price(tt.st, tt.id); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCalculate_BuyShares(t *testing.T) {
	st := state(model.PricingLMSR, 100, 0.02, 0, 0)
	q, err := pricing.Calculate(pricing.QuoteRequest{
		State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !q.Shares.Equal(d(10)) {
		t.Errorf("shares = %s, want 10", q.Shares)
	}
	if !q.CurrentPrice.Equal(d(0.5)) {
		t.Errorf("current price = %s, want 0.5", q.CurrentPrice)
	}
	if !q.Price.GreaterThan(q.CurrentPrice) {
		t.Errorf("execution price %s should exceed current %s for a buy", q.Price, q.CurrentPrice)
	}
	if !q.Slippage.IsPositive() {
		t.Errorf("buy slippage should be positive, got %s", q.Slippage)
	}
	if !q.Fee.Equal(q.TotalCost.Mul(d(0.02)).Round(pricing.Scale)) {
		t.Errorf("fee = %s, want 2%% of %s", q.Fee, q.TotalCost)
	}
	if !q.NetAmount.Equal(q.TotalCost.Sub(q.Fee)) {
		t.Errorf("net = %s, want total - fee", q.NetAmount)
	}
	if !q.PotentialPayout.Equal(d(10)) {
		t.Errorf("potential payout = %s, want 10", q.PotentialPayout)
	}
	if !q.NewOutcome.Shares.Equal(d(10)) || !q.NewOutcome.TotalVolume.Equal(q.TotalCost) {
		t.Errorf("new outcome = %+v", q.NewOutcome)
	}
	if !q.NewPrices["a"].GreaterThan(d(0.5)) {
		t.Errorf("new price of a = %s, want > 0.5", q.NewPrices["a"])
	}
	if !st.Outcomes[0].Shares.IsZero() {
		t.Error("input state was mutated")
	}
}

func TestCalculate_BuyByCost(t *testing.T) {
	for _, pm := range []model.PricingModel{model.PricingLMSR, model.PricingConstantProduct} {
		t.Run(string(pm), func(t *testing.T) {
			st := state(pm, 100, 0.01, 50, 50, 50)
			q, err := pricing.Calculate(pricing.QuoteRequest{
				State: st, OutcomeID: "b", Type: model.BetBuy, Cost: some(20),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.TotalCost.GreaterThan(d(20)) {
				t.Errorf("total cost %s exceeds budget 20", q.TotalCost)
			}
			if q.TotalCost.LessThan(d(19.99)) {
				t.Errorf("total cost %s too far below budget 20", q.TotalCost)
			}
		})
	}
}

func TestCalculate_SellByRevenue(t *testing.T) {
	st := state(model.PricingLMSR, 100, 0, 40, 0)
	q, err := pricing.Calculate(pricing.QuoteRequest{
		State: st, OutcomeID: "a", Type: model.BetSell, Cost: some(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.TotalCost.GreaterThan(d(5)) {
		t.Errorf("revenue %s exceeds target 5", q.TotalCost)
	}
	if !q.PotentialPayout.IsZero() {
		t.Errorf("sell has no potential payout, got %s", q.PotentialPayout)
	}
	if !q.NewOutcome.Shares.Equal(d(40).Sub(q.Shares)) {
		t.Errorf("new shares = %s, want 40 - %s", q.NewOutcome.Shares, q.Shares)
	}
}

func TestCalculate_CPTwoOutcomes(t *testing.T) {
	st := state(model.PricingConstantProduct, 100, 0, 50, 50)
	q, err := pricing.Calculate(pricing.QuoteRequest{
		State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.TotalCost.Equal(d(25)) {
		t.Errorf("cost = %s, want 25", q.TotalCost)
	}
	if !q.NewState.Outcomes[0].Shares.Equal(d(100)) || !q.NewState.Outcomes[1].Shares.Equal(d(25)) {
		t.Errorf("new reserves = %v, want [100 25]", q.NewState.Shares())
	}
	if !q.NewPrices["a"].Equal(d(0.8)) {
		t.Errorf("new price of a = %s, want 0.8", q.NewPrices["a"])
	}
}

func TestCalculate_Validation(t *testing.T) {
	st := state(model.PricingLMSR, 100, 0, 10, 0)
	tests := []struct {
		name string
		req  pricing.QuoteRequest
		want error
	}{
		{"neither shares nor cost", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: model.BetBuy}, model.ErrInvalidQuote},
		{"both shares and cost", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(1), Cost: some(1)}, model.ErrInvalidQuote},
		{"zero shares", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(0)}, model.ErrInvalidAmount},
		{"negative cost", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: model.BetBuy, Cost: some(-3)}, model.ErrInvalidAmount},
		{"bad type", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: "HOLD", Shares: some(1)}, model.ErrInvalidBetType},
		{"unknown outcome", pricing.QuoteRequest{State: st, OutcomeID: "q", Type: model.BetBuy, Shares: some(1)}, model.ErrOutcomeNotFound},
		{"oversell", pricing.QuoteRequest{State: st, OutcomeID: "a", Type: model.BetSell, Shares: some(11)}, model.ErrInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pricing.Calculate(tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !model.IsBadRequest(err) && !model.IsNotFound(err) {
				t.Errorf("error %v should be classified", err)
			}
		})
	}
}

func TestCalculate_NoLiquidity(t *testing.T) {
	st := state(model.PricingLMSR, 0, 0, 0, 0)
	_, err := pricing.Calculate(pricing.QuoteRequest{
		State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(1),
	})
	if !errors.Is(err, model.ErrNoLiquidity) || !errors.Is(err, lmsr.ErrNoLiquidity) {
		t.Errorf("expected ErrNoLiquidity from both packages, got %v", err)
	}
}

func TestCalculate_RoundTripLoses(t *testing.T) {
	for _, pm := range []model.PricingModel{model.PricingLMSR, model.PricingConstantProduct} {
		t.Run(string(pm), func(t *testing.T) {
			st := state(pm, 100, 0.03, 60, 40)
			buy, err := pricing.Calculate(pricing.QuoteRequest{
				State: st, OutcomeID: "a", Type: model.BetBuy, Shares: some(15),
			})
			if err != nil {
				t.Fatalf("buy: %v", err)
			}
			sell, err := pricing.Calculate(pricing.QuoteRequest{
				State: buy.NewState, OutcomeID: "a", Type: model.BetSell, Shares: some(15),
			})
			if err != nil {
				t.Fatalf("sell: %v", err)
			}
			if !sell.NetAmount.LessThan(buy.TotalCost) {
				t.Errorf("round trip should lose money: paid %s, received %s", buy.TotalCost, sell.NetAmount)
			}
		})
	}
}

func TestReverse_UndoesTrade(t *testing.T) {
	for _, pm := range []model.PricingModel{model.PricingLMSR, model.PricingConstantProduct} {
		for _, bt := range []model.BetType{model.BetBuy, model.BetSell} {
			t.Run(string(pm)+"/"+string(bt), func(t *testing.T) {
				st := state(pm, 100, 0, 30, 70)
				q, err := pricing.Calculate(pricing.QuoteRequest{
					State: st, OutcomeID: "a", Type: bt, Shares: some(5),
				})
				if err != nil {
					t.Fatalf("calculate: %v", err)
				}
				back, err := pricing.Reverse(q.NewState, "a", q.Shares, bt)
				if err != nil {
					t.Fatalf("reverse: %v", err)
				}
				for i := range st.Outcomes {
					got, want := back.Outcomes[i].Shares, st.Outcomes[i].Shares
					if got.Sub(want).Abs().GreaterThan(d(0.000001)) {
						t.Errorf("outcome %d shares = %s, want %s", i, got, want)
					}
				}
				if !back.Outcomes[0].TotalVolume.Equal(q.NewOutcome.TotalVolume) {
					t.Error("reverse must not reduce volume")
				}
			})
		}
	}
}
