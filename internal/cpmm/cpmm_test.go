package cpmm_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/cpmm"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func rs(fs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = d(f)
	}
	return out
}

func TestPrices(t *testing.T) {
	tests := []struct {
		name     string
		reserves []decimal.Decimal
		want     []float64
	}{
		{"balanced", rs(50, 50), []float64{0.5, 0.5}},
		{"skewed", rs(75, 25), []float64{0.75, 0.25}},
		{"three", rs(10, 30, 60), []float64{0.1, 0.3, 0.6}},
		{"empty", rs(0, 0, 0, 0), []float64{0.25, 0.25, 0.25, 0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cpmm.Prices(tt.reserves)
			for i, want := range tt.want {
				if !got[i].Equal(d(want)) {
					t.Errorf("price[%d] = %s, want %v", i, got[i], want)
				}
			}
		})
	}
}

func TestBuy_TwoOutcomesFormula(t *testing.T) {
	// R_i = 50, R_o = 50, buy 50: cost = 50 - 50*50/100 = 25.
	cost, next, err := cpmm.Buy(rs(50, 50), 0, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cost.Equal(d(25)) {
		t.Errorf("cost = %s, want 25", cost)
	}
	if !next[0].Equal(d(100)) || !next[1].Equal(d(25)) {
		t.Errorf("reserves = %v, want [100 25]", next)
	}
}

func TestBuy_PreservesInvariantAndInput(t *testing.T) {
	in := rs(40, 90)
	_, next, err := cpmm.Buy(in, 1, d(17))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in[1].Equal(d(90)) {
		t.Error("input reserves were mutated")
	}
	k := d(40 * 90)
	if next[0].Mul(next[1]).Sub(k).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("k drifted: %s vs %s", next[0].Mul(next[1]), k)
	}
}

func TestBuy_ZeroShares(t *testing.T) {
	cost, _, err := cpmm.Buy(rs(10, 10), 0, decimal.Zero)
	if err != nil || !cost.IsZero() {
		t.Errorf("expected zero cost, got %s (err=%v)", cost, err)
	}
}

func TestBuy_CostIncreasing(t *testing.T) {
	prev := decimal.Zero
	for _, x := range []float64{1, 2, 10, 100} {
		cost, err := cpmm.BuyCost(rs(30, 20, 50), 2, d(x))
		if err != nil {
			t.Fatalf("BuyCost(%v): %v", x, err)
		}
		if !cost.GreaterThan(prev) {
			t.Errorf("cost should increase: x=%v cost=%s prev=%s", x, cost, prev)
		}
		prev = cost
	}
}

func TestBuy_EmptyReserve(t *testing.T) {
	if _, _, err := cpmm.Buy(rs(0, 10), 0, d(1)); err != cpmm.ErrNoLiquidity {
		t.Errorf("expected ErrNoLiquidity, got %v", err)
	}
}

func TestSell_InverseOfBuy(t *testing.T) {
	start := rs(60, 40)
	cost, afterBuy, err := cpmm.Buy(start, 0, d(20))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	revenue, afterSell, err := cpmm.Sell(afterBuy, 0, d(20))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if cost.Sub(revenue).Abs().GreaterThan(d(0.00000002)) {
		t.Errorf("sell should refund the buy: cost=%s revenue=%s", cost, revenue)
	}
	for i := range start {
		if afterSell[i].Sub(start[i]).Abs().GreaterThan(d(0.000001)) {
			t.Errorf("reserve %d = %s, want %s", i, afterSell[i], start[i])
		}
	}
}

func TestSell_Errors(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		want error
	}{
		{"exceeds reserve", 11, cpmm.ErrInsufficientShares},
		{"drains reserve", 10, cpmm.ErrReserveDepleted},
		{"negative", -1, cpmm.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := cpmm.Sell(rs(10, 30), 0, d(tt.x)); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSell_ZeroShares(t *testing.T) {
	revenue, err := cpmm.SellRevenue(rs(10, 30), 0, decimal.Zero)
	if err != nil || !revenue.IsZero() {
		t.Errorf("expected zero revenue, got %s (err=%v)", revenue, err)
	}
}

func TestPricesSumToOneAfterTrades(t *testing.T) {
	reserves := rs(33, 33, 34)
	for step, x := range []float64{5, 12, 1, 40} {
		var err error
		_, reserves, err = cpmm.Buy(reserves, step%3, d(x))
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		sum := decimal.Sum(decimal.Zero, cpmm.Prices(reserves)...)
		if sum.Sub(d(1)).Abs().GreaterThan(d(0.0000001)) {
			t.Errorf("step %d: prices sum to %s", step, sum)
		}
	}
}

func TestSharesForCost(t *testing.T) {
	reserves := rs(50, 30, 20)
	shares, err := cpmm.SharesForCost(reserves, 0, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cost, _ := cpmm.BuyCost(reserves, 0, shares)
	if cost.GreaterThan(d(10)) || cost.LessThan(d(9.9999)) {
		t.Errorf("cost of %s shares = %s, want ≈10 and not above", shares, cost)
	}

	if _, err := cpmm.SharesForCost(reserves, 0, d(50)); err != cpmm.ErrCostUnreachable {
		t.Errorf("expected ErrCostUnreachable, got %v", err)
	}
}

func TestSharesForRevenue(t *testing.T) {
	reserves := rs(50, 50)
	shares, err := cpmm.SharesForRevenue(reserves, 0, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	revenue, err := cpmm.SellRevenue(reserves, 0, shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if revenue.GreaterThan(d(10)) || revenue.LessThan(d(9.9999)) {
		t.Errorf("revenue of %s shares = %s, want ≈10 and not above", shares, revenue)
	}
}
