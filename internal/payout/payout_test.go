package payout_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/ledger"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/payment"
	"github.com/outcomex/market-engine/internal/payout"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/txlog"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Settle ---

func TestSettle(t *testing.T) {
	rates := payout.DefaultRates()
	whole := func(bought float64) model.Position { return model.Position{Bought: d(bought)} }
	tests := []struct {
		name  string
		bet   model.Bet
		pos   model.Position
		rates payout.Rates
		won   bool
		kind  model.PayoutKind
		net   decimal.Decimal
	}{
		{
			name: "winning buy",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetBuy, Shares: d(10), TotalCost: d(6)},
			pos:  whole(10), rates: rates,
			won: true, kind: model.PayoutWinnings, net: d(9.5),
		},
		{
			name: "winning buy at the market fee",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetBuy, Shares: d(10), TotalCost: d(6)},
			pos:  whole(10), rates: payout.Rates{FeeRate: d(0.02), RefundRate: d(0.1)},
			won: true, kind: model.PayoutWinnings, net: d(9.8),
		},
		{
			name: "winning buy partly sold",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetBuy, Shares: d(10), TotalCost: d(6)},
			pos:  model.Position{Bought: d(10), Sold: d(4)}, rates: rates,
			won: true, kind: model.PayoutWinnings, net: d(5.7),
		},
		{
			name: "winning buy fully sold",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetBuy, Shares: d(10), TotalCost: d(6)},
			pos:  model.Position{Bought: d(10), Sold: d(10)}, rates: rates,
			won: true, kind: model.PayoutWinnings, net: decimal.Zero,
		},
		{
			name: "sale spread over two buys",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetBuy, Shares: d(10), TotalCost: d(6)},
			pos:  model.Position{Bought: d(20), Sold: d(10)}, rates: rates,
			won: true, kind: model.PayoutWinnings, net: d(4.75),
		},
		{
			name: "winning sell",
			bet:  model.Bet{OutcomeID: "a", Type: model.BetSell, Shares: d(10), TotalCost: d(6)},
			pos:  model.Position{Bought: d(10), Sold: d(10)}, rates: rates,
			won: true, kind: model.PayoutWinnings, net: decimal.Zero,
		},
		{
			name: "losing buy",
			bet:  model.Bet{OutcomeID: "b", Type: model.BetBuy, Shares: d(40), TotalCost: d(20)},
			pos:  whole(40), rates: rates,
			kind: model.PayoutConsolation, net: d(2),
		},
		{
			name: "losing buy partly sold",
			bet:  model.Bet{OutcomeID: "b", Type: model.BetBuy, Shares: d(40), TotalCost: d(20)},
			pos:  model.Position{Bought: d(40), Sold: d(30)}, rates: rates,
			kind: model.PayoutConsolation, net: d(0.5),
		},
		{
			name: "losing sell",
			bet:  model.Bet{OutcomeID: "b", Type: model.BetSell, Shares: d(10), TotalCost: d(4)},
			pos:  model.Position{Bought: d(10), Sold: d(10)}, rates: rates,
			kind: model.PayoutConsolation, net: decimal.Zero,
		},
		{
			name: "losing zero cost",
			bet:  model.Bet{OutcomeID: "b", Type: model.BetBuy, Shares: d(1), TotalCost: decimal.Zero},
			pos:  whole(1), rates: rates,
			kind: model.PayoutConsolation, net: decimal.Zero,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := payout.Settle(tt.bet, tt.pos, "a", tt.rates)
			if s.Won != tt.won || s.Kind != tt.kind {
				t.Errorf("won=%v kind=%s, want won=%v kind=%s", s.Won, s.Kind, tt.won, tt.kind)
			}
			if !s.Net.Equal(tt.net) {
				t.Errorf("net = %s, want %s", s.Net, tt.net)
			}
			if s.Due() != tt.net.IsPositive() {
				t.Errorf("Due() = %v for net %s", s.Due(), s.Net)
			}
			if !s.Gross.Sub(s.Fee).Equal(s.Net) {
				t.Errorf("gross %s - fee %s != net %s", s.Gross, s.Fee, s.Net)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	tests := []struct {
		name string
		bet  model.Bet
		pos  model.Position
		want decimal.Decimal
	}{
		{"held buy", model.Bet{Type: model.BetBuy, Shares: d(10), TotalCost: d(6)}, model.Position{Bought: d(10)}, d(6)},
		{"partly sold buy", model.Bet{Type: model.BetBuy, Shares: d(10), TotalCost: d(6)}, model.Position{Bought: d(10), Sold: d(2)}, d(4.8)},
		{"fully sold buy", model.Bet{Type: model.BetBuy, Shares: d(10), TotalCost: d(6)}, model.Position{Bought: d(10), Sold: d(10)}, decimal.Zero},
		{"sell", model.Bet{Type: model.BetSell, Shares: d(2), TotalCost: d(1.5)}, model.Position{Bought: d(10), Sold: d(2)}, decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := payout.Refund(tt.bet, tt.pos); !got.Equal(tt.want) {
				t.Errorf("Refund = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Engine ---

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fail  int // calls that fail before the first success
	hook  func()
}

func (p *fakeProvider) Transfer(_ context.Context, req payment.TransferRequest) (string, error) {
	if p.hook != nil {
		p.hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		return "", fmt.Errorf("gateway timeout for %s", req.PayoutID)
	}
	return fmt.Sprintf("ext-%d", p.calls), nil
}

type env struct {
	engine    *payout.Engine
	ms        *store.MemoryStore
	providers *payment.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	err := ms.Atomically(context.Background(), func(tx store.Tx) error {
		ctx := context.Background()
		if err := tx.CreateMarket(ctx, &model.Market{
			ID:           "m1",
			Title:        "Test",
			PricingModel: model.PricingLMSR,
			Liquidity:    d(100),
			FeeRate:      d(0.05),
			Status:       model.MarketActive,
			Outcomes: []model.Outcome{
				{ID: "a", MarketID: "m1", Label: "A"},
				{ID: "b", MarketID: "m1", Label: "B", Position: 1},
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		for _, w := range []model.Wallet{
			{ID: "w-alice", UserID: "alice", Kind: model.WalletInternal, Currency: "USD", Active: true},
			{ID: "w-bob", UserID: "bob", Kind: model.WalletInternal, Currency: "USD", Active: true},
			{ID: "w-ton", UserID: "carol", Kind: model.WalletTON, Currency: "TON", Address: "EQC-carol", Active: true},
		} {
			if err := tx.CreateWallet(ctx, &w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	providers := payment.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := payout.NewEngine(ms, ledger.New(), txlog.New(), providers,
		payout.Config{RefundRate: payout.DefaultRefundRate, Concurrency: 4}, notify.Nop{}, logger)
	return &env{engine: engine, ms: ms, providers: providers}
}

func (e *env) addBet(t *testing.T, b model.Bet) {
	t.Helper()
	if b.MarketID == "" {
		b.MarketID = "m1"
	}
	if b.Status == "" {
		b.Status = model.BetActive
	}
	err := e.ms.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.CreateBet(context.Background(), &b)
	})
	if err != nil {
		t.Fatalf("add bet: %v", err)
	}
}

func (e *env) amount(t *testing.T, walletID, currency string) decimal.Decimal {
	t.Helper()
	b, err := e.ms.GetBalance(context.Background(), walletID, currency)
	if model.IsNotFound(err) {
		return decimal.Zero
	}
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.Amount
}

func (e *env) bet(t *testing.T, id string) *model.Bet {
	t.Helper()
	b, err := e.ms.GetBet(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBet: %v", err)
	}
	return b
}

func TestResolveMarket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addBet(t, model.Bet{ID: "win", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6), Status: model.BetPending})
	e.addBet(t, model.Bet{ID: "sold", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetSell, Shares: d(2), TotalCost: d(1.5)})
	e.addBet(t, model.Bet{ID: "lose", UserID: "bob", WalletID: "w-bob", OutcomeID: "b",
		Type: model.BetBuy, Shares: d(30), TotalCost: d(20)})
	e.addBet(t, model.Bet{ID: "lose-sold", UserID: "bob", WalletID: "w-bob", OutcomeID: "b",
		Type: model.BetSell, Shares: d(15), TotalCost: d(7)})
	e.addBet(t, model.Bet{ID: "gone", UserID: "bob", WalletID: "w-bob", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(5), TotalCost: d(3), Status: model.BetCancelled})

	sum, err := e.engine.ResolveMarket(ctx, "m1", "a")
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if sum.Processed != 4 || sum.Succeeded != 2 || sum.Skipped != 2 || sum.Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}

	// Alice sold 2 of her 10 winning shares: 8 × 0.95.
	if got := e.amount(t, "w-alice", "USD"); !got.Equal(d(7.6)) {
		t.Errorf("alice balance = %s, want 7.6", got)
	}
	// Bob still held 15 of 30 losing shares: half his stake of 20 × 0.10.
	if got := e.amount(t, "w-bob", "USD"); !got.Equal(d(1)) {
		t.Errorf("bob balance = %s, want 1", got)
	}

	for id, want := range map[string]model.BetStatus{
		"win":       model.BetWon,
		"sold":      model.BetWon,
		"lose":      model.BetLost,
		"lose-sold": model.BetLost,
		"gone":      model.BetCancelled,
	} {
		if got := e.bet(t, id).Status; got != want {
			t.Errorf("bet %s status = %s, want %s", id, got, want)
		}
	}

	m, _ := e.ms.GetMarket(ctx, "m1")
	if m.Status != model.MarketResolved || m.ResolvedOutcomeID != "a" || m.ResolvedAt == nil {
		t.Errorf("market = %s %q", m.Status, m.ResolvedOutcomeID)
	}
	a, _ := m.Outcome("a")
	b, _ := m.Outcome("b")
	if !a.Resolved || !a.Winner || !b.Resolved || b.Winner {
		t.Errorf("outcomes = %+v %+v", a, b)
	}

	// Re-entry with the same outcome finds nothing left to settle.
	again, err := e.engine.ResolveMarket(ctx, "m1", "a")
	if err != nil || again.Processed != 0 {
		t.Errorf("second resolve = %+v, %v", again, err)
	}
	if _, err := e.engine.ResolveMarket(ctx, "m1", "b"); !errors.Is(err, model.ErrMarketFinalized) {
		t.Errorf("expected ErrMarketFinalized for a different outcome, got %v", err)
	}
	if got := e.amount(t, "w-alice", "USD"); !got.Equal(d(7.6)) {
		t.Errorf("alice paid twice: %s", got)
	}
}

func TestResolveMarket_ChargesMarketFee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	err := e.ms.Atomically(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.FeeRate = d(0.02)
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		t.Fatalf("set fee: %v", err)
	}
	e.addBet(t, model.Bet{ID: "win", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6)})

	p, err := e.engine.ProcessBet(ctx, "win", "a")
	if err != nil {
		t.Fatalf("ProcessBet: %v", err)
	}
	if !p.Fee.Equal(d(0.2)) || !p.Amount.Equal(d(9.8)) {
		t.Errorf("payout fee %s amount %s, want 0.2 and 9.8", p.Fee, p.Amount)
	}
}

func TestResolveMarket_UnknownOutcome(t *testing.T) {
	e := newEnv(t)
	if _, err := e.engine.ResolveMarket(context.Background(), "m1", "c"); !errors.Is(err, model.ErrOutcomeNotFound) {
		t.Errorf("expected ErrOutcomeNotFound, got %v", err)
	}
	if _, err := e.engine.ResolveMarket(context.Background(), "nope", "a"); !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestProcessBet_OnePayoutPerBet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addBet(t, model.Bet{ID: "win", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6)})

	p, err := e.engine.ProcessBet(ctx, "win", "a")
	if err != nil {
		t.Fatalf("ProcessBet: %v", err)
	}
	if p.Status != model.PayoutCompleted || !p.Amount.Equal(d(9.5)) || !p.Fee.Equal(d(0.5)) {
		t.Errorf("payout = %+v", p)
	}

	_, err = e.engine.ProcessBet(ctx, "win", "a")
	if !errors.Is(err, model.ErrPayoutExists) || !model.IsConflict(err) {
		t.Errorf("expected payout conflict, got %v", err)
	}
	if got := e.amount(t, "w-alice", "USD"); !got.Equal(d(9.5)) {
		t.Errorf("balance = %s, want 9.5", got)
	}
}

func TestExecute_ExternalFailureAndRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	provider := &fakeProvider{fail: 1}
	// The store must not be locked while the provider runs.
	provider.hook = func() {
		if _, err := e.ms.GetMarket(ctx, "m1"); err != nil {
			t.Errorf("store read during transfer: %v", err)
		}
	}
	e.providers.Register(model.WalletTON, provider)
	e.addBet(t, model.Bet{ID: "ton-bet", UserID: "carol", WalletID: "w-ton", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6)})

	p, err := e.engine.ProcessBet(ctx, "ton-bet", "a")
	if !errors.Is(err, payout.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if p.Status != model.PayoutFailed || p.LastError == "" || p.Attempts != 1 {
		t.Errorf("failed payout = %+v", p)
	}
	if e.bet(t, "ton-bet").Status != model.BetWon {
		t.Errorf("bet should stay won after a failed transfer")
	}

	p, err = e.engine.RetryPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("RetryPayout: %v", err)
	}
	if p.Status != model.PayoutCompleted || p.ExternalPayoutID != "ext-2" || p.Attempts != 2 || p.LastError != "" {
		t.Errorf("retried payout = %+v", p)
	}
	// External payouts leave the platform; no internal balance is credited.
	if got := e.amount(t, "w-ton", "TON"); !got.IsZero() {
		t.Errorf("ton wallet credited internally: %s", got)
	}

	if _, err := e.engine.RetryPayout(ctx, p.ID); !errors.Is(err, model.ErrPayoutNotRetriable) {
		t.Errorf("expected ErrPayoutNotRetriable for a completed payout, got %v", err)
	}
}

func TestExecute_NoProvider(t *testing.T) {
	e := newEnv(t)
	e.addBet(t, model.Bet{ID: "ton-bet", UserID: "carol", WalletID: "w-ton", OutcomeID: "b",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6)})

	sum, err := e.engine.ResolveMarket(context.Background(), "m1", "a")
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if e.bet(t, "ton-bet").Status != model.BetLost {
		t.Errorf("bet should be settled lost even when delivery fails")
	}
}

func TestResolveMarket_ManyBets(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 40; i++ {
		e.addBet(t, model.Bet{ID: fmt.Sprintf("bet-%d", i), UserID: "alice", WalletID: "w-alice",
			OutcomeID: "a", Type: model.BetBuy, Shares: d(2), TotalCost: d(1)})
	}
	sum, err := e.engine.ResolveMarket(context.Background(), "m1", "a")
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if sum.Succeeded != 40 {
		t.Errorf("summary = %+v", sum)
	}
	// 40 × 2 × 0.95
	if got := e.amount(t, "w-alice", "USD"); !got.Equal(d(76)) {
		t.Errorf("balance = %s, want 76", got)
	}
}

func TestCancelMarket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addBet(t, model.Bet{ID: "buy", UserID: "bob", WalletID: "w-bob", OutcomeID: "b",
		Type: model.BetBuy, Shares: d(30), TotalCost: d(20)})
	e.addBet(t, model.Bet{ID: "alice-buy", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetBuy, Shares: d(10), TotalCost: d(6)})
	e.addBet(t, model.Bet{ID: "sell", UserID: "alice", WalletID: "w-alice", OutcomeID: "a",
		Type: model.BetSell, Shares: d(2), TotalCost: d(1.5), NetAmount: d(1.47)})

	sum, err := e.engine.CancelMarket(ctx, "m1", "event postponed")
	if err != nil {
		t.Fatalf("CancelMarket: %v", err)
	}
	if sum.Processed != 3 || sum.Succeeded != 2 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if got := e.amount(t, "w-bob", "USD"); !got.Equal(d(20)) {
		t.Errorf("bob refund = %s, want 20", got)
	}
	// Alice kept the proceeds of 2 shares; the other 8 cost 4.8.
	if got := e.amount(t, "w-alice", "USD"); !got.Equal(d(4.8)) {
		t.Errorf("alice refund = %s, want 4.8", got)
	}
	for _, id := range []string{"buy", "alice-buy", "sell"} {
		if b := e.bet(t, id); b.Status != model.BetRefunded || b.CancelReason != "event postponed" {
			t.Errorf("bet %s = %s %q", id, b.Status, b.CancelReason)
		}
	}

	if _, err := e.engine.CancelMarket(ctx, "m1", ""); !errors.Is(err, model.ErrMarketFinalized) {
		t.Errorf("expected ErrMarketFinalized, got %v", err)
	}
	if _, err := e.engine.ResolveMarket(ctx, "m1", "a"); !errors.Is(err, model.ErrMarketFinalized) {
		t.Errorf("expected ErrMarketFinalized resolving a cancelled market, got %v", err)
	}
}
