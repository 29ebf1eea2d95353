package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedMarket(t *testing.T, ms *store.MemoryStore, id, category string) {
	t.Helper()
	err := ms.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.CreateMarket(context.Background(), &model.Market{
			ID:           id,
			Title:        "Test " + id,
			Category:     category,
			PricingModel: model.PricingLMSR,
			Liquidity:    d(100),
			Status:       model.MarketActive,
			Outcomes: []model.Outcome{
				{ID: "yes", MarketID: id, Label: "Yes", Position: 0},
				{ID: "no", MarketID: id, Label: "No", Position: 1},
			},
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func TestAtomically_RollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "sports")

	boom := errors.New("boom")
	err := ms.Atomically(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.Outcomes[0].Shares = d(42)
		m.TotalBets = 7
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if err := tx.SaveBalance(ctx, &model.Balance{WalletID: "w1", Currency: "USD", Amount: d(10)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	m, err := ms.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.Outcomes[0].Shares.IsZero() || m.TotalBets != 0 {
		t.Errorf("market write survived rollback: shares=%s bets=%d", m.Outcomes[0].Shares, m.TotalBets)
	}
	if _, err := ms.GetBalance(ctx, "w1", "USD"); !errors.Is(err, model.ErrBalanceNotFound) {
		t.Errorf("balance write survived rollback: %v", err)
	}
}

func TestGetMarket_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "")

	m, _ := ms.GetMarket(ctx, "m1")
	m.Outcomes[0].Shares = d(99)

	again, _ := ms.GetMarket(ctx, "m1")
	if !again.Outcomes[0].Shares.IsZero() {
		t.Error("mutating a returned market changed the stored one")
	}
}

func TestNotFoundErrors(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetMarket(ctx, "nope"); !model.IsNotFound(err) {
		t.Errorf("market: expected not found, got %v", err)
	}
	if _, err := ms.GetWallet(ctx, "nope"); !model.IsNotFound(err) {
		t.Errorf("wallet: expected not found, got %v", err)
	}
	if _, err := ms.GetBet(ctx, "nope"); !model.IsNotFound(err) {
		t.Errorf("bet: expected not found, got %v", err)
	}
	if _, err := ms.GetPayout(ctx, "nope"); !model.IsNotFound(err) {
		t.Errorf("payout: expected not found, got %v", err)
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1", "")
	err := ms.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.CreateMarket(context.Background(), &model.Market{ID: "m1"})
	})
	if !errors.Is(err, model.ErrMarketExists) {
		t.Errorf("expected ErrMarketExists, got %v", err)
	}
}

func TestCreatePayout_OneLivePayoutPerBet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.Atomically(ctx, func(tx store.Tx) error {
		return tx.CreatePayout(ctx, &model.Payout{ID: "p1", BetID: "b1", Status: model.PayoutPending})
	})
	if err != nil {
		t.Fatalf("first payout: %v", err)
	}

	err = ms.Atomically(ctx, func(tx store.Tx) error {
		return tx.CreatePayout(ctx, &model.Payout{ID: "p2", BetID: "b1", Status: model.PayoutPending})
	})
	if !errors.Is(err, model.ErrPayoutExists) {
		t.Fatalf("expected ErrPayoutExists, got %v", err)
	}

	// A failed payout no longer blocks a new one.
	err = ms.Atomically(ctx, func(tx store.Tx) error {
		p, err := tx.GetPayout(ctx, "p1")
		if err != nil {
			return err
		}
		p.Status = model.PayoutFailed
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		return tx.CreatePayout(ctx, &model.Payout{ID: "p3", BetID: "b1", Status: model.PayoutPending})
	})
	if err != nil {
		t.Fatalf("payout after failure: %v", err)
	}

	err = ms.Atomically(ctx, func(tx store.Tx) error {
		live, err := tx.GetLivePayoutByBet(ctx, "b1")
		if err != nil {
			return err
		}
		if live.ID != "p3" {
			t.Errorf("live payout = %s, want p3", live.ID)
		}
		// Reviving the failed payout would create a second live one.
		p, _ := tx.GetPayout(ctx, "p1")
		p.Status = model.PayoutProcessing
		if err := tx.UpdatePayout(ctx, p); !errors.Is(err, model.ErrPayoutExists) {
			t.Errorf("expected ErrPayoutExists reviving p1, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHasRecentTransaction(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := ms.Atomically(ctx, func(tx store.Tx) error {
		for _, txn := range []*model.Transaction{
			{ID: "t1", UserID: "u1", WalletID: "w1", Type: model.TxBetBuy, Status: model.TxCompleted, Amount: d(5.1), RequestKey: "m1/yes/BUY/shares=10", CreatedAt: now.Add(-2 * time.Second)},
			{ID: "t2", UserID: "u1", WalletID: "w1", Type: model.TxBetBuy, Status: model.TxFailed, Amount: d(20), RequestKey: "m1/yes/BUY/shares=20", CreatedAt: now},
			{ID: "t3", UserID: "u1", WalletID: "w1", Type: model.TxBetBuy, Status: model.TxCompleted, Amount: d(30), RequestKey: "m1/yes/BUY/shares=30", CreatedAt: now.Add(-time.Minute)},
		} {
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	since := now.Add(-5 * time.Second)
	query := func(user string, typ model.TransactionType, key string) store.DuplicateQuery {
		return store.DuplicateQuery{UserID: user, WalletID: "w1", Type: typ, RequestKey: key, Since: since}
	}
	tests := []struct {
		name string
		q    store.DuplicateQuery
		want bool
	}{
		{"recent completed", query("u1", model.TxBetBuy, "m1/yes/BUY/shares=10"), true},
		{"failed ignored", query("u1", model.TxBetBuy, "m1/yes/BUY/shares=20"), false},
		{"too old", query("u1", model.TxBetBuy, "m1/yes/BUY/shares=30"), false},
		{"other type", query("u1", model.TxBetSell, "m1/yes/BUY/shares=10"), false},
		{"other user", query("u2", model.TxBetBuy, "m1/yes/BUY/shares=10"), false},
		{"other request", query("u1", model.TxBetBuy, "m2/yes/BUY/shares=10"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			_ = ms.Atomically(ctx, func(tx store.Tx) error {
				var err error
				got, err = tx.HasRecentTransaction(ctx, tt.q)
				return err
			})
			if got != tt.want {
				t.Errorf("HasRecentTransaction = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeldSharesAndExposure(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "sports")
	seedMarket(t, ms, "m2", "sports")

	bets := []*model.Bet{
		{ID: "b1", UserID: "u1", MarketID: "m1", OutcomeID: "yes", Type: model.BetBuy, Shares: d(10), TotalCost: d(6), Status: model.BetActive},
		{ID: "b2", UserID: "u1", MarketID: "m1", OutcomeID: "yes", Type: model.BetSell, Shares: d(4), TotalCost: d(2), Status: model.BetActive},
		{ID: "b3", UserID: "u1", MarketID: "m1", OutcomeID: "yes", Type: model.BetBuy, Shares: d(5), TotalCost: d(3), Status: model.BetCancelled},
		{ID: "b4", UserID: "u1", MarketID: "m2", OutcomeID: "yes", Type: model.BetBuy, Shares: d(8), TotalCost: d(4), Status: model.BetPending},
		{ID: "b5", UserID: "u2", MarketID: "m1", OutcomeID: "yes", Type: model.BetBuy, Shares: d(50), TotalCost: d(30), Status: model.BetActive},
		{ID: "b6", UserID: "u1", MarketID: "m1", OutcomeID: "yes", Type: model.BetBuy, Shares: d(2), TotalCost: d(1), Status: model.BetWon},
	}
	err := ms.Atomically(ctx, func(tx store.Tx) error {
		for _, b := range bets {
			if err := tx.CreateBet(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = ms.Atomically(ctx, func(tx store.Tx) error {
		held, err := tx.HeldShares(ctx, "u1", "m1", "yes")
		if err != nil {
			t.Fatal(err)
		}
		if !held.Equal(d(6)) {
			t.Errorf("held = %s, want 6", held)
		}

		// Settled bets still count toward the position; cancelled ones do not.
		pos, err := tx.Position(ctx, "u1", "m1", "yes")
		if err != nil {
			t.Fatal(err)
		}
		if !pos.Bought.Equal(d(12)) || !pos.Sold.Equal(d(4)) || !pos.Held().Equal(d(8)) {
			t.Errorf("position = %+v, want bought 12 sold 4", pos)
		}

		exposures, err := tx.UserExposure(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		got := make(map[string]decimal.Decimal)
		for _, e := range exposures {
			if e.Category != "sports" {
				t.Errorf("exposure %s category = %q", e.MarketID, e.Category)
			}
			got[e.MarketID] = e.Amount
		}
		if !got["m1"].Equal(d(6)) || !got["m2"].Equal(d(4)) {
			t.Errorf("exposure = %v, want m1=6 m2=4", got)
		}

		open, err := tx.ListOpenBets(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if len(open) != 3 {
			t.Errorf("open bets on m1 = %d, want 3", len(open))
		}
		return nil
	})
}

func TestCreateResolution_OnePerMarket(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	create := func(id string) error {
		return ms.Atomically(ctx, func(tx store.Tx) error {
			return tx.CreateResolution(ctx, &model.Resolution{ID: id, MarketID: "m1", Status: model.ResolutionPending})
		})
	}
	if err := create("r1"); err != nil {
		t.Fatal(err)
	}
	if err := create("r2"); !errors.Is(err, model.ErrResolutionExists) {
		t.Errorf("expected ErrResolutionExists, got %v", err)
	}

	err := ms.Atomically(ctx, func(tx store.Tx) error {
		r, err := tx.GetMarketResolution(ctx, "m1")
		if err != nil {
			return err
		}
		r.Status = model.ResolutionConfirmed
		return tx.UpdateResolution(ctx, r)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := create("r3"); !errors.Is(err, model.ErrResolutionExists) {
		t.Errorf("expected ErrResolutionExists after confirmation, got %v", err)
	}
}
