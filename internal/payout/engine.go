package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/outcomex/market-engine/internal/ledger"
	"github.com/outcomex/market-engine/internal/metrics"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/payment"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/txlog"
)

// ErrTransferFailed is returned when a payout could not be delivered. The
// payout is left failed and can be retried.
var ErrTransferFailed = errors.New("payout: transfer failed")

// DefaultConcurrency bounds the bets settled at once for one market.
const DefaultConcurrency = 8

// Config tunes the engine. Winnings are charged the fee rate of their
// market.
type Config struct {
	RefundRate  decimal.Decimal
	Concurrency int
}

// Engine resolves markets and delivers payouts.
type Engine struct {
	store       store.Store
	ledger      *ledger.Ledger
	txlog       *txlog.Log
	providers   *payment.Registry
	refundRate  decimal.Decimal
	concurrency int
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a payout engine. providers may be nil when only
// internal wallets are in use.
func NewEngine(st store.Store, l *ledger.Ledger, log *txlog.Log, providers *payment.Registry, cfg Config, n notify.Notifier, logger *slog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if providers == nil {
		providers = payment.NewRegistry()
	}
	return &Engine{
		store:       st,
		ledger:      l,
		txlog:       log,
		providers:   providers,
		refundRate:  cfg.RefundRate,
		concurrency: cfg.Concurrency,
		notifier:    n,
		logger:      logger.With("component", "payout"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Summary counts the bets handled by a resolution or cancellation.
// Skipped bets were settled without a payout.
type Summary struct {
	MarketID  string `json:"market_id"`
	OutcomeID string `json:"outcome_id,omitempty"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// ResolveMarket marks outcomeID the winner and settles every open bet. Bets
// are settled concurrently and independently: one bet failing does not stop
// or undo the others. Calling it again with the same outcome settles any bet
// left open by an interrupted run.
func (e *Engine) ResolveMarket(ctx context.Context, marketID, outcomeID string) (*Summary, error) {
	var (
		bets       []model.Bet
		transition bool
	)
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if _, ok := m.Outcome(outcomeID); !ok {
			return fmt.Errorf("%w: %s/%s", model.ErrOutcomeNotFound, marketID, outcomeID)
		}
		switch {
		case m.Status == model.MarketResolved && m.ResolvedOutcomeID == outcomeID:
			// Re-entry; settle whatever is still open.
		case m.Status.Final():
			return fmt.Errorf("%w: %s is %s", model.ErrMarketFinalized, m.ID, m.Status)
		default:
			now := e.now()
			transition = true
			m.Status = model.MarketResolved
			m.ResolvedOutcomeID = outcomeID
			m.ResolvedAt = &now
			m.UpdatedAt = now
			for i := range m.Outcomes {
				m.Outcomes[i].Resolved = true
				m.Outcomes[i].Winner = m.Outcomes[i].ID == outcomeID
			}
			if err := tx.UpdateMarket(ctx, m); err != nil {
				return err
			}
		}
		bets, err = tx.ListOpenBets(ctx, marketID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("payout.ResolveMarket: %w", err)
	}

	if transition {
		metrics.ActiveMarkets.Dec()
		metrics.MarketsResolved.WithLabelValues(string(model.MarketResolved)).Inc()
	}

	sum := &Summary{MarketID: marketID, OutcomeID: outcomeID, Processed: len(bets)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, bet := range bets {
		betID := bet.ID
		g.Go(func() error {
			p, err := e.ProcessBet(ctx, betID, outcomeID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				sum.Failed++
				e.logger.Error("bet settlement failed", "market", marketID, "bet_id", betID, "err", err)
			case p == nil:
				sum.Skipped++
			default:
				sum.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("market resolved",
		"market", marketID,
		"outcome", outcomeID,
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
	)
	e.notifier.Notify(ctx, notify.Event{
		Type:      notify.MarketResolved,
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Time:      e.now(),
	})
	return sum, nil
}

// ProcessBet settles one bet against the winning outcome and executes the
// resulting payout. It returns a nil payout when nothing is owed. A bet that
// already has a live payout fails with model.ErrPayoutExists.
func (e *Engine) ProcessBet(ctx context.Context, betID, winner string) (*model.Payout, error) {
	var p *model.Payout
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		if live, err := tx.GetLivePayoutByBet(ctx, betID); err == nil {
			return fmt.Errorf("%w: %s has payout %s", model.ErrPayoutExists, betID, live.ID)
		} else if !model.IsNotFound(err) {
			return err
		}

		bet, err := tx.GetBet(ctx, betID)
		if err != nil {
			return err
		}
		if !bet.Status.Open() {
			return fmt.Errorf("%w: %s is %s", model.ErrBetSettled, betID, bet.Status)
		}
		m, err := tx.GetMarket(ctx, bet.MarketID)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, bet.UserID, bet.MarketID, bet.OutcomeID)
		if err != nil {
			return err
		}

		s := Settle(*bet, pos, winner, Rates{FeeRate: m.FeeRate, RefundRate: e.refundRate})
		now := e.now()
		bet.Status = model.BetLost
		if s.Won {
			bet.Status = model.BetWon
		}
		bet.SettledAt = &now
		bet.UpdatedAt = now
		if err := tx.UpdateBet(ctx, bet); err != nil {
			return err
		}
		if !s.Due() {
			return nil
		}

		wallet, err := tx.GetWallet(ctx, bet.WalletID)
		if err != nil {
			return err
		}
		p = &model.Payout{
			ID:          uuid.New().String(),
			UserID:      bet.UserID,
			BetID:       bet.ID,
			MarketID:    bet.MarketID,
			WalletID:    wallet.ID,
			Kind:        s.Kind,
			GrossAmount: s.Gross,
			Fee:         s.Fee,
			Amount:      s.Net,
			Currency:    wallet.Currency,
			Status:      model.PayoutPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.CreatePayout(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("payout.ProcessBet: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	return e.Execute(ctx, p.ID)
}

// Execute delivers a pending payout. Internal wallets are credited in one
// unit of work. External wallets are marked processing, paid through their
// provider with no unit of work open, and finished in a second unit.
func (e *Engine) Execute(ctx context.Context, payoutID string) (*model.Payout, error) {
	var (
		p      *model.Payout
		wallet *model.Wallet
	)
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if p, err = tx.GetPayout(ctx, payoutID); err != nil {
			return err
		}
		if p.Status != model.PayoutPending {
			return fmt.Errorf("%w: %s is %s", model.ErrPayoutNotRetriable, p.ID, p.Status)
		}
		if wallet, err = tx.GetWallet(ctx, p.WalletID); err != nil {
			return err
		}
		p.Attempts++
		p.UpdatedAt = e.now()
		if wallet.Kind.External() {
			p.Status = model.PayoutProcessing
			return tx.UpdatePayout(ctx, p)
		}
		if _, err := e.ledger.Credit(ctx, tx, wallet.ID, p.Currency, p.Amount); err != nil {
			return err
		}
		return e.complete(ctx, tx, p, "")
	})
	if err != nil {
		if p == nil || p.Status != model.PayoutPending {
			return nil, fmt.Errorf("payout.Execute: %w", err)
		}
		return e.fail(ctx, payoutID, err)
	}
	if p.Status == model.PayoutCompleted {
		e.delivered(ctx, p)
		return p, nil
	}

	externalID, err := e.transfer(ctx, p, wallet)
	if err != nil {
		return e.fail(ctx, payoutID, err)
	}
	err = e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if p, err = tx.GetPayout(ctx, payoutID); err != nil {
			return err
		}
		if p.Status != model.PayoutProcessing {
			return fmt.Errorf("%w: %s moved to %s during transfer", model.ErrPayoutNotRetriable, p.ID, p.Status)
		}
		p.UpdatedAt = e.now()
		return e.complete(ctx, tx, p, externalID)
	})
	if err != nil {
		return nil, fmt.Errorf("payout.Execute: %w", err)
	}
	e.delivered(ctx, p)
	return p, nil
}

func (e *Engine) transfer(ctx context.Context, p *model.Payout, wallet *model.Wallet) (string, error) {
	provider, err := e.providers.For(wallet.Kind)
	if err != nil {
		return "", err
	}
	return provider.Transfer(ctx, payment.TransferRequest{
		PayoutID: p.ID,
		UserID:   p.UserID,
		WalletID: wallet.ID,
		Kind:     wallet.Kind,
		Address:  wallet.Address,
		Amount:   p.Amount,
		Currency: p.Currency,
	})
}

// complete marks p completed and records the money movement.
func (e *Engine) complete(ctx context.Context, tx store.Tx, p *model.Payout, externalID string) error {
	typ := model.TxPayout
	if p.Kind == model.PayoutConsolation {
		typ = model.TxRefund
	}
	if _, err := e.txlog.Record(ctx, tx, txlog.Entry{
		UserID:      p.UserID,
		WalletID:    p.WalletID,
		BetID:       p.BetID,
		PayoutID:    p.ID,
		Type:        typ,
		Amount:      p.GrossAmount,
		NetAmount:   p.Amount,
		Fee:         p.Fee,
		Currency:    p.Currency,
		Description: fmt.Sprintf("%s for bet %s", p.Kind, p.BetID),
	}); err != nil {
		return err
	}
	now := e.now()
	p.Status = model.PayoutCompleted
	p.ExternalPayoutID = externalID
	p.LastError = ""
	p.CompletedAt = &now
	return tx.UpdatePayout(ctx, p)
}

func (e *Engine) delivered(ctx context.Context, p *model.Payout) {
	metrics.Payouts.WithLabelValues(string(p.Kind), string(p.Status)).Inc()
	e.logger.Info("payout completed",
		"payout_id", p.ID,
		"bet_id", p.BetID,
		"user", p.UserID,
		"kind", string(p.Kind),
		"amount", p.Amount.String(),
		"external_id", p.ExternalPayoutID,
	)
	amount := p.Amount
	e.notifier.Notify(ctx, notify.Event{
		Type:     notify.PayoutCompleted,
		MarketID: p.MarketID,
		UserID:   p.UserID,
		BetID:    p.BetID,
		PayoutID: p.ID,
		Amount:   &amount,
		Time:     e.now(),
	})
}

// fail records cause on the payout in its own unit of work, leaving it
// failed for RetryPayout.
func (e *Engine) fail(ctx context.Context, payoutID string, cause error) (*model.Payout, error) {
	var p *model.Payout
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if p, err = tx.GetPayout(ctx, payoutID); err != nil {
			return err
		}
		if p.Status == model.PayoutPending {
			p.Attempts++
		}
		p.Status = model.PayoutFailed
		p.LastError = cause.Error()
		p.UpdatedAt = e.now()
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("payout.Execute: %w (after %v)", err, cause)
	}

	metrics.Payouts.WithLabelValues(string(p.Kind), string(p.Status)).Inc()
	e.logger.Error("payout failed",
		"payout_id", p.ID,
		"bet_id", p.BetID,
		"attempts", p.Attempts,
		"err", cause,
	)
	amount := p.Amount
	e.notifier.Notify(ctx, notify.Event{
		Type:     notify.PayoutFailed,
		MarketID: p.MarketID,
		UserID:   p.UserID,
		BetID:    p.BetID,
		PayoutID: p.ID,
		Amount:   &amount,
		Time:     e.now(),
	})
	return p, fmt.Errorf("payout.Execute: %w: %v", ErrTransferFailed, cause)
}

// RetryPayout resets a failed or stuck processing payout to pending and
// executes it again. Providers receive the payout ID as idempotency key, so
// a processing payout whose transfer did land is not paid twice.
func (e *Engine) RetryPayout(ctx context.Context, payoutID string) (*model.Payout, error) {
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		p, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != model.PayoutFailed && p.Status != model.PayoutProcessing {
			return fmt.Errorf("%w: %s is %s", model.ErrPayoutNotRetriable, p.ID, p.Status)
		}
		p.Status = model.PayoutPending
		p.UpdatedAt = e.now()
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("payout.RetryPayout: %w", err)
	}
	e.logger.Info("payout retry", "payout_id", payoutID)
	return e.Execute(ctx, payoutID)
}

// CancelMarket voids a market that will not be resolved. Open BUY bets get
// back the cost of the shares their owner still holds; open SELL bets keep
// the proceeds already received. Every open bet ends refunded.
func (e *Engine) CancelMarket(ctx context.Context, marketID, reason string) (*Summary, error) {
	sum := &Summary{MarketID: marketID}
	refunded := decimal.Zero
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status.Final() {
			return fmt.Errorf("%w: %s is %s", model.ErrMarketFinalized, m.ID, m.Status)
		}
		now := e.now()
		m.Status = model.MarketCancelled
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		bets, err := tx.ListOpenBets(ctx, marketID)
		if err != nil {
			return err
		}
		sum.Processed = len(bets)
		positions := make(map[[2]string]model.Position)
		for _, bet := range bets {
			key := [2]string{bet.UserID, bet.OutcomeID}
			pos := positions[key]
			if bet.Type == model.BetBuy {
				pos.Bought = pos.Bought.Add(bet.Shares)
			} else {
				pos.Sold = pos.Sold.Add(bet.Shares)
			}
			positions[key] = pos
		}
		for i := range bets {
			bet := &bets[i]
			refund := Refund(*bet, positions[[2]string{bet.UserID, bet.OutcomeID}])
			if refund.IsPositive() {
				wallet, err := tx.GetWallet(ctx, bet.WalletID)
				if err != nil {
					return err
				}
				if _, err := e.ledger.Credit(ctx, tx, wallet.ID, wallet.Currency, refund); err != nil {
					return err
				}
				desc := "market cancelled"
				if reason != "" {
					desc += ": " + reason
				}
				if _, err := e.txlog.Record(ctx, tx, txlog.Entry{
					UserID:      bet.UserID,
					WalletID:    wallet.ID,
					BetID:       bet.ID,
					Type:        model.TxRefund,
					Amount:      refund,
					NetAmount:   refund,
					Currency:    wallet.Currency,
					Description: desc,
				}); err != nil {
					return err
				}
				refunded = refunded.Add(refund)
				sum.Succeeded++
			} else {
				sum.Skipped++
			}
			bet.Status = model.BetRefunded
			bet.CancelReason = reason
			bet.SettledAt = &now
			bet.UpdatedAt = now
			if err := tx.UpdateBet(ctx, bet); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payout.CancelMarket: %w", err)
	}

	metrics.ActiveMarkets.Dec()
	metrics.MarketsResolved.WithLabelValues(string(model.MarketCancelled)).Inc()
	e.logger.Info("market cancelled",
		"market", marketID,
		"bets", sum.Processed,
		"refunded", refunded.String(),
		"reason", reason,
	)
	e.notifier.Notify(ctx, notify.Event{
		Type:     notify.MarketCancelled,
		MarketID: marketID,
		Amount:   &refunded,
		Time:     e.now(),
	})
	return sum, nil
}
