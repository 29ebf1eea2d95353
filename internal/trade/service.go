// Package trade executes bets against a market's automated market maker:
// placing a bet moves the outcome shares, the user's balance and the
// transaction log together in one unit of work, and cancelling a bet undoes
// all three.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/correlation"
	"github.com/outcomex/market-engine/internal/ledger"
	"github.com/outcomex/market-engine/internal/metrics"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/pricing"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/txlog"
)

// Service places and cancels bets. Concurrent bets on one market serialise
// through the store's unit of work.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	txlog    *txlog.Log
	limiter  *correlation.PositionLimiter // nil disables exposure limits
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new trade service.
// Pass nil for limiter if exposure limits are not needed.
func NewService(st store.Store, l *ledger.Ledger, log *txlog.Log, limiter *correlation.PositionLimiter, n notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		ledger:   l,
		txlog:    log,
		limiter:  limiter,
		notifier: n,
		logger:   logger.With("component", "trade"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBetRequest asks to buy or sell one outcome. Exactly one of Shares and
// Cost must be set; for a SELL, Cost is the gross revenue wanted.
// MaxSlippage, in percent, bounds the price impact the user accepts.
type PlaceBetRequest struct {
	UserID      string              `json:"user_id" validate:"required"`
	MarketID    string              `json:"market_id" validate:"required"`
	OutcomeID   string              `json:"outcome_id" validate:"required"`
	WalletID    string              `json:"wallet_id" validate:"required"`
	Type        model.BetType       `json:"type" validate:"required,oneof=BUY SELL"`
	Shares      decimal.NullDecimal `json:"shares"`
	Cost        decimal.NullDecimal `json:"cost"`
	MaxSlippage decimal.NullDecimal `json:"max_slippage"`
}

// Key identifies the submission as the user sent it: market, outcome,
// direction and the requested shares or cost. Two requests with the same key
// inside the duplicate window are one submission sent twice.
func (r PlaceBetRequest) Key() string {
	amount := "shares=" + r.Shares.Decimal.String()
	if !r.Shares.Valid {
		amount = "cost=" + r.Cost.Decimal.String()
	}
	return fmt.Sprintf("%s/%s/%s/%s", r.MarketID, r.OutcomeID, r.Type, amount)
}

// Result is a placed bet plus the prices it left behind.
type Result struct {
	Bet      *model.Bet                 `json:"bet"`
	Quote    *pricing.Quote             `json:"quote"`
	Balance  *model.Balance             `json:"balance"`
	Prices   map[string]decimal.Decimal `json:"prices"`
	Duration time.Duration              `json:"-"`
}

// Quote prices a trade on the current state of a stored market without
// executing it.
func (s *Service) Quote(ctx context.Context, marketID, outcomeID string, typ model.BetType, shares, cost decimal.NullDecimal) (*pricing.Quote, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return pricing.Calculate(pricing.QuoteRequest{
		State:     m.State(),
		OutcomeID: outcomeID,
		Type:      typ,
		Shares:    shares,
		Cost:      cost,
	})
}

// PlaceBet executes a bet. Every check and write after request validation
// runs in one unit of work; a failure leaves balances, outcomes and the
// transaction log untouched.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*Result, error) {
	start := time.Now()

	if req.Shares.Valid == req.Cost.Valid {
		metrics.BetRejections.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("trade.PlaceBet: %w", model.ErrInvalidQuote)
	}
	if !req.Type.Valid() {
		metrics.BetRejections.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("trade.PlaceBet: %w: %q", model.ErrInvalidBetType, req.Type)
	}
	if req.MaxSlippage.Valid && req.MaxSlippage.Decimal.IsNegative() {
		metrics.BetRejections.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("trade.PlaceBet: %w: max slippage %s", model.ErrInvalidAmount, req.MaxSlippage.Decimal)
	}

	var res Result
	var pm model.PricingModel
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		m, err := s.loadTradable(ctx, tx, req.MarketID, req.OutcomeID)
		if err != nil {
			return err
		}
		pm = m.PricingModel

		wallet, err := s.loadWallet(ctx, tx, req.WalletID, req.UserID)
		if err != nil {
			return err
		}

		q, err := pricing.Calculate(pricing.QuoteRequest{
			State:     m.State(),
			OutcomeID: req.OutcomeID,
			Type:      req.Type,
			Shares:    req.Shares,
			Cost:      req.Cost,
		})
		if err != nil {
			return err
		}

		if req.MaxSlippage.Valid && q.Slippage.Abs().GreaterThan(req.MaxSlippage.Decimal) {
			return fmt.Errorf("%w: %s%% exceeds %s%%", model.ErrSlippageExceeded, q.Slippage.Abs(), req.MaxSlippage.Decimal)
		}

		if err := s.checkPosition(ctx, tx, req, m, q); err != nil {
			return err
		}

		txType := model.TxBetBuy
		if req.Type == model.BetSell {
			txType = model.TxBetSell
		}
		key := req.Key()
		dup, err := s.txlog.HasDuplicate(ctx, tx, req.UserID, req.WalletID, key, txType)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: identical %s within %s", model.ErrDuplicateTransaction, key, s.txlog.Window)
		}

		if req.Type == model.BetBuy {
			if _, err := s.ledger.Lock(ctx, tx, wallet.ID, wallet.Currency, q.TotalCost); err != nil {
				return err
			}
		}

		record, err := s.txlog.Create(ctx, tx, txlog.Entry{
			UserID:      req.UserID,
			WalletID:    wallet.ID,
			Type:        txType,
			Amount:      q.TotalCost,
			NetAmount:   q.NetAmount,
			Fee:         q.Fee,
			Currency:    wallet.Currency,
			Description: fmt.Sprintf("%s %s shares of %s/%s", req.Type, q.Shares, m.ID, req.OutcomeID),
			RequestKey:  key,
		})
		if err != nil {
			return err
		}

		now := s.now()
		bet := &model.Bet{
			ID:              uuid.New().String(),
			UserID:          req.UserID,
			MarketID:        m.ID,
			OutcomeID:       req.OutcomeID,
			WalletID:        wallet.ID,
			TransactionID:   record.ID,
			Type:            req.Type,
			Shares:          q.Shares,
			Price:           q.Price,
			TotalCost:       q.TotalCost,
			Fee:             q.Fee,
			NetAmount:       q.NetAmount,
			PotentialPayout: q.PotentialPayout,
			Status:          model.BetPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.CreateBet(ctx, bet); err != nil {
			return err
		}
		if err := s.txlog.LinkBet(ctx, tx, record.ID, bet.ID); err != nil {
			return err
		}

		m.ApplyState(q.NewState)
		m.TotalVolume = m.TotalVolume.Add(q.TotalCost)
		m.TotalBets++
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		var balance *model.Balance
		if req.Type == model.BetBuy {
			balance, err = s.ledger.Deduct(ctx, tx, wallet.ID, wallet.Currency, q.TotalCost)
		} else {
			balance, err = s.ledger.Credit(ctx, tx, wallet.ID, wallet.Currency, q.NetAmount)
		}
		if err != nil {
			return err
		}

		if _, err := s.txlog.Complete(ctx, tx, record.ID); err != nil {
			return err
		}
		bet.Status = model.BetActive
		if err := tx.UpdateBet(ctx, bet); err != nil {
			return err
		}

		res = Result{Bet: bet, Quote: q, Balance: balance, Prices: q.NewPrices}
		return nil
	})
	if err != nil {
		metrics.BetRejections.WithLabelValues(rejectReason(err)).Inc()
		s.logger.Warn("bet rejected",
			"user", req.UserID,
			"market", req.MarketID,
			"outcome", req.OutcomeID,
			"type", string(req.Type),
			"err", err,
		)
		return nil, fmt.Errorf("trade.PlaceBet: %w", err)
	}

	res.Duration = time.Since(start)
	bet := res.Bet
	metrics.BetsPlaced.WithLabelValues(string(bet.Type), string(pm)).Inc()
	metrics.BetLatency.WithLabelValues(string(bet.Type)).Observe(res.Duration.Seconds())
	metrics.MarketVolume.WithLabelValues(bet.MarketID, string(bet.Type)).Add(bet.TotalCost.InexactFloat64())

	s.logger.Info("bet placed",
		"bet_id", bet.ID,
		"user", bet.UserID,
		"market", bet.MarketID,
		"outcome", bet.OutcomeID,
		"type", string(bet.Type),
		"shares", bet.Shares.String(),
		"price", bet.Price.String(),
		"total_cost", bet.TotalCost.String(),
		"fee", bet.Fee.String(),
		"slippage", res.Quote.Slippage.String(),
	)

	amount := bet.TotalCost
	s.notifier.Notify(ctx, notify.Event{
		Type:      notify.BetPlaced,
		MarketID:  bet.MarketID,
		OutcomeID: bet.OutcomeID,
		UserID:    bet.UserID,
		BetID:     bet.ID,
		Amount:    &amount,
		Prices:    res.Prices,
		Time:      bet.CreatedAt,
	})
	return &res, nil
}

func (s *Service) loadTradable(ctx context.Context, tx store.Tx, marketID, outcomeID string) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.Status.Tradable() {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrMarketNotTradable, m.ID, m.Status)
	}
	if m.EndDate != nil && !s.now().Before(*m.EndDate) {
		return nil, fmt.Errorf("%w: %s ended at %s", model.ErrMarketClosed, m.ID, m.EndDate.Format(time.RFC3339))
	}
	o, ok := m.Outcome(outcomeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", model.ErrOutcomeNotFound, m.ID, outcomeID)
	}
	if o.Resolved {
		return nil, fmt.Errorf("%w: %s/%s", model.ErrOutcomeResolved, m.ID, outcomeID)
	}
	return m, nil
}

func (s *Service) loadWallet(ctx context.Context, tx store.Tx, walletID, userID string) (*model.Wallet, error) {
	w, err := tx.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletForbidden, walletID)
	}
	if !w.Active {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletInactive, walletID)
	}
	return w, nil
}

// checkPosition enforces that sellers hold what they sell and that buyers
// stay within their exposure limits.
func (s *Service) checkPosition(ctx context.Context, tx store.Tx, req PlaceBetRequest, m *model.Market, q *pricing.Quote) error {
	if req.Type == model.BetSell {
		held, err := tx.HeldShares(ctx, req.UserID, m.ID, req.OutcomeID)
		if err != nil {
			return err
		}
		if held.LessThan(q.Shares) {
			return fmt.Errorf("%w: holding %s, selling %s", model.ErrInsufficientShares, held, q.Shares)
		}
		return nil
	}
	if s.limiter == nil {
		return nil
	}
	exposures, err := tx.UserExposure(ctx, req.UserID)
	if err != nil {
		return err
	}
	return s.limiter.CheckLimit(m.ID, m.Category, q.TotalCost, exposures)
}

// CancelBet reverses an open bet: the money returns to where it came from,
// the outcome shares move back and the bet becomes cancelled. Trading
// volume is not reversed.
func (s *Service) CancelBet(ctx context.Context, userID, betID, reason string) (*model.Bet, error) {
	var (
		bet    *model.Bet
		prices map[string]decimal.Decimal
		amount decimal.Decimal
	)
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		bet, err = tx.GetBet(ctx, betID)
		if err != nil {
			return err
		}
		if bet.UserID != userID {
			return fmt.Errorf("%w: %s", model.ErrBetForbidden, betID)
		}
		if !bet.Status.Open() {
			return fmt.Errorf("%w: %s is %s", model.ErrBetNotCancellable, betID, bet.Status)
		}

		m, err := tx.GetMarket(ctx, bet.MarketID)
		if err != nil {
			return err
		}
		if m.Status.Final() {
			return fmt.Errorf("%w: %s is %s", model.ErrMarketFinalized, m.ID, m.Status)
		}
		wallet, err := tx.GetWallet(ctx, bet.WalletID)
		if err != nil {
			return err
		}

		var description string
		if bet.Type == model.BetBuy {
			held, err := tx.HeldShares(ctx, bet.UserID, bet.MarketID, bet.OutcomeID)
			if err != nil {
				return err
			}
			if held.LessThan(bet.Shares) {
				return fmt.Errorf("%w: %s holds %s of %s bought by %s", model.ErrInsufficientShares, bet.UserID, held, bet.Shares, betID)
			}
			amount = bet.TotalCost
			if _, err := s.ledger.Unlock(ctx, tx, wallet.ID, wallet.Currency, amount); err != nil {
				return err
			}
			if _, err := s.ledger.Credit(ctx, tx, wallet.ID, wallet.Currency, amount); err != nil {
				return err
			}
			description = "refund of cancelled buy"
		} else {
			amount = bet.NetAmount
			if _, err := s.ledger.Deduct(ctx, tx, wallet.ID, wallet.Currency, amount); err != nil {
				return err
			}
			description = "reversal of cancelled sell"
		}
		if reason != "" {
			description += ": " + reason
		}
		if _, err := s.txlog.Record(ctx, tx, txlog.Entry{
			UserID:      bet.UserID,
			WalletID:    wallet.ID,
			BetID:       bet.ID,
			Type:        model.TxBetRefund,
			Amount:      amount,
			NetAmount:   amount,
			Currency:    wallet.Currency,
			Description: description,
		}); err != nil {
			return err
		}

		state, err := pricing.Reverse(m.State(), bet.OutcomeID, bet.Shares, bet.Type)
		if err != nil {
			return err
		}
		now := s.now()
		m.ApplyState(state)
		if m.TotalBets > 0 {
			m.TotalBets--
		}
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if prices, err = pricing.Prices(state); err != nil {
			return err
		}

		bet.Status = model.BetCancelled
		bet.CancelReason = reason
		bet.UpdatedAt = now
		return tx.UpdateBet(ctx, bet)
	})
	if err != nil {
		return nil, fmt.Errorf("trade.CancelBet: %w", err)
	}

	metrics.BetsCancelled.WithLabelValues(string(bet.Type)).Inc()
	s.logger.Info("bet cancelled",
		"bet_id", bet.ID,
		"user", bet.UserID,
		"market", bet.MarketID,
		"type", string(bet.Type),
		"amount", amount.String(),
		"reason", reason,
	)
	s.notifier.Notify(ctx, notify.Event{
		Type:      notify.BetCancelled,
		MarketID:  bet.MarketID,
		OutcomeID: bet.OutcomeID,
		UserID:    bet.UserID,
		BetID:     bet.ID,
		Amount:    &amount,
		Prices:    prices,
		Time:      bet.UpdatedAt,
	})
	return bet, nil
}

// rejectReason labels a failed placement for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, model.ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, model.ErrExposureLimit):
		return "position_limit"
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientShares):
		return "funds"
	case model.IsNotFound(err), model.IsForbidden(err):
		return "lookup"
	case model.IsBadRequest(err):
		return "validation"
	default:
		return "internal"
	}
}
