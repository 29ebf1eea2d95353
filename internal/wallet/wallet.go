// Package wallet opens user wallets and funds them.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/ledger"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/txlog"
)

// OpenRequest describes a wallet to open.
type OpenRequest struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id" validate:"required"`
	Kind     model.WalletKind `json:"kind" validate:"omitempty,oneof=internal ton telegram"`
	Currency string           `json:"currency" validate:"required,alpha,max=10"`
	Address  string           `json:"address" validate:"required_if=Kind ton"`
}

// Service manages wallets and their balances.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	txlog  *txlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a wallet service.
func NewService(st store.Store, l *ledger.Ledger, log *txlog.Log, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		ledger: l,
		txlog:  log,
		logger: logger.With("component", "wallet"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open creates an active wallet. Kind defaults to internal.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*model.Wallet, error) {
	w := &model.Wallet{
		ID:        req.ID,
		UserID:    req.UserID,
		Kind:      req.Kind,
		Currency:  strings.ToUpper(req.Currency),
		Address:   req.Address,
		Active:    true,
		CreatedAt: s.now(),
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Kind == "" {
		w.Kind = model.WalletInternal
	}
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		return tx.CreateWallet(ctx, w)
	})
	if err != nil {
		return nil, fmt.Errorf("wallet.Open: %w", err)
	}
	s.logger.Info("wallet opened", "id", w.ID, "user", w.UserID, "kind", string(w.Kind), "currency", w.Currency)
	return w, nil
}

// Get returns a wallet.
func (s *Service) Get(ctx context.Context, id string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// Balance returns the wallet's balance in its own currency. A wallet that
// was never funded has a zero balance.
func (s *Service) Balance(ctx context.Context, id string) (*model.Balance, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetBalance(ctx, w.ID, w.Currency)
	if model.IsNotFound(err) {
		return &model.Balance{WalletID: w.ID, Currency: w.Currency}, nil
	}
	return b, err
}

// Deposit credits amount to the wallet and records a completed deposit.
func (s *Service) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*model.Balance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("wallet.Deposit: %w: %s", model.ErrInvalidAmount, amount)
	}
	var balance *model.Balance
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, id)
		if err != nil {
			return err
		}
		if !w.Active {
			return fmt.Errorf("%w: %s", model.ErrWalletInactive, id)
		}
		if balance, err = s.ledger.Credit(ctx, tx, w.ID, w.Currency, amount); err != nil {
			return err
		}
		_, err = s.txlog.Record(ctx, tx, txlog.Entry{
			UserID:    w.UserID,
			WalletID:  w.ID,
			Type:      model.TxDeposit,
			Amount:    amount,
			NetAmount: amount,
			Currency:  w.Currency,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wallet.Deposit: %w", err)
	}
	s.logger.Info("deposit", "wallet", id, "amount", amount.String(), "balance", balance.Amount.String())
	return balance, nil
}
