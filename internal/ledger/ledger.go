// Package ledger implements the per-wallet, per-currency balance operations.
// Every operation runs inside the caller's unit of work so balance changes
// commit or roll back together with the bet, outcome and market rows they
// accompany.
//
// Invariant: 0 ≤ LockedAmount ≤ Amount for every row.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/store"
)

// Ledger mutates balance rows through a store.Tx.
type Ledger struct {
	now func() time.Time
}

// New creates a ledger stamping rows with the wall clock.
func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock creates a ledger with a custom clock, for tests.
func NewWithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

func checkAmount(op string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger.%s: %w: %s", op, model.ErrInvalidAmount, amount)
	}
	return nil
}

// load returns the row or, when missing, a zero row that has not been saved.
func (l *Ledger) load(ctx context.Context, tx store.Tx, walletID, currency string) (*model.Balance, bool, error) {
	b, err := tx.GetBalance(ctx, walletID, currency)
	if model.IsNotFound(err) {
		return &model.Balance{WalletID: walletID, Currency: currency}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l *Ledger) save(ctx context.Context, tx store.Tx, b *model.Balance) (*model.Balance, error) {
	b.UpdatedAt = l.now()
	if err := tx.SaveBalance(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Lock reserves amount of the available balance.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, walletID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := checkAmount("Lock", amount); err != nil {
		return nil, err
	}
	b, _, err := l.load(ctx, tx, walletID, currency)
	if err != nil {
		return nil, fmt.Errorf("ledger.Lock: %w", err)
	}
	if b.Available().LessThan(amount) {
		return nil, fmt.Errorf("ledger.Lock: %w: available %s, requested %s",
			model.ErrInsufficientFunds, b.Available(), amount)
	}
	if amount.IsZero() {
		return b, nil
	}
	b.LockedAmount = b.LockedAmount.Add(amount)
	return l.save(ctx, tx, b)
}

// Unlock releases up to amount of the locked balance. Releasing more than is
// locked floors at zero, so rollback paths may unlock blindly.
func (l *Ledger) Unlock(ctx context.Context, tx store.Tx, walletID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := checkAmount("Unlock", amount); err != nil {
		return nil, err
	}
	b, exists, err := l.load(ctx, tx, walletID, currency)
	if err != nil {
		return nil, fmt.Errorf("ledger.Unlock: %w", err)
	}
	if !exists || amount.IsZero() || b.LockedAmount.IsZero() {
		return b, nil
	}
	b.LockedAmount = b.LockedAmount.Sub(decimal.Min(amount, b.LockedAmount))
	return l.save(ctx, tx, b)
}

// Deduct debits amount from the total and releases the matching lock.
func (l *Ledger) Deduct(ctx context.Context, tx store.Tx, walletID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := checkAmount("Deduct", amount); err != nil {
		return nil, err
	}
	b, _, err := l.load(ctx, tx, walletID, currency)
	if err != nil {
		return nil, fmt.Errorf("ledger.Deduct: %w", err)
	}
	if b.Amount.LessThan(amount) {
		return nil, fmt.Errorf("ledger.Deduct: %w: balance %s, requested %s",
			model.ErrInsufficientFunds, b.Amount, amount)
	}
	if amount.IsZero() {
		return b, nil
	}
	b.Amount = b.Amount.Sub(amount)
	b.LockedAmount = b.LockedAmount.Sub(decimal.Min(amount, b.LockedAmount))
	// A debit of unlocked funds can leave the remaining lock above the total.
	if b.LockedAmount.GreaterThan(b.Amount) {
		b.LockedAmount = b.Amount
	}
	return l.save(ctx, tx, b)
}

// Credit adds amount, creating the row with nothing locked if absent.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, walletID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := checkAmount("Credit", amount); err != nil {
		return nil, err
	}
	b, exists, err := l.load(ctx, tx, walletID, currency)
	if err != nil {
		return nil, fmt.Errorf("ledger.Credit: %w", err)
	}
	if exists && amount.IsZero() {
		return b, nil
	}
	b.Amount = b.Amount.Add(amount)
	return l.save(ctx, tx, b)
}
