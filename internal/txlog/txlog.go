// Package txlog records money movements. Transactions start pending and end
// completed, cancelled or failed. Completed and cancelled rows are history
// and never change again.
package txlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/store"
)

// DefaultWindow is the trailing period in which an identical submission is
// treated as a duplicate.
const DefaultWindow = 5 * time.Second

// ErrFinal is returned when a completed or cancelled transaction would be
// changed.
var ErrFinal = errors.New("transaction already final")

// Log writes transactions through a store.Tx.
type Log struct {
	Window time.Duration
	now    func() time.Time
}

// New creates a log with the default duplicate window.
func New() *Log {
	return &Log{Window: DefaultWindow, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock creates a log with a custom clock, for tests.
func NewWithClock(window time.Duration, now func() time.Time) *Log {
	return &Log{Window: window, now: now}
}

// Entry describes a transaction to record.
type Entry struct {
	UserID      string
	WalletID    string
	BetID       string
	PayoutID    string
	Type        model.TransactionType
	Amount      decimal.Decimal
	NetAmount   decimal.Decimal
	Fee         decimal.Decimal
	Currency    string
	Description string
	RequestKey  string
}

// Create inserts a pending transaction.
func (l *Log) Create(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	t := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      e.UserID,
		WalletID:    e.WalletID,
		BetID:       e.BetID,
		PayoutID:    e.PayoutID,
		Type:        e.Type,
		Status:      model.TxPending,
		Amount:      e.Amount,
		NetAmount:   e.NetAmount,
		Fee:         e.Fee,
		Currency:    e.Currency,
		Description: e.Description,
		RequestKey:  e.RequestKey,
		CreatedAt:   l.now(),
	}
	if err := tx.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("txlog.Create: %w", err)
	}
	return t, nil
}

// Record inserts a transaction that is already completed.
func (l *Log) Record(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	t, err := l.Create(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	return l.Complete(ctx, tx, t.ID)
}

// Complete marks a pending transaction completed.
func (l *Log) Complete(ctx context.Context, tx store.Tx, id string) (*model.Transaction, error) {
	return l.finish(ctx, tx, id, model.TxCompleted, "")
}

// Cancel marks a pending transaction cancelled.
func (l *Log) Cancel(ctx context.Context, tx store.Tx, id, reason string) (*model.Transaction, error) {
	return l.finish(ctx, tx, id, model.TxCancelled, reason)
}

// Fail marks a pending transaction failed.
func (l *Log) Fail(ctx context.Context, tx store.Tx, id, reason string) (*model.Transaction, error) {
	return l.finish(ctx, tx, id, model.TxFailed, reason)
}

func (l *Log) finish(ctx context.Context, tx store.Tx, id string, status model.TransactionStatus, note string) (*model.Transaction, error) {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("txlog: %w", err)
	}
	if t.Status.Final() {
		return nil, fmt.Errorf("txlog: %w: %s is %s", ErrFinal, id, t.Status)
	}
	now := l.now()
	t.Status = status
	t.ProcessedAt = &now
	if note != "" {
		t.Description = note
	}
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("txlog: %w", err)
	}
	return t, nil
}

// LinkBet attaches a bet to a transaction.
func (l *Log) LinkBet(ctx context.Context, tx store.Tx, id, betID string) error {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("txlog.LinkBet: %w", err)
	}
	t.BetID = betID
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return fmt.Errorf("txlog.LinkBet: %w", err)
	}
	return nil
}

// HasDuplicate reports whether a pending or completed transaction of the
// same user, wallet and type was recorded for the same request key inside
// the window. The key carries the amount as submitted.
func (l *Log) HasDuplicate(ctx context.Context, tx store.Tx, userID, walletID, key string, typ model.TransactionType) (bool, error) {
	if key == "" {
		return false, nil
	}
	dup, err := tx.HasRecentTransaction(ctx, store.DuplicateQuery{
		UserID:     userID,
		WalletID:   walletID,
		Type:       typ,
		RequestKey: key,
		Since:      l.now().Add(-l.Window),
	})
	if err != nil {
		return false, fmt.Errorf("txlog.HasDuplicate: %w", err)
	}
	return dup, nil
}
