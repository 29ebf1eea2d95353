// Package notify publishes engine events to interested parties. Delivery is
// best effort: a slow or absent consumer never blocks a bet or a payout.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an engine event.
type EventType string

const (
	BetPlaced       EventType = "bet:placed"
	BetCancelled    EventType = "bet:cancelled"
	MarketCreated   EventType = "market:created"
	MarketResolved  EventType = "market:resolved"
	MarketCancelled EventType = "market:cancelled"
	PayoutCompleted EventType = "payout:completed"
	PayoutFailed    EventType = "payout:failed"
)

// Event is one engine event. Prices carries the per-outcome prices after the
// change when it moved them.
type Event struct {
	Type      EventType                  `json:"type"`
	MarketID  string                     `json:"market_id"`
	OutcomeID string                     `json:"outcome_id,omitempty"`
	UserID    string                     `json:"user_id,omitempty"`
	BetID     string                     `json:"bet_id,omitempty"`
	PayoutID  string                     `json:"payout_id,omitempty"`
	Amount    *decimal.Decimal           `json:"amount,omitempty"`
	Prices    map[string]decimal.Decimal `json:"prices,omitempty"`
	Time      time.Time                  `json:"time"`
}

// Notifier receives engine events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// Logger writes events to a structured logger at debug level.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Notify(ctx context.Context, e Event) {
	attrs := []any{"type", string(e.Type), "market", e.MarketID}
	if e.BetID != "" {
		attrs = append(attrs, "bet", e.BetID)
	}
	if e.PayoutID != "" {
		attrs = append(attrs, "payout", e.PayoutID)
	}
	if e.Amount != nil {
		attrs = append(attrs, "amount", e.Amount.String())
	}
	l.Log.DebugContext(ctx, "event", attrs...)
}
