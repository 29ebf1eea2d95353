package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/metrics"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/pricing"
	"github.com/outcomex/market-engine/internal/store"
)

// Service creates markets and answers market and price queries.
type Service struct {
	store    store.Store
	defaults Defaults
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a market service.
func NewService(st store.Store, defaults Defaults, n notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		defaults: defaults,
		notifier: n,
		logger:   logger.With("component", "market"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create validates def and persists the new market.
func (s *Service) Create(ctx context.Context, def Definition) (*model.Market, error) {
	m, err := Build(def, s.defaults, s.now())
	if err != nil {
		return nil, fmt.Errorf("market.Create: %w", err)
	}
	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("market.Create: %w", err)
	}

	metrics.ActiveMarkets.Inc()
	s.logger.Info("market created",
		"id", m.ID,
		"model", string(m.PricingModel),
		"outcomes", len(m.Outcomes),
		"liquidity", m.Liquidity.String(),
		"fee_rate", m.FeeRate.String(),
	)
	prices, _ := pricing.Prices(m.State())
	s.notifier.Notify(ctx, notify.Event{
		Type:     notify.MarketCreated,
		MarketID: m.ID,
		Prices:   prices,
		Time:     m.CreatedAt,
	})
	return m, nil
}

// SyncActiveMarkets sets the active market gauge from the store and returns
// the count. Markets that are neither resolved nor cancelled count.
func (s *Service) SyncActiveMarkets(ctx context.Context) (int, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("market.SyncActiveMarkets: %w", err)
	}
	active := 0
	for _, m := range markets {
		if !m.Status.Final() {
			active++
		}
	}
	metrics.ActiveMarkets.Set(float64(active))
	return active, nil
}

// Get returns a market with its outcomes.
func (s *Service) Get(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// List returns all markets, optionally only those in category.
func (s *Service) List(ctx context.Context, category string) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if category == "" {
		return markets, nil
	}
	filtered := []model.Market{}
	for _, m := range markets {
		if m.Category == Slug(category) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Prices returns the current price of every outcome of a market.
func (s *Service) Prices(ctx context.Context, id string) (map[string]decimal.Decimal, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return pricing.Prices(m.State())
}
