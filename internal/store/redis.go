package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/outcomex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets. Units of work run on the primary; every market they
// touch is evicted once the unit commits. Reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With("component", "cache"),
	}
}

// Atomically delegates to the primary and invalidates touched markets after
// a successful commit.
func (s *CachedStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	var touched map[string]struct{}
	err := s.primary.Atomically(ctx, func(tx Tx) error {
		ct := &cachedTx{Tx: tx, touched: make(map[string]struct{})}
		if err := fn(ct); err != nil {
			return err
		}
		touched = ct.touched
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}
	keys := make([]string, 0, len(touched))
	for id := range touched {
		keys = append(keys, marketKey(id))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
	return nil
}

// cachedTx records the markets a unit of work writes.
type cachedTx struct {
	Tx
	touched map[string]struct{}
}

func (t *cachedTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.touched[m.ID] = struct{}{}
	return t.Tx.CreateMarket(ctx, m)
}

func (t *cachedTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.touched[m.ID] = struct{}{}
	return t.Tx.UpdateMarket(ctx, m)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, id)
}

func (s *CachedStore) GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, walletID, currency)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	return s.primary.GetPayout(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
