package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work are serialised by one mutex. Each unit runs against the live
// maps; a snapshot taken beforehand is restored if it fails.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

type balanceKey struct {
	walletID string
	currency string
}

type memData struct {
	markets      map[string]*model.Market
	wallets      map[string]*model.Wallet
	balances     map[balanceKey]*model.Balance
	transactions map[string]*model.Transaction
	bets         map[string]*model.Bet
	payouts      map[string]*model.Payout
	resolutions  map[string]*model.Resolution
	disputes     map[string]*model.Dispute
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		markets:      make(map[string]*model.Market),
		wallets:      make(map[string]*model.Wallet),
		balances:     make(map[balanceKey]*model.Balance),
		transactions: make(map[string]*model.Transaction),
		bets:         make(map[string]*model.Bet),
		payouts:      make(map[string]*model.Payout),
		resolutions:  make(map[string]*model.Resolution),
		disputes:     make(map[string]*model.Dispute),
	}}
}

func copyMap[K comparable, V any](in map[K]*V, dup func(*V) *V) map[K]*V {
	out := make(map[K]*V, len(in))
	for k, v := range in {
		out[k] = dup(v)
	}
	return out
}

func shallow[V any](v *V) *V {
	c := *v
	return &c
}

func (d *memData) clone() *memData {
	return &memData{
		markets:      copyMap(d.markets, (*model.Market).Clone),
		wallets:      copyMap(d.wallets, shallow[model.Wallet]),
		balances:     copyMap(d.balances, shallow[model.Balance]),
		transactions: copyMap(d.transactions, shallow[model.Transaction]),
		bets:         copyMap(d.bets, shallow[model.Bet]),
		payouts:      copyMap(d.payouts, shallow[model.Payout]),
		resolutions:  copyMap(d.resolutions, shallow[model.Resolution]),
		disputes:     copyMap(d.disputes, shallow[model.Dispute]),
	}
}

// Atomically runs fn while holding the store lock.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{d: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) read() *memTx {
	return &memTx{d: s.data}
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.data.markets))
	for _, m := range s.data.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetWallet(ctx, id)
}

func (s *MemoryStore) GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBalance(ctx, walletID, currency)
}

func (s *MemoryStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBet(ctx, id)
}

func (s *MemoryStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPayout(ctx, id)
}

// memTx operates on the maps directly. The caller holds the store lock.
type memTx struct {
	d *memData
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.d.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrMarketExists, m.ID)
	}
	t.d.markets[m.ID] = m.Clone()
	return nil
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.d.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return m.Clone(), nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.d.markets[m.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	t.d.markets[m.ID] = m.Clone()
	return nil
}

func (t *memTx) CreateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := t.d.wallets[w.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrWalletExists, w.ID)
	}
	t.d.wallets[w.ID] = shallow(w)
	return nil
}

func (t *memTx) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	w, ok := t.d.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, id)
	}
	return shallow(w), nil
}

func (t *memTx) GetBalance(_ context.Context, walletID, currency string) (*model.Balance, error) {
	b, ok := t.d.balances[balanceKey{walletID, currency}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", model.ErrBalanceNotFound, walletID, currency)
	}
	return shallow(b), nil
}

func (t *memTx) SaveBalance(_ context.Context, b *model.Balance) error {
	t.d.balances[balanceKey{b.WalletID, b.Currency}] = shallow(b)
	return nil
}

func (t *memTx) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	t.d.transactions[tx.ID] = shallow(tx)
	return nil
}

func (t *memTx) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	tx, ok := t.d.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTransactionNotFound, id)
	}
	return shallow(tx), nil
}

func (t *memTx) UpdateTransaction(_ context.Context, tx *model.Transaction) error {
	if _, ok := t.d.transactions[tx.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrTransactionNotFound, tx.ID)
	}
	t.d.transactions[tx.ID] = shallow(tx)
	return nil
}

func (t *memTx) HasRecentTransaction(_ context.Context, q DuplicateQuery) (bool, error) {
	for _, tx := range t.d.transactions {
		if tx.UserID != q.UserID || tx.WalletID != q.WalletID || tx.Type != q.Type {
			continue
		}
		if tx.Status != model.TxPending && tx.Status != model.TxCompleted {
			continue
		}
		if tx.RequestKey == q.RequestKey && !tx.CreatedAt.Before(q.Since) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateBet(_ context.Context, b *model.Bet) error {
	t.d.bets[b.ID] = shallow(b)
	return nil
}

func (t *memTx) GetBet(_ context.Context, id string) (*model.Bet, error) {
	b, ok := t.d.bets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBetNotFound, id)
	}
	return shallow(b), nil
}

func (t *memTx) UpdateBet(_ context.Context, b *model.Bet) error {
	if _, ok := t.d.bets[b.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrBetNotFound, b.ID)
	}
	t.d.bets[b.ID] = shallow(b)
	return nil
}

func (t *memTx) ListOpenBets(_ context.Context, marketID string) ([]model.Bet, error) {
	var bets []model.Bet
	for _, b := range t.d.bets {
		if b.MarketID == marketID && b.Status.Open() {
			bets = append(bets, *b)
		}
	}
	sort.Slice(bets, func(i, j int) bool {
		return bets[i].CreatedAt.Before(bets[j].CreatedAt)
	})
	return bets, nil
}

func (t *memTx) HeldShares(_ context.Context, userID, marketID, outcomeID string) (decimal.Decimal, error) {
	held := decimal.Zero
	for _, b := range t.d.bets {
		if b.UserID != userID || b.MarketID != marketID || b.OutcomeID != outcomeID || !b.Status.Open() {
			continue
		}
		if b.Type == model.BetBuy {
			held = held.Add(b.Shares)
		} else {
			held = held.Sub(b.Shares)
		}
	}
	return held, nil
}

func (t *memTx) Position(_ context.Context, userID, marketID, outcomeID string) (model.Position, error) {
	pos := model.Position{Bought: decimal.Zero, Sold: decimal.Zero}
	for _, b := range t.d.bets {
		if b.UserID != userID || b.MarketID != marketID || b.OutcomeID != outcomeID {
			continue
		}
		if b.Status == model.BetCancelled || b.Status == model.BetRefunded {
			continue
		}
		if b.Type == model.BetBuy {
			pos.Bought = pos.Bought.Add(b.Shares)
		} else {
			pos.Sold = pos.Sold.Add(b.Shares)
		}
	}
	return pos, nil
}

func (t *memTx) UserExposure(_ context.Context, userID string) ([]model.Exposure, error) {
	byMarket := make(map[string]decimal.Decimal)
	for _, b := range t.d.bets {
		if b.UserID == userID && b.Type == model.BetBuy && b.Status.Open() {
			byMarket[b.MarketID] = byMarket[b.MarketID].Add(b.TotalCost)
		}
	}
	exposures := make([]model.Exposure, 0, len(byMarket))
	for marketID, amount := range byMarket {
		e := model.Exposure{MarketID: marketID, Amount: amount}
		if m, ok := t.d.markets[marketID]; ok {
			e.Category = m.Category
		}
		exposures = append(exposures, e)
	}
	return exposures, nil
}

func (t *memTx) CreatePayout(_ context.Context, p *model.Payout) error {
	for _, existing := range t.d.payouts {
		if existing.BetID == p.BetID && existing.Status != model.PayoutFailed {
			return fmt.Errorf("%w: bet %s", model.ErrPayoutExists, p.BetID)
		}
	}
	t.d.payouts[p.ID] = shallow(p)
	return nil
}

func (t *memTx) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	p, ok := t.d.payouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPayoutNotFound, id)
	}
	return shallow(p), nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *model.Payout) error {
	if _, ok := t.d.payouts[p.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrPayoutNotFound, p.ID)
	}
	if p.Status != model.PayoutFailed {
		for _, other := range t.d.payouts {
			if other.ID != p.ID && other.BetID == p.BetID && other.Status != model.PayoutFailed {
				return fmt.Errorf("%w: bet %s", model.ErrPayoutExists, p.BetID)
			}
		}
	}
	t.d.payouts[p.ID] = shallow(p)
	return nil
}

func (t *memTx) GetLivePayoutByBet(_ context.Context, betID string) (*model.Payout, error) {
	for _, p := range t.d.payouts {
		if p.BetID == betID && p.Status != model.PayoutFailed {
			return shallow(p), nil
		}
	}
	return nil, fmt.Errorf("%w: bet %s", model.ErrPayoutNotFound, betID)
}

func (t *memTx) CreateResolution(_ context.Context, r *model.Resolution) error {
	for _, existing := range t.d.resolutions {
		if existing.MarketID == r.MarketID {
			return fmt.Errorf("%w: market %s", model.ErrResolutionExists, r.MarketID)
		}
	}
	t.d.resolutions[r.ID] = shallow(r)
	return nil
}

func (t *memTx) GetResolution(_ context.Context, id string) (*model.Resolution, error) {
	r, ok := t.d.resolutions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrResolutionNotFound, id)
	}
	return shallow(r), nil
}

func (t *memTx) UpdateResolution(_ context.Context, r *model.Resolution) error {
	if _, ok := t.d.resolutions[r.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrResolutionNotFound, r.ID)
	}
	t.d.resolutions[r.ID] = shallow(r)
	return nil
}

func (t *memTx) GetMarketResolution(_ context.Context, marketID string) (*model.Resolution, error) {
	for _, r := range t.d.resolutions {
		if r.MarketID == marketID {
			return shallow(r), nil
		}
	}
	return nil, fmt.Errorf("%w: market %s", model.ErrResolutionNotFound, marketID)
}

func (t *memTx) CreateDispute(_ context.Context, d *model.Dispute) error {
	t.d.disputes[d.ID] = shallow(d)
	return nil
}

func (t *memTx) GetDispute(_ context.Context, id string) (*model.Dispute, error) {
	d, ok := t.d.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrDisputeNotFound, id)
	}
	return shallow(d), nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *model.Dispute) error {
	if _, ok := t.d.disputes[d.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrDisputeNotFound, d.ID)
	}
	t.d.disputes[d.ID] = shallow(d)
	return nil
}

func (t *memTx) CountOpenDisputes(_ context.Context, resolutionID string) (int, error) {
	n := 0
	for _, d := range t.d.disputes {
		if d.ResolutionID == resolutionID && d.Status == model.DisputeOpen {
			n++
		}
	}
	return n, nil
}
