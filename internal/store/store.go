// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation runs inside Atomically. Rows read through a Tx are locked
// until the unit of work ends, so two units touching the same market,
// balance, bet or payout serialise.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// DuplicateQuery describes a transaction that would count as a repeated
// submission.
type DuplicateQuery struct {
	UserID     string
	WalletID   string
	Type       model.TransactionType
	RequestKey string
	Since      time.Time
}

// Tx is the set of row operations available inside a unit of work.
type Tx interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	// GetMarket returns the market with its outcomes ordered by position.
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	// UpdateMarket persists market status and totals along with every
	// outcome's shares, volume and resolution flags.
	UpdateMarket(ctx context.Context, m *model.Market) error

	// --- Wallets and balances ---

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	// GetBalance returns model.ErrBalanceNotFound when no row exists.
	GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error)
	// SaveBalance inserts or updates the (walletID, currency) row.
	SaveBalance(ctx context.Context, b *model.Balance) error

	// --- Transactions ---

	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, t *model.Transaction) error
	// HasRecentTransaction reports whether a pending or completed
	// transaction matching q was created at or after q.Since.
	HasRecentTransaction(ctx context.Context, q DuplicateQuery) (bool, error)

	// --- Bets ---

	CreateBet(ctx context.Context, b *model.Bet) error
	GetBet(ctx context.Context, id string) (*model.Bet, error)
	UpdateBet(ctx context.Context, b *model.Bet) error
	// ListOpenBets returns pending and active bets of a market.
	ListOpenBets(ctx context.Context, marketID string) ([]model.Bet, error)
	// HeldShares returns bought minus sold shares over the user's open bets
	// on one outcome.
	HeldShares(ctx context.Context, userID, marketID, outcomeID string) (decimal.Decimal, error)
	// Position sums the user's bought and sold shares on one outcome over
	// bets that are open or settled won or lost.
	Position(ctx context.Context, userID, marketID, outcomeID string) (model.Position, error)
	// UserExposure sums the cost of the user's open BUY bets per market.
	UserExposure(ctx context.Context, userID string) ([]model.Exposure, error)

	// --- Payouts ---

	// CreatePayout fails with model.ErrPayoutExists when the bet already has
	// a payout that is not failed.
	CreatePayout(ctx context.Context, p *model.Payout) error
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	UpdatePayout(ctx context.Context, p *model.Payout) error
	// GetLivePayoutByBet returns the bet's payout that is not failed, or
	// model.ErrPayoutNotFound.
	GetLivePayoutByBet(ctx context.Context, betID string) (*model.Payout, error)

	// --- Resolutions and disputes ---

	// CreateResolution fails with model.ErrResolutionExists when the market
	// already has a resolution in any status.
	CreateResolution(ctx context.Context, r *model.Resolution) error
	GetResolution(ctx context.Context, id string) (*model.Resolution, error)
	UpdateResolution(ctx context.Context, r *model.Resolution) error
	// GetMarketResolution returns the market's resolution.
	GetMarketResolution(ctx context.Context, marketID string) (*model.Resolution, error)
	CreateDispute(ctx context.Context, d *model.Dispute) error
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	UpdateDispute(ctx context.Context, d *model.Dispute) error
	CountOpenDisputes(ctx context.Context, resolutionID string) (int, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomically runs fn in one unit of work. If fn returns an error every
	// write it made is discarded.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	// Unlocked reads for query endpoints.

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error)
	GetBet(ctx context.Context, id string) (*model.Bet, error)
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
}
