// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingModel selects the automated market maker used to price a market.
type PricingModel string

const (
	PricingLMSR            PricingModel = "LMSR"
	PricingConstantProduct PricingModel = "CONSTANT_PRODUCT"
)

// Valid reports whether p names a supported pricing model.
func (p PricingModel) Valid() bool {
	return p == PricingLMSR || p == PricingConstantProduct
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketActive    MarketStatus = "active"
	MarketLocked    MarketStatus = "locked"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

// Tradable reports whether bets may be placed on a market in this status.
func (s MarketStatus) Tradable() bool {
	return s == MarketActive || s == MarketLocked
}

// Final reports whether the market has been resolved or cancelled.
func (s MarketStatus) Final() bool {
	return s == MarketResolved || s == MarketCancelled
}

// Outcome is one tradable result of a market.
type Outcome struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	Label       string          `json:"label"`
	Position    int             `json:"position"`
	Shares      decimal.Decimal `json:"shares"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	Resolved    bool            `json:"resolved"`
	Winner      bool            `json:"winner"`
}

// Market is the persisted market row together with its outcomes.
type Market struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Category          string          `json:"category"`
	PricingModel      PricingModel    `json:"pricing_model"`
	Liquidity         decimal.Decimal `json:"liquidity"`
	FeeRate           decimal.Decimal `json:"fee_rate"`
	Status            MarketStatus    `json:"status"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	ResolvedOutcomeID string          `json:"resolved_outcome_id,omitempty"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	TotalBets         int64           `json:"total_bets"`
	Outcomes          []Outcome       `json:"outcomes"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]Outcome(nil), m.Outcomes...)
	if m.EndDate != nil {
		t := *m.EndDate
		c.EndDate = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Outcome returns the outcome with the given ID.
func (m *Market) Outcome(id string) (*Outcome, bool) {
	for i := range m.Outcomes {
		if m.Outcomes[i].ID == id {
			return &m.Outcomes[i], true
		}
	}
	return nil, false
}

// State builds the pricing snapshot of m.
func (m *Market) State() MarketState {
	outcomes := make([]OutcomeState, len(m.Outcomes))
	for i, o := range m.Outcomes {
		outcomes[i] = OutcomeState{ID: o.ID, Shares: o.Shares, TotalVolume: o.TotalVolume}
	}
	return MarketState{
		ID:           m.ID,
		PricingModel: m.PricingModel,
		Liquidity:    m.Liquidity,
		FeeRate:      m.FeeRate,
		Outcomes:     outcomes,
	}
}

// ApplyState copies outcome shares and volume from s back onto m.
// Outcomes absent from s are left untouched.
func (m *Market) ApplyState(s MarketState) {
	for _, st := range s.Outcomes {
		if o, ok := m.Outcome(st.ID); ok {
			o.Shares = st.Shares
			o.TotalVolume = st.TotalVolume
		}
	}
}

// BetType is the trade direction.
type BetType string

const (
	BetBuy  BetType = "BUY"
	BetSell BetType = "SELL"
)

// Valid reports whether t is BUY or SELL.
func (t BetType) Valid() bool {
	return t == BetBuy || t == BetSell
}

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetActive    BetStatus = "active"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCancelled BetStatus = "cancelled"
	BetRefunded  BetStatus = "refunded"
)

// Open reports whether the bet still awaits settlement.
func (s BetStatus) Open() bool {
	return s == BetPending || s == BetActive
}

// Bet is one executed trade against a market outcome.
type Bet struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	MarketID        string          `json:"market_id"`
	OutcomeID       string          `json:"outcome_id"`
	WalletID        string          `json:"wallet_id"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	Type            BetType         `json:"type"`
	Shares          decimal.Decimal `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	Fee             decimal.Decimal `json:"fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Status          BetStatus       `json:"status"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// WalletKind decides how payouts reach a wallet.
type WalletKind string

const (
	WalletInternal WalletKind = "internal"
	WalletTON      WalletKind = "ton"
	WalletTelegram WalletKind = "telegram"
)

// External reports whether funds leave the platform through a payment provider.
func (k WalletKind) External() bool {
	return k == WalletTON || k == WalletTelegram
}

// Wallet belongs to one user and holds balances in one currency.
type Wallet struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      WalletKind `json:"kind"`
	Currency  string     `json:"currency"`
	Address   string     `json:"address,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// Balance is keyed by (WalletID, Currency). LockedAmount never exceeds Amount.
type Balance struct {
	WalletID     string          `json:"wallet_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Available is Amount minus LockedAmount.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.LockedAmount)
}

// TransactionType classifies a money movement.
type TransactionType string

const (
	TxBetBuy    TransactionType = "bet_buy"
	TxBetSell   TransactionType = "bet_sell"
	TxBetRefund TransactionType = "bet_refund"
	TxPayout    TransactionType = "payout"
	TxRefund    TransactionType = "refund"
	TxDeposit   TransactionType = "deposit"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// Final reports whether the transaction is immutable history.
func (s TransactionStatus) Final() bool {
	return s == TxCompleted || s == TxCancelled
}

// Transaction records one money movement.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	WalletID    string            `json:"wallet_id"`
	BetID       string            `json:"bet_id,omitempty"`
	PayoutID    string            `json:"payout_id,omitempty"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Amount      decimal.Decimal   `json:"amount"`
	NetAmount   decimal.Decimal   `json:"net_amount"`
	Fee         decimal.Decimal   `json:"fee"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	// RequestKey identifies the submission that produced the transaction.
	RequestKey  string            `json:"request_key,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// PayoutKind distinguishes winnings from the consolation refund paid on
// losing bets.
type PayoutKind string

const (
	PayoutWinnings    PayoutKind = "winnings"
	PayoutConsolation PayoutKind = "consolation"
)

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout settles one bet after market resolution. At most one payout per bet
// may be in a status other than failed.
type Payout struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	BetID            string          `json:"bet_id"`
	MarketID         string          `json:"market_id"`
	WalletID         string          `json:"wallet_id"`
	Kind             PayoutKind      `json:"kind"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	Fee              decimal.Decimal `json:"fee"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           PayoutStatus    `json:"status"`
	ExternalPayoutID string          `json:"external_payout_id,omitempty"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// ResolutionStatus is the lifecycle state of a market resolution.
type ResolutionStatus string

const (
	ResolutionPending   ResolutionStatus = "pending"
	ResolutionConfirmed ResolutionStatus = "confirmed"
	ResolutionDisputed  ResolutionStatus = "disputed"
)

// Resolution is a proposed winning outcome for a market.
type Resolution struct {
	ID          string           `json:"id"`
	MarketID    string           `json:"market_id"`
	OutcomeID   string           `json:"outcome_id"`
	ProposedBy  string           `json:"proposed_by"`
	Source      string           `json:"source,omitempty"`
	Status      ResolutionStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty"`
}

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeAccepted DisputeStatus = "accepted"
	DisputeRejected DisputeStatus = "rejected"
)

// Dispute challenges a pending resolution with an alternative outcome.
type Dispute struct {
	ID                string        `json:"id"`
	ResolutionID      string        `json:"resolution_id"`
	UserID            string        `json:"user_id"`
	ProposedOutcomeID string        `json:"proposed_outcome_id"`
	Reason            string        `json:"reason"`
	Status            DisputeStatus `json:"status"`
	ReviewedBy        string        `json:"reviewed_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ReviewedAt        *time.Time    `json:"reviewed_at,omitempty"`
}

// Position is the shares a user traded in one outcome over bets that were
// neither cancelled nor refunded.
type Position struct {
	Bought decimal.Decimal `json:"bought"`
	Sold   decimal.Decimal `json:"sold"`
}

// Held returns bought minus sold, floored at zero.
func (p Position) Held() decimal.Decimal {
	held := p.Bought.Sub(p.Sold)
	if held.IsNegative() {
		return decimal.Zero
	}
	return held
}

// Exposure is the money a user has at risk in one market.
type Exposure struct {
	MarketID string          `json:"market_id"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}
