// Package payment sends payouts to wallets held outside the engine (TON,
// Telegram). Internal wallets never reach this package; the payout engine
// credits them on the ledger directly.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// ErrNoProvider is returned when no provider serves a wallet kind.
var ErrNoProvider = errors.New("payment: no provider for wallet kind")

// TransferRequest is one outgoing payout.
type TransferRequest struct {
	PayoutID string           `json:"payout_id"`
	UserID   string           `json:"user_id"`
	WalletID string           `json:"wallet_id"`
	Kind     model.WalletKind `json:"wallet_kind"`
	Address  string           `json:"address"`
	Amount   decimal.Decimal  `json:"amount"`
	Currency string           `json:"currency"`
}

// Provider moves money to an external wallet and returns the provider's
// reference for the transfer. PayoutID is stable across retries so a
// provider can deduplicate.
type Provider interface {
	Transfer(ctx context.Context, req TransferRequest) (externalID string, err error)
}

// Registry selects a provider by wallet kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.WalletKind]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[model.WalletKind]Provider)}
}

// Register installs p for kind, replacing any previous provider.
func (r *Registry) Register(kind model.WalletKind, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// For returns the provider serving kind.
func (r *Registry) For(kind model.WalletKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, kind)
	}
	return p, nil
}

// TransferClaims authenticate one transfer request to the payout gateway.
type TransferClaims struct {
	jwt.RegisteredClaims
	Amount   string `json:"amt"`
	Currency string `json:"cur"`
}

// HTTPProvider posts transfers as JSON to a payout gateway. Each request
// carries an HS256 token bound to the payout and amount.
type HTTPProvider struct {
	endpoint string
	secret   []byte
	issuer   string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time
}

// NewHTTPProvider creates a provider for the gateway at endpoint.
func NewHTTPProvider(endpoint string, secret []byte, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		secret:   secret,
		issuer:   "market-engine",
		ttl:      time.Minute,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Transfer implements Provider.
func (p *HTTPProvider) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	token, err := p.sign(req)
	if err != nil {
		return "", fmt.Errorf("payment: sign request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("payment: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Idempotency-Key", req.PayoutID)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("payment: transfer %s: %w", req.PayoutID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("payment: read response: %w", err)
	}
	var out transferResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = string(raw)
		}
		return "", fmt.Errorf("payment: transfer %s: gateway returned %d: %s", req.PayoutID, resp.StatusCode, msg)
	}
	if out.ID == "" {
		return "", fmt.Errorf("payment: transfer %s: gateway response has no id", req.PayoutID)
	}
	return out.ID, nil
}

func (p *HTTPProvider) sign(req TransferRequest) (string, error) {
	now := p.now()
	claims := TransferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   req.WalletID,
			ID:        req.PayoutID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
		Amount:   req.Amount.String(),
		Currency: req.Currency,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
