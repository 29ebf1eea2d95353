// Package api exposes the market engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/market"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/payout"
	"github.com/outcomex/market-engine/internal/pricing"
	"github.com/outcomex/market-engine/internal/resolution"
	"github.com/outcomex/market-engine/internal/trade"
	"github.com/outcomex/market-engine/internal/wallet"
)

var validate = validator.New()

// Services are the handlers' collaborators. Hub may be nil, which disables
// the WebSocket route.
type Services struct {
	Markets     *market.Service
	Trades      *trade.Service
	Wallets     *wallet.Service
	Payouts     *payout.Engine
	Resolutions *resolution.Service
	Hub         *notify.Hub
}

// Server holds the HTTP handlers.
type Server struct {
	svc    Services
	logger *slog.Logger
}

// NewServer creates the HTTP handlers.
func NewServer(svc Services, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger.With("component", "api")}
}

// Mount registers every route under /api/v1.
func (s *Server) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.svc.Hub != nil {
			r.Get("/ws", s.svc.Hub.HandleWS)
		}

		r.Post("/quote", s.Quote)

		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.CreateMarket)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/prices", s.GetPrices)
		r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
		r.Post("/markets/{marketID}/cancel", s.CancelMarket)
		r.Post("/markets/{marketID}/resolutions", s.ProposeResolution)

		r.Post("/bets", s.PlaceBet)
		r.Post("/bets/{betID}/cancel", s.CancelBet)

		r.Post("/payouts/{payoutID}/retry", s.RetryPayout)

		r.Post("/wallets", s.OpenWallet)
		r.Get("/wallets/{walletID}", s.GetWallet)
		r.Get("/wallets/{walletID}/balance", s.GetBalance)
		r.Post("/wallets/{walletID}/credit", s.CreditWallet)

		r.Get("/resolutions/{resolutionID}", s.GetResolution)
		r.Post("/resolutions/{resolutionID}/disputes", s.OpenDispute)
		r.Post("/resolutions/{resolutionID}/confirm", s.ConfirmResolution)
		r.Post("/resolutions/{resolutionID}/retry", s.RetryResolution)
		r.Post("/disputes/{disputeID}/review", s.ReviewDispute)
	})
}

// --- Pricing ---

// QuoteRequest prices a trade either on a stored market or on a raw state.
type QuoteRequest struct {
	MarketID  string              `json:"market_id"`
	State     *model.MarketState  `json:"state" validate:"required_without=MarketID"`
	OutcomeID string              `json:"outcome_id" validate:"required"`
	Type      model.BetType       `json:"type" validate:"required,oneof=BUY SELL"`
	Shares    decimal.NullDecimal `json:"shares"`
	Cost      decimal.NullDecimal `json:"cost"`
}

// Quote handles POST /api/v1/quote
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		q   *pricing.Quote
		err error
	)
	if req.MarketID != "" {
		q, err = s.svc.Trades.Quote(r.Context(), req.MarketID, req.OutcomeID, req.Type, req.Shares, req.Cost)
	} else {
		q, err = pricing.Calculate(pricing.QuoteRequest{
			State:     *req.State,
			OutcomeID: req.OutcomeID,
			Type:      req.Type,
			Shares:    req.Shares,
			Cost:      req.Cost,
		})
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var def market.Definition
	if !s.decode(w, r, &def) {
		return
	}
	m, err := s.svc.Markets.Create(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets, optionally filtered by
// ?category=<slug>.
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.svc.Markets.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrices handles GET /api/v1/markets/{marketID}/prices
func (s *Server) GetPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.svc.Markets.Prices(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

type resolveRequest struct {
	OutcomeID string `json:"outcome_id" validate:"required"`
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Settles every open bet against the winning outcome.
func (s *Server) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	sum, err := s.svc.Payouts.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.OutcomeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type reasonRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel
func (s *Server) CancelMarket(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req) {
		return
	}
	sum, err := s.svc.Payouts.CancelMarket(r.Context(), chi.URLParam(r, "marketID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Bets ---

// PlaceBet handles POST /api/v1/bets
func (s *Server) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req trade.PlaceBetRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Trades.PlaceBet(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelBet handles POST /api/v1/bets/{betID}/cancel
func (s *Server) CancelBet(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	bet, err := s.svc.Trades.CancelBet(r.Context(), req.UserID, chi.URLParam(r, "betID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// RetryPayout handles POST /api/v1/payouts/{payoutID}/retry
func (s *Server) RetryPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Payouts.RetryPayout(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Wallets ---

// OpenWallet handles POST /api/v1/wallets
func (s *Server) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req wallet.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	wl, err := s.svc.Wallets.Open(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wl)
}

// GetWallet handles GET /api/v1/wallets/{walletID}
func (s *Server) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := s.svc.Wallets.Get(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// GetBalance handles GET /api/v1/wallets/{walletID}/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Wallets.Balance(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type creditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreditWallet handles POST /api/v1/wallets/{walletID}/credit
func (s *Server) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.svc.Wallets.Deposit(r.Context(), chi.URLParam(r, "walletID"), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Resolutions ---

type proposeRequest struct {
	OutcomeID  string `json:"outcome_id" validate:"required"`
	ProposedBy string `json:"proposed_by" validate:"required"`
	Source     string `json:"source"`
}

// ProposeResolution handles POST /api/v1/markets/{marketID}/resolutions
func (s *Server) ProposeResolution(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Resolutions.Propose(r.Context(), chi.URLParam(r, "marketID"), req.OutcomeID, req.ProposedBy, req.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetResolution handles GET /api/v1/resolutions/{resolutionID}
func (s *Server) GetResolution(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Resolutions.Get(r.Context(), chi.URLParam(r, "resolutionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type disputeRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	OutcomeID string `json:"outcome_id" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

// OpenDispute handles POST /api/v1/resolutions/{resolutionID}/disputes
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.svc.Resolutions.OpenDispute(r.Context(), chi.URLParam(r, "resolutionID"), req.UserID, req.OutcomeID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required"`
	Accept   bool   `json:"accept"`
}

// ReviewDispute handles POST /api/v1/disputes/{disputeID}/review
func (s *Server) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.svc.Resolutions.ReviewDispute(r.Context(), chi.URLParam(r, "disputeID"), req.Reviewer, req.Accept)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ConfirmResolution handles POST /api/v1/resolutions/{resolutionID}/confirm
// Confirms the resolution and settles its market.
func (s *Server) ConfirmResolution(w http.ResponseWriter, r *http.Request) {
	res, sum, err := s.svc.Resolutions.Confirm(r.Context(), chi.URLParam(r, "resolutionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": res,
		"summary":    sum,
	})
}

// RetryResolution handles POST /api/v1/resolutions/{resolutionID}/retry
// Settles the market of a confirmed resolution whose payout run failed.
func (s *Server) RetryResolution(w http.ResponseWriter, r *http.Request) {
	res, sum, err := s.svc.Resolutions.Retry(r.Context(), chi.URLParam(r, "resolutionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": res,
		"summary":    sum,
	})
}

// --- Helpers ---

// decode reads the JSON body into dst and validates it. On failure it has
// already written the response.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, validationMessage(verrs), http.StatusBadRequest)
			return false
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// fail maps err onto a status code and writes it. Server errors are logged
// and their detail withheld.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsForbidden(err):
		return http.StatusForbidden
	case model.IsConflict(err):
		return http.StatusConflict
	case model.IsBadRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, payout.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
