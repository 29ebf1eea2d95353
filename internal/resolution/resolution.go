// Package resolution runs the propose, dispute and confirm workflow that
// decides a market's winning outcome. Confirming a resolution hands the
// market to the payout engine.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/payout"
	"github.com/outcomex/market-engine/internal/store"
)

// Resolver settles a market once its outcome is final.
type Resolver interface {
	ResolveMarket(ctx context.Context, marketID, outcomeID string) (*payout.Summary, error)
}

// Service manages resolutions and disputes.
type Service struct {
	store    store.Store
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a resolution service.
func NewService(st store.Store, resolver Resolver, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		logger:   logger.With("component", "resolution"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a resolution.
func (s *Service) Get(ctx context.Context, id string) (*model.Resolution, error) {
	var r *model.Resolution
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetResolution(ctx, id)
		return err
	})
	return r, err
}

// Propose records outcomeID as the candidate winner of a market. A market
// has at most one resolution; once confirmed it cannot be replaced, only
// retried.
func (s *Service) Propose(ctx context.Context, marketID, outcomeID, proposedBy, source string) (*model.Resolution, error) {
	var r *model.Resolution
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status.Final() {
			return fmt.Errorf("%w: %s is %s", model.ErrMarketFinalized, m.ID, m.Status)
		}
		if _, ok := m.Outcome(outcomeID); !ok {
			return fmt.Errorf("%w: %s/%s", model.ErrOutcomeNotFound, marketID, outcomeID)
		}
		if existing, err := tx.GetMarketResolution(ctx, marketID); err == nil {
			return fmt.Errorf("%w: %s is %s for %s", model.ErrResolutionExists, existing.ID, existing.Status, existing.OutcomeID)
		} else if !model.IsNotFound(err) {
			return err
		}
		now := s.now()
		r = &model.Resolution{
			ID:         uuid.New().String(),
			MarketID:   marketID,
			OutcomeID:  outcomeID,
			ProposedBy: proposedBy,
			Source:     source,
			Status:     model.ResolutionPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.CreateResolution(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("resolution.Propose: %w", err)
	}
	s.logger.Info("resolution proposed", "id", r.ID, "market", marketID, "outcome", outcomeID, "by", proposedBy)
	return r, nil
}

// OpenDispute challenges an unconfirmed resolution with another outcome.
// While any dispute is open the resolution cannot be confirmed.
func (s *Service) OpenDispute(ctx context.Context, resolutionID, userID, outcomeID, reason string) (*model.Dispute, error) {
	var d *model.Dispute
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		r, err := tx.GetResolution(ctx, resolutionID)
		if err != nil {
			return err
		}
		if r.Status == model.ResolutionConfirmed {
			return fmt.Errorf("%w: %s is %s", model.ErrResolutionNotPending, r.ID, r.Status)
		}
		if outcomeID == r.OutcomeID || strings.TrimSpace(reason) == "" {
			return fmt.Errorf("%w: outcome %q", model.ErrInvalidDispute, outcomeID)
		}
		m, err := tx.GetMarket(ctx, r.MarketID)
		if err != nil {
			return err
		}
		if _, ok := m.Outcome(outcomeID); !ok {
			return fmt.Errorf("%w: %s/%s", model.ErrOutcomeNotFound, m.ID, outcomeID)
		}

		now := s.now()
		d = &model.Dispute{
			ID:                uuid.New().String(),
			ResolutionID:      r.ID,
			UserID:            userID,
			ProposedOutcomeID: outcomeID,
			Reason:            strings.TrimSpace(reason),
			Status:            model.DisputeOpen,
			CreatedAt:         now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		r.Status = model.ResolutionDisputed
		r.UpdatedAt = now
		return tx.UpdateResolution(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("resolution.OpenDispute: %w", err)
	}
	s.logger.Info("dispute opened", "id", d.ID, "resolution", resolutionID, "user", userID, "outcome", outcomeID)
	return d, nil
}

// ReviewDispute accepts or rejects an open dispute. Accepting moves the
// resolution to the disputed outcome. Once no dispute is open the
// resolution is pending again.
func (s *Service) ReviewDispute(ctx context.Context, disputeID, reviewer string, accept bool) (*model.Dispute, error) {
	var d *model.Dispute
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if d, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if d.Status != model.DisputeOpen {
			return fmt.Errorf("%w: %s is %s", model.ErrDisputeNotOpen, d.ID, d.Status)
		}
		r, err := tx.GetResolution(ctx, d.ResolutionID)
		if err != nil {
			return err
		}
		if r.Status == model.ResolutionConfirmed {
			return fmt.Errorf("%w: %s is %s", model.ErrResolutionNotPending, r.ID, r.Status)
		}

		now := s.now()
		d.Status = model.DisputeRejected
		if accept {
			d.Status = model.DisputeAccepted
			r.OutcomeID = d.ProposedOutcomeID
		}
		d.ReviewedBy = reviewer
		d.ReviewedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		open, err := tx.CountOpenDisputes(ctx, r.ID)
		if err != nil {
			return err
		}
		if open == 0 {
			r.Status = model.ResolutionPending
		}
		r.UpdatedAt = now
		return tx.UpdateResolution(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("resolution.ReviewDispute: %w", err)
	}
	s.logger.Info("dispute reviewed", "id", d.ID, "status", string(d.Status), "by", reviewer)
	return d, nil
}

// Confirm finalises a pending resolution and resolves its market. If the
// payout run fails after confirmation the resolution stays confirmed and
// Retry completes it.
func (s *Service) Confirm(ctx context.Context, resolutionID string) (*model.Resolution, *payout.Summary, error) {
	var r *model.Resolution
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if r, err = tx.GetResolution(ctx, resolutionID); err != nil {
			return err
		}
		switch r.Status {
		case model.ResolutionPending:
		case model.ResolutionDisputed:
			return fmt.Errorf("%w: %s", model.ErrDisputeOpen, r.ID)
		default:
			return fmt.Errorf("%w: %s is %s", model.ErrResolutionNotPending, r.ID, r.Status)
		}
		open, err := tx.CountOpenDisputes(ctx, r.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %s has %d", model.ErrDisputeOpen, r.ID, open)
		}
		now := s.now()
		r.Status = model.ResolutionConfirmed
		r.ConfirmedAt = &now
		r.UpdatedAt = now
		return tx.UpdateResolution(ctx, r)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolution.Confirm: %w", err)
	}
	s.logger.Info("resolution confirmed", "id", r.ID, "market", r.MarketID, "outcome", r.OutcomeID)

	sum, err := s.resolver.ResolveMarket(ctx, r.MarketID, r.OutcomeID)
	if err != nil {
		return r, nil, fmt.Errorf("resolution.Confirm: %w", err)
	}
	return r, sum, nil
}

// Retry resolves the market of a confirmed resolution again with its
// confirmed outcome. Bets already settled are left alone, so it is safe to
// call after a partial or failed run.
func (s *Service) Retry(ctx context.Context, resolutionID string) (*model.Resolution, *payout.Summary, error) {
	r, err := s.Get(ctx, resolutionID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolution.Retry: %w", err)
	}
	if r.Status != model.ResolutionConfirmed {
		return nil, nil, fmt.Errorf("resolution.Retry: %w: %s is %s", model.ErrResolutionNotFinal, r.ID, r.Status)
	}
	s.logger.Info("resolution retry", "id", r.ID, "market", r.MarketID, "outcome", r.OutcomeID)

	sum, err := s.resolver.ResolveMarket(ctx, r.MarketID, r.OutcomeID)
	if err != nil {
		return r, nil, fmt.Errorf("resolution.Retry: %w", err)
	}
	return r, sum, nil
}
