package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/offer"
	"github.com/collabpay/collabpay/internal/pagination"
	"github.com/collabpay/collabpay/internal/syncutil"
	"github.com/collabpay/collabpay/internal/traces"
)

// casAttempts bounds Mutate's retry loop, matching the offer service.
const casAttempts = 3

// Service manages deals and their milestone schedules. It implements
// offer.DealFormer so accepting an offer forms the deal through it.
type Service struct {
	store  Store
	logger *slog.Logger
	locks  syncutil.ShardedMutex
}

// NewService creates a new deal service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// FormDeal converts an accepted offer into a deal exactly once. A second
// call for the same offer fails with ErrDealExists.
func (s *Service) FormDeal(ctx context.Context, o *offer.Offer) (string, error) {
	ctx, span := traces.StartSpan(ctx, "deal.FormDeal", traces.OfferID(o.ID))
	defer span.End()

	if _, err := s.store.GetByOffer(ctx, o.ID); err == nil {
		return "", ErrDealExists
	} else if !errors.Is(err, ErrDealNotFound) {
		return "", err
	}

	now := time.Now()
	d := &Deal{
		ID:                 idgen.WithPrefix("deal_"),
		DealNumber:         newDealNumber(now),
		OfferID:            o.ID,
		MarketerID:         o.MarketerID,
		CreatorID:          o.CreatorID,
		PaymentAmountCents: o.ProposedCents,
		Status:             StatusActive,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		if errors.Is(err, ErrDealExists) {
			return "", ErrDealExists
		}
		return "", fmt.Errorf("failed to create deal: %w", err)
	}

	s.logger.Info("deal formed from accepted offer",
		"dealId", d.ID, "dealNumber", d.DealNumber, "offerId", o.ID)
	return d.ID, nil
}

// Get returns a deal if the caller participates in it.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Deal, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Participant(callerID) {
		return nil, ErrUnauthorized
	}
	return d, nil
}

// ListByParticipant returns one page of the user's deals, newest first.
// The extra row beyond limit tells the handler whether more pages exist.
func (s *Service) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, cursor, limit+1)
}

// Mutate runs fn against the current deal under the per-deal lock and
// persists the result through a compare-and-swap write. Every deal and
// milestone mutation in the system goes through it, so eligibility checks
// and status writes are atomic against concurrent releases and disputes.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*Deal) error) (*Deal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := d.Version
		if err := fn(d); err != nil {
			return nil, err
		}
		d.UpdatedAt = time.Now()

		if err := s.store.Update(ctx, d, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return d, nil
	}
	return nil, lastErr
}

// Structure builds (or rebuilds) the deal's milestone schedule. Only the
// marketer may structure, and only while no milestone has been funded.
func (s *Service) Structure(ctx context.Context, id, callerID string, req StructureRequest) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.Structure", traces.DealID(id))
	defer span.End()

	return s.Mutate(ctx, id, func(d *Deal) error {
		if callerID != d.MarketerID {
			return ErrUnauthorized
		}
		if d.Funded() {
			return ErrAlreadyStructured
		}

		milestones, err := BuildMilestones(d.PaymentAmountCents, callerID, time.Now(), req)
		if err != nil {
			return err
		}
		d.Milestones = milestones
		return nil
	})
}

// ListWithEscrowedMilestones returns deals holding escrowed funds, for the
// release scheduler's sweep.
func (s *Service) ListWithEscrowedMilestones(ctx context.Context, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListWithEscrowedMilestones(ctx, limit)
}

func newDealNumber(now time.Time) string {
	return fmt.Sprintf("CP-%d-%s", now.Year(), strings.ToUpper(idgen.Hex(4)))
}
