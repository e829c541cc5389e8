package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/metrics"
	"github.com/collabpay/collabpay/internal/money"
	"github.com/collabpay/collabpay/internal/pagination"
	"github.com/collabpay/collabpay/internal/syncutil"
	"github.com/collabpay/collabpay/internal/traces"
)

// DefaultExpiry is how long a sent offer stays open without activity.
const DefaultExpiry = 30 * 24 * time.Hour

// casAttempts bounds Mutate's retry loop when a concurrent writer wins the
// compare-and-swap.
const casAttempts = 3

// Service implements the negotiation state machine.
type Service struct {
	store      Store
	dealFormer DealFormer
	expiry     time.Duration
	logger     *slog.Logger
	locks      syncutil.ShardedMutex
}

// NewService creates a new offer service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		expiry: DefaultExpiry,
		logger: slog.Default(),
	}
}

// WithDealFormer wires the accepted-offer → deal conversion.
func (s *Service) WithDealFormer(f DealFormer) *Service {
	s.dealFormer = f
	return s
}

// WithExpiry overrides the offer expiry window.
func (s *Service) WithExpiry(d time.Duration) *Service {
	if d > 0 {
		s.expiry = d
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Create drafts a new offer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Offer, error) {
	if req.MarketerID == req.CreatorID {
		return nil, fmt.Errorf("%w: marketer and creator cannot be the same user", ErrUnauthorized)
	}
	cents, ok := money.Parse(req.Amount)
	if !ok || cents <= 0 {
		return nil, ErrInvalidAmount
	}

	expiry := s.expiry
	if req.ExpiresIn != "" {
		if d, err := time.ParseDuration(req.ExpiresIn); err == nil && d > 0 {
			expiry = d
		}
	}

	now := time.Now()
	expiresAt := now.Add(expiry)
	o := &Offer{
		ID:            idgen.WithPrefix("off_"),
		MarketerID:    req.MarketerID,
		CreatorID:     req.CreatorID,
		ProposedCents: cents,
		Status:        StatusDraft,
		Sections:      req.Sections,
		Version:       1,
		ExpiresAt:     &expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.Sections == nil {
		o.Sections = make(map[string]map[string]any)
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return o, nil
}

// Get returns an offer if the caller participates in it.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Party(callerID) == "" {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListByParticipant returns one page of the user's offers, newest first.
// The extra row beyond limit tells the handler whether more pages exist.
func (s *Service) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, cursor, limit+1)
}

// Mutate runs fn against the current offer under the per-offer lock and
// persists the result through a compare-and-swap write. It is the
// single-writer primitive every offer mutation goes through; stale reads
// from a concurrent writer are retried a bounded number of times.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*Offer) error) (*Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := o.Version
		if err := fn(o); err != nil {
			return nil, err
		}
		o.UpdatedAt = time.Now()

		if err := s.store.Update(ctx, o, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return o, nil
	}
	return nil, lastErr
}

// Send transitions a draft offer to sent. Only the marketer may send.
func (s *Service) Send(ctx context.Context, id, callerID string) (*Offer, error) {
	return s.Mutate(ctx, id, func(o *Offer) error {
		if o.Party(callerID) != PartyMarketer {
			return ErrUnauthorized
		}
		if o.Status != StatusDraft {
			return fmt.Errorf("%w: cannot send offer in status %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusSent
		return nil
	})
}

// MarkViewed records that the creator opened a sent offer.
func (s *Service) MarkViewed(ctx context.Context, id, callerID string) (*Offer, error) {
	return s.Mutate(ctx, id, func(o *Offer) error {
		if o.Party(callerID) != PartyCreator {
			return ErrUnauthorized
		}
		if o.Status != StatusSent {
			return fmt.Errorf("%w: cannot view offer in status %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusViewed
		return nil
	})
}

// Counter appends a negotiation round and recomputes the derived metrics.
func (s *Service) Counter(ctx context.Context, id, callerID string, req CounterRequest) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offer.Counter", traces.OfferID(id))
	defer span.End()

	cents, ok := money.Parse(req.Amount)
	if !ok || cents <= 0 {
		return nil, ErrInvalidAmount
	}

	o, err := s.Mutate(ctx, id, func(o *Offer) error {
		party := o.Party(callerID)
		if party == "" {
			return ErrUnauthorized
		}
		switch o.Status {
		case StatusSent, StatusViewed, StatusCountered:
		default:
			return fmt.Errorf("%w: cannot counter offer in status %s", ErrInvalidTransition, o.Status)
		}

		o.Counters = append(o.Counters, CounterOffer{
			CounterBy:     party,
			AmountCents:   cents,
			Notes:         req.Notes,
			Deliverables:  req.Deliverables,
			AcceptedTerms: req.AcceptedTerms,
			CounterDate:   time.Now(),
		})
		o.Status = StatusCountered
		o.ProposedCents = cents
		o.Metrics = RecomputeMetrics(o.Counters)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.NegotiationRoundsTotal.Inc()
	return o, nil
}

// Accept terminally accepts the offer and forms the deal exactly once.
// Accepting an already-accepted offer fails with ErrDuplicateDeal.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offer.Accept", traces.OfferID(id))
	defer span.End()

	o, err := s.Mutate(ctx, id, func(o *Offer) error {
		if o.Party(callerID) == "" {
			return ErrUnauthorized
		}
		if o.Status == StatusAccepted || o.DealID != "" {
			return ErrDuplicateDeal
		}
		switch o.Status {
		case StatusSent, StatusViewed, StatusCountered:
		default:
			return fmt.Errorf("%w: cannot accept offer in status %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.dealFormer != nil {
		dealID, err := s.dealFormer.FormDeal(ctx, o)
		if err != nil {
			s.logger.Error("deal formation failed after accept",
				"offer_id", o.ID, "error", err)
			return nil, fmt.Errorf("offer accepted but deal formation failed: %w", err)
		}
		o, err = s.Mutate(ctx, id, func(o *Offer) error {
			o.DealID = dealID
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.OffersAcceptedTotal.Inc()
	return o, nil
}

// Reject terminally rejects the offer. Only the receiving creator (or the
// countered-to party) may reject; no further rounds are permitted.
func (s *Service) Reject(ctx context.Context, id, callerID string) (*Offer, error) {
	return s.Mutate(ctx, id, func(o *Offer) error {
		if o.Party(callerID) == "" {
			return ErrUnauthorized
		}
		switch o.Status {
		case StatusSent, StatusViewed, StatusCountered:
		default:
			return fmt.Errorf("%w: cannot reject offer in status %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusRejected
		return nil
	})
}

// Cancel terminally withdraws the offer. Only the marketer may cancel.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Offer, error) {
	return s.Mutate(ctx, id, func(o *Offer) error {
		if o.Party(callerID) != PartyMarketer {
			return ErrUnauthorized
		}
		if o.IsTerminal() {
			return fmt.Errorf("%w: cannot cancel offer in status %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusCancelled
		return nil
	})
}

// Expire moves a stale non-terminal offer to expired. Called by the timer.
func (s *Service) Expire(ctx context.Context, id string) (*Offer, error) {
	return s.Mutate(ctx, id, func(o *Offer) error {
		if o.IsTerminal() {
			return fmt.Errorf("%w: offer already terminal", ErrInvalidTransition)
		}
		if o.ExpiresAt == nil || time.Now().Before(*o.ExpiresAt) {
			return fmt.Errorf("%w: offer not yet expired", ErrInvalidTransition)
		}
		o.Status = StatusExpired
		return nil
	})
}
