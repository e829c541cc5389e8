package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/escrow"
	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/metrics"
	"github.com/collabpay/collabpay/internal/money"
	"github.com/collabpay/collabpay/internal/traces"
)

// transitions maps each dispute status to the statuses it may move to
// through the status endpoint. Resolved is reached only through Resolve.
var transitions = map[Status][]Status{
	StatusPending:     {StatusUnderReview, StatusCancelled},
	StatusUnderReview: {StatusMediation, StatusEscalated, StatusCancelled},
	StatusMediation:   {StatusEscalated, StatusCancelled},
}

// Service runs the dispute workflow. It implements escrow's
// OpenDisputeChecker so the ledger consults live dispute state inside its
// own critical sections.
type Service struct {
	store  Store
	deals  *deal.Service
	escrow *escrow.Service
	logger *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, deals *deal.Service, esc *escrow.Service) *Service {
	return &Service{
		store:  store,
		deals:  deals,
		escrow: esc,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// HasOpenDispute reports whether a non-terminal dispute references the
// milestone. Escrow calls this inside the per-deal lock.
func (s *Service) HasOpenDispute(ctx context.Context, dealID, milestoneID string) (bool, error) {
	return s.store.HasOpen(ctx, dealID, milestoneID)
}

// Create files a dispute. A milestone-scoped dispute immediately marks the
// milestone disputed inside the deal lock, so a concurrent release either
// commits before the mark or sees it.
func (s *Service) Create(ctx context.Context, dealID, callerID string, req CreateRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.DealID(dealID))
	defer span.End()

	now := time.Now()
	dsp := &Dispute{
		ID:               idgen.WithPrefix("dsp_"),
		DealID:           dealID,
		MilestoneID:      req.MilestoneID,
		Category:         req.Category,
		Title:            req.Title,
		Description:      req.Description,
		Status:           StatusPending,
		RequestedOutcome: req.RequestedOutcome,
		FiledBy:          callerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The disputed mark lands first, inside the deal lock, so a concurrent
	// release either commits before it or is blocked by it. The dispute
	// row is inserted once, after the deal write: a lost compare-and-swap
	// rerun must not re-insert the same primary key.
	var prior deal.MilestoneStatus
	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if !d.Participant(callerID) {
			return ErrUnauthorized
		}
		if req.MilestoneID != "" {
			m := d.Milestone(req.MilestoneID)
			if m == nil {
				return deal.ErrMilestoneNotFound
			}
			prior = m.Status
			switch m.Status {
			case deal.MilestoneEscrowed, deal.MilestoneEligible, deal.MilestoneFunded:
				m.Status = deal.MilestoneDisputed
			case deal.MilestonePending:
			default:
				return fmt.Errorf("%w: cannot dispute milestone in status %s",
					escrow.ErrInvalidTransition, m.Status)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, dsp); err != nil {
		// Roll the mark back so the milestone is not stranded behind a
		// dispute that was never recorded.
		if req.MilestoneID != "" && prior != deal.MilestoneDisputed {
			if _, rbErr := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
				if m := d.Milestone(req.MilestoneID); m != nil && m.Status == deal.MilestoneDisputed {
					m.Status = prior
				}
				return nil
			}); rbErr != nil {
				s.logger.Error("failed to unmark milestone after dispute insert failure",
					"dealId", dealID, "milestoneId", req.MilestoneID, "error", rbErr)
			}
		}
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	s.logger.Info("dispute filed",
		"disputeId", dsp.ID, "dealId", dealID, "milestoneId", req.MilestoneID,
		"category", req.Category)
	return dsp, nil
}

// Get returns a dispute if the caller participates in its deal.
func (s *Service) Get(ctx context.Context, dealID, disputeID, callerID string) (*Dispute, error) {
	if _, err := s.deals.Get(ctx, dealID, callerID); err != nil {
		return nil, err
	}
	dsp, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dsp.DealID != dealID {
		return nil, ErrDisputeNotFound
	}
	return dsp, nil
}

// ListByDeal returns a deal's disputes.
func (s *Service) ListByDeal(ctx context.Context, dealID, callerID string) ([]*Dispute, error) {
	if _, err := s.deals.Get(ctx, dealID, callerID); err != nil {
		return nil, err
	}
	return s.store.ListByDeal(ctx, dealID)
}

// Transition moves a dispute through the review workflow.
func (s *Service) Transition(ctx context.Context, dealID, disputeID, callerID string, to Status) (*Dispute, error) {
	dsp, err := s.Get(ctx, dealID, disputeID, callerID)
	if err != nil {
		return nil, err
	}

	if !allowed(dsp.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, dsp.Status, to)
	}
	dsp.Status = to
	dsp.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, dsp); err != nil {
		return nil, err
	}

	// Cancelling a milestone dispute puts the milestone back on its
	// normal eligibility clock.
	if to == StatusCancelled && dsp.MilestoneID != "" {
		if err := s.restoreMilestone(ctx, dealID, dsp.MilestoneID); err != nil {
			s.logger.Error("failed to restore milestone after dispute cancel",
				"disputeId", disputeID, "milestoneId", dsp.MilestoneID, "error", err)
		}
	}
	return dsp, nil
}

// Resolve settles a dispute and executes the outcome's escrow actions.
// The dispute transitions to resolved even when some payment actions fail;
// failures are reported per milestone in the resolution's payment results.
func (s *Service) Resolve(ctx context.Context, dealID, disputeID, callerID string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DealID(dealID), traces.DisputeID(disputeID))
	defer span.End()

	// Resolution runs under admin authority: the resolver is not a deal
	// participant, so the dispute is loaded directly rather than through
	// the participant-gated read path.
	dsp, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dsp.DealID != dealID {
		return nil, ErrDisputeNotFound
	}
	if dsp.Status.Terminal() {
		return nil, fmt.Errorf("%w: dispute already %s", ErrInvalidTransition, dsp.Status)
	}

	partialCents := int64(0)
	switch req.Outcome {
	case OutcomeReleasePartial, OutcomeRefundPartial:
		cents, ok := money.Parse(req.PartialAmount)
		if !ok || cents <= 0 {
			return nil, fmt.Errorf("%w: partial outcome requires a positive amount", ErrInvalidOutcome)
		}
		partialCents = cents
	case OutcomeReleaseFull, OutcomeRefundFull, OutcomeContinueWork, OutcomeCancelDeal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, req.Outcome)
	}

	// Close the dispute first so its own gate no longer blocks the escrow
	// actions below; those run force-released under admin authority.
	resolution := &Resolution{
		Outcome:    req.Outcome,
		Summary:    req.Summary,
		ResolvedBy: callerID,
		ResolvedAt: time.Now(),
		Payments: PaymentResults{
			PaymentsReleased: []string{},
			RefundsProcessed: []string{},
			PaymentsHeld:     []string{},
			Errors:           []string{},
		},
	}
	dsp.Status = StatusResolved
	dsp.Resolution = resolution
	dsp.UpdatedAt = resolution.ResolvedAt
	if err := s.store.Update(ctx, dsp); err != nil {
		return nil, err
	}

	s.executeOutcome(ctx, dsp, partialCents)

	if err := s.store.Update(ctx, dsp); err != nil {
		s.logger.Error("failed to persist resolution payment results",
			"disputeId", dsp.ID, "error", err)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(req.Outcome)).Inc()
	s.logger.Info("dispute resolved",
		"disputeId", dsp.ID, "outcome", req.Outcome,
		"released", len(resolution.Payments.PaymentsReleased),
		"refunded", len(resolution.Payments.RefundsProcessed),
		"errors", len(resolution.Payments.Errors))
	return dsp, nil
}

func (s *Service) executeOutcome(ctx context.Context, dsp *Dispute, partialCents int64) {
	results := &dsp.Resolution.Payments

	record := func(milestoneID string, err error, onto *[]string) {
		if err != nil {
			results.PaymentsHeld = append(results.PaymentsHeld, milestoneID)
			results.Errors = append(results.Errors,
				fmt.Sprintf("%s: %v", milestoneID, err))
			return
		}
		*onto = append(*onto, milestoneID)
	}

	switch dsp.Resolution.Outcome {
	case OutcomeReleaseFull:
		_, err := s.escrow.Release(ctx, dsp.DealID, dsp.MilestoneID, dsp.Resolution.ResolvedBy,
			escrow.ReleaseRequest{Type: escrow.ReleaseAdmin, Force: true})
		record(dsp.MilestoneID, err, &results.PaymentsReleased)

	case OutcomeReleasePartial:
		_, err := s.escrow.Release(ctx, dsp.DealID, dsp.MilestoneID, dsp.Resolution.ResolvedBy,
			escrow.ReleaseRequest{Type: escrow.ReleaseAdmin, Force: true, AmountCents: partialCents})
		record(dsp.MilestoneID, err, &results.PaymentsReleased)

	case OutcomeRefundFull:
		_, err := s.escrow.Refund(ctx, dsp.DealID, dsp.MilestoneID, dsp.Resolution.ResolvedBy, 0, true)
		record(dsp.MilestoneID, err, &results.RefundsProcessed)

	case OutcomeRefundPartial:
		_, err := s.escrow.Refund(ctx, dsp.DealID, dsp.MilestoneID, dsp.Resolution.ResolvedBy, partialCents, true)
		record(dsp.MilestoneID, err, &results.RefundsProcessed)

	case OutcomeContinueWork:
		// No ledger action: the milestone returns to its normal
		// eligibility clock.
		if err := s.restoreMilestone(ctx, dsp.DealID, dsp.MilestoneID); err != nil {
			results.Errors = append(results.Errors,
				fmt.Sprintf("%s: %v", dsp.MilestoneID, err))
		}

	case OutcomeCancelDeal:
		s.cancelDeal(ctx, dsp, results)
	}
}

// cancelDeal refunds every milestone still holding escrow and cancels the
// deal. Individual refund failures hold those funds and are reported.
func (s *Service) cancelDeal(ctx context.Context, dsp *Dispute, results *PaymentResults) {
	// Admin resolvers are not deal participants; read through the
	// dispute's filer, who always is.
	d, err := s.deals.Get(ctx, dsp.DealID, dsp.FiledBy)
	if err != nil {
		results.Errors = append(results.Errors, fmt.Sprintf("load deal: %v", err))
		return
	}

	for i := range d.Milestones {
		m := &d.Milestones[i]
		switch m.Status {
		case deal.MilestoneEscrowed, deal.MilestoneEligible, deal.MilestoneDisputed:
			_, err := s.escrow.Refund(ctx, dsp.DealID, m.ID, dsp.Resolution.ResolvedBy, 0, true)
			if err != nil {
				results.PaymentsHeld = append(results.PaymentsHeld, m.ID)
				results.Errors = append(results.Errors, fmt.Sprintf("%s: %v", m.ID, err))
				continue
			}
			results.RefundsProcessed = append(results.RefundsProcessed, m.ID)
		}
	}

	if _, err := s.deals.Mutate(ctx, dsp.DealID, func(d *deal.Deal) error {
		d.Status = deal.StatusCancelled
		return nil
	}); err != nil {
		results.Errors = append(results.Errors, fmt.Sprintf("cancel deal: %v", err))
	}
}

func (s *Service) restoreMilestone(ctx context.Context, dealID, milestoneID string) error {
	if milestoneID == "" {
		return nil
	}
	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if m := d.Milestone(milestoneID); m != nil && m.Status == deal.MilestoneDisputed {
			m.Status = deal.MilestoneEscrowed
		}
		return nil
	})
	return err
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
