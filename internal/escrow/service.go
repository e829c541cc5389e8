package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/metrics"
	"github.com/collabpay/collabpay/internal/payments"
	"github.com/collabpay/collabpay/internal/traces"
)

// hoursPerDay converts escrow dwell time to fractional days.
const hoursPerDay = 24

// Service runs the escrow pipeline over the deal service's milestone state.
type Service struct {
	deals    *deal.Service
	gateway  payments.Gateway
	txStore  TransactionStore
	disputes OpenDisputeChecker

	gracePeriodDays int64
	maxEscrowDays   int64
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a new escrow service.
func NewService(deals *deal.Service, gateway payments.Gateway, txStore TransactionStore) *Service {
	return &Service{
		deals:           deals,
		gateway:         gateway,
		txStore:         txStore,
		gracePeriodDays: 7,
		maxEscrowDays:   30,
		logger:          slog.Default(),
		now:             time.Now,
	}
}

// WithDisputeChecker wires the open-dispute gate.
func (s *Service) WithDisputeChecker(d OpenDisputeChecker) *Service {
	s.disputes = d
	return s
}

// WithGracePeriod sets the minimum escrow dwell in days before automatic
// release eligibility.
func (s *Service) WithGracePeriod(days int64) *Service {
	if days > 0 {
		s.gracePeriodDays = days
	}
	return s
}

// WithMaxEscrowDays sets the dwell threshold after which an unreleased
// milestone is flagged overdue. Overdue is reported, never auto-acted on.
func (s *Service) WithMaxEscrowDays(days int64) *Service {
	if days > 0 {
		s.maxEscrowDays = days
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Fund charges the marketer and moves the milestone into escrow.
//
// Funding is two-phase around the gateway call: the milestone is first
// reserved (pending → funded) under the deal lock, then charged, then
// committed (funded → escrowed) with the ledger entry. A gateway failure
// rolls the reservation back to pending, so state never partially commits.
func (s *Service) Fund(ctx context.Context, dealID, milestoneID, callerID, paymentMethodID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.DealID(dealID), traces.MilestoneID(milestoneID))
	defer span.End()

	var amount int64
	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if callerID != d.MarketerID {
			return deal.ErrUnauthorized
		}
		m := d.Milestone(milestoneID)
		if m == nil {
			return deal.ErrMilestoneNotFound
		}
		if m.Status != deal.MilestonePending {
			return fmt.Errorf("%w: cannot fund milestone in status %s", ErrInvalidTransition, m.Status)
		}
		m.Status = deal.MilestoneFunded
		amount = m.AmountCents + m.BonusCents
		return nil
	})
	if err != nil {
		return nil, err
	}

	charge, chargeErr := s.gateway.Charge(ctx, payments.ChargeRequest{
		AmountCents:     amount,
		PaymentMethodID: paymentMethodID,
		MarketerID:      callerID,
		Reference:       milestoneID,
	})
	if chargeErr != nil {
		s.recordGatewayError(chargeErr)
		// Roll the reservation back so the milestone is fundable again.
		if _, rbErr := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
			if m := d.Milestone(milestoneID); m != nil && m.Status == deal.MilestoneFunded {
				m.Status = deal.MilestonePending
			}
			return nil
		}); rbErr != nil {
			s.logger.Error("failed to roll back funding reservation",
				"dealId", dealID, "milestoneId", milestoneID, "error", rbErr)
		}
		return nil, chargeErr
	}

	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		DealID:        dealID,
		MilestoneID:   milestoneID,
		Type:          TxEscrow,
		AmountCents:   amount,
		PaymentMethod: paymentMethodID,
		Status:        "completed",
		ProviderRef:   charge.ProviderRef,
		PaidAt:        charge.ProcessedAt,
	}
	if err := s.txStore.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("escrow charged but ledger append failed: %w", err)
	}

	now := s.now()
	if _, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		m := d.Milestone(milestoneID)
		if m == nil {
			return deal.ErrMilestoneNotFound
		}
		m.Status = deal.MilestoneEscrowed
		m.FundedAt = &now
		m.ChargeRef = charge.ProviderRef
		return nil
	}); err != nil {
		return nil, err
	}

	metrics.MilestonesFundedTotal.Inc()
	metrics.EscrowHeldCents.Add(float64(amount))
	s.logger.Info("milestone funded into escrow",
		"dealId", dealID, "milestoneId", milestoneID, "amountCents", amount)
	return tx, nil
}

// computeEligibility evaluates one milestone against the grace period, the
// open-dispute gate and any explicit release schedule. hasDispute must come
// from the same critical section as the milestone read.
func (s *Service) computeEligibility(m *deal.Milestone, now time.Time, hasDispute bool) Eligibility {
	e := Eligibility{MilestoneID: m.ID, Status: string(m.Status)}

	if m.Status != deal.MilestoneEscrowed && m.Status != deal.MilestoneEligible {
		e.Reason = fmt.Sprintf("milestone is %s, not escrowed", m.Status)
		return e
	}
	if m.FundedAt == nil {
		e.Reason = "milestone has no funding timestamp"
		return e
	}

	e.DaysSinceEscrowed = now.Sub(*m.FundedAt).Hours() / hoursPerDay
	e.Overdue = e.DaysSinceEscrowed >= float64(s.maxEscrowDays)

	switch {
	case hasDispute:
		e.Reason = "open dispute references this milestone"
	case m.ScheduledReleaseAt != nil && now.Before(*m.ScheduledReleaseAt):
		e.Reason = fmt.Sprintf("release scheduled for %s", m.ScheduledReleaseAt.Format(time.RFC3339))
	case e.DaysSinceEscrowed < float64(s.gracePeriodDays):
		e.Reason = fmt.Sprintf("grace period: %.1f of %d days elapsed",
			e.DaysSinceEscrowed, s.gracePeriodDays)
	default:
		e.Eligible = true
	}
	return e
}

// Eligibility reports the release eligibility of every milestone in a deal.
func (s *Service) Eligibility(ctx context.Context, dealID, callerID string) ([]Eligibility, error) {
	d, err := s.deals.Get(ctx, dealID, callerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]Eligibility, 0, len(d.Milestones))
	for i := range d.Milestones {
		m := &d.Milestones[i]
		hasDispute, err := s.hasOpenDispute(ctx, dealID, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, s.computeEligibility(m, now, hasDispute))
	}
	return out, nil
}

// Release credits the creator for one milestone. The eligibility check,
// the dispute re-check and the status write happen inside a single
// per-deal critical section; the dedupe on transactionId makes concurrent
// manual, automatic and admin releases of the same milestone idempotent.
func (s *Service) Release(ctx context.Context, dealID, milestoneID, callerID string, req ReleaseRequest) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.DealID(dealID), traces.MilestoneID(milestoneID))
	defer span.End()

	result := &ReleaseResult{MilestoneID: milestoneID}
	transferred := false

	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if req.Type == ReleaseManual && callerID != d.MarketerID {
			return deal.ErrUnauthorized
		}
		m := d.Milestone(milestoneID)
		if m == nil {
			return deal.ErrMilestoneNotFound
		}

		// Idempotency: a released milestone with a ledger entry returns
		// the original result rather than re-crediting.
		if m.Status == deal.MilestoneReleased && m.TransactionID != "" {
			prior, err := s.txStore.Get(ctx, m.TransactionID)
			if err != nil {
				return err
			}
			result.AmountCents = prior.AmountCents
			result.Transaction = prior
			result.Duplicate = true
			return nil
		}

		switch m.Status {
		case deal.MilestoneEscrowed, deal.MilestoneEligible:
		case deal.MilestoneDisputed:
			if !req.Force {
				return ErrMilestoneDisputed
			}
		default:
			return fmt.Errorf("%w: cannot release milestone in status %s", ErrInvalidTransition, m.Status)
		}

		// Dispute state is re-evaluated here, at fire time, inside the
		// deal lock: a dispute filed after scheduling still blocks.
		hasDispute, err := s.hasOpenDispute(ctx, dealID, m.ID)
		if err != nil {
			return err
		}
		if !req.Force {
			if hasDispute {
				return ErrMilestoneDisputed
			}
			if req.Type != ReleaseManual {
				if e := s.computeEligibility(m, s.now(), hasDispute); !e.Eligible {
					return fmt.Errorf("%w: %s", ErrNotEligible, e.Reason)
				}
			}
		}

		amount := m.AmountCents + m.BonusCents
		if req.AmountCents > 0 {
			if req.AmountCents > amount {
				return fmt.Errorf("%w: partial release exceeds escrowed amount", ErrInvalidAmount)
			}
			amount = req.AmountCents
		}

		// The transfer runs to completion once issued; the flag keeps a
		// lost compare-and-swap retry from crediting twice.
		if !transferred {
			transfer, err := s.gateway.Transfer(ctx, payments.TransferRequest{
				AmountCents: amount,
				CreatorID:   d.CreatorID,
				Reference:   milestoneID,
			})
			if err != nil {
				s.recordGatewayError(err)
				return err
			}
			transferred = true

			tx := &Transaction{
				ID:          idgen.WithPrefix("txn_"),
				DealID:      dealID,
				MilestoneID: milestoneID,
				Type:        transactionTypeFor(req.Type, d, milestoneID),
				AmountCents: amount,
				Status:      "completed",
				ProviderRef: transfer.ProviderRef,
				PaidAt:      transfer.ProcessedAt,
			}
			if err := s.txStore.Append(ctx, tx); err != nil {
				return fmt.Errorf("creator credited but ledger append failed: %w", err)
			}
			result.Transaction = tx
			result.AmountCents = amount
		}

		now := s.now()
		m.Status = deal.MilestoneReleased
		m.CompletedAt = &now
		m.TransactionID = result.Transaction.ID
		m.ScheduledReleaseAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		metrics.MilestonesReleasedTotal.WithLabelValues(string(req.Type)).Inc()
		metrics.EscrowHeldCents.Sub(float64(result.AmountCents))
		s.logger.Info("milestone released",
			"dealId", dealID, "milestoneId", milestoneID,
			"amountCents", result.AmountCents, "releaseType", req.Type)
	}
	return result, nil
}

// ReleaseBatch releases several milestones, continuing past individual
// failures and reporting per-item outcomes.
func (s *Service) ReleaseBatch(ctx context.Context, dealID, callerID string, milestoneIDs []string, req ReleaseRequest) (*BatchResult, error) {
	batch := &BatchResult{
		ReleasedEarnings: []ReleaseResult{},
		FailedReleases:   []BatchFailure{},
	}
	for _, id := range milestoneIDs {
		res, err := s.Release(ctx, dealID, id, callerID, req)
		if err != nil {
			batch.FailedReleases = append(batch.FailedReleases, BatchFailure{
				MilestoneID: id,
				Error:       err.Error(),
			})
			continue
		}
		batch.ReleasedEarnings = append(batch.ReleasedEarnings, *res)
	}
	return batch, nil
}

// Refund reverses escrow to the marketer. Only escrowed or eligible
// milestones can be refunded; released funds are gone.
func (s *Service) Refund(ctx context.Context, dealID, milestoneID, callerID string, amountCents int64, force bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.DealID(dealID), traces.MilestoneID(milestoneID))
	defer span.End()

	var refundTx *Transaction
	refunded := false

	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if !force && callerID != d.MarketerID {
			return deal.ErrUnauthorized
		}
		m := d.Milestone(milestoneID)
		if m == nil {
			return deal.ErrMilestoneNotFound
		}
		switch m.Status {
		case deal.MilestoneEscrowed, deal.MilestoneEligible:
		case deal.MilestoneDisputed:
			if !force {
				return ErrMilestoneDisputed
			}
		default:
			return fmt.Errorf("%w: cannot refund milestone in status %s", ErrInvalidTransition, m.Status)
		}

		full := m.AmountCents + m.BonusCents
		amount := amountCents
		if amount <= 0 {
			amount = full
		}
		if amount > full {
			return fmt.Errorf("%w: refund exceeds escrowed amount", ErrInvalidAmount)
		}

		if !refunded {
			res, err := s.gateway.Refund(ctx, payments.RefundRequest{
				AmountCents: amount,
				ChargeRef:   m.ChargeRef,
				Reference:   milestoneID,
			})
			if err != nil {
				s.recordGatewayError(err)
				return err
			}
			refunded = true

			refundTx = &Transaction{
				ID:          idgen.WithPrefix("txn_"),
				DealID:      dealID,
				MilestoneID: milestoneID,
				Type:        TxRefund,
				AmountCents: amount,
				Status:      "completed",
				ProviderRef: res.ProviderRef,
				PaidAt:      res.ProcessedAt,
			}
			if err := s.txStore.Append(ctx, refundTx); err != nil {
				return fmt.Errorf("marketer refunded but ledger append failed: %w", err)
			}
		}

		m.Status = deal.MilestoneRefunded
		m.TransactionID = refundTx.ID
		m.ScheduledReleaseAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MilestonesRefundedTotal.Inc()
	metrics.EscrowHeldCents.Sub(float64(refundTx.AmountCents))
	s.logger.Info("milestone refunded",
		"dealId", dealID, "milestoneId", milestoneID, "amountCents", refundTx.AmountCents)
	return refundTx, nil
}

// ScheduleRelease defers the named milestones' automatic release to a
// future date. The schedule is distinct from grace-period eligibility and
// is cancellable until it fires.
func (s *Service) ScheduleRelease(ctx context.Context, dealID, callerID string, releaseAt time.Time, milestoneIDs []string) ([]string, error) {
	if releaseAt.Before(s.now()) {
		return nil, fmt.Errorf("%w: release date is in the past", ErrInvalidAmount)
	}

	var scheduled []string
	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if callerID != d.MarketerID {
			return deal.ErrUnauthorized
		}
		scheduled = scheduled[:0]
		for _, id := range milestoneIDs {
			m := d.Milestone(id)
			if m == nil {
				return deal.ErrMilestoneNotFound
			}
			switch m.Status {
			case deal.MilestoneEscrowed, deal.MilestoneEligible:
			default:
				return fmt.Errorf("%w: cannot schedule milestone in status %s", ErrInvalidTransition, m.Status)
			}
			at := releaseAt
			m.ScheduledReleaseAt = &at
			scheduled = append(scheduled, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

// CancelSchedule clears the milestones' scheduled release dates. Clearing
// before the scheduler's next pass cancels the deferred release.
func (s *Service) CancelSchedule(ctx context.Context, dealID, callerID string, milestoneIDs []string) error {
	_, err := s.deals.Mutate(ctx, dealID, func(d *deal.Deal) error {
		if callerID != d.MarketerID {
			return deal.ErrUnauthorized
		}
		for _, id := range milestoneIDs {
			m := d.Milestone(id)
			if m == nil {
				return deal.ErrMilestoneNotFound
			}
			m.ScheduledReleaseAt = nil
		}
		return nil
	})
	return err
}

// History returns the deal's ledger entries, newest first.
func (s *Service) History(ctx context.Context, dealID, callerID string, limit int) ([]*Transaction, error) {
	if _, err := s.deals.Get(ctx, dealID, callerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.txStore.ListByDeal(ctx, dealID, limit)
}

func (s *Service) hasOpenDispute(ctx context.Context, dealID, milestoneID string) (bool, error) {
	if s.disputes == nil {
		return false, nil
	}
	return s.disputes.HasOpenDispute(ctx, dealID, milestoneID)
}

func (s *Service) recordGatewayError(err error) {
	kind := "failed"
	if errors.Is(err, payments.ErrGatewayTimeout) {
		kind = "timeout"
	}
	metrics.GatewayErrorsTotal.WithLabelValues(kind).Inc()
}

// transactionTypeFor picks the ledger entry type: manual releases record as
// milestone payouts, automatic ones as half/final depending on whether any
// other milestone still holds funds.
func transactionTypeFor(rt ReleaseType, d *deal.Deal, milestoneID string) TransactionType {
	if rt == ReleaseManual {
		return TxMilestone
	}
	for i := range d.Milestones {
		m := &d.Milestones[i]
		if m.ID == milestoneID {
			continue
		}
		switch m.Status {
		case deal.MilestoneReleased, deal.MilestoneRefunded:
		default:
			return TxReleaseHalf
		}
	}
	return TxReleaseFinal
}
