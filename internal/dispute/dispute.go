// Package dispute runs the dispute-resolution workflow that gates the
// escrow pipeline. Filing a dispute against a milestone immediately
// excludes it from automatic release; resolving maps the chosen outcome to
// concrete escrow actions, reporting payment failures per milestone without
// blocking the dispute's own transition to resolved.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound   = errors.New("dispute: not found")
	ErrInvalidTransition = errors.New("dispute: invalid status transition")
	ErrInvalidOutcome    = errors.New("dispute: unknown resolution outcome")
	ErrUnauthorized      = errors.New("dispute: caller may not act on this dispute")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusMediation   Status = "mediation"
	StatusResolved    Status = "resolved"
	StatusEscalated   Status = "escalated"
	StatusCancelled   Status = "cancelled"
)

// Terminal returns true for final dispute states. Escalated is not
// terminal: it hands the case to an admin, who exits it through Resolve,
// and the dispute keeps blocking its milestone until then.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// Outcome selects the escrow action a resolution performs.
type Outcome string

const (
	OutcomeReleaseFull    Outcome = "release_full_payment"
	OutcomeReleasePartial Outcome = "release_partial_payment"
	OutcomeRefundFull     Outcome = "refund_full_payment"
	OutcomeRefundPartial  Outcome = "refund_partial_payment"
	OutcomeContinueWork   Outcome = "continue_work"
	OutcomeCancelDeal     Outcome = "cancel_deal"
)

// PaymentResults reports the per-milestone outcomes of a resolution's
// payment step. Failures are collected, never fatal to the resolution.
type PaymentResults struct {
	PaymentsReleased []string `json:"paymentsReleased"`
	RefundsProcessed []string `json:"refundsProcessed"`
	PaymentsHeld     []string `json:"paymentsHeld"`
	Errors           []string `json:"errors"`
}

// Resolution records how a dispute was settled.
type Resolution struct {
	Outcome    Outcome        `json:"outcome"`
	Summary    string         `json:"resolutionSummary,omitempty"`
	ResolvedBy string         `json:"resolvedBy"`
	ResolvedAt time.Time      `json:"resolvedAt"`
	Payments   PaymentResults `json:"paymentActions"`
}

// Dispute is a filed disagreement over a deal, optionally pinned to one
// milestone. While non-terminal it blocks that milestone's release.
type Dispute struct {
	ID               string      `json:"id"`
	DealID           string      `json:"dealId"`
	MilestoneID      string      `json:"milestoneId,omitempty"`
	Category         string      `json:"category"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Status           Status      `json:"status"`
	RequestedOutcome Outcome     `json:"requestedOutcome,omitempty"`
	FiledBy          string      `json:"filedBy"`
	Resolution       *Resolution `json:"resolution,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByDeal(ctx context.Context, dealID string) ([]*Dispute, error)
	// HasOpen reports whether a non-terminal dispute references the
	// milestone (or the whole deal when milestoneID matches a deal-scoped
	// dispute).
	HasOpen(ctx context.Context, dealID, milestoneID string) (bool, error)
}

// CreateRequest files a dispute.
type CreateRequest struct {
	MilestoneID      string  `json:"milestoneId"`
	Category         string  `json:"category" binding:"required"`
	Title            string  `json:"title" binding:"required"`
	Description      string  `json:"description"`
	RequestedOutcome Outcome `json:"requestedOutcome"`
}

// ResolveRequest settles a dispute.
type ResolveRequest struct {
	Outcome       Outcome `json:"outcome" binding:"required"`
	Summary       string  `json:"resolutionSummary"`
	PartialAmount string  `json:"partialAmount,omitempty"` // required for partial outcomes
}
