// Package escrow owns the milestone funding and release pipeline: charging
// the marketer into escrow, computing release eligibility, crediting the
// creator on release, and refunding back to the marketer.
//
// Milestone state is the most contended resource in the system. Every
// mutation runs inside the deal service's per-deal single-writer primitive,
// and the open-dispute check happens inside the same critical section as
// the eligibility computation, so a dispute filed between check and act can
// never be missed. Releases dedupe on the milestone's transactionId: a
// second release returns the original transaction instead of re-crediting.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidTransition   = errors.New("escrow: invalid milestone transition")
	ErrNotEligible         = errors.New("escrow: milestone not eligible for release")
	ErrMilestoneDisputed   = errors.New("escrow: milestone has an open dispute")
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxEscrow       TransactionType = "escrow"
	TxReleaseHalf  TransactionType = "release_half"
	TxReleaseFinal TransactionType = "release_final"
	TxRefund       TransactionType = "refund"
	TxMilestone    TransactionType = "milestone"
)

// ReleaseType identifies what triggered a release.
type ReleaseType string

const (
	ReleaseManual    ReleaseType = "manual"
	ReleaseAutomatic ReleaseType = "automatic"
	ReleaseAdmin     ReleaseType = "admin_forced"
)

// Transaction is one append-only ledger entry. Entries are never mutated
// after creation, only superseded by new ones.
type Transaction struct {
	ID            string          `json:"transactionId"`
	DealID        string          `json:"dealId"`
	MilestoneID   string          `json:"milestoneId"`
	Type          TransactionType `json:"type"`
	AmountCents   int64           `json:"amountCents"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Status        string          `json:"status"`
	ProviderRef   string          `json:"providerRef,omitempty"`
	PaidAt        time.Time       `json:"paidAt"`
}

// TransactionStore is the append-only transaction ledger.
type TransactionStore interface {
	Append(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListByDeal(ctx context.Context, dealID string, limit int) ([]*Transaction, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]*Transaction, error)
}

// Eligibility is the per-milestone release eligibility detail.
type Eligibility struct {
	MilestoneID       string  `json:"milestoneId"`
	Status            string  `json:"status"`
	Eligible          bool    `json:"eligible"`
	Reason            string  `json:"reason,omitempty"`
	DaysSinceEscrowed float64 `json:"daysSinceEscrowed"`
	Overdue           bool    `json:"overdue"`
}

// OpenDisputeChecker reports whether a non-terminal dispute references a
// milestone. The dispute package implements it; escrow calls it inside the
// per-deal critical section.
type OpenDisputeChecker interface {
	HasOpenDispute(ctx context.Context, dealID, milestoneID string) (bool, error)
}

// ReleaseRequest parameterizes a release.
type ReleaseRequest struct {
	Type        ReleaseType `json:"releaseType"`
	Reason      string      `json:"reason,omitempty"`
	AmountCents int64       `json:"amountCents,omitempty"` // 0 means the full milestone amount plus bonus
	Force       bool        `json:"-"`                     // privileged, set by admin paths only
}

// ReleaseResult reports one release outcome.
type ReleaseResult struct {
	MilestoneID string       `json:"milestoneId"`
	AmountCents int64        `json:"amountCents"`
	Transaction *Transaction `json:"transaction"`
	Duplicate   bool         `json:"duplicate,omitempty"` // true when dedupe returned a prior result
}

// BatchFailure is one failed item in a batch release.
type BatchFailure struct {
	MilestoneID string `json:"milestoneId"`
	Error       string `json:"error"`
}

// BatchResult is a partial-success batch report: failures never abort the
// remaining items.
type BatchResult struct {
	ReleasedEarnings []ReleaseResult `json:"releasedEarnings"`
	FailedReleases   []BatchFailure  `json:"failedReleases"`
}
