// Package offer provides the deal-negotiation state machine between a
// marketer and a creator.
//
// Flow:
//  1. Marketer drafts an offer and sends it to the creator
//  2. Either side counters; rounds alternate until agreement
//  3. Creator (or marketer) accepts → a deal with milestones is formed
//  4. Rejecting/cancelling ends the negotiation; stale offers expire
//
// Every persisted mutation bumps the offer's version through a
// compare-and-swap write, so concurrent editors never silently clobber
// each other.
package offer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/collabpay/collabpay/internal/pagination"
)

var (
	ErrOfferNotFound     = errors.New("offer: not found")
	ErrInvalidTransition = errors.New("offer: invalid status transition")
	ErrDuplicateDeal     = errors.New("offer: a deal already exists for this offer")
	ErrUnauthorized      = errors.New("offer: caller is not a participant")
	ErrVersionConflict   = errors.New("offer: version conflict")
	ErrInvalidAmount     = errors.New("offer: invalid amount")
)

// Status represents the state of an offer.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusViewed    Status = "viewed"
	StatusCountered Status = "countered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Party identifies which side of the negotiation acted.
type Party string

const (
	PartyMarketer Party = "marketer"
	PartyCreator  Party = "creator"
)

// ChangeLogLimit bounds the per-offer change history kept for
// collaborative-edit conflict detection.
const ChangeLogLimit = 50

// CounterOffer is one negotiation round.
type CounterOffer struct {
	CounterBy     Party     `json:"counterBy"`
	AmountCents   int64     `json:"amountCents"`
	Notes         string    `json:"notes,omitempty"`
	Deliverables  []string  `json:"deliverables,omitempty"`
	AcceptedTerms bool      `json:"acceptedTerms"`
	CounterDate   time.Time `json:"counterDate"`
}

// Metrics are derived negotiation statistics. They are recomputed from the
// full counter sequence on every round, never accumulated incrementally,
// so out-of-order replays converge on the same values.
type Metrics struct {
	TotalRounds        int        `json:"totalRounds"`
	NegotiationStarted *time.Time `json:"negotiationStarted,omitempty"`
	LastActivity       *time.Time `json:"lastActivity,omitempty"`
	AvgResponseHours   float64    `json:"avgResponseHours"`
	MarketerResponses  int        `json:"marketerResponses"`
	CreatorResponses   int        `json:"creatorResponses"`
}

// ChangeRecord is one entry in the offer's bounded change history: which
// section fields a write touched at which version. Collaborative-edit
// conflict detection replays this history against a client's last-seen
// version.
type ChangeRecord struct {
	Version    int64               `json:"version"`
	UserID     string              `json:"userId"`
	Sections   map[string][]string `json:"sections"` // section -> fields touched
	Overridden bool                `json:"overridden,omitempty"`
	At         time.Time           `json:"at"`
}

// Offer is the negotiable collaboration proposal.
type Offer struct {
	ID            string                    `json:"id"`
	MarketerID    string                    `json:"marketerId"`
	CreatorID     string                    `json:"creatorId"`
	ProposedCents int64                     `json:"proposedCents"`
	Status        Status                    `json:"status"`
	Counters      []CounterOffer            `json:"counters,omitempty"`
	Sections      map[string]map[string]any `json:"sections,omitempty"`
	ChangeLog     []ChangeRecord            `json:"-"`
	Version       int64                     `json:"version"`
	Metrics       Metrics                   `json:"negotiationMetrics"`
	DealID        string                    `json:"dealId,omitempty"`
	ExpiresAt     *time.Time                `json:"expiresAt,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// IsTerminal returns true if the offer is in a final state.
func (o *Offer) IsTerminal() bool {
	switch o.Status {
	case StatusAccepted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Party returns which side of the negotiation userID is on, or "" if the
// user is not a participant.
func (o *Offer) Party(userID string) Party {
	switch userID {
	case o.MarketerID:
		return PartyMarketer
	case o.CreatorID:
		return PartyCreator
	}
	return ""
}

// Clone returns a deep copy safe for concurrent readers.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.Counters != nil {
		cp.Counters = make([]CounterOffer, len(o.Counters))
		copy(cp.Counters, o.Counters)
	}
	if o.ChangeLog != nil {
		cp.ChangeLog = make([]ChangeRecord, len(o.ChangeLog))
		copy(cp.ChangeLog, o.ChangeLog)
	}
	if o.Sections != nil {
		cp.Sections = make(map[string]map[string]any, len(o.Sections))
		for sec, fields := range o.Sections {
			fcp := make(map[string]any, len(fields))
			for k, v := range fields {
				fcp[k] = v
			}
			cp.Sections[sec] = fcp
		}
	}
	return &cp
}

// AppendChange records a change-log entry, trimming history beyond
// ChangeLogLimit.
func (o *Offer) AppendChange(rec ChangeRecord) {
	o.ChangeLog = append(o.ChangeLog, rec)
	if len(o.ChangeLog) > ChangeLogLimit {
		o.ChangeLog = o.ChangeLog[len(o.ChangeLog)-ChangeLogLimit:]
	}
}

// RecomputeMetrics derives negotiation metrics from the counter sequence.
// The average response time is the mean of deltas between adjacent rounds
// (ordered by counterDate), in hours — not a single start/end span.
func RecomputeMetrics(counters []CounterOffer) Metrics {
	m := Metrics{TotalRounds: len(counters)}
	if len(counters) == 0 {
		return m
	}

	ordered := make([]CounterOffer, len(counters))
	copy(ordered, counters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CounterDate.Before(ordered[j].CounterDate)
	})

	first := ordered[0].CounterDate
	last := ordered[len(ordered)-1].CounterDate
	m.NegotiationStarted = &first
	m.LastActivity = &last

	for _, c := range ordered {
		switch c.CounterBy {
		case PartyMarketer:
			m.MarketerResponses++
		case PartyCreator:
			m.CreatorResponses++
		}
	}

	if len(ordered) > 1 {
		var totalHours float64
		for i := 1; i < len(ordered); i++ {
			totalHours += ordered[i].CounterDate.Sub(ordered[i-1].CounterDate).Hours()
		}
		m.AvgResponseHours = totalHours / float64(len(ordered)-1)
	}

	return m
}

// Store persists offers. Update is a compare-and-swap: it fails with
// ErrVersionConflict unless the stored version equals expectedVersion, and
// persists the offer with Version = expectedVersion + 1.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer, expectedVersion int64) error
	ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Offer, error)
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
}

// DealFormer converts an accepted offer into a deal. Implementations must
// enforce at most one deal per offer.
type DealFormer interface {
	FormDeal(ctx context.Context, o *Offer) (string, error)
}

// CreateRequest contains the parameters for drafting an offer.
type CreateRequest struct {
	MarketerID string                    `json:"marketerId" binding:"required"`
	CreatorID  string                    `json:"creatorId" binding:"required"`
	Amount     string                    `json:"amount" binding:"required"`
	Sections   map[string]map[string]any `json:"sections"`
	ExpiresIn  string                    `json:"expiresIn"` // duration, e.g. "720h"
}

// CounterRequest contains the parameters for a counter-offer round.
type CounterRequest struct {
	Amount        string   `json:"counterAmount" binding:"required"`
	Notes         string   `json:"notes"`
	Deliverables  []string `json:"deliverables"`
	AcceptedTerms bool     `json:"acceptedTerms"`
}
