// Package deal manages accepted collaborations and their milestone
// schedules. A deal is formed from an accepted offer exactly once; its
// payment amount is then split into milestones by a template builder, and
// each milestone runs the escrow lifecycle owned by the escrow package.
package deal

import (
	"context"
	"errors"
	"time"

	"github.com/collabpay/collabpay/internal/pagination"
)

var (
	ErrDealNotFound       = errors.New("deal: not found")
	ErrDealExists         = errors.New("deal: a deal already exists for this offer")
	ErrMilestoneNotFound  = errors.New("deal: milestone not found")
	ErrUnauthorized       = errors.New("deal: caller is not a participant")
	ErrVersionConflict    = errors.New("deal: version conflict")
	ErrInvalidTemplate    = errors.New("deal: unknown milestone template")
	ErrInvalidPercentages = errors.New("deal: custom percentages must sum to 100")
	ErrAlreadyStructured  = errors.New("deal: milestones already funded, cannot restructure")
)

// Status represents the state of a deal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// MilestoneStatus tracks a milestone through the escrow lifecycle.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneFunded   MilestoneStatus = "funded"
	MilestoneEscrowed MilestoneStatus = "escrowed"
	MilestoneEligible MilestoneStatus = "eligible"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneRefunded MilestoneStatus = "refunded"
	MilestoneDisputed MilestoneStatus = "disputed"
)

// Template selects how a deal's total is split into milestones.
type Template string

const (
	TemplateEqualSplit  Template = "equal_split"
	TemplateFrontLoaded Template = "front_loaded"
	TemplateBackLoaded  Template = "back_loaded"
	TemplateCustom      Template = "custom"
)

// Milestone is one sub-portion of a deal's payment with its own escrow
// lifecycle. TransactionID is the release dedupe key: a second release of
// the same milestone returns the original result instead of re-crediting.
type Milestone struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	AmountCents        int64           `json:"amountCents"`
	BonusCents         int64           `json:"bonusCents,omitempty"`
	DueDate            time.Time       `json:"dueDate"`
	Status             MilestoneStatus `json:"status"`
	CreatedBy          string          `json:"createdBy"`
	FundedAt           *time.Time      `json:"fundedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	TransactionID      string          `json:"transactionId,omitempty"`
	ChargeRef          string          `json:"chargeRef,omitempty"` // gateway reference backing the escrow charge
	ScheduledReleaseAt *time.Time      `json:"scheduledReleaseAt,omitempty"`
}

// Deal is an accepted collaboration with a milestone schedule. The sum of
// milestone amounts (plus bonuses) equals PaymentAmountCents exactly once
// structured.
type Deal struct {
	ID                 string      `json:"id"`
	DealNumber         string      `json:"dealNumber"`
	OfferID            string      `json:"offerId"`
	MarketerID         string      `json:"marketerId"`
	CreatorID          string      `json:"creatorId"`
	PaymentAmountCents int64       `json:"paymentAmountCents"`
	Milestones         []Milestone `json:"milestones"`
	Status             Status      `json:"status"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Participant returns true if userID is a party to the deal.
func (d *Deal) Participant(userID string) bool {
	return userID == d.MarketerID || userID == d.CreatorID
}

// Milestone returns the milestone with the given id, or nil.
func (d *Deal) Milestone(id string) *Milestone {
	for i := range d.Milestones {
		if d.Milestones[i].ID == id {
			return &d.Milestones[i]
		}
	}
	return nil
}

// Funded reports whether any milestone has moved past pending.
func (d *Deal) Funded() bool {
	for i := range d.Milestones {
		if d.Milestones[i].Status != MilestonePending {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for concurrent readers.
func (d *Deal) Clone() *Deal {
	cp := *d
	if d.Milestones != nil {
		cp.Milestones = make([]Milestone, len(d.Milestones))
		copy(cp.Milestones, d.Milestones)
	}
	return &cp
}

// Store persists deals. Update is a compare-and-swap keyed on Version,
// mirroring the offer store: it fails with ErrVersionConflict unless the
// stored version equals expectedVersion.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	GetByOffer(ctx context.Context, offerID string) (*Deal, error)
	Update(ctx context.Context, d *Deal, expectedVersion int64) error
	ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error)
	ListWithEscrowedMilestones(ctx context.Context, limit int) ([]*Deal, error)
}

// MilestoneDetail is caller-supplied naming for one generated milestone.
type MilestoneDetail struct {
	Name    string     `json:"name"`
	DueDate *time.Time `json:"dueDate,omitempty"`
}

// StructureRequest configures the milestone builder for a deal.
type StructureRequest struct {
	Template          Template          `json:"template" binding:"required"`
	Count             int               `json:"count"`
	CustomPercentages []float64         `json:"customPercentages"`
	MilestoneDetails  []MilestoneDetail `json:"milestoneDetails"`
	AutoReleaseDays   int               `json:"autoReleaseDays"`
}
