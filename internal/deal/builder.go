package deal

import (
	"fmt"
	"math"
	"time"

	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/money"
)

// skewRatio is the geometric ratio for front/back-loaded templates. Each
// milestone's weight is ratio^i (front) or ratio^(n-1-i) (back), then
// renormalized so the cent amounts sum to the total exactly.
const skewRatio = 0.75

// percentTolerance is the allowed deviation of custom percentage sums
// from 100.
const percentTolerance = 0.01

// defaultMilestoneCount is used when the caller gives neither a count nor
// explicit percentages or details.
const defaultMilestoneCount = 3

// BuildMilestones generates a milestone schedule for a deal total. It is
// pure validation and arithmetic: no I/O, and a failure produces no
// milestones at all.
func BuildMilestones(totalCents int64, createdBy string, start time.Time, req StructureRequest) ([]Milestone, error) {
	n := req.Count
	if n <= 0 {
		n = len(req.MilestoneDetails)
	}
	if req.Template == TemplateCustom {
		n = len(req.CustomPercentages)
	}
	if n <= 0 {
		n = defaultMilestoneCount
	}

	var amounts []int64
	switch req.Template {
	case TemplateEqualSplit:
		amounts = money.SplitEqual(totalCents, n)
	case TemplateFrontLoaded:
		amounts = money.SplitWeighted(totalCents, geometricWeights(n, false))
	case TemplateBackLoaded:
		amounts = money.SplitWeighted(totalCents, geometricWeights(n, true))
	case TemplateCustom:
		if err := validatePercentages(req.CustomPercentages); err != nil {
			return nil, err
		}
		amounts = money.SplitWeighted(totalCents, req.CustomPercentages)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplate, req.Template)
	}

	autoReleaseDays := req.AutoReleaseDays
	if autoReleaseDays <= 0 {
		autoReleaseDays = 7
	}

	milestones := make([]Milestone, len(amounts))
	for i, amount := range amounts {
		m := Milestone{
			ID:          idgen.WithPrefix("ms_"),
			Name:        fmt.Sprintf("Milestone %d", i+1),
			AmountCents: amount,
			DueDate:     start.AddDate(0, 0, (i+1)*autoReleaseDays),
			Status:      MilestonePending,
			CreatedBy:   createdBy,
		}
		if i < len(req.MilestoneDetails) {
			if d := req.MilestoneDetails[i]; d.Name != "" {
				m.Name = d.Name
			}
			if d := req.MilestoneDetails[i]; d.DueDate != nil {
				m.DueDate = *d.DueDate
			}
		}
		milestones[i] = m
	}
	return milestones, nil
}

func validatePercentages(percentages []float64) error {
	if len(percentages) == 0 {
		return fmt.Errorf("%w: no percentages supplied", ErrInvalidPercentages)
	}
	var sum float64
	for _, p := range percentages {
		if p <= 0 {
			return fmt.Errorf("%w: percentage %v is not positive", ErrInvalidPercentages, p)
		}
		sum += p
	}
	if math.Abs(sum-100) > percentTolerance {
		return fmt.Errorf("%w: got %.2f", ErrInvalidPercentages, sum)
	}
	return nil
}

// geometricWeights returns ratio^i per milestone, reversed for back-loaded
// schedules so the largest share lands last.
func geometricWeights(n int, ascending bool) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		exp := i
		if ascending {
			exp = n - 1 - i
		}
		weights[i] = math.Pow(skewRatio, float64(exp))
	}
	return weights
}
