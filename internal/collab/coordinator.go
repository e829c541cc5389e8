package collab

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/collabpay/collabpay/internal/metrics"
	"github.com/collabpay/collabpay/internal/offer"
	"github.com/collabpay/collabpay/internal/traces"
	"github.com/collabpay/collabpay/internal/validation"
)

// Coordinator detects and resolves concurrent-edit conflicts. All commits
// go through the offer service's per-offer single-writer primitive, so the
// conflict check and the write happen atomically against the same snapshot.
type Coordinator struct {
	offers   *offer.Service
	registry *Registry
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator over the given offer service and
// session registry.
func NewCoordinator(offers *offer.Service, registry *Registry) *Coordinator {
	return &Coordinator{
		offers:   offers,
		registry: registry,
		logger:   slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

// StartSession opens an edit session for a participant and reports the
// current collaborators and offer version.
func (c *Coordinator) StartSession(ctx context.Context, offerID, userID, section string) (*Session, []*Session, int64, error) {
	o, err := c.offers.Get(ctx, offerID, userID)
	if err != nil {
		return nil, nil, 0, err
	}
	if o.IsTerminal() {
		return nil, nil, 0, ErrNotEditable
	}
	s, err := c.registry.Start(offerID, userID, section)
	if err != nil {
		return nil, nil, 0, err
	}
	return s, c.registry.Active(offerID), o.Version, nil
}

// CheckConflicts reports the clashes a client at clientVersion would hit
// writing the given sections, without committing anything.
func (c *Coordinator) CheckConflicts(ctx context.Context, offerID, userID string, clientVersion int64, sections map[string]map[string]any) (*Report, error) {
	o, err := c.offers.Get(ctx, offerID, userID)
	if err != nil {
		return nil, err
	}
	touched := sectionFields(sections)
	return c.detect(o, userID, clientVersion, touched), nil
}

// Apply commits a client's changes under the per-offer write lock. The
// conflict check re-runs against the locked snapshot, so a dispute between
// the check and the write is impossible. Unresolved conflicts surface as a
// *ConflictError; merge commits disjoint fields and reports the rest as
// skipped.
func (c *Coordinator) Apply(ctx context.Context, offerID string, req ApplyRequest) (*ApplyResult, error) {
	ctx, span := traces.StartSpan(ctx, "collab.Apply", traces.OfferID(offerID))
	defer span.End()

	touched := sectionFields(req.Changes)
	for section := range touched {
		if !validation.IsValidSection(section) {
			return nil, ErrInvalidSection
		}
	}

	if req.Resolution == ResolutionCancel {
		return nil, ErrCancelled
	}

	result := &ApplyResult{}

	o, err := c.offers.Mutate(ctx, offerID, func(o *offer.Offer) error {
		// Reset on entry: a lost compare-and-swap reruns this closure
		// against a fresh snapshot.
		result.AppliedChanges = make(map[string][]string)
		result.SkippedFields = make(map[string][]string)
		result.Overridden = false

		if o.Party(req.UserID) == "" {
			return offer.ErrUnauthorized
		}
		if o.IsTerminal() {
			return ErrNotEditable
		}

		report := c.detect(o, req.UserID, req.ClientVersion, touched)
		if report.HasConflicts {
			for _, conflict := range report.Conflicts {
				metrics.EditConflictsTotal.WithLabelValues(string(conflict.Type)).Inc()
			}
		}

		apply := req.Changes
		switch {
		case req.ForceOverride:
			result.Overridden = true
		case !report.HasConflicts:
		case req.Resolution == ResolutionOverwrite:
			result.Overridden = true
		case req.Resolution == ResolutionMerge:
			apply = pruneConflicting(req.Changes, report, result.SkippedFields)
			if len(apply) == 0 {
				return &ConflictError{Report: report}
			}
		default:
			return &ConflictError{Report: report}
		}

		rec := offer.ChangeRecord{
			Version:    o.Version + 1,
			UserID:     req.UserID,
			Sections:   make(map[string][]string),
			Overridden: result.Overridden,
			At:         time.Now(),
		}
		for section, fields := range apply {
			if o.Sections[section] == nil {
				o.Sections[section] = make(map[string]any)
			}
			names := make([]string, 0, len(fields))
			for name, value := range fields {
				o.Sections[section][name] = value
				names = append(names, name)
			}
			sort.Strings(names)
			rec.Sections[section] = names
			result.AppliedChanges[section] = names
		}
		o.AppendChange(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Overridden {
		c.logger.Info("conflicting edit overridden",
			"offerId", offerID, "userId", req.UserID, "version", o.Version)
	}
	result.NewVersion = o.Version
	if len(result.SkippedFields) == 0 {
		result.SkippedFields = nil
	}
	return result, nil
}

// detect computes the conflict report for one client write against the
// current offer snapshot.
func (c *Coordinator) detect(o *offer.Offer, userID string, clientVersion int64, touched map[string][]string) *Report {
	report := &Report{ServerVersion: o.Version}

	if clientVersion < o.Version {
		for _, rec := range o.ChangeLog {
			if rec.Version <= clientVersion || rec.UserID == userID {
				continue
			}
			for section, serverFields := range rec.Sections {
				clientFields, ok := touched[section]
				if !ok {
					continue
				}
				overlap := intersect(clientFields, serverFields)
				if len(overlap) == 0 {
					continue
				}
				report.Conflicts = append(report.Conflicts, Conflict{
					Type:    VersionConflict,
					Section: section,
					Fields:  overlap,
					UserID:  rec.UserID,
					Version: rec.Version,
				})
			}
		}
	}

	for _, s := range c.registry.Active(o.ID) {
		if s.UserID == userID {
			continue
		}
		if _, ok := touched[s.Section]; !ok {
			continue
		}
		report.Conflicts = append(report.Conflicts, Conflict{
			Type:    SectionConflict,
			Section: s.Section,
			UserID:  s.UserID,
		})
	}

	report.HasConflicts = len(report.Conflicts) > 0
	report.CanProceed = !report.HasConflicts
	return report
}

// pruneConflicting drops the fields named by version conflicts, recording
// them as skipped. Live-session section conflicts do not reject fields: no
// committed data overlaps yet, and the other editor's own apply will run
// its own check.
func pruneConflicting(changes map[string]map[string]any, report *Report, skipped map[string][]string) map[string]map[string]any {
	blocked := make(map[string]map[string]bool)
	for _, conflict := range report.Conflicts {
		if conflict.Type != VersionConflict {
			continue
		}
		if blocked[conflict.Section] == nil {
			blocked[conflict.Section] = make(map[string]bool)
		}
		for _, f := range conflict.Fields {
			blocked[conflict.Section][f] = true
		}
	}

	out := make(map[string]map[string]any)
	for section, fields := range changes {
		for name, value := range fields {
			if blocked[section][name] {
				skipped[section] = append(skipped[section], name)
				continue
			}
			if out[section] == nil {
				out[section] = make(map[string]any)
			}
			out[section][name] = value
		}
		sort.Strings(skipped[section])
	}
	return out
}

func sectionFields(changes map[string]map[string]any) map[string][]string {
	out := make(map[string][]string, len(changes))
	for section, fields := range changes {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		out[section] = names
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
