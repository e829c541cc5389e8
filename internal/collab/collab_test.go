package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/collabpay/collabpay/internal/offer"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *Registry, *offer.Offer) {
	t.Helper()
	store := offer.NewMemoryStore()
	offers := offer.NewService(store)
	o, err := offers.Create(context.Background(), offer.CreateRequest{
		MarketerID: "mkt_1",
		CreatorID:  "cre_1",
		Amount:     "1000.00",
	})
	if err != nil {
		t.Fatalf("Create offer failed: %v", err)
	}
	registry := NewRegistry()
	return NewCoordinator(offers, registry), registry, o
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()

	s, err := r.Start("off_1", "u1", "pricing")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Section != "pricing" {
		t.Errorf("expected section pricing, got %s", s.Section)
	}

	// One session per (offer, user); restarting re-targets the section.
	s2, err := r.Start("off_1", "u1", "timeline")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if s2.Section != "timeline" {
		t.Errorf("expected section timeline, got %s", s2.Section)
	}
	if got := len(r.Active("off_1")); got != 1 {
		t.Errorf("expected 1 active session, got %d", got)
	}

	if err := r.Heartbeat("off_1", "u1"); err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}
	if err := r.Heartbeat("off_1", "nobody"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	r.End("off_1", "u1")
	if got := len(r.Active("off_1")); got != 0 {
		t.Errorf("expected 0 active sessions after end, got %d", got)
	}
}

func TestRegistry_InvalidSection(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Start("off_1", "u1", "secret_stuff"); !errors.Is(err, ErrInvalidSection) {
		t.Errorf("expected ErrInvalidSection, got %v", err)
	}
}

func TestRegistry_ExpiryAndSweep(t *testing.T) {
	r := NewRegistry().WithLiveness(30 * time.Second)
	now := time.Now()
	r.now = func() time.Time { return now }

	_, _ = r.Start("off_1", "u1", "pricing")
	_, _ = r.Start("off_1", "u2", "timeline")

	// u2 heartbeats 40s later; u1 lapses.
	now = now.Add(40 * time.Second)
	if err := r.Heartbeat("off_1", "u2"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	active := r.Active("off_1")
	if len(active) != 1 || active[0].UserID != "u2" {
		t.Fatalf("expected only u2 active, got %+v", active)
	}

	if n := r.Sweep(); n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if err := r.Heartbeat("off_1", "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected u1 gone after sweep, got %v", err)
	}
}

func TestApply_NoConflict(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()

	result, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: o.Version,
		Changes: map[string]map[string]any{
			"pricing": {"amount": "1200.00"},
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.NewVersion != o.Version+1 {
		t.Errorf("expected version %d, got %d", o.Version+1, result.NewVersion)
	}
	if got := result.AppliedChanges["pricing"]; len(got) != 1 || got[0] != "amount" {
		t.Errorf("unexpected applied changes: %+v", result.AppliedChanges)
	}
}

func TestApply_StaleSameFieldConflicts(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()
	base := o.Version

	// Both clients read version 1; the first write lands.
	if _, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "900.00"}},
	}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// The second, still at the stale version and touching the same field,
	// must be reported as a conflict instead of silently clobbering.
	_, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "cre_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "950.00"}},
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	found := false
	for _, c := range conflictErr.Report.Conflicts {
		if c.Type == VersionConflict && c.Section == "pricing" {
			found = true
			if len(c.Fields) != 1 || c.Fields[0] != "amount" {
				t.Errorf("expected overlapping field amount, got %v", c.Fields)
			}
		}
	}
	if !found {
		t.Errorf("no version conflict on pricing in %+v", conflictErr.Report.Conflicts)
	}
}

func TestApply_MergeDisjointFieldsBothSucceed(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()
	base := o.Version

	if _, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "900.00"}},
	}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// Same stale version, same section, different field: merge commits it.
	result, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "cre_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"currency": "USD"}},
		Resolution:    ResolutionMerge,
	})
	if err != nil {
		t.Fatalf("merge apply failed: %v", err)
	}
	if got := result.AppliedChanges["pricing"]; len(got) != 1 || got[0] != "currency" {
		t.Errorf("unexpected merged fields: %+v", result.AppliedChanges)
	}

	// Both changes coexist on the offer.
	current, err := coord.offers.Get(ctx, o.ID, "mkt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.Sections["pricing"]["amount"] != "900.00" {
		t.Errorf("first writer's change lost: %+v", current.Sections["pricing"])
	}
	if current.Sections["pricing"]["currency"] != "USD" {
		t.Errorf("merged change missing: %+v", current.Sections["pricing"])
	}
}

func TestApply_MergeSkipsOverlappingFields(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()
	base := o.Version

	if _, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "900.00"}},
	}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	result, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "cre_1",
		ClientVersion: base,
		Changes: map[string]map[string]any{
			"pricing": {"amount": "950.00", "currency": "USD"},
		},
		Resolution: ResolutionMerge,
	})
	if err != nil {
		t.Fatalf("merge apply failed: %v", err)
	}
	if got := result.SkippedFields["pricing"]; len(got) != 1 || got[0] != "amount" {
		t.Errorf("expected amount skipped, got %+v", result.SkippedFields)
	}
	if got := result.AppliedChanges["pricing"]; len(got) != 1 || got[0] != "currency" {
		t.Errorf("expected only currency applied, got %+v", result.AppliedChanges)
	}

	current, _ := coord.offers.Get(ctx, o.ID, "mkt_1")
	if current.Sections["pricing"]["amount"] != "900.00" {
		t.Errorf("merge overwrote a conflicting field: %+v", current.Sections["pricing"])
	}
}

func TestApply_OverwriteAndForceOverride(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()
	base := o.Version

	if _, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "900.00"}},
	}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	result, err := coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "cre_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "950.00"}},
		Resolution:    ResolutionOverwrite,
	})
	if err != nil {
		t.Fatalf("overwrite apply failed: %v", err)
	}
	if !result.Overridden {
		t.Error("expected overwrite to be flagged as overridden")
	}

	current, _ := coord.offers.Get(ctx, o.ID, "mkt_1")
	if current.Sections["pricing"]["amount"] != "950.00" {
		t.Errorf("overwrite did not land: %+v", current.Sections["pricing"])
	}

	// forceOverride bypasses checks even with conflicts present.
	result, err = coord.Apply(ctx, o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: base,
		Changes:       map[string]map[string]any{"pricing": {"amount": "1000.00"}},
		ForceOverride: true,
	})
	if err != nil {
		t.Fatalf("forced apply failed: %v", err)
	}
	if !result.Overridden {
		t.Error("expected forced apply to be flagged as overridden")
	}
}

func TestApply_CancelDiscards(t *testing.T) {
	coord, _, o := newTestCoordinator(t)

	_, err := coord.Apply(context.Background(), o.ID, ApplyRequest{
		UserID:        "mkt_1",
		ClientVersion: o.Version,
		Changes:       map[string]map[string]any{"pricing": {"amount": "1.00"}},
		Resolution:    ResolutionCancel,
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	current, _ := coord.offers.Get(context.Background(), o.ID, "mkt_1")
	if current.Version != o.Version {
		t.Errorf("cancel must not bump the version: %d -> %d", o.Version, current.Version)
	}
}

func TestSectionConflict_LiveSession(t *testing.T) {
	coord, registry, o := newTestCoordinator(t)
	ctx := context.Background()

	if _, _, _, err := coord.StartSession(ctx, o.ID, "cre_1", "pricing"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	report, err := coord.CheckConflicts(ctx, o.ID, "mkt_1", o.Version,
		map[string]map[string]any{"pricing": {"amount": "1.00"}})
	if err != nil {
		t.Fatalf("CheckConflicts failed: %v", err)
	}
	if !report.HasConflicts || report.CanProceed {
		t.Fatalf("expected a live-session conflict, got %+v", report)
	}
	if report.Conflicts[0].Type != SectionConflict || report.Conflicts[0].UserID != "cre_1" {
		t.Errorf("unexpected conflict: %+v", report.Conflicts[0])
	}

	// The editor's own session never conflicts with their own write.
	report, _ = coord.CheckConflicts(ctx, o.ID, "cre_1", o.Version,
		map[string]map[string]any{"pricing": {"amount": "1.00"}})
	if report.HasConflicts {
		t.Errorf("own session reported as conflict: %+v", report.Conflicts)
	}

	registry.End(o.ID, "cre_1")
	report, _ = coord.CheckConflicts(ctx, o.ID, "mkt_1", o.Version,
		map[string]map[string]any{"pricing": {"amount": "1.00"}})
	if report.HasConflicts {
		t.Errorf("conflict persists after session end: %+v", report.Conflicts)
	}
}

func TestApply_Outsider(t *testing.T) {
	coord, _, o := newTestCoordinator(t)

	_, err := coord.Apply(context.Background(), o.ID, ApplyRequest{
		UserID:        "stranger",
		ClientVersion: o.Version,
		Changes:       map[string]map[string]any{"pricing": {"amount": "1.00"}},
	})
	if !errors.Is(err, offer.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStartSession_TerminalOffer(t *testing.T) {
	coord, _, o := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := coord.offers.Cancel(ctx, o.ID, "mkt_1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, _, _, err := coord.StartSession(ctx, o.ID, "mkt_1", "pricing"); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
}
