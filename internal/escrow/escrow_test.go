package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/offer"
	"github.com/collabpay/collabpay/internal/payments"
)

type stubDisputes struct {
	open map[string]bool // milestoneID -> has open dispute
}

func (s *stubDisputes) HasOpenDispute(ctx context.Context, dealID, milestoneID string) (bool, error) {
	return s.open[milestoneID], nil
}

type fixture struct {
	svc      *Service
	deals    *deal.Service
	gateway  *payments.MockGateway
	disputes *stubDisputes
	dealID   string
	msID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	deals := deal.NewService(deal.NewMemoryStore())
	dealID, err := deals.FormDeal(ctx, acceptedOffer())
	if err != nil {
		t.Fatalf("FormDeal failed: %v", err)
	}
	d, err := deals.Structure(ctx, dealID, "mkt_1", deal.StructureRequest{
		Template: deal.TemplateEqualSplit,
		Count:    3,
	})
	if err != nil {
		t.Fatalf("Structure failed: %v", err)
	}

	gateway := payments.NewMockGateway()
	disputes := &stubDisputes{open: make(map[string]bool)}
	svc := NewService(deals, gateway, NewMemoryTransactionStore()).
		WithDisputeChecker(disputes).
		WithGracePeriod(7).
		WithMaxEscrowDays(30)

	return &fixture{
		svc:      svc,
		deals:    deals,
		gateway:  gateway,
		disputes: disputes,
		dealID:   dealID,
		msID:     d.Milestones[0].ID,
	}
}

func acceptedOffer() *offer.Offer {
	return &offer.Offer{
		ID:            "off_1",
		MarketerID:    "mkt_1",
		CreatorID:     "cre_1",
		ProposedCents: 30000,
		Status:        offer.StatusAccepted,
		Version:       2,
	}
}

// advance shifts the service clock forward from a fixed epoch.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	base := time.Now()
	f.svc.now = func() time.Time { return base.Add(d) }
}

func (f *fixture) fund(t *testing.T) {
	t.Helper()
	if _, err := f.svc.Fund(context.Background(), f.dealID, f.msID, "mkt_1", "pm_card"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
}

func (f *fixture) milestone(t *testing.T) *deal.Milestone {
	t.Helper()
	d, err := f.deals.Get(context.Background(), f.dealID, "mkt_1")
	if err != nil {
		t.Fatalf("Get deal failed: %v", err)
	}
	m := d.Milestone(f.msID)
	if m == nil {
		t.Fatal("milestone missing")
	}
	return m
}

func TestFund(t *testing.T) {
	f := newFixture(t)
	f.fund(t)

	m := f.milestone(t)
	if m.Status != deal.MilestoneEscrowed {
		t.Errorf("expected escrowed, got %s", m.Status)
	}
	if m.FundedAt == nil {
		t.Error("expected fundedAt to be set")
	}
	if len(f.gateway.Charges()) != 1 {
		t.Errorf("expected 1 charge, got %d", len(f.gateway.Charges()))
	}

	// Double funding is an invalid transition; no second charge.
	_, err := f.svc.Fund(context.Background(), f.dealID, f.msID, "mkt_1", "pm_card")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.gateway.Charges()) != 1 {
		t.Errorf("double fund charged again: %d charges", len(f.gateway.Charges()))
	}
}

func TestFund_GatewayFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.gateway.ChargeErr = payments.ErrPaymentFailed

	_, err := f.svc.Fund(context.Background(), f.dealID, f.msID, "mkt_1", "pm_card")
	if !errors.Is(err, payments.ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}

	m := f.milestone(t)
	if m.Status != deal.MilestonePending {
		t.Errorf("failed charge must leave milestone pending, got %s", m.Status)
	}

	// A later retry succeeds.
	f.gateway.ChargeErr = nil
	f.fund(t)
	if f.milestone(t).Status != deal.MilestoneEscrowed {
		t.Error("retry after gateway failure did not escrow")
	}
}

func TestFund_Authorization(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Fund(context.Background(), f.dealID, f.msID, "cre_1", "pm_card")
	if !errors.Is(err, deal.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEligibility_GracePeriodAndDispute(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	ctx := context.Background()

	// Day 5: inside the 7-day grace period.
	f.advance(t, 5*24*time.Hour)
	elig, err := f.svc.Eligibility(ctx, f.dealID, "mkt_1")
	if err != nil {
		t.Fatalf("Eligibility failed: %v", err)
	}
	if elig[0].Eligible {
		t.Error("day 5 should be ineligible inside the grace period")
	}

	// Day 8: grace period elapsed.
	f.advance(t, 8*24*time.Hour)
	elig, _ = f.svc.Eligibility(ctx, f.dealID, "mkt_1")
	if !elig[0].Eligible {
		t.Errorf("day 8 should be eligible, reason: %s", elig[0].Reason)
	}

	// Day 8 with an open dispute: blocked regardless of age.
	f.disputes.open[f.msID] = true
	elig, _ = f.svc.Eligibility(ctx, f.dealID, "mkt_1")
	if elig[0].Eligible {
		t.Error("open dispute must block eligibility")
	}
}

func TestEligibility_OverdueFlag(t *testing.T) {
	f := newFixture(t)
	f.fund(t)

	f.advance(t, 35*24*time.Hour)
	elig, _ := f.svc.Eligibility(context.Background(), f.dealID, "mkt_1")
	if !elig[0].Overdue {
		t.Error("expected overdue flag past maxEscrowDays")
	}
	// Overdue is reported, not acted on: the milestone is still eligible.
	if !elig[0].Eligible {
		t.Error("overdue milestone without dispute should still be eligible")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 8*24*time.Hour)
	ctx := context.Background()

	first, err := f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if first.Transaction == nil || first.Duplicate {
		t.Fatalf("unexpected first release result: %+v", first)
	}

	m := f.milestone(t)
	if m.Status != deal.MilestoneReleased {
		t.Errorf("expected released, got %s", m.Status)
	}
	if m.TransactionID != first.Transaction.ID {
		t.Errorf("transactionId not recorded: %q", m.TransactionID)
	}

	// Second release returns the original transaction, no new transfer.
	second, err := f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic})
	if err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected duplicate flag on second release")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("second release minted a new transaction: %s vs %s",
			second.Transaction.ID, first.Transaction.ID)
	}
	if len(f.gateway.Transfers()) != 1 {
		t.Errorf("expected exactly 1 transfer, got %d", len(f.gateway.Transfers()))
	}
}

func TestRelease_GracePeriodBlocksAutomatic(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 2*24*time.Hour)

	_, err := f.svc.Release(context.Background(), f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic})
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
}

func TestRelease_ManualBypassesGraceButNotDispute(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 2*24*time.Hour)
	ctx := context.Background()

	// Only the marketer triggers manual releases.
	_, err := f.svc.Release(ctx, f.dealID, f.msID, "cre_1", ReleaseRequest{Type: ReleaseManual})
	if !errors.Is(err, deal.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	f.disputes.open[f.msID] = true
	_, err = f.svc.Release(ctx, f.dealID, f.msID, "mkt_1", ReleaseRequest{Type: ReleaseManual})
	if !errors.Is(err, ErrMilestoneDisputed) {
		t.Fatalf("expected ErrMilestoneDisputed, got %v", err)
	}

	f.disputes.open[f.msID] = false
	res, err := f.svc.Release(ctx, f.dealID, f.msID, "mkt_1", ReleaseRequest{Type: ReleaseManual})
	if err != nil {
		t.Fatalf("manual release failed: %v", err)
	}
	if res.Transaction.Type != TxMilestone {
		t.Errorf("expected milestone transaction type, got %s", res.Transaction.Type)
	}
}

func TestRelease_GatewayFailureKeepsEscrow(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 8*24*time.Hour)
	f.gateway.TransferErr = payments.ErrGatewayTimeout

	_, err := f.svc.Release(context.Background(), f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic})
	if !errors.Is(err, payments.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}

	m := f.milestone(t)
	if m.Status != deal.MilestoneEscrowed {
		t.Errorf("failed transfer must leave milestone escrowed, got %s", m.Status)
	}
	if m.TransactionID != "" {
		t.Errorf("failed transfer must not record a transactionId: %q", m.TransactionID)
	}
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	ctx := context.Background()

	tx, err := f.svc.Refund(ctx, f.dealID, f.msID, "mkt_1", 0, false)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if tx.Type != TxRefund {
		t.Errorf("expected refund transaction, got %s", tx.Type)
	}
	if f.milestone(t).Status != deal.MilestoneRefunded {
		t.Errorf("expected refunded, got %s", f.milestone(t).Status)
	}

	// A refunded milestone cannot be released.
	_, err = f.svc.Release(ctx, f.dealID, f.msID, "mkt_1", ReleaseRequest{Type: ReleaseManual})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release after refund: expected ErrInvalidTransition, got %v", err)
	}
	// And cannot be refunded again.
	_, err = f.svc.Refund(ctx, f.dealID, f.msID, "mkt_1", 0, false)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double refund: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRefund_NeverFromReleased(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 8*24*time.Hour)
	ctx := context.Background()

	if _, err := f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := f.svc.Refund(ctx, f.dealID, f.msID, "mkt_1", 0, false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("refund after release: expected ErrInvalidTransition, got %v", err)
	}
}

func TestReleaseBatch_PartialSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, _ := f.deals.Get(ctx, f.dealID, "mkt_1")
	var ids []string
	for _, m := range d.Milestones {
		ids = append(ids, m.ID)
	}

	// Fund the first two; the third stays pending and will fail.
	for _, id := range ids[:2] {
		if _, err := f.svc.Fund(ctx, f.dealID, id, "mkt_1", "pm_card"); err != nil {
			t.Fatalf("Fund failed: %v", err)
		}
	}
	f.advance(t, 8*24*time.Hour)

	batch, err := f.svc.ReleaseBatch(ctx, f.dealID, "", ids, ReleaseRequest{Type: ReleaseAutomatic})
	if err != nil {
		t.Fatalf("ReleaseBatch failed: %v", err)
	}
	if len(batch.ReleasedEarnings) != 2 {
		t.Errorf("expected 2 released, got %d", len(batch.ReleasedEarnings))
	}
	if len(batch.FailedReleases) != 1 || batch.FailedReleases[0].MilestoneID != ids[2] {
		t.Errorf("expected the pending milestone to fail: %+v", batch.FailedReleases)
	}
}

func TestScheduleRelease(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 8*24*time.Hour)
	ctx := context.Background()

	// Defer well past the grace period.
	future := f.svc.now().Add(10 * 24 * time.Hour)
	scheduled, err := f.svc.ScheduleRelease(ctx, f.dealID, "mkt_1", future, []string{f.msID})
	if err != nil {
		t.Fatalf("ScheduleRelease failed: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("expected 1 scheduled, got %d", len(scheduled))
	}

	// Scheduled date blocks automatic release despite grace elapsed.
	_, err = f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible before scheduled date, got %v", err)
	}

	// Cancelling restores the normal eligibility clock.
	if err := f.svc.CancelSchedule(ctx, f.dealID, "mkt_1", []string{f.msID}); err != nil {
		t.Fatalf("CancelSchedule failed: %v", err)
	}
	if _, err := f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic}); err != nil {
		t.Fatalf("release after cancel failed: %v", err)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.advance(t, 8*24*time.Hour)
	ctx := context.Background()

	if _, err := f.svc.Release(ctx, f.dealID, f.msID, "", ReleaseRequest{Type: ReleaseAutomatic}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	txs, err := f.svc.History(ctx, f.dealID, "cre_1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected escrow + release entries, got %d", len(txs))
	}

	if _, err := f.svc.History(ctx, f.dealID, "stranger", 10); !errors.Is(err, deal.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
