package offer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/collabpay/collabpay/internal/pagination"
)

type mockDealFormer struct {
	dealID string
	err    error
	calls  int
}

func (m *mockDealFormer) FormDeal(ctx context.Context, o *Offer) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.dealID, nil
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store).WithDealFormer(&mockDealFormer{dealID: "deal_test"})
	return svc, store
}

func draftOffer(t *testing.T, svc *Service) *Offer {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateRequest{
		MarketerID: "mkt_1",
		CreatorID:  "cre_1",
		Amount:     "500.00",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

func sentOffer(t *testing.T, svc *Service) *Offer {
	t.Helper()
	o := draftOffer(t, svc)
	o, err := svc.Send(context.Background(), o.ID, "mkt_1")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return o
}

func TestCreateOffer(t *testing.T) {
	svc, _ := newTestService()
	o := draftOffer(t, svc)

	if o.Status != StatusDraft {
		t.Errorf("expected draft status, got %s", o.Status)
	}
	if o.ProposedCents != 50000 {
		t.Errorf("expected 50000 cents, got %d", o.ProposedCents)
	}
	if o.Version != 1 {
		t.Errorf("expected version 1, got %d", o.Version)
	}
	if o.ExpiresAt == nil {
		t.Error("expected expiry to be set")
	}
}

func TestCreateOffer_Invalid(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{MarketerID: "u1", CreatorID: "u1", Amount: "100"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("same-user offer: expected ErrUnauthorized, got %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{MarketerID: "u1", CreatorID: "u2", Amount: "-5"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{MarketerID: "u1", CreatorID: "u2", Amount: "10.123"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("3-decimal amount: expected ErrInvalidAmount, got %v", err)
	}
}

func TestSendViewFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	o := draftOffer(t, svc)

	// Creator cannot send someone else's draft.
	if _, err := svc.Send(ctx, o.ID, "cre_1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("creator send: expected ErrUnauthorized, got %v", err)
	}

	o, err := svc.Send(ctx, o.ID, "mkt_1")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if o.Status != StatusSent {
		t.Errorf("expected sent, got %s", o.Status)
	}

	// Double send is an invalid transition.
	if _, err := svc.Send(ctx, o.ID, "mkt_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double send: expected ErrInvalidTransition, got %v", err)
	}

	// Only the creator marks viewed.
	if _, err := svc.MarkViewed(ctx, o.ID, "mkt_1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("marketer view: expected ErrUnauthorized, got %v", err)
	}
	o, err = svc.MarkViewed(ctx, o.ID, "cre_1")
	if err != nil {
		t.Fatalf("MarkViewed failed: %v", err)
	}
	if o.Status != StatusViewed {
		t.Errorf("expected viewed, got %s", o.Status)
	}
}

func TestCounterRounds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	o := sentOffer(t, svc)

	o, err := svc.Counter(ctx, o.ID, "cre_1", CounterRequest{Amount: "450.00", Notes: "rate card"})
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if o.Status != StatusCountered {
		t.Errorf("expected countered, got %s", o.Status)
	}
	if o.ProposedCents != 45000 {
		t.Errorf("expected proposed 45000, got %d", o.ProposedCents)
	}
	if o.Counters[0].CounterBy != PartyCreator {
		t.Errorf("expected creator round, got %s", o.Counters[0].CounterBy)
	}

	o, err = svc.Counter(ctx, o.ID, "mkt_1", CounterRequest{Amount: "475.00"})
	if err != nil {
		t.Fatalf("second Counter failed: %v", err)
	}
	if o.Metrics.TotalRounds != 2 {
		t.Errorf("expected 2 rounds, got %d", o.Metrics.TotalRounds)
	}
	if o.Metrics.MarketerResponses != 1 || o.Metrics.CreatorResponses != 1 {
		t.Errorf("expected 1 response per side, got marketer=%d creator=%d",
			o.Metrics.MarketerResponses, o.Metrics.CreatorResponses)
	}

	// Outsiders cannot counter.
	if _, err := svc.Counter(ctx, o.ID, "stranger", CounterRequest{Amount: "1.00"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger counter: expected ErrUnauthorized, got %v", err)
	}
}

func TestAcceptFormsDealOnce(t *testing.T) {
	former := &mockDealFormer{dealID: "deal_abc"}
	store := NewMemoryStore()
	svc := NewService(store).WithDealFormer(former)
	ctx := context.Background()

	o, err := svc.Create(ctx, CreateRequest{MarketerID: "mkt_1", CreatorID: "cre_1", Amount: "300.00"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Send(ctx, o.ID, "mkt_1"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	accepted, err := svc.Accept(ctx, o.ID, "cre_1")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", accepted.Status)
	}
	if accepted.DealID != "deal_abc" {
		t.Errorf("expected dealId deal_abc, got %q", accepted.DealID)
	}
	if former.calls != 1 {
		t.Errorf("expected 1 FormDeal call, got %d", former.calls)
	}

	// Second accept must not form a second deal.
	if _, err := svc.Accept(ctx, o.ID, "cre_1"); !errors.Is(err, ErrDuplicateDeal) {
		t.Errorf("second accept: expected ErrDuplicateDeal, got %v", err)
	}
	if former.calls != 1 {
		t.Errorf("FormDeal called again on duplicate accept: %d calls", former.calls)
	}
}

func TestAccept_DealFormerFailure(t *testing.T) {
	former := &mockDealFormer{err: errors.New("db down")}
	store := NewMemoryStore()
	svc := NewService(store).WithDealFormer(former)
	ctx := context.Background()

	o, _ := svc.Create(ctx, CreateRequest{MarketerID: "mkt_1", CreatorID: "cre_1", Amount: "100"})
	_, _ = svc.Send(ctx, o.ID, "mkt_1")

	if _, err := svc.Accept(ctx, o.ID, "cre_1"); err == nil {
		t.Fatal("expected error when deal formation fails")
	}
	got, _ := store.Get(ctx, o.ID)
	if got.DealID != "" {
		t.Errorf("expected no dealId after failed formation, got %q", got.DealID)
	}
}

func TestRejectAndCancel(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o := sentOffer(t, svc)
	o, err := svc.Reject(ctx, o.ID, "cre_1")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if o.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", o.Status)
	}
	// No rounds after terminal.
	if _, err := svc.Counter(ctx, o.ID, "mkt_1", CounterRequest{Amount: "200"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("counter after reject: expected ErrInvalidTransition, got %v", err)
	}

	o2 := draftOffer(t, svc)
	if _, err := svc.Cancel(ctx, o2.ID, "cre_1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("creator cancel: expected ErrUnauthorized, got %v", err)
	}
	o2, err = svc.Cancel(ctx, o2.ID, "mkt_1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if o2.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", o2.Status)
	}
}

func TestExpire(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	o := sentOffer(t, svc)

	// Not yet past expiry.
	if _, err := svc.Expire(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("premature expire: expected ErrInvalidTransition, got %v", err)
	}

	// Backdate the expiry directly in the store.
	stored, _ := store.Get(ctx, o.ID)
	past := time.Now().Add(-time.Hour)
	stored.ExpiresAt = &past
	if err := store.Update(ctx, stored, stored.Version); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	expired, err := svc.Expire(ctx, o.ID)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if expired.Status != StatusExpired {
		t.Errorf("expected expired, got %s", expired.Status)
	}
	if _, err := svc.Expire(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double expire: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecomputeMetrics_AverageIsPairwiseMean(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	counters := []CounterOffer{
		{CounterBy: PartyCreator, CounterDate: base},
		{CounterBy: PartyMarketer, CounterDate: base.Add(2 * time.Hour)},
		{CounterBy: PartyCreator, CounterDate: base.Add(5 * time.Hour)},
	}

	m := RecomputeMetrics(counters)
	// Deltas are 2h and 3h; the average is their mean, not the 5h span.
	if math.Abs(m.AvgResponseHours-2.5) > 1e-9 {
		t.Errorf("expected avg 2.5h, got %v", m.AvgResponseHours)
	}
	if m.TotalRounds != 3 {
		t.Errorf("expected 3 rounds, got %d", m.TotalRounds)
	}
	if m.CreatorResponses != 2 || m.MarketerResponses != 1 {
		t.Errorf("unexpected response split: creator=%d marketer=%d",
			m.CreatorResponses, m.MarketerResponses)
	}
	if !m.NegotiationStarted.Equal(base) {
		t.Errorf("expected start %v, got %v", base, m.NegotiationStarted)
	}
	if !m.LastActivity.Equal(base.Add(5 * time.Hour)) {
		t.Errorf("expected last activity %v, got %v", base.Add(5*time.Hour), m.LastActivity)
	}
}

func TestRecomputeMetrics_OrderIndependent(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ordered := []CounterOffer{
		{CounterBy: PartyCreator, CounterDate: base},
		{CounterBy: PartyMarketer, CounterDate: base.Add(2 * time.Hour)},
		{CounterBy: PartyCreator, CounterDate: base.Add(5 * time.Hour)},
	}
	shuffled := []CounterOffer{ordered[2], ordered[0], ordered[1]}

	a := RecomputeMetrics(ordered)
	b := RecomputeMetrics(shuffled)
	if a.AvgResponseHours != b.AvgResponseHours {
		t.Errorf("metrics depend on input order: %v vs %v", a.AvgResponseHours, b.AvgResponseHours)
	}
}

func TestRecomputeMetrics_Empty(t *testing.T) {
	m := RecomputeMetrics(nil)
	if m.TotalRounds != 0 || m.AvgResponseHours != 0 {
		t.Errorf("expected zero metrics, got %+v", m)
	}
	if m.NegotiationStarted != nil {
		t.Error("expected nil start for empty sequence")
	}
}

func TestMutate_VersionConflictRetries(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	o := draftOffer(t, svc)

	// A concurrent writer bumping the version between Get and Update is
	// absorbed by Mutate's retry loop.
	conflicts := 2
	mutations := 0
	_, err := svc.Mutate(ctx, o.ID, func(cur *Offer) error {
		mutations++
		if conflicts > 0 {
			conflicts--
			racer, _ := store.Get(ctx, cur.ID)
			if err := store.Update(ctx, racer, racer.Version); err != nil {
				t.Fatalf("racer update failed: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed despite retries: %v", err)
	}
	if mutations != 3 {
		t.Errorf("expected 3 attempts, got %d", mutations)
	}
}

func TestMemoryStore_CAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	o := &Offer{ID: "off_x", MarketerID: "m", CreatorID: "c", Status: StatusDraft, Version: 1}
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Update(ctx, o, 99); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale version: expected ErrVersionConflict, got %v", err)
	}
	if err := store.Update(ctx, o, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if o.Version != 2 {
		t.Errorf("expected version 2 after CAS, got %d", o.Version)
	}

	if err := store.Update(ctx, &Offer{ID: "missing"}, 1); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("missing row: expected ErrOfferNotFound, got %v", err)
	}
}

func TestChangeLogBounded(t *testing.T) {
	o := &Offer{}
	for i := 0; i < ChangeLogLimit+10; i++ {
		o.AppendChange(ChangeRecord{Version: int64(i)})
	}
	if len(o.ChangeLog) != ChangeLogLimit {
		t.Errorf("expected change log capped at %d, got %d", ChangeLogLimit, len(o.ChangeLog))
	}
	if o.ChangeLog[0].Version != 10 {
		t.Errorf("expected oldest retained version 10, got %d", o.ChangeLog[0].Version)
	}
}

func TestListByParticipant_Paging(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := &Offer{
			ID:            fmt.Sprintf("off_%02d", i),
			MarketerID:    "mkt_1",
			CreatorID:     "cre_1",
			ProposedCents: 10000,
			Status:        StatusDraft,
			Version:       1,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Service fetches limit+1 so the handler can detect further pages.
	page, err := svc.ListByParticipant(ctx, "mkt_1", nil, 2)
	if err != nil {
		t.Fatalf("ListByParticipant failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected limit+1 rows, got %d", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}

	cur := &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	rest, err := svc.ListByParticipant(ctx, "mkt_1", cur, 10)
	if err != nil {
		t.Fatalf("ListByParticipant with cursor failed: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected the 3 remaining offers, got %d", len(rest))
	}
	for _, o := range rest {
		if !cur.After(o.CreatedAt, o.ID) {
			t.Errorf("offer %s is not after the cursor", o.ID)
		}
	}

	none, err := svc.ListByParticipant(ctx, "cre_other", nil, 10)
	if err != nil {
		t.Fatalf("ListByParticipant failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no offers for outsider, got %d", len(none))
	}
}
