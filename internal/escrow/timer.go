package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collabpay/collabpay/internal/deal"
)

// sweepConcurrency bounds how many deals one scheduler pass works in
// parallel.
const sweepConcurrency = 4

// Timer is the automatic release scheduler. Each pass re-reads every deal
// holding escrowed funds and releases the milestones that are eligible at
// that moment; dispute state is re-checked inside Release itself, at fire
// time, so a dispute filed after a pass began still blocks.
type Timer struct {
	service  *Service
	deals    *deal.Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the automatic release scheduler.
func NewTimer(service *Service, deals *deal.Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		deals:    deals,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release scheduler", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	deals, err := t.deals.ListWithEscrowedMilestones(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list deals with escrowed funds", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, d := range deals {
		g.Go(func() error {
			t.sweepDeal(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Timer) sweepDeal(ctx context.Context, d *deal.Deal) {
	now := t.service.now()
	for i := range d.Milestones {
		m := &d.Milestones[i]
		switch m.Status {
		case deal.MilestoneEscrowed, deal.MilestoneEligible:
		default:
			continue
		}

		// Cheap pre-filter on the snapshot; Release re-evaluates
		// everything, disputes included, under the deal lock.
		if e := t.service.computeEligibility(m, now, false); !e.Eligible {
			if e.Overdue {
				t.logger.Warn("milestone overdue in escrow",
					"dealId", d.ID, "milestoneId", m.ID,
					"daysSinceEscrowed", e.DaysSinceEscrowed)
			}
			continue
		}

		res, err := t.service.Release(ctx, d.ID, m.ID, "", ReleaseRequest{Type: ReleaseAutomatic})
		if err != nil {
			if errors.Is(err, ErrMilestoneDisputed) || errors.Is(err, ErrNotEligible) {
				continue
			}
			t.logger.Warn("automatic release failed",
				"dealId", d.ID, "milestoneId", m.ID, "error", err)
			continue
		}
		if !res.Duplicate {
			t.logger.Info("milestone released automatically",
				"dealId", d.ID, "milestoneId", m.ID, "amountCents", res.AmountCents)
		}
	}
}
