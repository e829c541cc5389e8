package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for offers past their expiry window and
// transitions them to expired.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new offer expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpireOffers(ctx)
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

func (t *Timer) safeExpireOffers(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in offer expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireOffers(ctx)
}

func (t *Timer) expireOffers(ctx context.Context) {
	expirable, err := t.store.ListExpirable(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expirable offers", "error", err)
		return
	}

	for _, o := range expirable {
		if _, err := t.service.Expire(ctx, o.ID); err != nil {
			t.logger.Warn("failed to expire offer", "offerId", o.ID, "error", err)
			continue
		}
		t.logger.Info("offer expired", "offerId", o.ID)
	}
}
