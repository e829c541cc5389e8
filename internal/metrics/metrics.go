// Package metrics provides Prometheus instrumentation for the platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "collabpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// NegotiationRoundsTotal counts counter-offer rounds recorded.
	NegotiationRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpay",
		Name:      "negotiation_rounds_total",
		Help:      "Total counter-offer rounds across all offers.",
	})

	// OffersAcceptedTotal counts offers accepted into deals.
	OffersAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpay",
		Name:      "offers_accepted_total",
		Help:      "Total offers accepted into deals.",
	})

	// EditConflictsTotal counts collaborative-edit conflicts by kind.
	EditConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabpay",
			Name:      "edit_conflicts_total",
			Help:      "Collaborative-edit conflicts detected by kind.",
		},
		[]string{"kind"},
	)

	// MilestonesFundedTotal counts milestones funded into escrow.
	MilestonesFundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpay",
		Name:      "milestones_funded_total",
		Help:      "Total milestones funded into escrow.",
	})

	// MilestonesReleasedTotal counts milestone releases by type.
	MilestonesReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabpay",
			Name:      "milestones_released_total",
			Help:      "Total milestone releases by release type.",
		},
		[]string{"type"},
	)

	// MilestonesRefundedTotal counts milestone refunds.
	MilestonesRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpay",
		Name:      "milestones_refunded_total",
		Help:      "Total milestones refunded to the marketer.",
	})

	// GatewayErrorsTotal counts payment gateway failures by kind.
	GatewayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabpay",
			Name:      "gateway_errors_total",
			Help:      "Payment gateway failures by kind (declined, timeout).",
		},
		[]string{"kind"},
	)

	// DisputesOpenedTotal counts disputes filed.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpay",
		Name:      "disputes_opened_total",
		Help:      "Total disputes filed.",
	})

	// DisputesResolvedTotal counts dispute resolutions by outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabpay",
			Name:      "disputes_resolved_total",
			Help:      "Dispute resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowHeldCents gauges the total amount currently held in escrow.
	EscrowHeldCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabpay",
		Name:      "escrow_held_cents",
		Help:      "Total cents currently held in escrow.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NegotiationRoundsTotal,
		OffersAcceptedTotal,
		EditConflictsTotal,
		MilestonesFundedTotal,
		MilestonesReleasedTotal,
		MilestonesRefundedTotal,
		GatewayErrorsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		EscrowHeldCents,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
