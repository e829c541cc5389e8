// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/collabpay/collabpay/internal/auth"
	"github.com/collabpay/collabpay/internal/collab"
	"github.com/collabpay/collabpay/internal/config"
	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/dispute"
	"github.com/collabpay/collabpay/internal/escrow"
	"github.com/collabpay/collabpay/internal/health"
	"github.com/collabpay/collabpay/internal/idgen"
	"github.com/collabpay/collabpay/internal/logging"
	"github.com/collabpay/collabpay/internal/metrics"
	"github.com/collabpay/collabpay/internal/offer"
	"github.com/collabpay/collabpay/internal/payments"
	"github.com/collabpay/collabpay/internal/ratelimit"
	"github.com/collabpay/collabpay/internal/retry"
	"github.com/collabpay/collabpay/internal/security"
	"github.com/collabpay/collabpay/internal/traces"
	"github.com/collabpay/collabpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	authMgr *auth.Manager

	offers      *offer.Service
	deals       *deal.Service
	escrow      *escrow.Service
	disputes    *dispute.Service
	editors     *collab.Registry
	coordinator *collab.Coordinator

	offerTimer  *offer.Timer
	collabTimer *collab.Timer
	escrowTimer *escrow.Timer

	gateway      payments.Gateway
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stop
	}

	// Payment gateway: Stripe when configured, otherwise in-memory mock.
	// Either way the gateway sits behind a circuit breaker so a provider
	// outage fails fast instead of piling up blocked release attempts.
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gateway = payments.NewMockGateway()
			s.logger.Info("mock payment gateway enabled (no charges will be made)")
		}
		s.gateway = payments.Guard(s.gateway, cfg.GatewayBreakerTrips, cfg.GatewayBreakerReset)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		offerStore   offer.Store
		dealStore    deal.Store
		txStore      escrow.TransactionStore
		disputeStore dispute.Store
		authStore    auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up alongside us.
		if err := retry.Do(ctx, 5, time.Second, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		offerStore = offer.NewPostgresStore(db)
		dealStore = deal.NewPostgresStore(db)
		txStore = escrow.NewPostgresTransactionStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		offerStore = offer.NewMemoryStore()
		dealStore = deal.NewMemoryStore()
		txStore = escrow.NewMemoryTransactionStore()
		disputeStore = dispute.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Auth
	s.authMgr = auth.NewManager(authStore)
	if cfg.IsDevelopment() {
		s.authMgr.AllowHeaderIdentity(true)
		s.logger.Info("X-User-ID header identity enabled (development mode)")
	}

	// Deal lifecycle
	s.deals = deal.NewService(dealStore).WithLogger(s.logger)

	// Offer negotiation; accepting an offer forms a deal
	s.offers = offer.NewService(offerStore).
		WithDealFormer(s.deals).
		WithExpiry(time.Duration(cfg.OfferExpiryDays) * 24 * time.Hour).
		WithLogger(s.logger)
	s.offerTimer = offer.NewTimer(s.offers, offerStore, s.logger)

	// Collaborative editing on offers
	s.editors = collab.NewRegistry().WithLiveness(cfg.EditSessionTTL)
	s.coordinator = collab.NewCoordinator(s.offers, s.editors).WithLogger(s.logger)
	s.collabTimer = collab.NewTimer(s.editors, s.logger)

	// Escrow ledger over milestones
	s.escrow = escrow.NewService(s.deals, s.gateway, txStore).
		WithGracePeriod(int64(cfg.GracePeriodDays)).
		WithMaxEscrowDays(int64(cfg.MaxEscrowDays)).
		WithLogger(s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrow, s.deals, s.logger).
		WithInterval(cfg.ReleaseInterval)

	// Disputes gate releases; escrow consults them inside its deal locks
	s.disputes = dispute.NewService(disputeStore, s.deals, s.escrow).WithLogger(s.logger)
	s.escrow.WithDisputeChecker(s.disputes)

	// Health checks
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", health.DBChecker("database", s.db))
	}
	s.healthChecks.Register("offer_expiry_timer", health.TimerChecker("offer_expiry_timer", s.offerTimer.Running))
	s.healthChecks.Register("edit_session_sweeper", health.TimerChecker("edit_session_sweeper", s.collabTimer.Running))
	s.healthChecks.Register("auto_release_scheduler", health.TimerChecker("auto_release_scheduler", s.escrowTimer.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/signup", authHandler.Signup)

	// PROTECTED ROUTES (require a key, or X-User-ID in development)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.Me)

		// Offer negotiation (create, counter-rounds, accept/reject, analytics)
		offer.NewHandler(s.offers).RegisterRoutes(protected)

		// Collaborative editing on offer terms
		collab.NewHandler(s.coordinator, s.editors).RegisterRoutes(protected)

		// Deals and milestone structuring
		deal.NewHandler(s.deals).RegisterRoutes(protected)

		// Escrow: fund, release, refund, schedules, eligibility, history
		escrow.NewHandler(s.escrow).RegisterRoutes(protected)

		// Disputes: file, track, cancel
		dispute.NewHandler(s.disputes).RegisterRoutes(protected)
	}

	// ADMIN ROUTES (shared secret; force operations and dispute resolution)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		dispute.NewHandler(s.disputes).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "CollabPay",
		"description": "Deal negotiation and milestone escrow for creator partnerships",
		"version":     "0.1.0",
		"currency":    "USD",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start offer expiry sweeper
	go s.offerTimer.Start(runCtx)

	// Start stale edit-session sweeper
	go s.collabTimer.Start(runCtx)

	// Start automatic release scheduler
	go s.escrowTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.offerTimer.Stop()
	s.collabTimer.Stop()
	s.escrowTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

