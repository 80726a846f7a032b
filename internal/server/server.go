// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
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

	"github.com/kwang-dev/courseledger/internal/auth"
	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/config"
	"github.com/kwang-dev/courseledger/internal/entitlement"
	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/health"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/notify"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/payment"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/quota"
	"github.com/kwang-dev/courseledger/internal/ratelimit"
	"github.com/kwang-dev/courseledger/internal/reconciliation"
	"github.com/kwang-dev/courseledger/internal/referral"
	"github.com/kwang-dev/courseledger/internal/refund"
	"github.com/kwang-dev/courseledger/internal/reward"
	"github.com/kwang-dev/courseledger/internal/security"
	"github.com/kwang-dev/courseledger/internal/traces"
	"github.com/kwang-dev/courseledger/internal/user"
	"github.com/kwang-dev/courseledger/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	users        user.Store
	orders       order.Store
	catalogStore catalog.Store
	catalogCache *catalog.Cache
	ledger       *points.Service
	quotaSvc     *quota.Service
	entitlements *entitlement.Service
	rewards      *reward.Service
	orderSvc     *order.Service
	referrals    *referral.Service
	processor    *payment.Processor
	refunds      *refund.Service
	checker      *reconciliation.Checker
	emitter      *notify.Emitter
	gateway      *gateway.Client
	tokens       *auth.TokenManager

	orderTimer *order.Timer
	reconTimer *reconciliation.Timer

	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesCleanup func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway client (for testing).
func WithGateway(c *gateway.Client) Option {
	return func(s *Server) {
		s.gateway = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracesCleanup = shutdownTraces

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		pointsStore points.Store
		quotaStore  quota.Store
		entStore    entitlement.Store
		logStore    referral.LogStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db

		s.users = user.NewPostgresStore(db)
		s.orders = order.NewPostgresStore(db)
		s.catalogStore = catalog.NewPostgresStore(db)
		pointsStore = points.NewPostgresStore(db)
		quotaStore = quota.NewPostgresStore(db)
		entStore = entitlement.NewPostgresStore(db)
		logStore = referral.NewPostgresLogStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.users = user.NewMemoryStore()
		s.orders = order.NewMemoryStore()
		s.catalogStore = catalog.NewMemoryStore()
		pointsStore = points.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		entStore = entitlement.NewMemoryStore()
		logStore = referral.NewMemoryLogStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Services. The user store doubles as the ledger's balance cache.
	s.catalogCache = catalog.NewCache(s.catalogStore, 5*time.Minute)
	s.ledger = points.NewService(pointsStore, s.users)
	s.quotaSvc = quota.NewService(quotaStore, &phoneDirectory{s.users})
	s.entitlements = entitlement.NewService(entStore, s.users, s.catalogStore, s.quotaSvc)
	s.rewards = reward.NewService(s.ledger, s.catalogCache, s.users)
	s.orderSvc = order.NewService(s.orders, s.users, s.catalogStore, s.entitlements,
		time.Duration(cfg.OrderTTLMinutes)*time.Minute)
	s.referrals = referral.NewService(s.users, logStore)
	s.checker = reconciliation.NewChecker(pointsStore, s.users)
	s.emitter = notify.NewEmitter(&notify.LogSender{Logger: s.logger})

	if s.gateway == nil {
		// Development points GatewayURL at local mocks; only production
		// enforces the public-address check.
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.GatewayURL); err != nil {
				return nil, fmt.Errorf("gateway url: %w", err)
			}
		}
		s.gateway = gateway.NewClient(cfg.GatewayURL, cfg.AppID, cfg.MchID, cfg.MchKey)
	}
	if cfg.MchKey == "" {
		s.logger.Warn("MCH_KEY not set, callback signature verification disabled")
	}

	s.processor = payment.NewProcessor(s.orders, s.users, s.catalogStore,
		s.entitlements, s.rewards, s.emitter)
	s.refunds = refund.NewService(s.orders, s.entitlements, s.ledger,
		s.quotaSvc, s.gateway).WithNotifier(s.emitter)

	s.tokens = auth.NewTokenManager(cfg.JWTSecret)

	s.orderTimer = order.NewTimer(s.orderSvc,
		time.Duration(cfg.SweepIntervalSec)*time.Second, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.checker, time.Hour, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// phoneDirectory adapts user.Store to quota.UserDirectory.
type phoneDirectory struct {
	users user.Store
}

func (d *phoneDirectory) LookupByPhone(ctx context.Context, phone string) (int64, error) {
	u, err := d.users.GetByPhone(ctx, phone)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Gateway callback, outside /v1: the signature is the auth.
	payment.NewHandler(s.processor, s.gateway).RegisterRoutes(&s.router.RouterGroup)

	v1 := s.router.Group("/v1")

	// Public: catalog reads and account registration.
	catalogHandler := catalog.NewHandler(s.catalogStore, s.catalogCache)
	catalogHandler.RegisterRoutes(v1)
	v1.POST("/auth/register", s.registerUser)
	v1.POST("/auth/admin", s.adminToken)

	// Authenticated user routes.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.tokens))
	{
		order.NewHandler(s.orderSvc).RegisterRoutes(protected)
		points.NewHandler(s.ledger).RegisterRoutes(protected)
		quota.NewHandler(s.quotaSvc).RegisterRoutes(protected)
		protected.GET("/auth/me", s.currentUser)
	}

	// Admin routes.
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.tokens), auth.RequireAdmin())
	{
		catalogHandler.RegisterAdminRoutes(admin)
		referral.NewHandler(s.referrals).RegisterAdminRoutes(admin)
		refund.NewHandler(s.refunds).RegisterAdminRoutes(admin)
		admin.POST("/reconciliation/run", s.runReconciliation)
	}
}

// registerUser handles POST /v1/auth/register. It creates the account
// and returns a bearer token in one step.
func (s *Server) registerUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Phone      string `json:"phone" binding:"required"`
		RealName   string `json:"realName"`
		ReferrerID *int64 `json:"referrerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidPhone(req.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_phone",
			"message": "phone must be a valid mobile number",
		})
		return
	}

	if _, err := s.users.GetByPhone(ctx, req.Phone); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "user_exists",
			"message": "An account with this phone already exists",
		})
		return
	}

	u := &user.User{
		Phone:    req.Phone,
		RealName: validation.SanitizeNote(req.RealName),
	}
	if err := s.users.Create(ctx, u); err != nil {
		s.logger.Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register",
		})
		return
	}

	// Referrer attribution goes through the referral service so cycle
	// and self-referral guards apply from the start.
	if req.ReferrerID != nil {
		if err := s.referrals.SetReferrer(ctx, u.ID, req.ReferrerID, u.ID, "registration"); err != nil {
			s.logger.Warn("referrer attribution rejected at registration",
				"user_id", u.ID, "referrer_id", *req.ReferrerID, "error", err)
		} else if fresh, err := s.users.Get(ctx, u.ID); err == nil {
			u = fresh
		}
	}

	token, err := s.tokens.Issue(u.ID, auth.RoleUser)
	if err != nil {
		s.logger.Error("failed to issue token", "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"user":    u,
			"warning": "Account created but token issuance failed. Contact support.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":  u,
		"token": token,
		"usage": "Include 'Authorization: Bearer <token>' header in requests.",
	})
}

// adminToken handles POST /v1/auth/admin, exchanging the admin secret
// for an admin bearer token.
func (s *Server) adminToken(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || s.cfg.AdminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.cfg.AdminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid admin secret",
		})
		return
	}

	token, err := s.tokens.Issue(0, auth.RoleAdmin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// currentUser handles GET /v1/auth/me.
func (s *Server) currentUser(c *gin.Context) {
	u, err := s.users.Get(c.Request.Context(), auth.CallerID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}
	c.JSON(http.StatusOK, u)
}

// runReconciliation handles POST /v1/admin/reconciliation/run.
func (s *Server) runReconciliation(c *gin.Context) {
	report, err := s.checker.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.orderTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.orderTimer.Stop()
	s.reconTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Drain in-flight notifications before closing shared resources.
	s.emitter.Wait()

	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
