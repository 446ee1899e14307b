// Package server sets up the HTTP server with all routes.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/deferredpay/facilitator/internal/auth"
	"github.com/deferredpay/facilitator/internal/config"
	"github.com/deferredpay/facilitator/internal/dispute"
	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/logging"
	"github.com/deferredpay/facilitator/internal/metrics"
	"github.com/deferredpay/facilitator/internal/monitoring"
	"github.com/deferredpay/facilitator/internal/ratelimit"
	"github.com/deferredpay/facilitator/internal/realtime"
	"github.com/deferredpay/facilitator/internal/reconciliation"
	"github.com/deferredpay/facilitator/internal/security"
	"github.com/deferredpay/facilitator/internal/settlement"
	"github.com/deferredpay/facilitator/internal/traces"
	"github.com/deferredpay/facilitator/internal/validation"
	"github.com/deferredpay/facilitator/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wires together the five core components (Authorization Ledger,
// Settlement Engine, Dispute Manager, Monitoring, Reconciliation) plus the
// ambient HTTP stack and runs them as one process.
type Server struct {
	cfg *config.Config

	ledgerSvc       *ledger.Service
	engine          *settlement.Engine
	signer          settlement.Signer
	disputeSvc      *dispute.Service
	monitoringSvc   *monitoring.Service
	reconciler      *reconciliation.Checker
	reconcileTimer  *reconciliation.Timer
	webhookStore    webhooks.Store
	webhookDispatch *webhooks.Dispatcher
	webhookEmitter  *webhooks.Emitter
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter

	db             *sql.DB // nil when running without durability
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// New wires every component from configuration and returns a Server ready
// to have Run called on it.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.healthy.Store(true)

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var recorder ledger.Recorder = ledger.NoopRecorder{}
	var webhookStore webhooks.Store = webhooks.NewMemoryStore()

	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL durability", "url", maskDSN(cfg.DatabaseURL))

		pgRecorder := ledger.NewPostgresRecorder(db)
		if err := pgRecorder.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger durability log", "error", err)
		}
		recorder = pgRecorder

		pgWebhooks := webhooks.NewPostgresStore(db)
		if err := pgWebhooks.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		webhookStore = pgWebhooks
	} else {
		s.logger.Info("no DATABASE_URL set, running without durability")
	}

	s.ledgerSvc = ledger.New(recorder)

	if cfg.SignerKey != "" {
		evmSigner, err := settlement.NewEVMUSDCSigner(settlement.EVMUSDCSignerConfig{
			RPCURL:          cfg.RPCURL,
			PrivateKey:      cfg.SignerKey,
			ChainID:         cfg.ChainID,
			ContractAddress: cfg.ContractAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize settlement signer: %w", err)
		}
		s.signer = evmSigner
		s.logger.Info("settlement dispatch enabled (on-chain signer)")
	} else {
		s.signer = &settlement.MockSigner{}
		s.logger.Info("settlement dispatch running with mock signer")
	}

	thresholdCfg := settlement.ThresholdConfig{
		AmountThreshold: cfg.SettlementThresholdAmount,
		TimeThreshold:   cfg.SettlementThresholdTime,
		CountThreshold:  cfg.SettlementThresholdCount,
		AutoSettlement:  cfg.AutoSettlement,
		CheckInterval:   cfg.SettlementCheckInterval,
	}
	s.engine = settlement.New(s.ledgerSvc, s.signer, thresholdCfg, s.logger)
	s.ledgerSvc.SetThresholdChecker(s.engine)

	s.disputeSvc = dispute.New(s.ledgerSvc)
	s.monitoringSvc = monitoring.New(s.ledgerSvc, s.engine, s.disputeSvc)

	s.reconciler = reconciliation.NewChecker(s.ledgerSvc)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	s.webhookStore = webhookStore
	s.webhookDispatch = webhooks.NewDispatcher(webhookStore)
	s.webhookEmitter = webhooks.NewEmitter(s.webhookDispatch, s.logger)
	s.ledgerSvc.SetEmitter(s.webhookEmitter)
	s.disputeSvc.SetEmitter(s.webhookEmitter)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.ledgerSvc.SetHub(s.realtimeHub)
	s.disputeSvc.SetHub(s.realtimeHub)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// /health itself is mounted by monitoring.RegisterRoutes below, backed
	// by the cross-component SystemHealth projection (C5) rather than a
	// bare infrastructure ping; /health/live and /health/ready stay
	// separate since they answer a narrower question (is the process up,
	// is it safe to route traffic) that monitoring has no notion of.
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/", s.infoHandler)

	// Authorization Ledger (verify/queue/list/pending/merchants/usage/batches)
	// and the Dispute Manager's agent-facing surface (file/list) sit on the
	// root group unguarded; Monitoring is read-only and public too.
	s.ledgerSvc.RegisterRoutes(s.router)
	s.disputeSvc.RegisterRoutes(s.router)
	s.monitoringSvc.RegisterRoutes(s.router)

	// Mutating admin endpoints require a bearer admin secret. RequireAdmin
	// refuses every request when no secret is configured, so this group
	// is always safe to mount regardless of environment.
	admin := s.router.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	s.engine.RegisterRoutes(admin)
	s.disputeSvc.RegisterAdminRoutes(admin)
	s.ledgerSvc.RegisterAdminRoutes(admin)

	webhooksGroup := s.router.Group("")
	webhooksGroup.Use(validation.AddressParamMiddleware())
	webhooks.NewHandler(s.webhookStore, s.webhookDispatch).RegisterRoutes(webhooksGroup)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "deferred-payment-facilitator",
		"description": "Deferred payment facilitator for agent-to-merchant x402 authorizations",
		"version":     "0.1.0",
		"settlement":  s.engine.AutoSettlementEnabled(),
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

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

	checks := map[string]string{}
	allOK := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			allOK = false
		} else {
			checks["database"] = "healthy"
		}
	}

	checks["settlement_scheduler"] = timerStatus(s.engine)
	checks["reconciliation_sweep"] = timerStatus(s.reconcileTimer)

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

type runnable interface{ Running() bool }

func timerStatus(t interface{}) string {
	if t == nil {
		return "not_configured"
	}
	if tr, ok := t.(runnable); ok {
		if tr.Running() {
			return "running"
		}
		return "stopped"
	}
	return "unknown"
}

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

// Run starts the HTTP server and every background task, then blocks until a
// shutdown signal or context cancellation, at which point it shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.engine.AutoSettlementEnabled() {
		s.engine.Start()
	}
	go s.monitoringSvc.RunSnapshotLoop(runCtx, s.cfg.SettlementCheckInterval)
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown cancels the settlement scheduler, the monitoring snapshot task,
// and the reconciliation sweep, then drains in-flight HTTP requests. An
// in-flight Signer call started before cancellation is never interrupted —
// the scheduler's own sweep loop waits for it to return before observing
// cancellation.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.engine.Stop()
	s.reconcileTimer.Stop()

	// Give load balancers time to stop sending traffic.
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if closer, ok := s.signer.(interface{ Close() }); ok {
		closer.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router, primarily for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
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

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
