// Package server wires the escrow engine into an HTTP service.
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

	"github.com/mbd888/smartescrow/internal/admin"
	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/automation"
	"github.com/mbd888/smartescrow/internal/config"
	"github.com/mbd888/smartescrow/internal/dispute"
	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/health"
	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/logging"
	"github.com/mbd888/smartescrow/internal/metrics"
	"github.com/mbd888/smartescrow/internal/milestone"
	"github.com/mbd888/smartescrow/internal/notify"
	"github.com/mbd888/smartescrow/internal/ratelimit"
	"github.com/mbd888/smartescrow/internal/security"
	"github.com/mbd888/smartescrow/internal/settlement"
	"github.com/mbd888/smartescrow/internal/syncutil"
	"github.com/mbd888/smartescrow/internal/validation"
	"github.com/mbd888/smartescrow/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the engine it serves.
type Server struct {
	cfg        *config.Config
	store      ledger.Store
	settler    settlement.Settler
	runner     *escrow.Runner
	escrows    *escrow.Service
	milestones *milestone.Service
	disputes   *dispute.Service
	engine     *automation.Engine
	sweeper    *automation.Sweeper
	operator   *admin.Operator
	hub        *notify.Hub
	webhooks   *notify.Dispatcher
	health     *health.Registry
	limiter    *ratelimit.Limiter // nil when rate limiting is off
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the configured store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithSettler replaces the configured settlement provider (for testing)
func WithSettler(settler settlement.Settler) Option {
	return func(s *Server) {
		s.settler = settler
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}
	if s.settler == nil {
		s.settler = newSettler(cfg)
	}
	s.settler = settlement.Guard(s.settler, 5, 30*time.Second)

	s.hub = notify.NewHub(s.logger)
	var publisher notify.Publisher = s.hub
	if len(cfg.WebhookURLs) > 0 {
		s.webhooks = notify.NewDispatcher(cfg.WebhookURLs, cfg.WebhookSecret, s.logger)
		if cfg.IsProduction() {
			s.webhooks.WithClient(security.GuardedClient(10 * time.Second))
		}
		publisher = notify.Multi{s.hub, s.webhooks}
		s.logger.Info("webhook delivery enabled", "endpoints", len(cfg.WebhookURLs))
	}

	s.runner = escrow.NewRunner(s.store, s.settler, publisher, syncutil.NewLeases(cfg.LeaseTimeout)).
		WithLogger(s.logger).
		WithAttempts(cfg.ConflictRetries)
	s.escrows = escrow.NewService(s.runner).
		WithLogger(s.logger).
		WithDefaultCurrency(cfg.DefaultCurrency)
	s.engine = automation.NewEngine(s.runner).
		WithLogger(s.logger).
		WithConcurrency(cfg.SweepConcurrency).
		WithSweepTimeout(cfg.SweepTimeout)
	s.milestones = milestone.NewService(s.runner).
		WithTrigger(s.engine).
		WithLogger(s.logger)
	s.disputes = dispute.NewService(s.runner).WithLogger(s.logger)
	s.operator = admin.NewOperator(s.escrows).
		WithConcurrency(cfg.SweepConcurrency).
		WithLogger(s.logger)
	s.sweeper = automation.NewSweeper(s.engine, cfg.SweepInterval, s.logger)

	if err := s.initSettings(ctx); err != nil {
		return nil, err
	}
	if cfg.AutomationRulesFile != "" {
		if err := s.seedRules(ctx, cfg.AutomationRulesFile); err != nil {
			return nil, err
		}
	}

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("store", s.store.Ping)
	s.health.Register("sweeper", func(context.Context) error {
		if s.ready.Load() && !s.sweeper.Running() {
			return errors.New("automation sweeper is not running")
		}
		return nil
	})
	if s.db != nil {
		s.health.Register("schema", func(ctx context.Context) error {
			current, latest, err := migrations.Versions(ctx, s.db)
			if err != nil {
				return err
			}
			if current < latest {
				return fmt.Errorf("schema at version %d, migrations go to %d", current, latest)
			}
			return nil
		})
	}

	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func newSettler(cfg *config.Config) settlement.Settler {
	if cfg.SettlementProvider == config.ProviderStripe {
		return settlement.NewStripe(cfg.StripeSecretKey)
	}
	return settlement.NewSimulated()
}

// initSettings applies AUTOMATION_ENABLED to a store whose switch nobody
// has set yet. A switch flipped by an operator wins over the config.
func (s *Server) initSettings(ctx context.Context) error {
	cur, err := s.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read automation settings: %w", err)
	}
	if cur.UpdatedBy != "" || cur.AutomationEnabled == s.cfg.AutomationEnabled {
		return nil
	}
	err = s.store.UpdateSettings(ctx, &ledger.Settings{
		AutomationEnabled: s.cfg.AutomationEnabled,
		UpdatedBy:         ledger.System("config").ID,
		UpdatedAt:         time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to apply automation settings: %w", err)
	}
	s.logger.Info("automation switch initialised from config", "enabled", s.cfg.AutomationEnabled)
	return nil
}

func (s *Server) seedRules(ctx context.Context, path string) error {
	rules, err := automation.LoadRuleFile(path)
	if err != nil {
		return fmt.Errorf("failed to load automation rules: %w", err)
	}
	if _, err := s.engine.Seed(ctx, rules); err != nil {
		return fmt.Errorf("failed to seed automation rules: %w", err)
	}
	return nil
}

// maskDSN hides the password in a database URL
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"actor", api.Actor(c).ID,
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", api.Identity())
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	v1.Use(api.RequireActor(), validation.IDParamMiddleware("id", "ruleId"))
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	milestone.NewHandler(s.milestones).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	automation.NewHandler(s.engine).RegisterRoutes(v1)

	adminGroup := v1.Group("", admin.RequireSecret(s.cfg.AdminSecret))
	admin.NewHandler(s.operator).RegisterRoutes(adminGroup)
}

// healthHandler reports check results plus the state of the automation
// sweeper.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := gin.H{
		"status":     status,
		"checks":     checks,
		"settlement": s.settlementHealth(),
		"realtime":   gin.H{"clients": s.hub.Clients()},
		"sweeper":    gin.H{"running": s.sweeper.Running(), "lastReport": s.sweeper.LastReport()},
	}
	c.JSON(code, body)
}

func (s *Server) settlementHealth() gin.H {
	h := gin.H{"provider": s.settler.Name()}
	if g, ok := s.settler.(*settlement.Guarded); ok {
		h["openCircuits"] = g.OpenCircuits()
	}
	return h
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	s.health.Ready(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops and blocks until ctx is
// cancelled or a shutdown signal arrives.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "settlement", s.settler.Name())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.limiter != nil {
		go s.limiter.Run(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready", "sweep_interval", s.cfg.SweepInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
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

	s.sweeper.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.webhooks != nil {
		s.webhooks.Wait()
		s.logger.Info("webhook deliveries drained")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
