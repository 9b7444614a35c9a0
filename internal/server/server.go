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
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/creditscore/internal/admin"
	"github.com/mbd888/creditscore/internal/auth"
	"github.com/mbd888/creditscore/internal/circuitbreaker"
	"github.com/mbd888/creditscore/internal/config"
	"github.com/mbd888/creditscore/internal/feed"
	"github.com/mbd888/creditscore/internal/health"
	"github.com/mbd888/creditscore/internal/logging"
	"github.com/mbd888/creditscore/internal/metrics"
	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/ratelimit"
	"github.com/mbd888/creditscore/internal/realtime"
	"github.com/mbd888/creditscore/internal/retry"
	"github.com/mbd888/creditscore/internal/scoring"
	"github.com/mbd888/creditscore/internal/security"
	"github.com/mbd888/creditscore/internal/traces"
	"github.com/mbd888/creditscore/internal/validation"
	"github.com/mbd888/creditscore/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        profile.Store
	service      *profile.Service
	breaker      *circuitbreaker.Breaker
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	feedSource   feed.Source
	feedWorker   *feed.Worker
	closeChain   func() // nil unless FEED_RPC_URL is set
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB              // nil unless DATABASE_URL is set
	sqlite       *profile.SQLiteStore // nil unless SQLITE_PATH is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the profile store, bypassing DATABASE_URL and SQLITE_PATH
// (for testing).
func WithStore(store profile.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithFeedSource overrides where the feed worker gets external data.
func WithFeedSource(src feed.Source) Option {
	return func(s *Server) {
		s.feedSource = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, health.Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	// API keys and webhooks live next to the profiles when Postgres is
	// available.
	var keyStore auth.Store = auth.NewMemoryStore()
	s.webhookStore = webhooks.NewMemoryStore()
	if s.db != nil {
		keyStore = auth.NewPostgresStore(s.db)
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	}
	s.authMgr = auth.NewManager(keyStore)
	if cfg.APIKeyTTL > 0 {
		s.authMgr.WithKeyTTL(cfg.APIKeyTTL)
	}
	if cfg.OwnerAPIKey != "" {
		if _, err := s.authMgr.ImportKey(ctx, cfg.Owner(), cfg.OwnerAPIKey, "owner"); err != nil {
			return nil, fmt.Errorf("failed to import owner API key: %w", err)
		}
		s.logger.Info("owner API key configured")
	}

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change", "key", key, "from", from.String(), "to", to.String())
	})

	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger)

	s.service = profile.NewService(s.store, cfg.Owner()).
		WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.StoreRetryAttempts,
			BaseDelay:   cfg.StoreRetryBaseDelay,
			MaxDelay:    time.Second,
		}).
		WithBreaker(s.breaker).
		WithEventEmitter(profile.Emitters{
			realtime.NewProfileEmitter(s.realtimeHub),
			webhooks.NewEmitter(s.dispatcher, s.logger),
		})

	if len(cfg.FeedAccounts) > 0 {
		if err := s.setupFeed(ctx); err != nil {
			return nil, fmt.Errorf("failed to set up feed: %w", err)
		}
	}

	s.health = health.NewRegistry(3 * time.Second)
	s.health.Register(health.PingChecker("profile_store", s.store.Ping))
	s.health.Register(health.PingChecker("circuit_breaker", func(context.Context) error {
		return s.breaker.Check(profile.BreakerKey)
	}))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("server configured",
		"owner", profile.Key(cfg.Owner()),
		"feed_accounts", len(cfg.FeedAccounts),
	)
	return s, nil
}

// openStore selects the profile store: an injected store, then Postgres,
// then SQLite, then memory.
func (s *Server) openStore(ctx context.Context) error {
	switch {
	case s.store != nil:
		return nil

	case s.cfg.DatabaseURL != "":
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

		pg := profile.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		s.db = db
		s.store = pg
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case s.cfg.SQLitePath != "":
		store, err := profile.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.sqlite = store
		s.store = store
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	default:
		s.store = profile.NewMemoryStore()
		s.logger.Warn("using in-memory storage, profiles will not survive a restart")
	}
	return nil
}

func (s *Server) setupFeed(ctx context.Context) error {
	src := s.feedSource
	if src == nil {
		if s.cfg.FeedSourceURL != "" {
			src = feed.NewHTTPSource(s.cfg.FeedSourceURL)
		} else {
			src = feed.NewStaticSource()
		}
		if s.cfg.FeedRPCURL != "" {
			chain, closeChain, err := feed.DialChainSource(ctx, s.cfg.FeedRPCURL, src)
			if err != nil {
				return err
			}
			s.closeChain = closeChain
			src = chain
		}
	}

	accounts := make([]common.Address, len(s.cfg.FeedAccounts))
	for i, a := range s.cfg.FeedAccounts {
		accounts[i] = common.HexToAddress(a)
	}
	s.feedWorker = feed.NewWorker(s.service, src, accounts, s.cfg.FeedInterval, s.logger)
	s.logger.Info("external data feed enabled",
		"accounts", len(accounts),
		"interval", s.cfg.FeedInterval,
		"chain", s.cfg.FeedRPCURL != "",
	)
	return nil
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

	// Request ID and per-request logger
	s.router.Use(logging.RequestContext(s.logger))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLog())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/", scoresPageHandler)

	profileHandler := profile.NewHandler(s.service)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore)

	// Unversioned routes kept for existing clients.
	compat := s.router.Group("", auth.Middleware(s.authMgr))
	profileHandler.RegisterCompatRoutes(compat)

	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr))
	v1.GET("/info", s.infoHandler)
	v1.GET("/stream/stats", s.streamStatsHandler)
	profileHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	profileHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterRoutes(protected)

	adminHandler := admin.NewHandler().WithBreaker(s.breaker, profile.BreakerKey)
	if s.feedWorker != nil {
		adminHandler.WithFeedRunner(s.feedWorker)
	}

	ownerOnly := v1.Group("", auth.RequireAccount(s.cfg.Owner()))
	profileHandler.RegisterAdminRoutes(ownerOnly)
	adminHandler.RegisterRoutes(ownerOnly)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "creditscore",
		"version":  health.Version,
		"owner":    profile.Key(s.cfg.Owner()),
		"minScore": scoring.MinScore,
		"maxScore": scoring.MaxScore,
		"feed":     s.feedWorker != nil,
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.feedWorker != nil {
		go s.feedWorker.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// close releases background workers and storage.
func (s *Server) close(ctx context.Context) {
	if s.feedWorker != nil {
		s.feedWorker.Stop()
		s.logger.Info("feed worker stopped")
	}

	if s.closeChain != nil {
		s.closeChain()
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Wait(ctx); err != nil {
			s.logger.Warn("webhook deliveries still in flight at shutdown", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Error("sqlite close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
