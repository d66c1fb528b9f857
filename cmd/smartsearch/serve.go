package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/search"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Smart Search HTTP API",
		Long: `Start the HTTP API. PostgreSQL (search history, analytics), Redis
(credit ledger, rate limiting) and Kafka (search events) are optional:
the service starts without them and degrades the dependent features.`,
		RunE: runServer,
	}
	cmd.Flags().StringP("port", "p", "", "HTTP server port (overrides config)")
	return cmd
}

// loadConfig reads the config file named by the global --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "smartsearch"})
	return cfg, nil
}

// newExecutor builds the OpenAI executor from cfg.
func newExecutor(cfg *config.Config) *executor.OpenAIExecutor {
	return executor.NewOpenAIExecutor(executor.OpenAIOptions{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Models: map[models.ModelClass]string{
			models.ModelClassFast:    cfg.FastModel,
			models.ModelClassCapable: cfg.DeepModel,
		},
		Timeout: cfg.UpstreamTimeout,
		RPS:     cfg.UpstreamRPS,
		Burst:   cfg.UpstreamBurst,
	})
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}
	log := logger.Get()
	log.Info().Str("version", version).Str("port", cfg.Port).Msg("starting Smart Search")

	ctx := cmd.Context()

	// Initialize database connection.
	var store api.Store
	var recorder search.Recorder
	dbCtx, dbCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dbCancel()
	db, err := database.New(dbCtx, cfg.DSN())
	if err != nil {
		log.Warn().Err(err).Str("dsn", cfg.RedactedDSN()).Msg("database unavailable, search history and analytics disabled")
		db = nil
	} else {
		defer db.Close()
		if err := db.Migrate(dbCtx); err != nil {
			return err
		}
		store, recorder = db, db
		log.Info().Msg("database connected and migrations applied")
	}

	// Initialize Redis connection.
	var creditStore budget.Store
	var cachePinger api.Pinger
	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	rc, err := cache.NewCache(redisCtx, cache.Options{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword})
	if err != nil {
		if cfg.CreditsFailOpen {
			log.Warn().Err(err).Msg("Redis unavailable, credit enforcement will be permissive")
		} else {
			log.Warn().Err(err).Msg("Redis unavailable, searches will be refused (credits fail-closed)")
		}
		rc = nil
	} else {
		defer rc.Close()
		creditStore, cachePinger = rc, rc
	}

	enforcer := budget.NewEnforcer(creditStore, budget.Options{
		FailOpen:     cfg.CreditsFailOpen,
		DefaultLimit: cfg.DefaultCreditLimit,
	})
	if db != nil && rc != nil {
		seedCredits(ctx, db, enforcer)
	}

	exec := newExecutor(cfg)
	if cfg.OpenAIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, searches will fail with a configuration error")
	}
	log.Info().
		Str("fast_model", exec.ModelFor(models.ModelClassFast)).
		Str("deep_model", exec.ModelFor(models.ModelClassCapable)).
		Msg("upstream models configured")

	var publisher events.Publisher = events.Noop{}
	if cfg.EventsEnabled() {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Warn().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("Kafka unavailable, search events disabled")
		} else {
			defer kp.Close()
			publisher = kp
			log.Info().Str("topic", cfg.KafkaTopic).Msg("publishing search events to Kafka")
		}
	}

	svc := search.NewService(search.Options{
		Router:             router.NewRouter(nil),
		Executor:           exec,
		Credits:            enforcer,
		Recorder:           recorder,
		Publisher:          publisher,
		PreviewConcurrency: cfg.PreviewConcurrency,
		PreviewMaxAccounts: cfg.PreviewMaxAccounts,
	})
	handlers := api.NewHandlers(api.Options{
		Service: svc,
		Store:   store,
		Credits: enforcer,
		Cache:   cachePinger,
		Version: version,
	})

	var limiter middleware.RateLimiter
	if rc != nil {
		limiter = rc
	}
	r := newEngine(cfg, handlers, limiter)

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Smart Search API is ready")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	svc.Wait()
	log.Info().Msg("server exited")
	return nil
}

// seedCredits restores persisted workspace budgets into the ledger.
func seedCredits(ctx context.Context, db *database.DB, enforcer *budget.Enforcer) {
	log := logger.Named("credits")
	budgets, err := db.ListCreditBudgets(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted credit budgets")
		return
	}
	n, err := enforcer.Seed(ctx, budgets, time.Now())
	if err != nil {
		log.Warn().Err(err).Int("loaded", n).Msg("failed to seed credit budgets")
		return
	}
	log.Info().Int("budgets", n).Msg("credit budgets loaded")
}

// newEngine builds the gin engine with middleware and routes. A nil limiter
// disables rate limiting.
func newEngine(cfg *config.Config, h *api.Handlers, limiter middleware.RateLimiter) *gin.Engine {
	log := logger.Get()

	if logger.ParseLevel(cfg.LogLevel) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID(), middleware.Recovery(), middleware.Logging())

	// CORS for the browser client.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-API-Key", middleware.HeaderWorkspaceID, middleware.HeaderRequestID},
		ExposeHeaders:    []string{middleware.HeaderRequestID, "X-Search-ID", "X-Credits-Used"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check.
	r.GET("/health", h.HealthCheck)

	// Search routes. The client key is optional.
	sg := r.Group("/api/smart-search")
	if cfg.ClientAPIKey != "" {
		sg.Use(middleware.APIKeyAuth("X-API-Key", cfg.ClientAPIKey))
		log.Info().Msg("search endpoint authentication enabled")
	} else {
		log.Warn().Msg("SMARTSEARCH_API_KEY not set, search endpoints are unauthenticated")
	}
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		sg.Use(middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute))
	}
	sg.Use(middleware.Workspace())
	h.RegisterSearchRoutes(sg)

	// API v1 routes (protected by admin API key).
	// Fail-secure: if no key is configured, block all management requests.
	v1 := r.Group("/api/v1")
	if cfg.AdminAPIKey != "" {
		v1.Use(middleware.APIKeyAuth("X-Admin-Key", cfg.AdminAPIKey))
		log.Info().Msg("management API authentication enabled")
	} else {
		log.Warn().Msg("SMARTSEARCH_ADMIN_API_KEY not set, management API is disabled (fail-secure)")
		v1.Use(middleware.Disabled("management API disabled: SMARTSEARCH_ADMIN_API_KEY not configured"))
	}
	h.RegisterManagementRoutes(v1)

	return r
}
