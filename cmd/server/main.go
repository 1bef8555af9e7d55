package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thoufic67/aiflo/internal"
	"github.com/thoufic67/aiflo/internal/ai"
	"github.com/thoufic67/aiflo/internal/ai/mock"
	"github.com/thoufic67/aiflo/internal/ai/openai"
	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/handler"
	"github.com/thoufic67/aiflo/internal/jobs"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/service"
	"github.com/thoufic67/aiflo/internal/storage"
	"github.com/thoufic67/aiflo/internal/worker"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// The quota policy table must be total before anything consumes it.
	if err := domain.ValidateQuotaPolicies(); err != nil {
		return fmt.Errorf("quota policy validation failed: %w", err)
	}

	// Run migrations over a short-lived database/sql connection
	migDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := internal.RunMigrations(migDB); err != nil {
		migDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	migDB.Close()

	// Initialize connection pool and repositories
	pool, err := repository.Connect(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database pool failed: %w", err)
	}
	defer pool.Close()
	repo := repository.New(pool)
	logger.Info("Database ready")

	// Initialize object storage
	var store storage.Storage
	switch cfg.StorageProvider {
	case storage.ProviderR2:
		store, err = storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		}, logger)
	default:
		store, err = storage.NewLocalStorage(storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	logger.Info("Storage ready", "provider", cfg.StorageProvider)

	// Initialize LLM provider
	var provider ai.Provider
	if cfg.LLMProvider == "openai" {
		provider, err = openai.New(openai.Config{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			ImageModel:     cfg.LLMImageModel,
			RequestTimeout: cfg.LLMRequestTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("llm provider initialization failed: %w", err)
		}
	} else {
		provider = mock.New(logger)
	}
	logger.Info("LLM provider ready", "provider", cfg.LLMProvider)

	// Initialize payment gateway
	plans := billing.PlanConfig{
		BasicPlanID:      cfg.PlanBasicID,
		ProPlanID:        cfg.PlanProID,
		EnterprisePlanID: cfg.PlanEnterpriseID,
	}
	gateway := billing.NewGatewayService(cfg.PaymentsBaseURL, cfg.PaymentsKeyID,
		cfg.PaymentsKeySecret, cfg.PaymentsWebhookSecret, plans)

	// Initialize services
	quotas := service.NewQuotaManager(repo.Quotas, logger)
	users := service.NewUserService(repo.Users, quotas, logger)
	chat := service.NewChatService(repo.Conversations, quotas, provider, cfg.LLMDefaultModel, logger)
	images := service.NewImageService(quotas, provider, store, repo.Attachments, logger)
	uploads := service.NewUploadService(store, repo.Attachments, service.NewImagingProcessor(), logger)
	subscriptions := service.NewSubscriptionService(repo.Users, quotas, gateway, logger)

	// Initialize background worker
	workerCfg := worker.DefaultConfig()
	workerCfg.Concurrency = cfg.WorkerConcurrency
	workerCfg.PollInterval = cfg.WorkerPollInterval
	workerCfg.JobTimeout = cfg.WorkerJobTimeout
	w, err := worker.New(repo.Jobs, workerCfg, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	w.Register(jobs.NewProcessWebhookEventHandler(repo.WebhookEvents, subscriptions, logger))
	w.Register(jobs.NewCleanupSessionsHandler(users, repo.Jobs, logger))

	if cfg.WorkerEnabled {
		w.Start(ctx)
		if _, err := worker.EnqueueCleanupSessions(ctx, repo.Jobs); err != nil {
			logger.Warn("failed to seed session cleanup job", "error", err)
		}
	}

	// Initialize middleware
	isSecure := cfg.Env != "development"
	authMw := middleware.NewAuthMiddleware(users, logger, isSecure, handler.UnauthorizedResponse(logger))
	authRL := middleware.NewAuthRateLimiter(logger)
	apiRL := middleware.NewRateLimitMiddleware(
		middleware.NewRateLimiter(120, time.Minute, logger), logger)
	requestLog := middleware.NewRequestLoggingMiddleware(logger)
	security := middleware.NewSecurityHeadersMiddleware(isSecure)

	// Initialize handlers
	authHandler := handler.NewAuthHandler(users, authRL, isSecure, logger)
	quotaHandler := handler.NewQuotaHandler(quotas, logger)
	chatHandler := handler.NewChatHandler(chat, logger)
	conversationHandler := handler.NewConversationHandler(chat, logger)
	imageHandler := handler.NewImageHandler(images, logger)
	uploadHandler := handler.NewUploadHandler(uploads, logger)
	billingHandler := handler.NewBillingHandler(gateway, subscriptions, plans, logger)
	webhookHandler := handler.NewWebhookHandler(gateway, repo.WebhookEvents, repo.Jobs, logger)
	healthHandler := handler.NewHealthHandler(pool, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.Handle("GET /metrics", metrics.Handler(cfg.MetricsUsername, cfg.MetricsPassword, promhttp.Handler()))

	// Local storage serves uploaded files directly; R2 serves its own URLs.
	if cfg.StorageProvider == storage.ProviderLocal {
		filesFS := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", filesFS))
	}

	// Public routes
	mux.Handle("POST /api/auth/register", authRL.LimitRegister(http.HandlerFunc(authHandler.HandleRegister)))
	mux.Handle("POST /api/auth/login", authRL.LimitLogin(http.HandlerFunc(authHandler.HandleLogin)))
	mux.HandleFunc("GET /api/share/{token}", conversationHandler.HandleShared)
	mux.HandleFunc("POST /webhooks/payments", webhookHandler.HandlePaymentWebhook)

	// Authenticated routes
	requireUser := middleware.Stack(authMw.WithUser, authMw.RequireUser, apiRL.Limit)
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, requireUser(h))
	}

	protected("POST /api/auth/logout", authHandler.HandleLogout)
	protected("GET /api/auth/me", authHandler.HandleMe)
	protected("POST /api/quota/check", quotaHandler.HandleCheck)
	protected("GET /api/quota/status", quotaHandler.HandleStatus)
	protected("POST /api/chat", chatHandler.HandleChat)
	protected("GET /api/conversations", conversationHandler.HandleList)
	protected("GET /api/conversations/{id}", conversationHandler.HandleGet)
	protected("POST /api/conversations/{id}/share", conversationHandler.HandleShare)
	protected("POST /api/images/generations", imageHandler.HandleGenerate)
	protected("POST /api/uploads", uploadHandler.HandleUpload)
	protected("GET /api/attachments/{id}", uploadHandler.HandleGet)
	protected("GET /api/attachments/{id}/url", uploadHandler.HandleURL)
	protected("POST /api/billing/subscriptions", billingHandler.HandleCreateSubscription)
	protected("POST /api/billing/subscriptions/cancel", billingHandler.HandleCancelSubscription)
	protected("POST /api/billing/verify", billingHandler.HandleVerifyPayment)

	// Outermost stack applies to every route.
	root := middleware.Stack(security.Handler, requestLog.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat streams stay open longer than any fixed cap.
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if cfg.WorkerEnabled {
		w.Stop()
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
