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

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quillchat/metering/internal"
	"github.com/quillchat/metering/internal/billing"
	"github.com/quillchat/metering/internal/handler"
	"github.com/quillchat/metering/internal/metrics"
	"github.com/quillchat/metering/internal/middleware"
	"github.com/quillchat/metering/internal/repository"
	"github.com/quillchat/metering/internal/scheduler"
	"github.com/quillchat/metering/internal/service"
	"github.com/quillchat/metering/internal/storage"
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

	// Initialize database connection
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	// Initialize repository
	store := repository.NewStore(db)

	// Initialize archive storage for the retention jobs
	var archive storage.Archive
	switch cfg.StorageProvider {
	case "r2":
		archive, err = storage.NewR2Archive(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
		}, logger)
	default:
		archive, err = storage.NewLocalArchive(storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("archive storage initialization failed: %w", err)
	}
	logger.Info("Archive storage ready", "provider", cfg.StorageProvider)

	// Initialize services
	var risk service.RiskClient
	if cfg.RiskLookupURL != "" {
		risk = service.NewHTTPRiskClient(cfg.RiskLookupURL, cfg.RiskLookupTimeout, logger)
	}

	identity, err := service.NewIdentityService(store, risk, cfg.IPHashSalt, cfg.IPEncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("identity service initialization failed: %w", err)
	}

	balance := service.NewBalanceService(store, logger)
	sessions := service.NewSessionService(store, balance, cfg.MaxSessionDuration, logger)
	gate := service.NewRateGate(store, int32(cfg.RateLimitMax), cfg.RateLimitWindow, logger)
	rollover := service.NewRolloverService(store, archive, cfg.LedgerRetention, cfg.VisitorRetention, logger)
	billingSync := service.NewBillingSyncService(store, logger)

	// Stripe is optional in development; without it the billing routes
	// reject and the webhook acknowledges without acting.
	var billingSvc billing.Service
	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret != "" {
		billingSvc = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, billing.PriceConfig{
			StarterMonthlyPriceID: cfg.StripeStarterMonthlyPriceID,
			StarterYearlyPriceID:  cfg.StripeStarterYearlyPriceID,
			PlusMonthlyPriceID:    cfg.StripePlusMonthlyPriceID,
			PlusYearlyPriceID:     cfg.StripePlusYearlyPriceID,
			MaxMonthlyPriceID:     cfg.StripeMaxMonthlyPriceID,
			MaxYearlyPriceID:      cfg.StripeMaxYearlyPriceID,
		})
		logger.Info("Stripe billing enabled")
	} else {
		logger.Warn("Stripe billing not configured, billing routes disabled")
	}

	// Initialize middleware
	isSecure := cfg.Env != "development"
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	subjectMw := middleware.NewSubjectMiddleware(identity, gate, logger)

	// Initialize handlers
	meteringHandler := handler.NewMeteringHandler(balance, sessions, logger)
	billingHandler := handler.NewBillingHandler(billingSvc, billingSync, cfg.BaseURL, logger)
	webhookHandler := handler.NewWebhookHandler(billingSvc, billingSync, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics (basic-auth protected)
	mux.Handle("GET /metrics", metrics.Handler(cfg.MetricsUsername, cfg.MetricsPassword))

	// Metered API routes run behind subject resolution and the rate gate
	withSubject := middleware.Stack(subjectMw.Handler)
	meteringHandler.RegisterRoutes(mux, withSubject)
	billingHandler.RegisterRoutes(mux, withSubject)

	// Stripe webhook (public, signature-authenticated)
	webhookHandler.RegisterRoutes(mux)

	// Outer middleware chain: security headers, request logging, metrics
	root := middleware.Stack(securityMw.Handler, loggingMw.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start scheduler
	// ==========================================================================

	if cfg.SchedulerEnabled {
		sched := scheduler.New(30*time.Second, logger)
		sched.Register(scheduler.Job{
			Name:     "daily_reset",
			Interval: cfg.DailyResetInterval,
			Run: func(ctx context.Context) (int64, error) {
				summary, err := rollover.DailyReset(ctx)
				if err != nil {
					return 0, err
				}
				return summary.Processed, nil
			},
		})
		sched.Register(scheduler.Job{
			Name:     "renew_subscriptions",
			Interval: cfg.RenewalInterval,
			Run: func(ctx context.Context) (int64, error) {
				summary, err := rollover.RenewSubscriptions(ctx)
				if err != nil {
					return 0, err
				}
				return summary.Processed, nil
			},
		})
		sched.Register(sessionSweepJob(sessions, cfg.SessionSweepInterval))
		sched.Register(scheduler.Job{
			Name:     "rate_window_sweep",
			Interval: cfg.SessionSweepInterval,
			Run: func(ctx context.Context) (int64, error) {
				return gate.Sweep(ctx)
			},
		})
		sched.Register(scheduler.Job{
			Name:     "archive_ledger",
			Interval: cfg.ArchiveInterval,
			Run: func(ctx context.Context) (int64, error) {
				summary, err := rollover.ArchiveLedger(ctx)
				if err != nil {
					return 0, err
				}
				return summary.Processed, nil
			},
		})
		sched.Register(scheduler.Job{
			Name:     "purge_visitors",
			Interval: cfg.ArchiveInterval,
			Run: func(ctx context.Context) (int64, error) {
				summary, err := rollover.PurgeVisitors(ctx)
				if err != nil {
					return 0, err
				}
				return summary.Processed, nil
			},
		})
		sched.Start(ctx)
		defer sched.Stop()
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
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

	logger.Info("Graceful shutdown complete")
	return nil
}

// sessionSweepJob force-closes sessions running past the cap. The
// active-sessions gauge is incremented at start and decremented at stop;
// sessions closed by the sweep never hit the stop handler, so the sweep
// settles the gauge itself.
func sessionSweepJob(sessions service.SessionService, interval time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     "session_sweep",
		Interval: interval,
		Run: func(ctx context.Context) (int64, error) {
			closed, err := sessions.ReconcileStale(ctx)
			if closed > 0 {
				metrics.SessionsTotal.WithLabelValues("reconciled").Add(float64(closed))
				metrics.ActiveSessions.Sub(float64(closed))
			}
			return int64(closed), err
		},
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
