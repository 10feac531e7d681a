package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/handlers"
	"github.com/akmatori/riskwatch/internal/jobs"
	"github.com/akmatori/riskwatch/internal/middleware"
	"github.com/spf13/cobra"
)

const sweepBatchSize = 100

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, escalation scheduler and SLA scanner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			zlog, err := setupLogger(cfg.LogLevel, cfg.DevLog)
			if err != nil {
				return err
			}
			defer zlog.Sync()
			log := zlog.Sugar()

			if cfg.AdminPassword == "" {
				return errors.New("ADMIN_PASSWORD is not set")
			}
			passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
			if err != nil {
				return fmt.Errorf("failed to hash admin password: %w", err)
			}
			apiKeys, err := middleware.ParseAPIKeys(cfg.APIKeys)
			if err != nil {
				return fmt.Errorf("invalid API_KEYS: %w", err)
			}
			jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
				Enabled:           true,
				AdminUsername:     cfg.AdminUsername,
				AdminPasswordHash: passwordHash,
				JWTSecret:         cfg.JWTSecret,
				JWTExpiryHours:    cfg.JWTExpiryHours,
				SkipPaths: []string{
					"/health",
					"/metrics",
					"/auth/login",
					"/ws/*",
				},
				APIKeys: apiKeys,
				Log:     log.Named("auth"),
			})
			log.Infow("JWT authentication enabled", "user", cfg.AdminUsername, "api_clients", apiKeys.Len())

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stopSignals()
			return serve(ctx, a, jwtAuth)
		},
	}
}

func serve(ctx context.Context, a *app, jwtAuth *middleware.JWTAuthMiddleware) error {
	log := a.log
	settings, err := database.GetOrCreateEscalationSettings(a.db)
	if err != nil {
		return fmt.Errorf("failed to load escalation settings: %w", err)
	}

	// Background jobs
	stop := make(chan struct{})
	defer close(stop)

	scheduler := jobs.NewEscalationScheduler(a.engine, settings.ResyncInterval(0), log.Named("scheduler"))
	scheduler.SetResyncSource(func(ctx context.Context) (time.Duration, error) {
		current, err := database.GetOrCreateEscalationSettings(a.db.WithContext(ctx))
		if err != nil {
			return 0, err
		}
		return current.ResyncInterval(0), nil
	})
	a.engine.SetDeadlineSink(scheduler)
	go scheduler.Run(ctx)

	scanner := jobs.NewSLAScanner(a.db, a.engine, a.publisher, log.Named("sla"))
	go scanner.Start(settings.ScanInterval(0), stop)

	sweeper := jobs.NewNotificationSweeper(a.breaches, a.cfg.SweepMinAge, sweepBatchSize, log.Named("sweeper"))
	go sweeper.Start(a.cfg.SweepInterval, stop)

	// Slack interactive buttons
	slackHandler := handlers.NewSlackHandler(a.breaches, a.engine, log.Named("slack"))
	a.slack.SetEventHandler(slackHandler.HandleSocketMode)
	go a.slack.WatchForReloads(ctx)
	a.startSlack(ctx)

	// HTTP routes
	mux := http.NewServeMux()
	handlers.NewHTTPHandler(a.db, a.hub.HandleWebSocket).SetupRoutes(mux)
	handlers.NewAuthHandler(jwtAuth, log.Named("auth")).SetupRoutes(mux)
	handlers.NewAPIHandler(handlers.Services{
		Metrics:   a.metrics,
		Breaches:  a.breaches,
		Policies:  a.policies,
		Engine:    a.engine,
		Incidents: a.incidents,
		Reports:   a.reports,
		Scanner:   scanner,
	}, a.db, a.slack, log.Named("api")).SetupRoutes(mux)

	cors := middleware.NewCORSMiddleware(a.cfg.CORSOrigins...)
	handler := middleware.RequestIDMiddleware(cors.Wrap(jwtAuth.Wrap(middleware.AccessLog(log.Named("http"))(mux))))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Starting HTTP server", "port", a.cfg.HTTPPort, "version", handlers.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("Received shutdown signal, cleaning up...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down HTTP server", "error", err)
	}
	log.Info("Shutdown complete")
	return nil
}
