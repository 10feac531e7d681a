package main

import (
	"context"
	"fmt"
	"time"

	"github.com/akmatori/riskwatch/internal/config"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/services"
	slackutil "github.com/akmatori/riskwatch/internal/slack"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	senderTimeout   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// app is the wired service graph shared by every command
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger
	db  *gorm.DB

	slack      *slackutil.Manager
	dispatcher *notify.Dispatcher
	hub        *events.Hub
	nats       *events.NATSPublisher
	publisher  events.Publisher

	engine    *services.EscalationEngine
	breaches  *services.BreachService
	metrics   *services.MetricService
	policies  *services.PolicyService
	incidents *services.IncidentService
	reports   *services.ReportService
}

// newApp connects the store and builds the notification and event stacks.
// Slack delivery only works once startSlack has been called.
func newApp(cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := database.InitializeDefaults(); err != nil {
		return nil, fmt.Errorf("failed to initialize database defaults: %w", err)
	}
	db := database.GetDB()
	log.Info("Database connection established")

	a := &app{cfg: cfg, log: log, db: db}

	a.slack = slackutil.NewManager(log.Named("slack"), cfg.SlackProxyURL)
	slackSender := notify.NewBreakerSender(notify.NewSlackSender(a.slack), senderTimeout, log)
	var mailSender notify.Sender
	if cfg.MailEnabled() {
		mailSender = notify.NewBreakerSender(notify.NewMailSender(notify.MailConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			User:               cfg.SMTPUser,
			Password:           cfg.SMTPPassword,
			SenderAddress:      cfg.SMTPFrom,
			SenderName:         cfg.SMTPFromName,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
		}, log), senderTimeout, log)
		log.Infow("Mail delivery enabled", "host", cfg.SMTPHost)
	}
	router := notify.NewRouter(slackSender, mailSender, notify.NewLogSender(log))
	a.dispatcher = notify.NewDispatcher(router, notify.DispatcherConfig{
		Workers:     cfg.NotifyWorkers,
		QueueSize:   cfg.NotifyQueueSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
	}, log.Named("notify"))
	a.dispatcher.Start()

	a.hub = events.NewHub(log.Named("events"), cfg.CORSOrigins)
	sinks := []events.Publisher{a.hub}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, log.Named("nats"))
		if err != nil {
			log.Warnw("NATS event bus unavailable, continuing without it", "url", cfg.NATSURL, "error", err)
		} else {
			a.nats = nats
			sinks = append(sinks, nats)
		}
	}
	a.publisher = events.NewMulti(log, sinks...)

	a.engine = services.NewEscalationEngine(db, a.dispatcher, a.publisher, log.Named("escalation"))
	a.breaches = services.NewBreachService(db, a.engine, a.dispatcher, a.publisher, log.Named("breach"))
	a.metrics = services.NewMetricService(db, a.breaches, a.publisher, log.Named("metric"))
	a.policies = services.NewPolicyService(db, log.Named("policy"))
	a.incidents = services.NewIncidentService(db, a.engine, log.Named("incident"))
	a.reports = services.NewReportService(db)

	if cfg.PolicyFile != "" {
		created, updated, err := a.policies.LoadFromYAML(context.Background(), cfg.PolicyFile)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		log.Infow("Escalation policies loaded", "file", cfg.PolicyFile, "created", created, "updated", updated)
	}
	return a, nil
}

// startSlack connects Slack if it is configured and enabled in the settings
func (a *app) startSlack(ctx context.Context) {
	if err := a.slack.Start(ctx); err != nil {
		a.log.Warnw("Failed to start Slack", "error", err)
		return
	}
	if a.slack.IsRunning() {
		a.log.Info("Slack Socket Mode is ACTIVE")
	} else {
		a.log.Info("Running without Slack (configure in Settings)")
	}
}

// close drains pending notifications and releases connections
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.dispatcher.Stop(ctx); err != nil {
		a.log.Warnw("Notification dispatcher did not drain", "pending", a.dispatcher.Pending(), "error", err)
	}
	a.slack.Stop()
	a.hub.Close()
	if a.nats != nil {
		a.nats.Close()
	}
	if err := database.Close(); err != nil {
		a.log.Warnw("Failed to close database", "error", err)
	}
}
