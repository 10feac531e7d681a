// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion and classification
	ReadingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_readings_ingested_total",
		Help: "Total number of metric readings ingested, by resulting variance status",
	}, []string{"status"})
	ReadingsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_readings_replayed_total",
		Help: "Total number of identical reading replays that were ignored",
	})
	Reclassifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_reclassifications_total",
		Help: "Total number of readings re-classified after a tolerance band change",
	})

	// Breach notifications
	BreachNotificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_breach_notifications_created_total",
		Help: "Total number of breach notifications created",
	}, []string{"breach_type"})
	BreachNotificationsDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_breach_notifications_deduplicated_total",
		Help: "Total number of breach notifications suppressed by the dedup key",
	}, []string{"breach_type"})

	// Escalation engine
	EscalationsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_escalations_started_total",
		Help: "Total number of escalation executions started",
	}, []string{"source"})
	EscalationLevelAdvances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_escalation_level_advances_total",
		Help: "Total number of escalation level transitions",
	}, []string{"level"})
	EscalationRepeats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_escalation_repeats_total",
		Help: "Total number of final-level re-notifications",
	})
	EscalationsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_escalations_terminated_total",
		Help: "Total number of escalation executions that reached a terminal status",
	}, []string{"status"})
	SchedulerPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskwatch_scheduler_pending_deadlines",
		Help: "Number of escalation deadlines currently held by the scheduler",
	})

	// SLA scanner
	SLAScans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_sla_scans_total",
		Help: "Total number of SLA scan cycles, by result",
	}, []string{"result"})
	SLABreachesFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_sla_breaches_found_total",
		Help: "Total number of overdue incidents found by the SLA scanner",
	})
	SLAScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskwatch_sla_scan_duration_seconds",
		Help:    "Duration of SLA scan cycles",
		Buckets: prometheus.DefBuckets,
	})

	// Notification delivery
	NotificationsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_notifications_queued_total",
		Help: "Total number of notifications accepted by the dispatcher",
	}, []string{"kind"})
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_notifications_sent_total",
		Help: "Total number of notifications delivered, by channel",
	}, []string{"channel"})
	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_notifications_failed_total",
		Help: "Total number of notification delivery failures, by channel",
	}, []string{"channel"})
	NotificationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_notification_retries_total",
		Help: "Total number of notification retries scheduled",
	})
	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_notifications_dropped_total",
		Help: "Total number of notifications dropped, by reason",
	}, []string{"reason"})

	// Event stream
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_events_published_total",
		Help: "Total number of domain events published, by sink",
	}, []string{"sink"})
	EventPublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_event_publish_errors_total",
		Help: "Total number of domain event publish failures, by sink",
	}, []string{"sink"})
	WebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskwatch_websocket_clients",
		Help: "Number of connected event stream clients",
	})
)

func init() {
	prometheus.MustRegister(ReadingsIngested)
	prometheus.MustRegister(ReadingsReplayed)
	prometheus.MustRegister(Reclassifications)
	prometheus.MustRegister(BreachNotificationsCreated)
	prometheus.MustRegister(BreachNotificationsDeduplicated)
	prometheus.MustRegister(EscalationsStarted)
	prometheus.MustRegister(EscalationLevelAdvances)
	prometheus.MustRegister(EscalationRepeats)
	prometheus.MustRegister(EscalationsTerminated)
	prometheus.MustRegister(SchedulerPending)
	prometheus.MustRegister(SLAScans)
	prometheus.MustRegister(SLABreachesFound)
	prometheus.MustRegister(SLAScanDuration)
	prometheus.MustRegister(NotificationsQueued)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationsFailed)
	prometheus.MustRegister(NotificationRetries)
	prometheus.MustRegister(NotificationsDropped)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventPublishErrors)
	prometheus.MustRegister(WebSocketClients)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
