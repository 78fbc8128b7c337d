// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/flowforge/mediaqueue/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsProduced = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_produced_total",
        Help: "Total number of jobs produced",
    })
    JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_consumed_total",
        Help: "Total number of jobs consumed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of failed jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retries",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_dead_letter_total",
        Help: "Total number of jobs moved to dead letter queue",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of Redis queues",
    }, []string{"queue"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of jobs recovered by the reaper from processing lists",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })

    LedgerReservations = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "ledger_reservations_total",
        Help: "Total number of credit reservations created",
    })
    LedgerCaptures = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "ledger_captures_total",
        Help: "Total number of reservations captured",
    })
    LedgerReleases = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "ledger_releases_total",
        Help: "Total number of reservations released back to balance",
    })
    LedgerInsufficientBalance = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "ledger_insufficient_balance_total",
        Help: "Total number of reservation attempts rejected for insufficient balance",
    })
    OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_published_total",
        Help: "Total number of outbox events successfully published to the event bus",
    })
    OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_failed_total",
        Help: "Total number of failed outbox publish attempts",
    })
    OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "outbox_pending",
        Help: "Current count of unpublished outbox events",
    })
    OutboxDispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "outbox_dispatch_duration_seconds",
        Help:    "Histogram of outbox claim-to-publish durations",
        Buckets: prometheus.DefBuckets,
    })
    FinalizerCommits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "finalizer_commits_total",
        Help: "Total number of finalizer transactions committed",
    })
    JanitorReservationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "janitor_reservations_expired_total",
        Help: "Total number of stale reservations resolved (captured or released) by the janitor",
    })
    FanoutSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "fanout_subscribers",
        Help: "Current number of connected websocket subscribers",
    })
    FanoutMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "fanout_messages_sent_total",
        Help: "Total number of messages delivered to websocket subscribers",
    })
)

func init() {
    prometheus.MustRegister(
        JobsProduced, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
        JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
        ReaperRecovered, WorkerActive,
        LedgerReservations, LedgerCaptures, LedgerReleases, LedgerInsufficientBalance,
        OutboxPublished, OutboxFailed, OutboxPending, OutboxDispatchDuration,
        FinalizerCommits, JanitorReservationsExpired,
        FanoutSubscribers, FanoutMessagesSent,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
