// Package telemetry provides application-level observability for the CareLink backend.
//
// All metrics are registered against the default Prometheus registry and served
// on a side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not part of the Gin router, so it is never
// rate limited and is kept off the public ingress.
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/codes/:id/revoke)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5m window):  rate(http_requests_total[5m])
//   - Error rate (%):                   sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:            histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Credential lifecycle metrics — recorded by the codes registry.
//
// CodeRedemptionsTotal is labelled by outcome so a single query shows the split
// between successful redemptions and each rejection kind:
//
//	sum by (outcome) (rate(code_redemptions_total[1h]))
//
// A spike in outcome="INVALID_CODE" is the primary enumeration-attack signal.
var (
	CodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codes_issued_total",
			Help: "Total number of signup codes successfully issued.",
		},
	)

	CodeRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_redemptions_total",
			Help: "Total number of code redemption attempts, by outcome kind.",
		},
		[]string{"outcome"},
	)

	CodeRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "code_revocations_total",
			Help: "Total number of signup codes revoked by their owner.",
		},
	)
)

// RateLimitRejectionsTotal counts requests rejected by the rate limiter, by
// operation class. An alert on a sustained nonzero rate for "login" or
// "verify" usually means a credential-stuffing or enumeration attempt.
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter, by operation class.",
	},
	[]string{"operation"},
)

// Audit pipeline metrics.
//
// AuditEntriesTotal is labelled by outcome (success/failure/denied) so audit
// volume can be broken down without querying the audit store itself.
// AuditWriteFailuresTotal counts entries that could not be persisted; this
// should alert immediately since it means security decisions are going
// unrecorded.
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries recorded, by outcome.",
		},
		[]string{"outcome"},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit entries that failed to persist.",
		},
	)
)

// Self-test harness metrics — one observation per completed run.
var (
	SelfTestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_runs_total",
			Help: "Total number of security self-test runs, by final state.",
		},
		[]string{"state"},
	)

	SelfTestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "selftest_duration_seconds",
			Help:    "Duration of a complete security self-test run.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ShareEmailsSentTotal is a plain Counter incremented once per share email
// successfully handed to the SMTP server. A stalled counter combined with 200
// responses on the share endpoint indicates SMTP delivery failures.
var ShareEmailsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "share_emails_sent_total",
		Help: "Total number of code share emails successfully sent.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections
// currently held by the sql.DB pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds. The goroutine exits when stop
// is closed.
func StartDBStatsCollector(db *sql.DB, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			case <-stop:
				slog.Debug("db stats collector stopped")
				return
			}
		}
	}()
}
