package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/db/repositories"
	"github.com/carelink/carelink-backend/internal/telemetry"
)

// store is the persistence surface the logger needs; implemented by
// repositories.AuditRepository and by test doubles.
type store interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// Entry is one security-relevant decision as reported by a component. Fields
// arrive raw; Record masks them.
type Entry struct {
	// ActorID is the authenticated actor, or empty for anonymous requests.
	ActorID string
	// Action names the operation, e.g. "code.redeem".
	Action string
	// Outcome is success, failure, or denied.
	Outcome string
	// ErrorKind is the taxonomy kind on non-success outcomes.
	ErrorKind string
	// IPAddress is the raw client address.
	IPAddress string
	// Details is arbitrary context; PII values are masked before storage.
	Details map[string]interface{}
	// Duration is how long the operation took.
	Duration time.Duration
}

// Logger appends masked audit entries to the store and optionally ships them
// to external destinations. It exclusively owns audit appends: no other
// component writes to the audit table.
type Logger struct {
	store    store
	shippers []Shipper
}

// NewLogger creates a Logger. shippers may be empty.
func NewLogger(s store, shippers []Shipper) *Logger {
	return &Logger{store: s, shippers: shippers}
}

// Record masks the entry's PII, constructs the immutable row, and appends it.
// Masking happens here, before the models.AuditLog exists, so no raw PII is
// ever reachable from the persistence layer.
//
// A failed write is counted and logged but not returned as a request error:
// the security decision itself already happened, and failing the caller's
// request over a broken audit sink would turn an observability outage into a
// total one. The audit_write_failures_total metric is the alerting signal.
func (l *Logger) Record(ctx context.Context, e Entry) {
	actor := e.ActorID
	if actor == "" {
		actor = "anonymous"
	}

	row := &models.AuditLog{
		ActorID:    actor,
		Action:     e.Action,
		Outcome:    e.Outcome,
		Details:    MaskDetails(e.Details),
		DurationMs: e.Duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if e.ErrorKind != "" {
		kind := e.ErrorKind
		row.ErrorKind = &kind
	}
	if e.IPAddress != "" {
		masked := MaskIP(e.IPAddress)
		row.IPAddress = &masked
	}

	telemetry.AuditEntriesTotal.WithLabelValues(row.Outcome).Inc()

	if err := l.store.Create(ctx, row); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		slog.Error("failed to persist audit entry", "action", row.Action, "error", err)
	}

	for _, shipper := range l.shippers {
		if err := shipper.Ship(ctx, row); err != nil {
			slog.Warn("failed to ship audit entry", "action", row.Action, "error", err)
		}
	}
}

// Query returns audit entries matching the filters. Read-only; the HTTP layer
// restricts it to admins.
func (l *Logger) Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	return l.store.List(ctx, filters, limit, offset)
}
