package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/db/repositories"
)

type memAuditStore struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (m *memAuditStore) Create(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAuditStore) List(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	return nil, 0, nil
}

func (m *memAuditStore) snapshot() []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.entries...)
}

// entriesNow asserts the audit write already happened when ServeHTTP
// returned. Recording is synchronous: the outcome is persisted before the
// middleware hands the response back.
func entriesNow(t *testing.T, store *memAuditStore, n int) []*models.AuditLog {
	t.Helper()
	got := store.snapshot()
	if len(got) != n {
		t.Fatalf("expected %d audit entries on return, got %d", n, len(got))
	}
	return got
}

func auditRouter(store *memAuditStore) *gin.Engine {
	logger := audit.NewLogger(store, nil)
	r := gin.New()
	r.Use(RequestID(), Audit(logger))
	r.POST("/api/v1/codes/verify", func(c *gin.Context) {
		if c.Query("fail") != "" {
			AbortWithKind(c, apperr.KindInvalidCode, "this code is not valid")
			return
		}
		c.Status(http.StatusOK)
	})
	r.GET("/api/v1/flags", func(c *gin.Context) {
		if c.Query("deny") != "" {
			AbortWithKind(c, apperr.KindForbidden, "no")
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func TestAudit_RecordsWriteOutcome(t *testing.T) {
	store := &memAuditStore{}
	r := auditRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/codes/verify", nil)
	req.RemoteAddr = "203.0.113.45:4444"
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := entriesNow(t, store, 1)
	e := entries[0]
	if e.Action != "code.verify" {
		t.Errorf("Action = %q, want code.verify", e.Action)
	}
	if e.Outcome != models.AuditOutcomeSuccess {
		t.Errorf("Outcome = %q", e.Outcome)
	}
	if e.IPAddress == nil || *e.IPAddress != "203.0.113.0" {
		t.Errorf("IPAddress = %v, want masked 203.0.113.0", e.IPAddress)
	}
	if id, _ := e.Details["request_id"].(string); id == "" {
		t.Error("entry missing request_id")
	}
}

func TestAudit_RecordsErrorKindOnFailure(t *testing.T) {
	store := &memAuditStore{}
	r := auditRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/codes/verify?fail=1", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := entriesNow(t, store, 1)
	e := entries[0]
	if e.Outcome != models.AuditOutcomeFailure {
		t.Errorf("Outcome = %q, want failure", e.Outcome)
	}
	if e.ErrorKind == nil || *e.ErrorKind != "INVALID_CODE" {
		t.Errorf("ErrorKind = %v, want INVALID_CODE", e.ErrorKind)
	}
}

func TestAudit_SkipsSuccessfulReads(t *testing.T) {
	store := &memAuditStore{}
	r := auditRouter(store)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/flags", nil))
	if got := store.snapshot(); len(got) != 0 {
		t.Errorf("successful GET produced %d entries", len(got))
	}
}

func TestAudit_RecordsDeniedReads(t *testing.T) {
	store := &memAuditStore{}
	r := auditRouter(store)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/flags?deny=1", nil))
	entries := entriesNow(t, store, 1)
	if entries[0].Outcome != models.AuditOutcomeDenied {
		t.Errorf("Outcome = %q, want denied", entries[0].Outcome)
	}
	if entries[0].Action != "flag.list" {
		t.Errorf("Action = %q, want flag.list", entries[0].Action)
	}
}

func TestAudit_IgnoresUnroutedPaths(t *testing.T) {
	store := &memAuditStore{}
	r := auditRouter(store)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/nope", nil))
	if got := store.snapshot(); len(got) != 0 {
		t.Errorf("unrouted request produced %d entries", len(got))
	}
}

func TestOutcomeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, models.AuditOutcomeSuccess},
		{201, models.AuditOutcomeSuccess},
		{400, models.AuditOutcomeFailure},
		{401, models.AuditOutcomeDenied},
		{403, models.AuditOutcomeDenied},
		{429, models.AuditOutcomeDenied},
		{500, models.AuditOutcomeFailure},
	}
	for _, tt := range tests {
		if got := outcomeForStatus(tt.status); got != tt.want {
			t.Errorf("outcomeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
