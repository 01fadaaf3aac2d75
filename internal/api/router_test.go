package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/auth"
	"github.com/carelink/carelink-backend/internal/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("CL_JWT_SECRET", "router-test-secret-32-bytes-long!!!")
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			BaseURL:         "http://127.0.0.1:0",
			BoundaryTimeout: time.Second,
		},
		Security: config.SecurityConfig{
			CORS: config.CORSConfig{AllowedOrigins: []string{"https://app.carelink.example"}},
			RateLimiting: config.RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 1000,
				CodeIssuePerDay:   1,
				VerifyPerMinute:   1000,
				SharePerHour:      1000,
				LoginPerMinute:    1000,
			},
		},
		Auth:     config.AuthConfig{TokenTTL: time.Hour},
		SelfTest: config.SelfTestConfig{RunTimeout: time.Minute},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	return newTestRouterWithConfig(t, testConfig())
}

func newTestRouterWithConfig(t *testing.T, cfg *config.Config) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// The background sweeper fires queries this test does not script.
	mock.MatchExpectationsInOrder(false)

	router, bg := NewRouter(cfg, db)
	t.Cleanup(bg.Shutdown)
	return router, mock
}

func serve(t *testing.T, r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Version(t *testing.T) {
	r, _ := newTestRouter(t)
	w := serve(t, r, http.MethodGet, "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["api_version"] != "v1" {
		t.Errorf("api_version = %q", body["api_version"])
	}
}

func TestRouter_Healthz(t *testing.T) {
	r, mock := newTestRouter(t)
	mock.ExpectPing()

	w := serve(t, r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

// Every non-public API route refuses anonymous callers before touching any
// handler logic.
func TestRouter_ProtectedRoutesRequireAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/codes"},
		{http.MethodPost, "/api/v1/codes/redeem"},
		{http.MethodGet, "/api/v1/codes/some-id/usage-history"},
		{http.MethodPost, "/api/v1/codes/some-id/revoke"},
		{http.MethodPost, "/api/v1/codes/some-id/share-email"},
		{http.MethodGet, "/api/v1/audit-logs"},
		{http.MethodGet, "/api/v1/flags"},
		{http.MethodPatch, "/api/v1/flags/some-id"},
		{http.MethodPost, "/api/v1/security/self-test"},
		{http.MethodGet, "/api/v1/security/self-test"},
	}
	for _, rt := range routes {
		w := serve(t, r, rt.method, rt.path, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}

// Admin surfaces refuse correctly-authenticated non-admins.
func TestRouter_AdminRoutesRequireAdminRole(t *testing.T) {
	r, _ := newTestRouter(t)
	token, err := auth.GenerateJWT("doc-1", "dr@stmary.example", auth.RoleDoctor, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/api/v1/audit-logs", "/api/v1/flags", "/api/v1/security/self-test"} {
		w := serve(t, r, http.MethodGet, path, token)
		if w.Code != http.StatusForbidden {
			t.Errorf("GET %s as doctor: status = %d, want 403", path, w.Code)
		}
	}
}

// Code lifecycle endpoints refuse customers: issuing and sharing are
// doctor-side operations.
func TestRouter_CodeLifecycleRefusesCustomers(t *testing.T) {
	r, _ := newTestRouter(t)
	token, err := auth.GenerateJWT("cust-1", "c@example.com", auth.RoleCustomer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	w := serve(t, r, http.MethodPost, "/api/v1/codes", token)
	if w.Code != http.StatusForbidden {
		t.Errorf("POST /api/v1/codes as customer: status = %d, want 403", w.Code)
	}
}

// Authenticated endpoints sit behind the general per-actor ceiling: a caller
// hammering redeem runs out of requests, not out of guesses.
func TestRouter_AuthedEndpointsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimiting.RequestsPerMinute = 2
	r, _ := newTestRouterWithConfig(t, cfg)

	token, err := auth.GenerateJWT("cust-2", "c2@example.com", auth.RoleCustomer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Malformed code bodies stop at format validation, so the only thing
	// that can refuse differently is the limiter.
	for i := 0; i < 2; i++ {
		w := serve(t, r, http.MethodPost, "/api/v1/codes/redeem", token)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("request %d: status = %d, want 400", i+1, w.Code)
		}
	}

	w := serve(t, r, http.MethodPost, "/api/v1/codes/redeem", token)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "RATE_LIMITED" {
		t.Errorf("error = %q, want RATE_LIMITED", body["error"])
	}

	// The ceiling is per actor: a different user still gets through.
	other, err := auth.GenerateJWT("cust-3", "c3@example.com", auth.RoleCustomer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if w := serve(t, r, http.MethodPost, "/api/v1/codes/redeem", other); w.Code != http.StatusBadRequest {
		t.Errorf("other user: status = %d, want 400", w.Code)
	}
}

func TestRouter_PublicVerifyReachable(t *testing.T) {
	r, _ := newTestRouter(t)

	// Malformed code is rejected by format validation with no credential.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/codes/verify", strings.NewReader(`{"code":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "INVALID_FORMAT" {
		t.Errorf("error = %q, want INVALID_FORMAT", body["error"])
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/codes/verify", nil)
	req.Header.Set("Origin", "https://app.carelink.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.carelink.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	// Unlisted origins get no CORS grant.
	req = httptest.NewRequest(http.MethodOptions, "/api/v1/codes/verify", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin for unlisted origin = %q, want empty", got)
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	r, _ := newTestRouter(t)
	w := serve(t, r, http.MethodGet, "/version", "")

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRouter_RequestIDEchoed(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("X-Request-ID", "fixed-id-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "fixed-id-1" {
		t.Errorf("X-Request-ID = %q, want fixed-id-1", got)
	}
}
