package codes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/auth"
	"github.com/carelink/carelink-backend/internal/codes"
	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/middleware"
	"github.com/carelink/carelink-backend/internal/ratelimit"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("CL_JWT_SECRET", "handler-test-secret-32-bytes-long!!")
	os.Exit(m.Run())
}

// fakeCodeStore is a map-backed codeStore double.
type fakeCodeStore struct {
	mu          sync.Mutex
	byCode      map[string]*models.SignupCode
	redemptions map[string][]*models.CodeRedemption
	nextID      int
}

func newFakeCodeStore() *fakeCodeStore {
	return &fakeCodeStore{
		byCode:      make(map[string]*models.SignupCode),
		redemptions: make(map[string][]*models.CodeRedemption),
	}
}

func (s *fakeCodeStore) Create(ctx context.Context, code *models.SignupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	code.ID = fmt.Sprintf("code-%d", s.nextID)
	code.CreatedAt = time.Now()
	cp := *code
	s.byCode[code.Code] = &cp
	return nil
}

func (s *fakeCodeStore) GetByCode(ctx context.Context, code string) (*models.SignupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCode[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCodeStore) GetByID(ctx context.Context, id string) (*models.SignupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byCode {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeCodeStore) GetActiveByOwner(ctx context.Context, ownerID string) (*models.SignupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byCode {
		if c.OwnerID == ownerID && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeCodeStore) ConsumeUse(ctx context.Context, code string, redemption *models.CodeRedemption) (*models.SignupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCode[code]
	if !ok || !c.IsActive || c.Expired(time.Now()) || c.Exhausted() {
		return nil, nil
	}
	c.UsedCount++
	redemption.CodeID = c.ID
	redemption.RedeemedAt = time.Now()
	s.redemptions[c.ID] = append(s.redemptions[c.ID], redemption)
	cp := *c
	return &cp, nil
}

func (s *fakeCodeStore) Deactivate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byCode {
		if c.ID == id {
			c.IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeCodeStore) ListRedemptions(ctx context.Context, codeID string) ([]*models.CodeRedemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CodeRedemption(nil), s.redemptions[codeID]...), nil
}

type fakeOwnerStore struct{}

func (fakeOwnerStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	if id != "doc-1" {
		return nil, nil
	}
	name := "St. Mary General"
	specialty := "Cardiology"
	city := "Portland"
	return &models.User{
		ID:           id,
		Email:        "dr.house@stmary.example",
		Role:         string(auth.RoleDoctor),
		HospitalName: &name,
		Specialty:    &specialty,
		City:         &city,
	}, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Remaining: limit}, nil
}

// fakeMailer records share deliveries.
type fakeMailer struct {
	mu   sync.Mutex
	sent []string // "to|code|hospital"
	fail error
}

func (m *fakeMailer) SendCodeShare(ctx context.Context, toEmail, code, hospitalName string) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, toEmail+"|"+code+"|"+hospitalName)
	return nil
}

// identityFor injects an authenticated identity the way the auth middleware
// would, without minting a token.
func identityFor(userID, email string, role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Set(middleware.UserEmailKey, email)
		c.Set(middleware.UserRoleKey, string(role))
		c.Next()
	}
}

type fixture struct {
	store   *fakeCodeStore
	mailer  *fakeMailer
	router  *gin.Engine
	handler *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeCodeStore()
	mailer := &fakeMailer{}
	registry := codes.NewRegistry(store, fakeOwnerStore{}, allowAllLimiter{}, 1, 24*time.Hour)
	h := NewHandlers(registry, mailer, time.Second)

	r := gin.New()
	asDoctor := identityFor("doc-1", "dr.house@stmary.example", auth.RoleDoctor)
	r.POST("/codes", asDoctor, h.IssueHandler())
	r.POST("/codes/verify", h.VerifyHandler())
	r.POST("/codes/redeem", identityFor("cust-1", "johndoe@example.com", "customer"), h.RedeemHandler())
	r.GET("/codes/:id/usage-history", asDoctor, h.UsageHistoryHandler())
	r.POST("/codes/:id/revoke", asDoctor, h.RevokeHandler())
	r.POST("/codes/:id/share-email", asDoctor, h.ShareEmailHandler())
	return &fixture{store: store, mailer: mailer, router: r, handler: h}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seed(t *testing.T, code string, maxUses, used int, active bool, expiresAt *time.Time) *models.SignupCode {
	t.Helper()
	c := &models.SignupCode{
		Code:      code,
		OwnerID:   "doc-1",
		MaxUses:   maxUses,
		UsedCount: used,
		IsActive:  active,
		ExpiresAt: expiresAt,
	}
	if err := f.store.Create(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestIssueHandler(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/codes", map[string]int{"max_uses": 10})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	code, ok := body["code"].(map[string]any)
	if !ok {
		t.Fatalf("response missing code object: %v", body)
	}
	value, _ := code["Code"].(string)
	if err := codes.ValidateFormat(value); err != nil {
		t.Errorf("issued code %q fails format check: %v", value, err)
	}
	if code["MaxUses"] != float64(10) {
		t.Errorf("MaxUses = %v, want 10", code["MaxUses"])
	}
}

func TestIssueHandler_EmptyBodyUsesDefaults(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/codes", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	code := body["code"].(map[string]any)
	if code["MaxUses"] != float64(25) {
		t.Errorf("MaxUses = %v, want default 25", code["MaxUses"])
	}
}

func TestIssueHandler_RejectsNegativeValues(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/codes", map[string]int{"max_uses": -1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decode(t, w)["error"] != "INVALID_FORMAT" {
		t.Errorf("error = %v, want INVALID_FORMAT", decode(t, w)["error"])
	}
}

func TestIssueHandler_SecondActiveCodeRefused(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "AAAA1111", 25, 0, true, nil)

	w := f.do(t, http.MethodPost, "/codes", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if decode(t, w)["error"] != "ALREADY_HAS_CODE" {
		t.Errorf("error = %v, want ALREADY_HAS_CODE", decode(t, w)["error"])
	}
}

func TestVerifyHandler(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "GOOD1234", 25, 5, true, nil)

	w := f.do(t, http.MethodPost, "/codes/verify", map[string]string{"code": "GOOD1234"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["is_valid"] != true {
		t.Errorf("is_valid = %v, want true", body["is_valid"])
	}
	if body["remaining_uses"] != float64(20) {
		t.Errorf("remaining_uses = %v, want 20", body["remaining_uses"])
	}
	hospital := body["hospital"].(map[string]any)
	if hospital["name"] != "St. Mary General" {
		t.Errorf("hospital name = %v", hospital["name"])
	}
}

func TestVerifyHandler_Rejections(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	f.seed(t, "DEAD1234", 25, 0, false, nil)
	f.seed(t, "OLDC1234", 25, 0, true, &past)
	f.seed(t, "FULL1234", 2, 2, true, nil)

	tests := []struct {
		name     string
		code     string
		status   int
		wantKind string
	}{
		{"malformed", "short", http.StatusBadRequest, "INVALID_FORMAT"},
		{"unknown", "NOPE1234", http.StatusBadRequest, "INVALID_CODE"},
		{"revoked", "DEAD1234", http.StatusBadRequest, "INVALID_CODE"},
		{"expired", "OLDC1234", http.StatusBadRequest, "CODE_EXPIRED"},
		{"exhausted", "FULL1234", http.StatusBadRequest, "CODE_EXHAUSTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/codes/verify", map[string]string{"code": tt.code})
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if got := decode(t, w)["error"]; got != tt.wantKind {
				t.Errorf("error = %v, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestRedeemHandler(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 3, 0, true, nil)

	w := f.do(t, http.MethodPost, "/codes/redeem", map[string]string{"code": "GOOD1234"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["remaining_uses"] != float64(2) {
		t.Errorf("remaining_uses = %v, want 2", body["remaining_uses"])
	}

	rows, _ := f.store.ListRedemptions(context.Background(), seeded.ID)
	if len(rows) != 1 {
		t.Fatalf("redemption rows = %d, want 1", len(rows))
	}
	if strings.Contains(rows[0].RedeemerEmail, "johndoe@") {
		t.Errorf("stored redeemer email %q is not masked", rows[0].RedeemerEmail)
	}
}

func TestUsageHistoryHandler(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 3, 0, true, nil)
	f.do(t, http.MethodPost, "/codes/redeem", map[string]string{"code": "GOOD1234"})
	f.do(t, http.MethodPost, "/codes/redeem", map[string]string{"code": "GOOD1234"})

	w := f.do(t, http.MethodGet, "/codes/"+seeded.ID+"/usage-history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if total := decode(t, w)["total"]; total != float64(2) {
		t.Errorf("total = %v, want 2", total)
	}
}

func TestUsageHistoryHandler_UnknownCode(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/codes/missing/usage-history", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRevokeHandler(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 3, 0, true, nil)

	w := f.do(t, http.MethodPost, "/codes/"+seeded.ID+"/revoke", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if decode(t, w)["revoked"] != true {
		t.Errorf("revoked = %v, want true", decode(t, w)["revoked"])
	}

	// The code no longer verifies.
	w = f.do(t, http.MethodPost, "/codes/verify", map[string]string{"code": "GOOD1234"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("verify after revoke: status = %d, want 400", w.Code)
	}
}

func TestRevokeHandler_NotOwner(t *testing.T) {
	f := newFixture(t)
	c := &models.SignupCode{Code: "OTHR1234", OwnerID: "doc-2", MaxUses: 25, IsActive: true}
	if err := f.store.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPost, "/codes/"+c.ID+"/revoke", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestShareEmailHandler(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 25, 0, true, nil)

	w := f.do(t, http.MethodPost, "/codes/"+seeded.ID+"/share-email",
		map[string]string{"recipient_email": "friend@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	body := decode(t, w)
	if body["sent"] != true {
		t.Errorf("sent = %v, want true", body["sent"])
	}
	// The response discloses only the masked recipient.
	recipient, _ := body["recipient"].(string)
	if strings.Contains(recipient, "friend@") {
		t.Errorf("response recipient %q is not masked", recipient)
	}

	if len(f.mailer.sent) != 1 {
		t.Fatalf("mailer deliveries = %d, want 1", len(f.mailer.sent))
	}
	if want := "friend@example.com|GOOD1234|St. Mary General"; f.mailer.sent[0] != want {
		t.Errorf("delivery = %q, want %q", f.mailer.sent[0], want)
	}
}

func TestShareEmailHandler_BadRecipient(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 25, 0, true, nil)

	for _, bad := range []string{"", "not-an-email", "a@b", "two@@example.com"} {
		w := f.do(t, http.MethodPost, "/codes/"+seeded.ID+"/share-email",
			map[string]string{"recipient_email": bad})
		if w.Code != http.StatusBadRequest {
			t.Errorf("recipient %q: status = %d, want 400", bad, w.Code)
		}
	}
	if len(f.mailer.sent) != 0 {
		t.Errorf("mailer deliveries = %d, want 0", len(f.mailer.sent))
	}
}

func TestShareEmailHandler_RevokedCode(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "DEAD1234", 25, 0, false, nil)

	w := f.do(t, http.MethodPost, "/codes/"+seeded.ID+"/share-email",
		map[string]string{"recipient_email": "friend@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decode(t, w)["error"] != "INVALID_CODE" {
		t.Errorf("error = %v, want INVALID_CODE", decode(t, w)["error"])
	}
}

func TestShareEmailHandler_MailerFailure(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "GOOD1234", 25, 0, true, nil)
	f.mailer.fail = errors.New("smtp: connection refused")

	w := f.do(t, http.MethodPost, "/codes/"+seeded.ID+"/share-email",
		map[string]string{"recipient_email": "friend@example.com"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if decode(t, w)["error"] != "DEPENDENCY_UNAVAILABLE" {
		t.Errorf("error = %v, want DEPENDENCY_UNAVAILABLE", decode(t, w)["error"])
	}
}

// deadlineCheckStore records whether store calls arrive on a bounded context.
type deadlineCheckStore struct {
	*fakeCodeStore
	sawDeadline bool
}

func (s *deadlineCheckStore) GetByCode(ctx context.Context, code string) (*models.SignupCode, error) {
	_, s.sawDeadline = ctx.Deadline()
	return s.fakeCodeStore.GetByCode(ctx, code)
}

// Store calls must run under the handler's boundary timeout, never on the
// raw request context.
func TestVerifyHandler_BoundsStoreCalls(t *testing.T) {
	store := &deadlineCheckStore{fakeCodeStore: newFakeCodeStore()}
	registry := codes.NewRegistry(store, fakeOwnerStore{}, allowAllLimiter{}, 1, 24*time.Hour)
	h := NewHandlers(registry, &fakeMailer{}, time.Second)

	r := gin.New()
	r.POST("/codes/verify", h.VerifyHandler())

	seeded := &models.SignupCode{Code: "GOOD1234", OwnerID: "doc-1", MaxUses: 5, IsActive: true}
	if err := store.Create(context.Background(), seeded); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/codes/verify", strings.NewReader(`{"code":"GOOD1234"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !store.sawDeadline {
		t.Error("store call ran without a deadline")
	}
}
