// Package selftest implements the security self-test harness: an in-process
// red team that fires adversarial HTTP requests at the service's own API and
// verifies the refusals actually happen. At most one run executes at a time;
// results are risk-scored, audited, and escalated as activity flags.
package selftest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/auth"
	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/safego"
	"github.com/carelink/carelink-backend/internal/telemetry"
)

// Run states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Run is one execution of the probe matrix.
type Run struct {
	ID          string        `json:"id"`
	State       string        `json:"state"`
	StartedBy   string        `json:"started_by"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Results     []ProbeResult `json:"results,omitempty"`
	ProbesTotal int           `json:"probes_total"`
	ProbesFail  int           `json:"probes_failed"`
	RiskScore   int           `json:"risk_score"`
	RiskLevel   string        `json:"risk_level,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// flagger raises activity flags for failed probes; satisfied by
// flags.Service.
type flagger interface {
	Raise(ctx context.Context, actorID, flagType, severity, description string) (*models.ActivityFlag, error)
}

// Runner executes probe runs against the service's own base URL. One run at
// a time: Start while a run is in flight returns ALREADY_RUNNING.
type Runner struct {
	baseURL string
	probes  []Probe
	client  *http.Client
	audit   *audit.Logger
	flags   flagger

	// tokenFor mints the credential for a role-bearing probe identity.
	// Swappable for tests.
	tokenFor func(role auth.Role) (string, error)

	runTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	current *Run
}

// NewRunner creates a Runner probing baseURL with the default matrix.
func NewRunner(baseURL string, auditLogger *audit.Logger, flagSvc flagger, runTimeout time.Duration) *Runner {
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	return &Runner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		probes:     DefaultProbes(),
		client:     &http.Client{Timeout: 10 * time.Second},
		audit:      auditLogger,
		flags:      flagSvc,
		tokenFor:   probeToken,
		runTimeout: runTimeout,
		now:        time.Now,
	}
}

// probeToken mints a short-lived token for a synthetic probe principal. The
// subject is clearly marked so the probes are attributable in logs.
func probeToken(role auth.Role) (string, error) {
	return auth.GenerateJWT("selftest-"+string(role), "selftest@internal", role, 5*time.Minute)
}

// Start begins a run on behalf of actorID and returns its snapshot
// immediately; probes execute in the background. A second Start while a run
// is in the running state is refused with ALREADY_RUNNING.
func (r *Runner) Start(ctx context.Context, actorID string) (*Run, error) {
	r.mu.Lock()
	if r.current != nil && r.current.State == StateRunning {
		r.mu.Unlock()
		return nil, apperr.New(apperr.KindAlreadyRunning, "a self-test run is already in progress")
	}
	run := &Run{
		ID:          uuid.New().String(),
		State:       StateRunning,
		StartedBy:   actorID,
		StartedAt:   r.now(),
		ProbesTotal: len(r.probes),
	}
	r.current = run
	snapshot := *run
	r.mu.Unlock()

	slog.Info("self-test run started", "run_id", run.ID, "actor", actorID, "probes", len(r.probes))
	safego.Go(func() {
		r.execute(run.ID)
	})
	return &snapshot, nil
}

// Status returns a snapshot of the latest run, or an idle placeholder when
// nothing has run yet.
func (r *Runner) Status() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return &Run{State: StateIdle}
	}
	snapshot := *r.current
	snapshot.Results = append([]ProbeResult(nil), r.current.Results...)
	return &snapshot
}

// execute runs every probe and finalizes the run. It deliberately does not
// take the caller's context: the run outlives the HTTP request that
// started it, and only the reaper may abort it.
func (r *Runner) execute(runID string) {
	started := r.now()
	ctx, cancel := context.WithTimeout(context.Background(), r.runTimeout)
	defer cancel()

	results := make([]ProbeResult, 0, len(r.probes))
	for _, p := range r.probes {
		results = append(results, r.runProbe(ctx, p))
	}

	score := 0
	failed := 0
	for _, res := range results {
		if !res.Passed {
			failed++
			score += severityWeight(res.Severity)
		}
	}
	level := riskLevel(score)

	finished := r.now()
	r.mu.Lock()
	// The reaper may have failed this run already; do not resurrect it.
	if r.current == nil || r.current.ID != runID || r.current.State != StateRunning {
		r.mu.Unlock()
		return
	}
	r.current.State = StateCompleted
	r.current.FinishedAt = &finished
	r.current.Results = results
	r.current.ProbesFail = failed
	r.current.RiskScore = score
	r.current.RiskLevel = level
	actor := r.current.StartedBy
	r.mu.Unlock()

	telemetry.SelfTestRunsTotal.WithLabelValues(StateCompleted).Inc()
	telemetry.SelfTestDuration.Observe(finished.Sub(started).Seconds())
	slog.Info("self-test run completed",
		"run_id", runID, "failed", failed, "total", len(results), "risk_score", score, "risk_level", level)

	outcome := models.AuditOutcomeSuccess
	if failed > 0 {
		outcome = models.AuditOutcomeFailure
	}
	r.audit.Record(ctx, audit.Entry{
		ActorID: actor,
		Action:  "selftest.run",
		Outcome: outcome,
		Details: map[string]interface{}{
			"run_id":        runID,
			"probes_total":  len(results),
			"probes_failed": failed,
			"risk_score":    score,
			"risk_level":    level,
		},
		Duration: finished.Sub(started),
	})

	if r.flags != nil {
		for _, res := range results {
			if res.Passed {
				continue
			}
			_, err := r.flags.Raise(ctx, "system", "selftest_probe", res.Severity,
				fmt.Sprintf("self-test probe %q failed: %s", res.Name, res.FailureMsg))
			if err != nil {
				slog.Error("failed to raise self-test flag", "probe", res.Name, "error", err)
			}
		}
	}
}

// runProbe fires one probe and judges the response.
func (r *Runner) runProbe(ctx context.Context, p Probe) ProbeResult {
	result := ProbeResult{
		Name:     p.Name,
		Identity: string(p.Identity),
		Method:   p.Method,
		Path:     p.Path,
		Severity: p.Severity,
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, r.baseURL+p.Path, body)
	if err != nil {
		result.FailureMsg = fmt.Sprintf("building request: %v", err)
		return result
	}
	if p.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := r.credentialFor(p.Identity)
	if err != nil {
		result.FailureMsg = fmt.Sprintf("minting credential: %v", err)
		return result
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		result.FailureMsg = fmt.Sprintf("request failed: %v", err)
		return result
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	result.GotStatus = resp.StatusCode
	for _, want := range p.Expect {
		if resp.StatusCode == want {
			result.Passed = true
			return result
		}
	}
	result.FailureMsg = fmt.Sprintf("got %d, expected one of %v", resp.StatusCode, p.Expect)
	return result
}

// credentialFor returns the bearer token a probe identity presents, or ""
// for anonymous.
func (r *Runner) credentialFor(ident Identity) (string, error) {
	switch ident {
	case IdentAnonymous:
		return "", nil
	case IdentMalformed:
		return "not.a.jwt", nil
	case IdentExpired:
		return auth.GenerateJWT("selftest-expired", "selftest@internal", auth.RoleCustomer, -time.Hour)
	case IdentCustomer:
		return r.tokenFor(auth.RoleCustomer)
	case IdentDoctor:
		return r.tokenFor(auth.RoleDoctor)
	case IdentAdmin:
		return r.tokenFor(auth.RoleAdmin)
	default:
		return "", fmt.Errorf("unknown probe identity %q", ident)
	}
}

// ReapStuck fails the current run if it has been running longer than the
// configured timeout, freeing the single-run slot. Called by the background
// sweeper. Returns true when a run was reaped.
func (r *Runner) ReapStuck(ctx context.Context) bool {
	r.mu.Lock()
	if r.current == nil || r.current.State != StateRunning {
		r.mu.Unlock()
		return false
	}
	if r.now().Sub(r.current.StartedAt) <= r.runTimeout {
		r.mu.Unlock()
		return false
	}
	finished := r.now()
	r.current.State = StateFailed
	r.current.FinishedAt = &finished
	r.current.Error = fmt.Sprintf("run exceeded the %s timeout and was reaped", r.runTimeout)
	runID := r.current.ID
	r.mu.Unlock()

	telemetry.SelfTestRunsTotal.WithLabelValues(StateFailed).Inc()
	slog.Warn("reaped stuck self-test run", "run_id", runID, "timeout", r.runTimeout)
	r.audit.Record(ctx, audit.Entry{
		ActorID: "system",
		Action:  "selftest.reap",
		Outcome: models.AuditOutcomeFailure,
		Details: map[string]interface{}{"run_id": runID},
	})
	return true
}

// severityWeight converts a flag severity into its risk-score contribution.
func severityWeight(severity string) int {
	switch severity {
	case models.FlagSeverityCritical:
		return 15
	case models.FlagSeverityHigh:
		return 7
	case models.FlagSeverityMedium:
		return 3
	default:
		return 1
	}
}

// riskLevel classifies a total score. A clean run is low risk; a single
// critical failure is enough to classify the whole run critical.
func riskLevel(score int) string {
	switch {
	case score >= 15:
		return models.FlagSeverityCritical
	case score >= 7:
		return models.FlagSeverityHigh
	case score >= 3:
		return models.FlagSeverityMedium
	default:
		return models.FlagSeverityLow
	}
}
