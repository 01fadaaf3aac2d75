package selftest

import (
	"net/http"

	"github.com/carelink/carelink-backend/internal/db/models"
)

// Identity selects the credential a probe presents.
type Identity string

const (
	IdentAnonymous Identity = "anonymous"
	IdentMalformed Identity = "malformed_token"
	IdentExpired   Identity = "expired_token"
	IdentCustomer  Identity = "customer"
	IdentDoctor    Identity = "doctor"
	IdentAdmin     Identity = "admin"
)

// Probe is one adversarial request: an identity, a request, and the statuses
// a correctly-enforcing service may answer with. Any other status — above
// all an unexpected 2xx — means the control under test did not hold.
type Probe struct {
	Name     string
	Method   string
	Path     string
	Identity Identity
	Body     string
	// Expect lists the acceptable response statuses.
	Expect []int
	// Severity is how bad a failure of this probe is, using the activity
	// flag severity scale.
	Severity string
}

// ProbeResult is the outcome of one executed probe.
type ProbeResult struct {
	Name       string `json:"name"`
	Identity   string `json:"identity"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	GotStatus  int    `json:"got_status"`
	Passed     bool   `json:"passed"`
	Severity   string `json:"severity"`
	FailureMsg string `json:"failure_msg,omitempty"`
}

// DefaultProbes is the standing probe matrix: privilege escalation attempts
// against admin surfaces, credential-forgery attempts with malformed and
// expired tokens, and input-validation checks on the public endpoint.
func DefaultProbes() []Probe {
	return []Probe{
		{
			Name:     "anonymous reads audit logs",
			Method:   http.MethodGet,
			Path:     "/api/v1/audit-logs",
			Identity: IdentAnonymous,
			Expect:   []int{http.StatusUnauthorized},
			Severity: models.FlagSeverityCritical,
		},
		{
			Name:     "customer reads audit logs",
			Method:   http.MethodGet,
			Path:     "/api/v1/audit-logs",
			Identity: IdentCustomer,
			Expect:   []int{http.StatusForbidden},
			Severity: models.FlagSeverityCritical,
		},
		{
			Name:     "doctor reads audit logs",
			Method:   http.MethodGet,
			Path:     "/api/v1/audit-logs",
			Identity: IdentDoctor,
			Expect:   []int{http.StatusForbidden},
			Severity: models.FlagSeverityHigh,
		},
		{
			Name:     "customer reviews activity flag",
			Method:   http.MethodPatch,
			Path:     "/api/v1/flags/00000000-0000-0000-0000-000000000000",
			Identity: IdentCustomer,
			Body:     `{"status":"resolved"}`,
			Expect:   []int{http.StatusForbidden},
			Severity: models.FlagSeverityCritical,
		},
		{
			Name:     "customer issues signup code",
			Method:   http.MethodPost,
			Path:     "/api/v1/codes",
			Identity: IdentCustomer,
			Body:     `{}`,
			Expect:   []int{http.StatusForbidden},
			Severity: models.FlagSeverityHigh,
		},
		{
			Name:     "anonymous issues signup code",
			Method:   http.MethodPost,
			Path:     "/api/v1/codes",
			Identity: IdentAnonymous,
			Body:     `{}`,
			Expect:   []int{http.StatusUnauthorized},
			Severity: models.FlagSeverityHigh,
		},
		{
			Name:     "malformed bearer token",
			Method:   http.MethodPost,
			Path:     "/api/v1/codes",
			Identity: IdentMalformed,
			Body:     `{}`,
			Expect:   []int{http.StatusUnauthorized},
			Severity: models.FlagSeverityCritical,
		},
		{
			Name:     "expired bearer token",
			Method:   http.MethodPost,
			Path:     "/api/v1/codes",
			Identity: IdentExpired,
			Body:     `{}`,
			Expect:   []int{http.StatusUnauthorized},
			Severity: models.FlagSeverityCritical,
		},
		{
			Name:     "doctor starts self-test",
			Method:   http.MethodPost,
			Path:     "/api/v1/security/self-test",
			Identity: IdentDoctor,
			Expect:   []int{http.StatusForbidden},
			Severity: models.FlagSeverityHigh,
		},
		{
			Name:     "anonymous reads usage history",
			Method:   http.MethodGet,
			Path:     "/api/v1/codes/00000000-0000-0000-0000-000000000000/usage-history",
			Identity: IdentAnonymous,
			Expect:   []int{http.StatusUnauthorized},
			Severity: models.FlagSeverityMedium,
		},
		{
			Name:     "malformed code rejected on verify",
			Method:   http.MethodPost,
			Path:     "/api/v1/codes/verify",
			Identity: IdentAnonymous,
			Body:     `{"code":"../../etc"}`,
			Expect:   []int{http.StatusBadRequest},
			Severity: models.FlagSeverityLow,
		},
	}
}
