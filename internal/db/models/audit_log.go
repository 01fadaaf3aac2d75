// Package models - audit_log.go defines the AuditLog model for recording
// security-relevant decisions, capturing actor, action, outcome, masked client
// IP, and masked metadata.
package models

import "time"

// Audit outcome values.
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
	AuditOutcomeDenied  = "denied"
)

// AuditLog represents one immutable audit entry. The repository exposes only
// insert and select operations for this table; there is no update or delete
// path anywhere in the codebase.
//
// All PII in IPAddress and Details is masked before the struct is constructed
// (see internal/audit); nothing downstream re-masks.
type AuditLog struct {
	ID         string
	ActorID    string // "anonymous" for unauthenticated requests
	Action     string // "code.issue", "code.redeem", "selftest.run"
	Outcome    string // success, failure, denied
	ErrorKind  *string
	IPAddress  *string                // masked (last octet zeroed)
	Details    map[string]interface{} // JSONB, masked
	DurationMs int64
	CreatedAt  time.Time
}
