package models

import "time"

// ActivityFlag statuses. Transitions are pending → investigating →
// {resolved, false_positive}; only admins move a flag forward.
const (
	FlagStatusPending       = "pending"
	FlagStatusInvestigating = "investigating"
	FlagStatusResolved      = "resolved"
	FlagStatusFalsePositive = "false_positive"
)

// ActivityFlag severities.
const (
	FlagSeverityLow      = "low"
	FlagSeverityMedium   = "medium"
	FlagSeverityHigh     = "high"
	FlagSeverityCritical = "critical"
)

// ActivityFlag is an abuse signal raised against an actor, derived from audit
// data (e.g. a burst of denied outcomes) or from a failed self-test probe.
type ActivityFlag struct {
	ID          string     `db:"id"`
	ActorID     string     `db:"actor_id"`
	Type        string     `db:"type"`
	Severity    string     `db:"severity"`
	Description string     `db:"description"`
	Status      string     `db:"status"`
	ResolvedBy  *string    `db:"resolved_by"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
}

// ValidFlagStatus reports whether s is a known flag status.
func ValidFlagStatus(s string) bool {
	switch s {
	case FlagStatusPending, FlagStatusInvestigating, FlagStatusResolved, FlagStatusFalsePositive:
		return true
	}
	return false
}

// FlagTransitionAllowed reports whether a flag may move from one status to
// another. Terminal statuses never transition.
func FlagTransitionAllowed(from, to string) bool {
	switch from {
	case FlagStatusPending:
		return to == FlagStatusInvestigating || to == FlagStatusResolved || to == FlagStatusFalsePositive
	case FlagStatusInvestigating:
		return to == FlagStatusResolved || to == FlagStatusFalsePositive
	}
	return false
}
