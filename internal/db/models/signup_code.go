package models

import "time"

// SignupCode is a one-time enrollment credential issued by a doctor. Rows are
// never deleted: revocation flips IsActive so the redemption history under the
// code stays audit-complete.
//
// Invariants enforced by the schema and the repository:
//   - Code is unique, 8 uppercase alphanumerics.
//   - At most one active code per owner (partial unique index on owner_id).
//   - UsedCount never exceeds MaxUses (guarded UPDATE, not read-then-write).
type SignupCode struct {
	ID        string
	Code      string
	OwnerID   string
	MaxUses   int
	UsedCount int
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the code's expiry has passed at the given instant.
// Codes with no expiry never expire.
func (c *SignupCode) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Exhausted reports whether every use slot has been consumed.
func (c *SignupCode) Exhausted() bool {
	return c.UsedCount >= c.MaxUses
}

// CodeRedemption records one successful consumption of a signup code. The
// redeemer email is stored masked; the raw address never reaches this table.
type CodeRedemption struct {
	ID            string
	CodeID        string
	RedeemerID    string
	RedeemerEmail string // masked before insert
	RedeemerRole  string
	RedeemedAt    time.Time
}
