package codes

import (
	"context"

	"github.com/carelink/carelink-backend/internal/apperr"
)

// VerificationResult answers "is this code currently redeemable, and for
// which hospital does it vouch?" without consuming a use.
type VerificationResult struct {
	IsValid       bool         `json:"is_valid"`
	RemainingUses int          `json:"remaining_uses,omitempty"`
	Hospital      HospitalInfo `json:"hospital,omitempty"`
}

// Verify runs the same short-circuit checks as Redeem — format, existence,
// active, unexpired, remaining slots — but leaves the use count untouched.
// It backs the public pre-signup verification endpoint.
func (r *Registry) Verify(ctx context.Context, codeValue string) (*VerificationResult, error) {
	if err := ValidateFormat(codeValue); err != nil {
		return nil, err
	}

	c, err := r.store.GetByCode(ctx, codeValue)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if c == nil || !c.IsActive {
		return nil, apperr.New(apperr.KindInvalidCode, "this code is not valid")
	}
	if c.Expired(r.now()) {
		return nil, apperr.New(apperr.KindCodeExpired, "this code has expired")
	}
	if c.Exhausted() {
		return nil, apperr.New(apperr.KindCodeExhausted, "this code has no remaining uses")
	}

	owner, err := r.owners.GetByID(ctx, c.OwnerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}

	result := &VerificationResult{
		IsValid:       true,
		RemainingUses: c.MaxUses - c.UsedCount,
	}
	if owner != nil {
		result.Hospital = hospitalInfo(owner)
	}
	return result, nil
}
