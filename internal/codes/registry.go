package codes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/db/repositories"
	"github.com/carelink/carelink-backend/internal/ratelimit"
	"github.com/carelink/carelink-backend/internal/telemetry"
)

// codeStore is the persistence surface the registry needs. It is implemented
// by repositories.SignupCodeRepository and by test doubles.
type codeStore interface {
	Create(ctx context.Context, code *models.SignupCode) error
	GetByCode(ctx context.Context, code string) (*models.SignupCode, error)
	GetByID(ctx context.Context, id string) (*models.SignupCode, error)
	GetActiveByOwner(ctx context.Context, ownerID string) (*models.SignupCode, error)
	ConsumeUse(ctx context.Context, code string, redemption *models.CodeRedemption) (*models.SignupCode, error)
	Deactivate(ctx context.Context, id string) (bool, error)
	ListRedemptions(ctx context.Context, codeID string) ([]*models.CodeRedemption, error)
}

// ownerStore resolves code owners so redemption responses can disclose the
// hospital data a redeemer is entitled to see.
type ownerStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Registry owns every SignupCode state transition. All collaborators are
// injected at construction so tests can substitute the store, the limiter,
// and the clock.
type Registry struct {
	store   codeStore
	owners  ownerStore
	limiter ratelimit.Store

	// issueLimit / issueWindow gate code creation per owner. Product default:
	// one per rolling 24h.
	issueLimit  int
	issueWindow time.Duration

	now func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(store codeStore, owners ownerStore, limiter ratelimit.Store, issueLimit int, issueWindow time.Duration) *Registry {
	return &Registry{
		store:       store,
		owners:      owners,
		limiter:     limiter,
		issueLimit:  issueLimit,
		issueWindow: issueWindow,
		now:         time.Now,
	}
}

// IssueParams carries the caller-chosen metadata for a new code.
type IssueParams struct {
	// MaxUses is how many redemptions the code permits. Zero means the
	// default of 25; values above 100 are clamped.
	MaxUses int
	// TTL is how long the code stays redeemable. Zero means no expiry.
	TTL time.Duration
}

const (
	defaultMaxUses = 25
	maxMaxUses     = 100
)

// Issue creates a new signup code for ownerID. Creation is rate limited per
// owner and refused while the owner already holds an active code. The
// one-code-per-owner race between two concurrent issuers is settled by the
// store's partial unique index: the second writer's insert fails and is
// reported as ALREADY_HAS_CODE.
func (r *Registry) Issue(ctx context.Context, ownerID string, params IssueParams) (*models.SignupCode, error) {
	decision, err := r.limiter.Allow(ctx, "codegen:"+ownerID, r.issueLimit, r.issueWindow)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		return nil, apperr.New(apperr.KindRateLimited,
			fmt.Sprintf("code creation is limited to %d per %s; retry after %s",
				r.issueLimit, r.issueWindow, decision.RetryAfter.Round(time.Second)))
	}

	// Cheap pre-check for the common case; the unique index is what actually
	// guarantees the invariant under concurrency.
	existing, err := r.store.GetActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if existing != nil {
		return nil, apperr.New(apperr.KindAlreadyHasCode, "you already hold an active signup code; revoke it first")
	}

	maxUses := params.MaxUses
	if maxUses <= 0 {
		maxUses = defaultMaxUses
	}
	if maxUses > maxMaxUses {
		maxUses = maxMaxUses
	}

	var expiresAt *time.Time
	if params.TTL > 0 {
		t := r.now().Add(params.TTL)
		expiresAt = &t
	}

	// Retry a handful of times on a code-value collision. A collision on the
	// owner index is not retried: that means someone else just issued for
	// this owner.
	for attempt := 0; attempt < 3; attempt++ {
		value, err := GenerateCode()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "code generation failed", err)
		}

		code := &models.SignupCode{
			Code:      value,
			OwnerID:   ownerID,
			MaxUses:   maxUses,
			UsedCount: 0,
			IsActive:  true,
			ExpiresAt: expiresAt,
		}

		err = r.store.Create(ctx, code)
		if err == nil {
			telemetry.CodesIssuedTotal.Inc()
			return code, nil
		}
		if repositories.IsUniqueViolation(err, repositories.ConstraintOneActivePerOwner) {
			return nil, apperr.New(apperr.KindAlreadyHasCode, "you already hold an active signup code; revoke it first")
		}
		if repositories.IsUniqueViolation(err, repositories.ConstraintCodeUnique) {
			slog.Warn("signup code collision, regenerating", "attempt", attempt+1)
			continue
		}
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	return nil, apperr.New(apperr.KindInternal, "could not generate a unique code")
}

// Lookup returns the code with the given value. Pure read; no validation.
func (r *Registry) Lookup(ctx context.Context, code string) (*models.SignupCode, error) {
	c, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if c == nil {
		return nil, apperr.New(apperr.KindNotFound, "no such code")
	}
	return c, nil
}

// GetOwned returns the code with the given ID after checking the actor owns
// it. Backing read for the owner-gated endpoints.
func (r *Registry) GetOwned(ctx context.Context, codeID, actorID string) (*models.SignupCode, error) {
	c, err := r.store.GetByID(ctx, codeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if c == nil {
		return nil, apperr.New(apperr.KindNotFound, "no such code")
	}
	if err := ValidateOwnership(c.OwnerID, actorID); err != nil {
		return nil, err
	}
	return c, nil
}

// HospitalFor returns the disclosure-safe hospital data of an owner.
func (r *Registry) HospitalFor(ctx context.Context, ownerID string) (HospitalInfo, error) {
	owner, err := r.owners.GetByID(ctx, ownerID)
	if err != nil {
		return HospitalInfo{}, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if owner == nil {
		return HospitalInfo{}, nil
	}
	return hospitalInfo(owner), nil
}

// HospitalInfo is the subset of owner data safe to disclose to a redeemer:
// no internal IDs, no contact details.
type HospitalInfo struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
	City      string `json:"city,omitempty"`
}

// RedemptionResult is returned on a successful redemption.
type RedemptionResult struct {
	Code          string       `json:"code"`
	RemainingUses int          `json:"remaining_uses"`
	Hospital      HospitalInfo `json:"hospital"`
}

// Redeemer identifies who is consuming a code. Email is the raw address; the
// registry masks it before anything is persisted.
type Redeemer struct {
	ID    string
	Email string
	Role  string
}

// Redeem consumes one use of the code. Checks run in short-circuit order:
// format, existence, active, unexpired, remaining slots. The slot claim is a
// single guarded UPDATE in the store, so concurrent redeemers racing the last
// slot serialize there and exactly one wins.
func (r *Registry) Redeem(ctx context.Context, codeValue string, redeemer Redeemer) (*RedemptionResult, error) {
	if err := ValidateFormat(codeValue); err != nil {
		telemetry.CodeRedemptionsTotal.WithLabelValues(string(apperr.KindInvalidFormat)).Inc()
		return nil, err
	}

	redemption := &models.CodeRedemption{
		RedeemerID:    redeemer.ID,
		RedeemerEmail: audit.MaskEmail(redeemer.Email),
		RedeemerRole:  redeemer.Role,
	}

	claimed, err := r.store.ConsumeUse(ctx, codeValue, redemption)
	if err != nil {
		telemetry.CodeRedemptionsTotal.WithLabelValues(string(apperr.KindDependency)).Inc()
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}

	if claimed == nil {
		kind := r.classifyRejection(ctx, codeValue)
		telemetry.CodeRedemptionsTotal.WithLabelValues(string(kind)).Inc()
		return nil, apperr.New(kind, redemptionMessage(kind))
	}

	owner, err := r.owners.GetByID(ctx, claimed.OwnerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}

	result := &RedemptionResult{
		Code:          claimed.Code,
		RemainingUses: claimed.MaxUses - claimed.UsedCount,
	}
	if owner != nil {
		result.Hospital = hospitalInfo(owner)
	}

	telemetry.CodeRedemptionsTotal.WithLabelValues("success").Inc()
	return result, nil
}

// classifyRejection distinguishes why the guarded claim matched no row. The
// code state may move between the claim and this read; the classification is
// best-effort but the refusal itself is not.
func (r *Registry) classifyRejection(ctx context.Context, codeValue string) apperr.Kind {
	c, err := r.store.GetByCode(ctx, codeValue)
	if err != nil || c == nil {
		return apperr.KindInvalidCode
	}
	switch {
	case !c.IsActive:
		return apperr.KindInvalidCode
	case c.Expired(r.now()):
		return apperr.KindCodeExpired
	case c.Exhausted():
		return apperr.KindCodeExhausted
	default:
		// The code looks redeemable now, so the claim must have raced a
		// revocation or expiry that has since been undone. Refuse as exhausted
		// rather than guessing success.
		return apperr.KindCodeExhausted
	}
}

func redemptionMessage(kind apperr.Kind) string {
	switch kind {
	case apperr.KindInvalidCode:
		return "this code is not valid"
	case apperr.KindCodeExpired:
		return "this code has expired"
	case apperr.KindCodeExhausted:
		return "this code has no remaining uses"
	default:
		return "this code cannot be redeemed"
	}
}

// Revoke deactivates the code. Only the owner may revoke; the redemption
// history and use count are preserved.
func (r *Registry) Revoke(ctx context.Context, codeID, actorID string) error {
	c, err := r.store.GetByID(ctx, codeID)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if c == nil {
		return apperr.New(apperr.KindNotFound, "no such code")
	}
	if err := ValidateOwnership(c.OwnerID, actorID); err != nil {
		return err
	}

	ok, err := r.store.Deactivate(ctx, codeID)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "no such code")
	}
	telemetry.CodeRevocationsTotal.Inc()
	return nil
}

// UsageHistory returns the redemption history of the code. Owner-only: usage
// history discloses who redeemed, so the ownership check runs before the list
// query.
func (r *Registry) UsageHistory(ctx context.Context, codeID, actorID string) ([]*models.CodeRedemption, error) {
	c, err := r.store.GetByID(ctx, codeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if c == nil {
		return nil, apperr.New(apperr.KindNotFound, "no such code")
	}
	if err := ValidateOwnership(c.OwnerID, actorID); err != nil {
		return nil, err
	}

	redemptions, err := r.store.ListRedemptions(ctx, codeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	return redemptions, nil
}

func hospitalInfo(owner *models.User) HospitalInfo {
	info := HospitalInfo{}
	if owner.HospitalName != nil {
		info.Name = *owner.HospitalName
	}
	if owner.Specialty != nil {
		info.Specialty = *owner.Specialty
	}
	if owner.City != nil {
		info.City = *owner.City
	}
	return info
}
