// Package repositories implements the database access layer. Repositories own
// all SQL for their tables; nothing outside this package builds queries.
//
// signup_code_repository.go handles the signup_codes and code_redemptions
// tables. The two operations with correctness weight are Create (the
// one-active-code-per-owner invariant, enforced by a partial unique index so a
// racing second issuer fails inside the database) and ConsumeUse (a guarded
// UPDATE that makes concurrent redemptions of the last slot linearizable —
// never a read-then-write pair in application code).
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/carelink/carelink-backend/internal/db/models"
)

// SignupCodeRepository handles signup code database operations
type SignupCodeRepository struct {
	db *sql.DB
}

// NewSignupCodeRepository creates a new SignupCodeRepository
func NewSignupCodeRepository(db *sql.DB) *SignupCodeRepository {
	return &SignupCodeRepository{db: db}
}

// UniqueViolation names the constraints this repository can trip.
const (
	ConstraintOneActivePerOwner = "signup_codes_one_active_per_owner"
	ConstraintCodeUnique        = "signup_codes_code_key"
)

// IsUniqueViolation reports whether err is a Postgres unique violation on the
// named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}

const signupCodeColumns = `id, code, owner_id, max_uses, used_count, is_active, expires_at, created_at`

// Create persists a new signup code. The partial unique index on owner_id
// rejects a second active code for the same owner; callers distinguish that
// case with IsUniqueViolation(err, ConstraintOneActivePerOwner).
func (r *SignupCodeRepository) Create(ctx context.Context, code *models.SignupCode) error {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	code.CreatedAt = time.Now()

	query := `
		INSERT INTO signup_codes (id, code, owner_id, max_uses, used_count, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		code.ID,
		code.Code,
		code.OwnerID,
		code.MaxUses,
		code.UsedCount,
		code.IsActive,
		code.ExpiresAt,
		code.CreatedAt,
	)
	return err
}

// GetByCode returns the signup code with the given code value, or nil if no
// such code exists.
func (r *SignupCodeRepository) GetByCode(ctx context.Context, code string) (*models.SignupCode, error) {
	query := `SELECT ` + signupCodeColumns + ` FROM signup_codes WHERE code = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, code))
}

// GetByID returns the signup code with the given row ID, or nil if absent.
func (r *SignupCodeRepository) GetByID(ctx context.Context, id string) (*models.SignupCode, error) {
	query := `SELECT ` + signupCodeColumns + ` FROM signup_codes WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetActiveByOwner returns the owner's live code, or nil if they hold none.
func (r *SignupCodeRepository) GetActiveByOwner(ctx context.Context, ownerID string) (*models.SignupCode, error) {
	query := `SELECT ` + signupCodeColumns + ` FROM signup_codes WHERE owner_id = $1 AND is_active`
	return r.scanOne(r.db.QueryRowContext(ctx, query, ownerID))
}

func (r *SignupCodeRepository) scanOne(row *sql.Row) (*models.SignupCode, error) {
	var c models.SignupCode
	err := row.Scan(&c.ID, &c.Code, &c.OwnerID, &c.MaxUses, &c.UsedCount, &c.IsActive, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConsumeUse atomically claims one use slot of an active, unexpired,
// unexhausted code and records the redemption in the same transaction. It
// returns the post-increment code row, or nil when no slot could be claimed
// (the caller re-reads the code to classify why).
//
// The guarded UPDATE is the linearization point: two redeemers racing the last
// slot serialize on the row lock and exactly one sees a matched row.
func (r *SignupCodeRepository) ConsumeUse(ctx context.Context, code string, redemption *models.CodeRedemption) (*models.SignupCode, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		UPDATE signup_codes
		SET used_count = used_count + 1
		WHERE code = $1
		  AND is_active
		  AND used_count < max_uses
		  AND (expires_at IS NULL OR expires_at > now())
		RETURNING ` + signupCodeColumns

	var c models.SignupCode
	err = tx.QueryRowContext(ctx, query, code).
		Scan(&c.ID, &c.Code, &c.OwnerID, &c.MaxUses, &c.UsedCount, &c.IsActive, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	redemption.ID = uuid.New().String()
	redemption.CodeID = c.ID
	redemption.RedeemedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO code_redemptions (id, code_id, redeemer_id, redeemer_email, redeemer_role, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		redemption.ID,
		redemption.CodeID,
		redemption.RedeemerID,
		redemption.RedeemerEmail,
		redemption.RedeemerRole,
		redemption.RedeemedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Deactivate revokes a code. UsedCount and the redemption history are left
// untouched. Returns false when the code does not exist.
func (r *SignupCodeRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE signup_codes SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRedemptions returns the redemption history for a code, newest first.
func (r *SignupCodeRepository) ListRedemptions(ctx context.Context, codeID string) ([]*models.CodeRedemption, error) {
	query := `
		SELECT id, code_id, redeemer_id, redeemer_email, redeemer_role, redeemed_at
		FROM code_redemptions
		WHERE code_id = $1
		ORDER BY redeemed_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, codeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var redemptions []*models.CodeRedemption
	for rows.Next() {
		var red models.CodeRedemption
		if err := rows.Scan(&red.ID, &red.CodeID, &red.RedeemerID, &red.RedeemerEmail, &red.RedeemerRole, &red.RedeemedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		redemptions = append(redemptions, &red)
	}
	return redemptions, rows.Err()
}
