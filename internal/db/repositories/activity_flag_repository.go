// activity_flag_repository.go implements ActivityFlagRepository over sqlx.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carelink/carelink-backend/internal/db/models"
)

// ActivityFlagRepository handles activity flag database operations
type ActivityFlagRepository struct {
	db *sqlx.DB
}

// NewActivityFlagRepository creates a new ActivityFlagRepository
func NewActivityFlagRepository(db *sqlx.DB) *ActivityFlagRepository {
	return &ActivityFlagRepository{db: db}
}

// Create persists a new activity flag in the pending status.
func (r *ActivityFlagRepository) Create(ctx context.Context, flag *models.ActivityFlag) error {
	if flag.ID == "" {
		flag.ID = uuid.New().String()
	}
	if flag.Status == "" {
		flag.Status = models.FlagStatusPending
	}
	flag.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO activity_flags (id, actor_id, type, severity, description, status, created_at)
		VALUES (:id, :actor_id, :type, :severity, :description, :status, :created_at)`,
		flag,
	)
	return err
}

// GetByID returns the flag with the given ID, or nil if absent.
func (r *ActivityFlagRepository) GetByID(ctx context.Context, id string) (*models.ActivityFlag, error) {
	var flag models.ActivityFlag
	err := r.db.GetContext(ctx, &flag, `SELECT * FROM activity_flags WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// List returns flags filtered by status ("" = all), newest first.
func (r *ActivityFlagRepository) List(ctx context.Context, status string, limit, offset int) ([]*models.ActivityFlag, error) {
	var flags []*models.ActivityFlag
	var err error
	if status != "" {
		err = r.db.SelectContext(ctx, &flags,
			`SELECT * FROM activity_flags WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &flags,
			`SELECT * FROM activity_flags ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	return flags, err
}

// HasOpenFlag reports whether the actor already has an unresolved flag of the
// given type, so the sweeper does not pile up duplicates.
func (r *ActivityFlagRepository) HasOpenFlag(ctx context.Context, actorID, flagType string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM activity_flags
		WHERE actor_id = $1 AND type = $2 AND status IN ('pending', 'investigating')`,
		actorID, flagType)
	return n > 0, err
}

// UpdateStatus moves a flag to a new status and records the reviewer. Returns
// false when the flag does not exist.
func (r *ActivityFlagRepository) UpdateStatus(ctx context.Context, id, status, reviewerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE activity_flags SET status = $1, resolved_by = $2, updated_at = now() WHERE id = $3`,
		status, reviewerID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
