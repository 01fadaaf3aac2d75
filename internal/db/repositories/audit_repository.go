// audit_repository.go implements AuditRepository. The table is append-only by
// construction: this type exposes an insert and filtered selects, and no
// UPDATE or DELETE statement against audit_logs exists anywhere in the
// codebase.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-backend/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	ActorID   *string
	Action    *string
	Outcome   *string
	StartDate *time.Time
	EndDate   *time.Time
}

// Create appends a new audit log entry. Entries arrive with PII already
// masked (see internal/audit); this layer stores them verbatim.
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	entry.ID = uuid.New().String()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var detailsJSON []byte
	var err error
	if entry.Details != nil {
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (id, actor_id, action, outcome, error_kind, ip_address, details, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.Action,
		entry.Outcome,
		entry.ErrorKind,
		entry.IPAddress,
		detailsJSON,
		entry.DurationMs,
		entry.CreatedAt,
	)
	return err
}

// List retrieves audit logs with optional filters and pagination, newest
// first. It returns the page plus the total match count.
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	countQuery := `SELECT COUNT(*) FROM audit_logs WHERE 1=1`
	query := `
		SELECT id, actor_id, action, outcome, error_kind, ip_address, details, duration_ms, created_at
		FROM audit_logs
		WHERE 1=1
	`

	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(clause string, value interface{}) {
		countQuery += fmt.Sprintf(clause, paramIndex)
		query += fmt.Sprintf(clause, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.Action != nil {
		addFilter(` AND action = $%d`, *filters.Action)
	}
	if filters.Outcome != nil {
		addFilter(` AND outcome = $%d`, *filters.Outcome)
	}
	if filters.StartDate != nil {
		addFilter(` AND created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		addFilter(` AND created_at <= $%d`, *filters.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// CountRecentByOutcome returns how many entries exist for the actor with the
// given outcome since the cutoff. Used by the abuse-pattern sweep.
func (r *AuditRepository) CountRecentByOutcome(ctx context.Context, actorID, outcome string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE actor_id = $1 AND outcome = $2 AND created_at >= $3`,
		actorID, outcome, since,
	).Scan(&n)
	return n, err
}

// RecentDeniedActors returns actor IDs with at least threshold denied entries
// since the cutoff, for the abuse-pattern sweep.
func (r *AuditRepository) RecentDeniedActors(ctx context.Context, since time.Time, threshold int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT actor_id
		FROM audit_logs
		WHERE outcome = 'denied' AND created_at >= $1 AND actor_id <> 'anonymous'
		GROUP BY actor_id
		HAVING COUNT(*) >= $2`,
		since, threshold,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, err
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}

func scanAuditLog(rows *sql.Rows) (*models.AuditLog, error) {
	var entry models.AuditLog
	var detailsJSON []byte

	err := rows.Scan(
		&entry.ID,
		&entry.ActorID,
		&entry.Action,
		&entry.Outcome,
		&entry.ErrorKind,
		&entry.IPAddress,
		&detailsJSON,
		&entry.DurationMs,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	return &entry, nil
}
