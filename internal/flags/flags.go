// Package flags manages activity flags: abuse signals raised against actors
// by the background sweeper and by failed self-test probes, reviewed and
// resolved by admins.
package flags

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/db/models"
)

// Flag types raised by the system.
const (
	TypeDeniedBurst    = "denied_burst"
	TypeSelfTestProbe  = "selftest_probe"
	TypeManualReferral = "manual_referral"
)

// store is the persistence surface the service needs; implemented by
// repositories.ActivityFlagRepository.
type store interface {
	Create(ctx context.Context, flag *models.ActivityFlag) error
	GetByID(ctx context.Context, id string) (*models.ActivityFlag, error)
	List(ctx context.Context, status string, limit, offset int) ([]*models.ActivityFlag, error)
	HasOpenFlag(ctx context.Context, actorID, flagType string) (bool, error)
	UpdateStatus(ctx context.Context, id, status, reviewerID string) (bool, error)
}

// Service owns flag creation and the review workflow.
type Service struct {
	store store
	audit *audit.Logger
}

// NewService creates a Service.
func NewService(s store, auditLogger *audit.Logger) *Service {
	return &Service{store: s, audit: auditLogger}
}

// Raise creates a pending flag against actorID unless an open flag of the
// same type already exists. Returns the flag, or nil when deduplicated.
func (s *Service) Raise(ctx context.Context, actorID, flagType, severity, description string) (*models.ActivityFlag, error) {
	open, err := s.store.HasOpenFlag(ctx, actorID, flagType)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if open {
		slog.Debug("skipping duplicate activity flag", "actor", actorID, "type", flagType)
		return nil, nil
	}

	flag := &models.ActivityFlag{
		ActorID:     actorID,
		Type:        flagType,
		Severity:    severity,
		Description: description,
		Status:      models.FlagStatusPending,
	}
	if err := s.store.Create(ctx, flag); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}

	slog.Warn("activity flag raised",
		"flag_id", flag.ID, "actor", actorID, "type", flagType, "severity", severity)
	s.audit.Record(ctx, audit.Entry{
		Action:  "flag.raise",
		Outcome: models.AuditOutcomeSuccess,
		Details: map[string]interface{}{
			"flag_id":  flag.ID,
			"actor_id": actorID,
			"type":     flagType,
			"severity": severity,
		},
	})
	return flag, nil
}

// List returns flags filtered by status ("" = all).
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*models.ActivityFlag, error) {
	if status != "" && !models.ValidFlagStatus(status) {
		return nil, apperr.New(apperr.KindInvalidFormat, fmt.Sprintf("unknown flag status %q", status))
	}
	flagList, err := s.store.List(ctx, status, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	return flagList, nil
}

// Review moves a flag to a new status. The HTTP layer restricts this to
// admins; the service enforces the transition rules regardless of caller.
func (s *Service) Review(ctx context.Context, flagID, newStatus, reviewerID string) (*models.ActivityFlag, error) {
	if !models.ValidFlagStatus(newStatus) {
		return nil, apperr.New(apperr.KindInvalidFormat, fmt.Sprintf("unknown flag status %q", newStatus))
	}

	flag, err := s.store.GetByID(ctx, flagID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if flag == nil {
		return nil, apperr.New(apperr.KindNotFound, "no such flag")
	}
	if !models.FlagTransitionAllowed(flag.Status, newStatus) {
		return nil, apperr.New(apperr.KindInvalidFormat,
			fmt.Sprintf("flag cannot move from %s to %s", flag.Status, newStatus))
	}

	ok, err := s.store.UpdateStatus(ctx, flagID, newStatus, reviewerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "store unavailable", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no such flag")
	}

	flag.Status = newStatus
	flag.ResolvedBy = &reviewerID
	s.audit.Record(ctx, audit.Entry{
		ActorID: reviewerID,
		Action:  "flag.review",
		Outcome: models.AuditOutcomeSuccess,
		Details: map[string]interface{}{
			"flag_id":    flagID,
			"new_status": newStatus,
		},
	})
	return flag, nil
}
