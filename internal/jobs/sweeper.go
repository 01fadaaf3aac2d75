// Package jobs holds the background loops: the sweeper that reaps stuck
// self-test runs and scans the audit trail for abuse patterns.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/flags"
)

// deniedActorScanner is the audit query the sweep needs; implemented by
// repositories.AuditRepository.
type deniedActorScanner interface {
	RecentDeniedActors(ctx context.Context, since time.Time, threshold int) ([]string, error)
}

// stuckRunReaper is implemented by selftest.Runner.
type stuckRunReaper interface {
	ReapStuck(ctx context.Context) bool
}

// Sweeper periodically reaps stuck self-test runs and raises activity flags
// for actors accumulating denied outcomes.
type Sweeper struct {
	auditRepo deniedActorScanner
	flags     *flags.Service
	reaper    stuckRunReaper

	interval time.Duration
	// deniedWindow / deniedThreshold define the abuse pattern: at least
	// deniedThreshold denied outcomes within deniedWindow.
	deniedWindow    time.Duration
	deniedThreshold int

	stopChan chan struct{}
}

// NewSweeper creates a Sweeper. interval defaults to 5 minutes.
func NewSweeper(auditRepo deniedActorScanner, flagSvc *flags.Service, reaper stuckRunReaper, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		auditRepo:       auditRepo,
		flags:           flagSvc,
		reaper:          reaper,
		interval:        interval,
		deniedWindow:    15 * time.Minute,
		deniedThreshold: 5,
		stopChan:        make(chan struct{}),
	}
}

// Start runs the sweep loop. An initial sweep runs immediately; the loop
// exits when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sweeper started",
		"interval", s.interval,
		"denied_window", s.deniedWindow,
		"denied_threshold", s.deniedThreshold)

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			slog.Info("sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("sweeper context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopChan)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.reaper != nil {
		s.reaper.ReapStuck(ctx)
	}
	s.scanDeniedBursts(ctx)
}

// scanDeniedBursts raises a flag for every actor over the denied threshold.
// Raise deduplicates against open flags, so a persistent offender produces
// one flag, not one per sweep.
func (s *Sweeper) scanDeniedBursts(ctx context.Context) {
	since := time.Now().Add(-s.deniedWindow)
	actors, err := s.auditRepo.RecentDeniedActors(ctx, since, s.deniedThreshold)
	if err != nil {
		slog.Error("sweeper: denied-burst scan failed", "error", err)
		return
	}

	for _, actor := range actors {
		_, err := s.flags.Raise(ctx, actor, flags.TypeDeniedBurst, models.FlagSeverityMedium,
			fmt.Sprintf("at least %d denied outcomes within %s", s.deniedThreshold, s.deniedWindow))
		if err != nil {
			slog.Error("sweeper: failed to raise denied-burst flag", "actor", actor, "error", err)
		}
	}
}
