// Package daemon runs the engine's periodic background jobs. Sweeps go
// through the same public operations and locks as request handlers; they
// never reach into engine state directly.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"liblending/internal/engine"
)

// Sweeper periodically marks overdue borrows and expires stale
// reservations. Both jobs are idempotent, so overlapping with
// user-triggered operations is safe.
type Sweeper struct {
	Engine   *engine.Engine
	Interval time.Duration
	Log      *slog.Logger
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	overdue, err := s.Engine.MarkOverdue(ctx)
	if err != nil {
		s.Log.Error("overdue sweep failed", "error", err)
	}
	expired, err := s.Engine.ExpireReservations(ctx)
	if err != nil {
		s.Log.Error("reservation expiry sweep failed", "error", err)
	}
	if overdue > 0 || expired > 0 {
		s.Log.Info("sweep applied", "overdue_marked", overdue, "reservations_expired", expired)
	}
}
