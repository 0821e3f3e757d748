package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/civicflow/civicflow/internal/store"
)

// Sweeper defaults.
const (
	// DefaultInactivityTimeout is how long an abandoned conversation is
	// kept before reclamation.
	DefaultInactivityTimeout = 24 * time.Hour
	// DefaultSweepInterval is how often the sweeper wakes.
	DefaultSweepInterval = 15 * time.Minute
)

// Sweeper reclaims sessions abandoned by inactivity. Conversations have
// no explicit citizen-initiated cancellation; this maintenance job is
// the only path out for sessions that never reach an end node.
type Sweeper struct {
	sessions store.SessionRepo
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper. Zero timeout/interval select defaults.
func NewSweeper(sessions store.SessionRepo, timeout, interval time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{sessions: sessions, timeout: timeout, interval: interval}
}

// Run sweeps until the context is cancelled. Intended to be started in
// its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Sweeper started", "timeout", s.timeout, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			slog.Info("Sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	removed, err := s.sessions.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Sweeper failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Sweeper reclaimed inactive sessions", "count", removed, "cutoff", cutoff)
	}
}
