package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/civicflow/civicflow/internal/store"
)

// sweepRecorder fakes the session repo's reclamation surface.
type sweepRecorder struct {
	store.SessionRepo

	mu      sync.Mutex
	cutoffs []time.Time
	fail    bool
}

func (r *sweepRecorder) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errors.New("store down")
	}
	r.cutoffs = append(r.cutoffs, cutoff)
	return 1, nil
}

func (r *sweepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestSweepOnceUsesTimeoutCutoff(t *testing.T) {
	recorder := &sweepRecorder{}
	sweeper := NewSweeper(recorder, 24*time.Hour, time.Minute)

	before := time.Now().Add(-24 * time.Hour)
	sweeper.sweepOnce(context.Background())
	after := time.Now().Add(-24 * time.Hour)

	if recorder.count() != 1 {
		t.Fatalf("expected one sweep, got %d", recorder.count())
	}
	cutoff := recorder.cutoffs[0]
	if cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff %v not within [%v, %v]", cutoff, before, after)
	}
}

func TestSweepOnceSurvivesStoreFailure(t *testing.T) {
	recorder := &sweepRecorder{fail: true}
	sweeper := NewSweeper(recorder, time.Hour, time.Minute)
	// Must not panic; the next tick retries.
	sweeper.sweepOnce(context.Background())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	recorder := &sweepRecorder{}
	sweeper := NewSweeper(recorder, time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for recorder.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not tick in time")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewSweeperDefaults(t *testing.T) {
	s := NewSweeper(store.NewInMemoryStore(), 0, 0)
	if s.timeout != DefaultInactivityTimeout {
		t.Errorf("timeout = %v, want %v", s.timeout, DefaultInactivityTimeout)
	}
	if s.interval != DefaultSweepInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultSweepInterval)
	}
}

var _ store.SessionRepo = (*sweepRecorder)(nil)
