package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps live sessions and force-ends those whose
// candidate feed has gone silent past the session timeout. Covers the
// case where the candidate channel drops and never reconnects, so the
// session still produces a verdict.
type Timer struct {
	coordinator *Coordinator
	interval    time.Duration
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates an idle-session reaper.
func NewTimer(coordinator *Coordinator) *Timer {
	return &Timer{
		coordinator: coordinator,
		interval:    15 * time.Second,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the reap loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reap loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReap(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReap(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.coordinator.logger.Error("panic in session reaper", "panic", fmt.Sprint(r))
		}
	}()
	t.reap(ctx)
}

func (t *Timer) reap(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.coordinator.sessionTimeout)

	t.coordinator.mu.RLock()
	idle := make([]string, 0)
	for id, ls := range t.coordinator.live {
		if ls.engine.Finalized() != nil {
			continue
		}
		if ls.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	t.coordinator.mu.RUnlock()

	for _, id := range idle {
		verdict, err := t.coordinator.End(ctx, id, 0)
		if err != nil {
			t.coordinator.logger.Warn("failed to end idle session", "session_id", id, "error", err)
			continue
		}
		t.coordinator.logger.Info("ended idle session",
			"session_id", id,
			"score", verdict.Score,
			"level", verdict.Level,
		)
	}
}
