package risk

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Engine accumulates weighted flag events for one session. All mutation goes
// through a single mutex so concurrent flag updates never interleave
// partially; reads return copies.
//
// The score is monotonically non-decreasing and clamped to [0, 1]. After
// Finalize, further flags are no-ops (logged, not errors).
type Engine struct {
	mu         sync.Mutex
	weights    Weights
	score      float64
	totalFlags int
	startedAt  time.Time
	finalized  *Verdict
	logger     *slog.Logger
}

// NewEngine creates an engine with the given weight table. The table must
// already be validated; session start fails on an invalid policy.
func NewEngine(weights Weights, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		weights:   weights,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// ApplyFlag folds one flag event into the cumulative score. It returns the
// resulting snapshot and whether the flag was applied: unknown flag types and
// post-finalization flags are rejected without mutating state.
func (e *Engine) ApplyFlag(flagType string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized != nil {
		e.logger.Info("flag after finalization ignored", "flag_type", flagType)
		return e.stateLocked(), false
	}

	weight, ok := e.weights[flagType]
	if !ok {
		e.logger.Warn("unknown flag type ignored", "flag_type", flagType)
		return e.stateLocked(), false
	}

	e.score = math.Min(e.score+weight, 1.0)
	e.totalFlags++

	return e.stateLocked(), true
}

// Weight returns the configured weight for a flag type.
func (e *Engine) Weight(flagType string) (float64, bool) {
	w, ok := e.weights[flagType]
	return w, ok
}

// State returns an immutable snapshot of the current risk state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	// After finalization the verdict is the authoritative snapshot; echo its
	// rounded score so readers never see it drift from the verdict.
	if e.finalized != nil {
		return State{
			Score:      e.finalized.Score,
			TotalFlags: e.finalized.TotalFlags,
			Level:      e.finalized.Level,
		}
	}
	return State{
		Score:      e.score,
		TotalFlags: e.totalFlags,
		Level:      LevelFor(e.score),
	}
}

// Finalize freezes the engine and emits the verdict. Idempotent: repeated
// calls return the first verdict unchanged.
func (e *Engine) Finalize(sessionID string, duration time.Duration) *Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized != nil {
		return e.finalized
	}

	score := roundScore(e.score)
	level := LevelFor(score)
	e.finalized = &Verdict{
		SessionID:      sessionID,
		Score:          score,
		TotalFlags:     e.totalFlags,
		Level:          level,
		Recommendation: Recommendation(level, e.totalFlags, score),
		Duration:       duration,
		FinalizedAt:    time.Now(),
	}
	return e.finalized
}

// Finalized returns the verdict if the engine has been finalized.
func (e *Engine) Finalized() *Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}

// roundScore normalizes the float fold to 3 decimal places for the verdict.
// The clamp bound survives rounding, so a saturated score stays exactly 1.0.
func roundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}
