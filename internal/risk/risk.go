// Package risk implements the per-session scoring state machine.
//
// Flag events carry a configured severity weight; the engine folds them into
// one cumulative score clamped to [0, 1]. The fold is a commutative sum per
// flag type, so delivery order — including reordering across a reconnect —
// never changes the result as long as no flag is double-counted. Coding,
// speech, and vision events are recorded for the activity feed but never
// touch the score.
package risk

import (
	"context"
	"fmt"
	"time"
)

// Level is the categorical risk bucket derived from the cumulative score.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Level thresholds. Downstream verdicts and UI color-coding key off these
// exact boundaries: score > 0.6 is HIGH, 0.3 < score <= 0.6 is MEDIUM,
// score <= 0.3 is LOW.
const (
	HighThreshold   = 0.6
	MediumThreshold = 0.3
)

// LevelFor derives the risk level from a cumulative score. Pure function,
// recomputed on every read — the level is never stored independently.
func LevelFor(score float64) Level {
	switch {
	case score > HighThreshold:
		return LevelHigh
	case score > MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Weights maps flag type to severity weight in (0, 1]. Supplied as static
// configuration; the engine never computes weights.
type Weights map[string]float64

// Validate rejects an empty table or any weight outside (0, 1].
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("weight table is empty")
	}
	for flagType, weight := range w {
		if weight <= 0 || weight > 1 {
			return fmt.Errorf("weight for %q must be in (0, 1], got %v", flagType, weight)
		}
	}
	return nil
}

// Types returns the flag types present in the table.
func (w Weights) Types() []string {
	types := make([]string, 0, len(w))
	for t := range w {
		types = append(types, t)
	}
	return types
}

// State is an immutable snapshot of the engine's risk state. External readers
// only ever receive State values, never a live handle.
type State struct {
	Score      float64 `json:"score"`
	TotalFlags int     `json:"totalFlags"`
	Level      Level   `json:"level"`
}

// Verdict is the finalized snapshot emitted exactly once at session end.
type Verdict struct {
	SessionID      string        `json:"sessionId"`
	Score          float64       `json:"score"`
	TotalFlags     int           `json:"totalFlags"`
	Level          Level         `json:"level"`
	Recommendation string        `json:"recommendation"`
	Duration       time.Duration `json:"duration"`
	FinalizedAt    time.Time     `json:"finalizedAt"`
}

// Recommendation renders the reviewer guidance for a finalized verdict.
func Recommendation(level Level, totalFlags int, score float64) string {
	switch level {
	case LevelLow:
		return "No significant concerns - Proceed with confidence"
	case LevelMedium:
		return fmt.Sprintf("Moderate concern - Manual review recommended (%d flags detected)", totalFlags)
	default:
		return fmt.Sprintf("High risk detected - Immediate review required (%d flags, score: %.2f)", totalFlags, score)
	}
}

// Store persists finalized verdicts for audit and reporting handoff.
type Store interface {
	Record(ctx context.Context, verdict *Verdict) error
	Get(ctx context.Context, sessionID string) (*Verdict, error)
	List(ctx context.Context, limit int) ([]*Verdict, error)
}
