// Package session ties the telemetry pipeline together per monitored session.
//
// The Coordinator owns the lifecycle state machine
// (Scheduled → Active → Ending → Completed), the one live risk engine per
// active session, and the fan-out of score/flag/activity updates to
// observers. External readers only ever see immutable snapshots of risk
// state; all mutation funnels through the coordinator.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/proctorhq/vigil/internal/pagination"
	"github.com/proctorhq/vigil/internal/risk"
)

// Status is the lifecycle state of a monitored session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnding    Status = "ending"
	StatusCompleted Status = "completed"
)

// Session is one bounded interview instance.
type Session struct {
	ID           string     `json:"id"`
	CandidateRef string     `json:"candidateRef"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`

	// Finalized risk fields, populated once the session completes.
	RiskScore  *float64   `json:"riskScore,omitempty"`
	RiskLevel  risk.Level `json:"riskLevel,omitempty"`
	TotalFlags int        `json:"totalFlags"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Lifecycle errors. Surfaced immediately to the caller as rejected
// operations; never retried at this layer.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotLive         = errors.New("session is not live")
	ErrAlreadyEnded    = errors.New("session already completed")
	ErrNotDeletable    = errors.New("only completed sessions can be deleted")
)

// Store persists session records.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	// List returns sessions ordered newest-first, starting after the cursor.
	List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Session, error)
	CountByStatus(ctx context.Context, status Status) (int64, error)
}
