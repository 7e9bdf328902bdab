package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proctorhq/vigil/internal/activity"
	"github.com/proctorhq/vigil/internal/events"
	"github.com/proctorhq/vigil/internal/idgen"
	"github.com/proctorhq/vigil/internal/metrics"
	"github.com/proctorhq/vigil/internal/realtime"
	"github.com/proctorhq/vigil/internal/retry"
	"github.com/proctorhq/vigil/internal/risk"
)

// Broadcaster pushes feed messages to a session's observers.
// Satisfied by *realtime.Hub.
type Broadcaster interface {
	Broadcast(sessionID string, msg *realtime.Message)
	CloseSession(sessionID string)
}

// liveSession holds the mutable per-session machinery that only exists
// while a session is Active or Ending.
type liveSession struct {
	session  *Session
	engine   *risk.Engine
	log      *activity.Log
	ingestor *events.Ingestor

	mu           sync.Mutex
	lastActivity time.Time
	graceTimer   *time.Timer
}

func (ls *liveSession) touch() {
	ls.mu.Lock()
	ls.lastActivity = time.Now().UTC()
	ls.mu.Unlock()
}

func (ls *liveSession) idleSince() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastActivity
}

// Coordinator drives the session lifecycle. It owns exactly one risk
// engine and one activity log per live session, and is the only writer
// of session records.
type Coordinator struct {
	store    Store
	verdicts risk.Store
	hub      Broadcaster
	weights  risk.Weights
	logger   *slog.Logger

	gracePeriod      time.Duration
	sessionTimeout   time.Duration
	activityCapacity int

	mu   sync.RWMutex
	live map[string]*liveSession
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGracePeriod sets the Ending → Completed flush window.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.gracePeriod = d }
}

// WithSessionTimeout sets how long a live session may sit idle before
// the reaper force-ends it.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.sessionTimeout = d }
}

// WithActivityCapacity sets the per-session activity ring buffer size.
func WithActivityCapacity(n int) Option {
	return func(c *Coordinator) { c.activityCapacity = n }
}

// NewCoordinator validates the scoring policy and wires the lifecycle
// machinery. A missing or invalid weight table is a hard failure so no
// session can ever start unscored.
func NewCoordinator(store Store, verdicts risk.Store, hub Broadcaster, weights risk.Weights, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:            store,
		verdicts:         verdicts,
		hub:              hub,
		weights:          weights,
		logger:           logger,
		gracePeriod:      5 * time.Second,
		sessionTimeout:   10 * time.Minute,
		activityCapacity: activity.DefaultCapacity,
		live:             make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start creates a session and transitions it straight to Active. The
// caller receives the session record whose ID keys every later call.
func (c *Coordinator) Start(ctx context.Context, candidateRef string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           idgen.WithPrefix("sess_"),
		CandidateRef: candidateRef,
		Status:       StatusActive,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	ls := &liveSession{
		session:      sess,
		engine:       risk.NewEngine(c.weights, c.logger),
		log:          activity.NewLog(c.activityCapacity),
		ingestor:     events.NewIngestor(c.weights.Types()),
		lastActivity: now,
	}
	c.mu.Lock()
	c.live[sess.ID] = ls
	c.mu.Unlock()

	metrics.ActiveSessions.Inc()
	c.logger.Info("session started", "session_id", sess.ID, "candidate_ref", candidateRef)
	c.broadcast(sess.ID, realtime.MessageStatus, map[string]interface{}{
		"sessionId": sess.ID,
		"status":    string(StatusActive),
	})

	cp := *sess
	return &cp, nil
}

// Ingest decodes one telemetry envelope for a live session, records it
// in the activity log, applies it to risk state if it is a flag, and
// fans the result out to observers. Malformed envelopes are dropped
// with a DecodeError and never disturb the stream.
func (c *Coordinator) Ingest(ctx context.Context, sessionID string, raw []byte) (*events.Event, risk.State, error) {
	ls, err := c.lookupLive(ctx, sessionID)
	if err != nil {
		return nil, risk.State{}, err
	}

	ev, err := ls.ingestor.Ingest(raw)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		c.logger.Warn("event dropped", "session_id", sessionID, "error", err)
		return nil, ls.engine.State(), err
	}
	ls.touch()
	ls.log.Append(ev)
	metrics.EventsIngestedTotal.WithLabelValues(string(ev.Type)).Inc()

	if ev.Type == events.TypeFlag {
		state := c.applyFlag(ls, sessionID, ev)
		return ev, state, nil
	}

	c.broadcast(sessionID, realtime.MessageActivity, ev)
	return ev, ls.engine.State(), nil
}

// SubmitFlag raises a flag outside the event feed, for detector
// backends that report over plain HTTP. The flag still flows through
// the same engine and activity log as feed flags.
func (c *Coordinator) SubmitFlag(ctx context.Context, sessionID, flagType string, at time.Time) (risk.State, error) {
	ls, err := c.lookupLive(ctx, sessionID)
	if err != nil {
		return risk.State{}, err
	}
	weight, ok := ls.engine.Weight(flagType)
	if !ok {
		return ls.engine.State(), &events.DecodeError{Reason: "unknown flag type", Type: flagType}
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	ev := &events.Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      events.TypeFlag,
		Timestamp: at.UTC(),
		Flag:      &events.FlagPayload{FlagType: flagType, Severity: weight},
	}
	ls.touch()
	ls.log.Append(ev)
	metrics.EventsIngestedTotal.WithLabelValues(string(events.TypeFlag)).Inc()

	return c.applyFlag(ls, sessionID, ev), nil
}

// applyFlag folds one flag into risk state and broadcasts both the flag
// and the refreshed score. Flags arriving after finalization are logged
// no-ops; the frozen state is re-broadcast so observers stay consistent.
func (c *Coordinator) applyFlag(ls *liveSession, sessionID string, ev *events.Event) risk.State {
	state, applied := ls.engine.ApplyFlag(ev.Flag.FlagType)
	if applied {
		metrics.FlagsTotal.WithLabelValues(ev.Flag.FlagType).Inc()
	}

	c.broadcast(sessionID, realtime.MessageFlag, map[string]interface{}{
		"flagType":  ev.Flag.FlagType,
		"severity":  ev.Flag.Severity,
		"timestamp": ev.Timestamp,
		"applied":   applied,
	})
	c.broadcast(sessionID, realtime.MessageMetricsUpdate, state)
	return state
}

// End finalizes the risk snapshot and transitions the session to
// Ending. Observers keep their connections for the grace period so the
// final metrics_update can flush; the room closes when the grace timer
// fires. Calling End again returns the same verdict.
func (c *Coordinator) End(ctx context.Context, sessionID string, duration time.Duration) (*risk.Verdict, error) {
	ls, err := c.lookupLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if v := ls.engine.Finalized(); v != nil {
		return v, nil
	}
	if duration <= 0 {
		duration = time.Since(ls.session.StartedAt)
	}
	verdict := ls.engine.Finalize(sessionID, duration)

	now := time.Now().UTC()
	ls.session.Status = StatusEnding
	ls.session.EndedAt = &now
	ls.session.RiskScore = &verdict.Score
	ls.session.RiskLevel = verdict.Level
	ls.session.TotalFlags = verdict.TotalFlags
	if err := c.store.Update(ctx, ls.session); err != nil {
		c.logger.Error("failed to persist session end", "session_id", sessionID, "error", err)
	}
	// The verdict is the output of the whole session; retry transient
	// store failures before giving up.
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return c.verdicts.Record(ctx, verdict)
	})
	if err != nil {
		c.logger.Error("failed to record verdict", "session_id", sessionID, "error", err)
	}

	metrics.FinalRiskScore.Observe(verdict.Score)
	metrics.SessionsCompletedTotal.WithLabelValues(string(verdict.Level)).Inc()
	c.logger.Info("session ending",
		"session_id", sessionID,
		"score", verdict.Score,
		"level", verdict.Level,
		"total_flags", verdict.TotalFlags)

	c.broadcast(sessionID, realtime.MessageMetricsUpdate, risk.State{
		Score:      verdict.Score,
		TotalFlags: verdict.TotalFlags,
		Level:      verdict.Level,
	})
	c.broadcast(sessionID, realtime.MessageStatus, map[string]interface{}{
		"sessionId": sessionID,
		"status":    string(StatusEnding),
	})

	ls.mu.Lock()
	ls.graceTimer = time.AfterFunc(c.gracePeriod, func() {
		c.complete(sessionID)
	})
	ls.mu.Unlock()

	return verdict, nil
}

// complete closes the observer room and retires the live session.
func (c *Coordinator) complete(sessionID string) {
	c.mu.Lock()
	ls, ok := c.live[sessionID]
	if ok {
		delete(c.live, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ls.session.Status = StatusCompleted
	if err := c.store.Update(context.Background(), ls.session); err != nil {
		c.logger.Error("failed to mark session completed", "session_id", sessionID, "error", err)
	}

	c.broadcast(sessionID, realtime.MessageStatus, map[string]interface{}{
		"sessionId": sessionID,
		"status":    string(StatusCompleted),
	})
	c.hub.CloseSession(sessionID)
	metrics.ActiveSessions.Dec()
	c.logger.Info("session completed", "session_id", sessionID)
}

// RiskState returns the current risk snapshot for a live session.
func (c *Coordinator) RiskState(ctx context.Context, sessionID string) (risk.State, error) {
	ls, err := c.lookupLive(ctx, sessionID)
	if err != nil {
		return risk.State{}, err
	}
	return ls.engine.State(), nil
}

// Activity returns up to n recent events for a live session,
// newest first.
func (c *Coordinator) Activity(ctx context.Context, sessionID string, n int) ([]*events.Event, error) {
	ls, err := c.lookupLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ls.log.Recent(n), nil
}

// Get returns the stored session record.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Verdict returns the finalized verdict for a session, live or stored.
func (c *Coordinator) Verdict(ctx context.Context, sessionID string) (*risk.Verdict, error) {
	c.mu.RLock()
	ls, ok := c.live[sessionID]
	c.mu.RUnlock()
	if ok {
		if v := ls.engine.Finalized(); v != nil {
			return v, nil
		}
	}
	v, err := c.verdicts.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrSessionNotFound
	}
	return v, nil
}

// Delete removes a completed session's record. Live sessions
// cannot be deleted.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	c.mu.RLock()
	_, isLive := c.live[sessionID]
	c.mu.RUnlock()
	if isLive {
		return ErrNotDeletable
	}
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return c.store.Delete(ctx, sessionID)
}

// CanSubscribe reports whether observers may attach to the session.
// Completed sessions reject new subscriptions.
func (c *Coordinator) CanSubscribe(ctx context.Context, sessionID string) error {
	c.mu.RLock()
	_, isLive := c.live[sessionID]
	c.mu.RUnlock()
	if isLive {
		return nil
	}
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return ErrAlreadyEnded
}

// Shutdown force-ends every live session so no verdict is lost, then
// completes them immediately without waiting out grace periods.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.End(ctx, id, 0); err != nil {
			c.logger.Error("failed to end session on shutdown", "session_id", id, "error", err)
		}
		c.cancelGrace(id)
		c.complete(id)
	}
}

func (c *Coordinator) cancelGrace(sessionID string) {
	c.mu.RLock()
	ls, ok := c.live[sessionID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	ls.mu.Lock()
	if ls.graceTimer != nil {
		ls.graceTimer.Stop()
	}
	ls.mu.Unlock()
}

func (c *Coordinator) lookupLive(ctx context.Context, sessionID string) (*liveSession, error) {
	c.mu.RLock()
	ls, ok := c.live[sessionID]
	c.mu.RUnlock()
	if ok {
		return ls, nil
	}
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status == StatusCompleted {
		return nil, ErrAlreadyEnded
	}
	return nil, ErrNotLive
}

func (c *Coordinator) broadcast(sessionID string, typ realtime.MessageType, data interface{}) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(sessionID, &realtime.Message{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
