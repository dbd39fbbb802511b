package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
	"github.com/google/uuid"
)

// DefaultLeaseSeconds is the heartbeat lease applied when a session is
// created without one.
const DefaultLeaseSeconds = 300

// Manager owns session lifecycle transitions, heartbeat bookkeeping, and
// zombie classification. The store is authoritative; the in-process cache
// is a hint invalidated by any fresh read. The cache mutex is never held
// across store I/O.
type Manager struct {
	store  store.Store
	hub    streaming.WakeHub
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*store.SessionState
}

// NewManager creates a session Manager. hub may be nil when no in-process
// observers exist (e.g. CLI tools).
func NewManager(st store.Store, hub streaming.WakeHub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Manager{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		cache:  make(map[string]*store.SessionState),
	}
}

// CreateParams carries the fields of a new session registration.
type CreateParams struct {
	SessionID             string
	CascadeID             string
	Depth                 int
	HeartbeatLeaseSeconds int
}

// Create registers a new session as running with a fresh heartbeat.
// A taken session_id is ALREADY_EXISTS.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.SessionState, error) {
	if p.SessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "session_id is required")
	}
	if p.CascadeID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "cascade_id is required")
	}
	lease := p.HeartbeatLeaseSeconds
	if lease <= 0 {
		lease = DefaultLeaseSeconds
	}

	now := m.now()
	sess := &store.SessionState{
		SessionID:             p.SessionID,
		CascadeID:             p.CascadeID,
		Status:                schema.SessionStatusRunning,
		Depth:                 p.Depth,
		HeartbeatAt:           now,
		HeartbeatLeaseSeconds: lease,
		CreatedAt:             now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.cachePut(sess)
	m.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSessionCreated,
		EntityID:  sess.SessionID,
		SessionID: sess.SessionID,
		CascadeID: sess.CascadeID,
	})
	m.logger.InfoContext(ctx, "session created",
		"session_id", sess.SessionID, "cascade_id", sess.CascadeID, "depth", sess.Depth)
	return sess, nil
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	ErrorMessage string
	ErrorPhase   string
	CancelReason string
}

// UpdateStatus transitions the session to the given status, validating the
// transition against the fresh store state. Setting cancelled also stamps
// cancelled_at. Unknown session is NOT_FOUND; an illegal transition (or a
// lost optimistic race) is INVALID_STATE.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to schema.SessionStatus, upd StatusUpdate) error {
	cur, err := m.LoadState(ctx, id)
	if err != nil {
		return err
	}
	if !schema.IsValidSessionTransition(cur.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"session %q is %s, cannot transition to %s", id, cur.Status, to)
	}
	if cur.Status == schema.SessionStatusOrphaned && to == schema.SessionStatusRunning && !m.CanResume(cur) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"session %q is orphaned and not resumable", id)
	}

	su := store.SessionUpdate{}
	if upd.ErrorMessage != "" {
		su.ErrorMessage = &upd.ErrorMessage
	}
	if upd.ErrorPhase != "" {
		su.ErrorPhase = &upd.ErrorPhase
	}
	if upd.CancelReason != "" {
		su.CancelReason = &upd.CancelReason
	}
	if to == schema.SessionStatusCancelled {
		now := m.now()
		su.CancelledAt = &now
	}

	if err := m.store.TransitionSession(ctx, id, to, []schema.SessionStatus{cur.Status}, su); err != nil {
		return err
	}
	m.cacheDrop(id)
	m.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSessionStatus,
		EntityID:  id,
		SessionID: id,
		CascadeID: cur.CascadeID,
		Payload:   map[string]any{"status": string(to)},
	})
	m.logger.InfoContext(ctx, "session status updated",
		"session_id", id, "from", string(cur.Status), "to", string(to))
	return nil
}

// Heartbeat advances the session's liveness proof. Terminal sessions
// swallow heartbeats silently.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	if err := m.store.TouchHeartbeat(ctx, id); err != nil {
		return err
	}
	m.cacheDrop(id)
	return nil
}

// List always re-reads the store, never the cache: sessions are mutated
// out-of-process.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*store.SessionState, error) {
	return m.store.ListSessions(ctx, filter)
}

// Get returns the session, serving from the in-process cache when
// possible. Use LoadState whenever freshness matters.
func (m *Manager) Get(ctx context.Context, id string) (*store.SessionState, error) {
	m.mu.Lock()
	cached, ok := m.cache[id]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}
	return m.LoadState(ctx, id)
}

// LoadState bypasses the cache and reads the store, refreshing the cache
// entry on the way out.
func (m *Manager) LoadState(ctx context.Context, id string) (*store.SessionState, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cachePut(sess)
	return sess, nil
}

// CancelOutcome reports how a cancellation request was handled.
type CancelOutcome struct {
	SessionID string `json:"session_id"`
	Zombie    bool   `json:"zombie"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// RequestCancellation is the cooperative path: it sets the cancel flag and
// leaves status untouched, expecting the workflow thread to observe the
// flag at its next safe point. A target that is already a zombie is
// cancelled directly instead, since no thread is left to cooperate.
func (m *Manager) RequestCancellation(ctx context.Context, id, reason string) (*CancelOutcome, error) {
	cur, err := m.LoadState(ctx, id)
	if err != nil {
		return nil, err
	}
	if !schema.IsActiveSession(cur.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"session %q is already %s", id, cur.Status)
	}

	if m.IsZombie(cur) {
		if err := m.Cancel(ctx, id, reason); err != nil {
			return nil, err
		}
		return &CancelOutcome{
			SessionID: id,
			Zombie:    true,
			Cancelled: true,
			Message:   "session heartbeat was stale; cancelled directly",
		}, nil
	}

	if err := m.store.RequestCancellation(ctx, id, reason); err != nil {
		return nil, err
	}
	m.cacheDrop(id)
	m.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSessionCancelRequested,
		EntityID:  id,
		SessionID: id,
		CascadeID: cur.CascadeID,
		Payload:   map[string]any{"reason": reason},
	})
	m.logger.InfoContext(ctx, "cancellation requested", "session_id", id, "reason", reason)
	return &CancelOutcome{
		SessionID: id,
		Cancelled: false,
		Message:   "cancellation requested; execution will stop at the next safe point",
	}, nil
}

// Cancel is the forced path: it writes status=cancelled without waiting
// for cooperation. Already-terminal sessions are INVALID_STATE.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	now := m.now()
	upd := store.SessionUpdate{CancelledAt: &now}
	if reason != "" {
		upd.CancelReason = &reason
	}
	if err := m.store.TransitionSession(ctx, id, schema.SessionStatusCancelled,
		schema.ActiveSessionStatuses, upd); err != nil {
		return err
	}
	m.cacheDrop(id)
	m.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSessionStatus,
		EntityID:  id,
		SessionID: id,
		Payload:   map[string]any{"status": string(schema.SessionStatusCancelled)},
	})
	m.logger.InfoContext(ctx, "session force-cancelled", "session_id", id, "reason", reason)
	return nil
}

// IsZombie classifies the session at read time: active with a heartbeat
// stale beyond its lease. Never persisted, so it self-corrects when a late
// heartbeat arrives. Future-dated heartbeats (clock skew) count as alive.
func (m *Manager) IsZombie(s *store.SessionState) bool {
	if !schema.IsActiveSession(s.Status) {
		return false
	}
	elapsed := m.now().Sub(s.HeartbeatAt)
	if elapsed < 0 {
		return false
	}
	return elapsed > time.Duration(s.HeartbeatLeaseSeconds)*time.Second
}

// CanResume reports whether an orphaned session may transition back to
// running: it must be marked resumable and hold a checkpoint to resume from.
func (m *Manager) CanResume(s *store.SessionState) bool {
	return s.Status == schema.SessionStatusOrphaned && s.Resumable && s.LastCheckpointID != ""
}

// CleanupZombies scans active sessions and force-transitions to orphaned
// every zombie whose staleness also exceeds the grace period beyond its
// lease. The two-stage grace avoids flapping a session that is merely
// heartbeating slowly. Returns the number orphaned; sessions that lose
// the optimistic race (a late heartbeat or concurrent cancel) are skipped.
func (m *Manager) CleanupZombies(ctx context.Context, gracePeriod time.Duration) (int, error) {
	active, err := m.store.ListSessions(ctx, store.SessionFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	now := m.now()
	count := 0
	for _, s := range active {
		elapsed := now.Sub(s.HeartbeatAt)
		if elapsed < 0 {
			continue
		}
		lease := time.Duration(s.HeartbeatLeaseSeconds) * time.Second
		if elapsed <= lease+gracePeriod {
			continue
		}
		err := m.store.TransitionSession(ctx, s.SessionID, schema.SessionStatusOrphaned,
			[]schema.SessionStatus{s.Status}, store.SessionUpdate{})
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeInvalidState) || schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return count, err
		}
		count++
		m.cacheDrop(s.SessionID)
		m.publish(ctx, streaming.WakeEvent{
			EventType: streaming.EventSessionOrphaned,
			EntityID:  s.SessionID,
			SessionID: s.SessionID,
			CascadeID: s.CascadeID,
		})
		m.logger.WarnContext(ctx, "session orphaned",
			"session_id", s.SessionID, "heartbeat_age", elapsed.String())
	}
	return count, nil
}

// RecordError marks a session as errored, synthesizing a terminal row when
// the workflow crashed before registering one.
func (m *Manager) RecordError(ctx context.Context, sessionID, cascadeID, phase, message string) (string, error) {
	if sessionID != "" {
		err := m.UpdateStatus(ctx, sessionID, schema.SessionStatusError,
			StatusUpdate{ErrorMessage: message, ErrorPhase: phase})
		if err == nil || !schema.IsCode(err, schema.ErrCodeNotFound) {
			return sessionID, err
		}
	}
	id := sessionID
	if id == "" {
		id = fmt.Sprintf("error-%s", uuid.New().String())
	}
	now := m.now()
	sess := &store.SessionState{
		SessionID:             id,
		CascadeID:             cascadeID,
		Status:                schema.SessionStatusError,
		HeartbeatAt:           now,
		HeartbeatLeaseSeconds: DefaultLeaseSeconds,
		ErrorMessage:          message,
		ErrorPhase:            phase,
		CreatedAt:             now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	m.logger.ErrorContext(ctx, "error recorded for unregistered session",
		"session_id", id, "cascade_id", cascadeID, "phase", phase)
	return id, nil
}

func (m *Manager) cachePut(s *store.SessionState) {
	m.mu.Lock()
	m.cache[s.SessionID] = s
	m.mu.Unlock()
}

func (m *Manager) cacheDrop(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, e streaming.WakeEvent) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, e)
}
