package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
)

// DefaultPollInterval is how often a blocked waiter re-reads its row when
// the caller does not specify a cadence.
const DefaultPollInterval = 2 * time.Second

// Bus is the named wait/notify layer over the store. Registration creates
// one durable row per waiter; firing is a broadcast to every waiting row
// with that name, or a targeted wake when narrowed to a session. Waiting
// blocks on store polling, with the in-process hub as a fast path.
type Bus struct {
	store  store.Store
	hub    streaming.WakeHub
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates a signal Bus. hub may be nil.
func NewBus(st store.Store, hub streaming.WakeHub, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Bus{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterParams carries the fields of a new signal wait registration.
type RegisterParams struct {
	SignalName string
	SessionID  string
	CascadeID  string
	CellName   string
	// Timeout is a duration string ("30s", "5m", "2h", "1d"); a bare
	// number means seconds. Empty or unparseable falls back to one hour.
	Timeout  string
	Metadata json.RawMessage
}

// Register creates a waiting signal row whose lease expires at
// now + timeout. The signal name is shared: many sessions may register
// waits on the same name and all of them wake on a broadcast fire.
func (b *Bus) Register(ctx context.Context, p RegisterParams) (*store.Signal, error) {
	if p.SignalName == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "signal_name is required")
	}

	now := b.now()
	sig := &store.Signal{
		SignalID:   uuid.New().String(),
		SignalName: p.SignalName,
		Status:     schema.SignalStatusWaiting,
		SessionID:  p.SessionID,
		CascadeID:  p.CascadeID,
		CellName:   p.CellName,
		TimeoutAt:  now.Add(schema.TimeoutDuration(p.Timeout)),
		Metadata:   p.Metadata,
		CreatedAt:  now,
	}
	if err := b.store.CreateSignal(ctx, sig); err != nil {
		return nil, err
	}
	b.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSignalRegistered,
		EntityID:  sig.SignalID,
		SessionID: sig.SessionID,
		CascadeID: sig.CascadeID,
		Payload:   map[string]any{"signal_name": sig.SignalName},
	})
	b.logger.InfoContext(ctx, "signal registered",
		"signal_id", sig.SignalID, "signal_name", sig.SignalName,
		"session_id", sig.SessionID, "timeout_at", sig.TimeoutAt)
	return sig, nil
}

// Fire wakes every waiting row with the given name, narrowed to a single
// session when sessionID is set. Returns the number of rows woken; zero
// waiters is success, since a firer cannot know whether anyone is
// listening yet.
func (b *Bus) Fire(ctx context.Context, name string, payload json.RawMessage, source, sessionID string) (int, error) {
	if name == "" {
		return 0, schema.NewError(schema.ErrCodeInvalidArgument, "signal_name is required")
	}
	count, err := b.store.FireSignals(ctx, name, payload, source, sessionID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		b.publish(ctx, streaming.WakeEvent{
			EventType: streaming.EventSignalFired,
			EntityID:  name,
			SessionID: sessionID,
			Payload:   map[string]any{"count": count},
		})
	}
	b.logger.InfoContext(ctx, "signal fired",
		"signal_name", name, "session_id", sessionID, "woken", count)
	return count, nil
}

// FireByID wakes exactly one waiter. Unknown id is NOT_FOUND; a row no
// longer waiting is INVALID_STATE.
func (b *Bus) FireByID(ctx context.Context, id string, payload json.RawMessage, source string) (*store.Signal, error) {
	err := b.store.FinishSignal(ctx, id, schema.SignalStatusFired, store.SignalFinish{
		Payload: payload,
		Source:  source,
	})
	if err != nil {
		return nil, err
	}
	sig, err := b.store.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSignalFired,
		EntityID:  sig.SignalID,
		SessionID: sig.SessionID,
		CascadeID: sig.CascadeID,
	})
	b.logger.InfoContext(ctx, "signal fired by id", "signal_id", id, "source", source)
	return sig, nil
}

// Cancel moves a waiting signal to cancelled, recording the reason in its
// metadata. A second cancel of the same id is INVALID_STATE.
func (b *Bus) Cancel(ctx context.Context, id, reason string) (*store.Signal, error) {
	fin := store.SignalFinish{}
	if reason != "" {
		meta, err := json.Marshal(map[string]string{"cancel_reason": reason})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "marshal cancel metadata").WithCause(err)
		}
		fin.Metadata = meta
	}
	if err := b.store.FinishSignal(ctx, id, schema.SignalStatusCancelled, fin); err != nil {
		return nil, err
	}
	sig, err := b.store.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSignalCancelled,
		EntityID:  sig.SignalID,
		SessionID: sig.SessionID,
		CascadeID: sig.CascadeID,
	})
	b.logger.InfoContext(ctx, "signal cancelled", "signal_id", id, "reason", reason)
	return sig, nil
}

// Get returns a single signal row.
func (b *Bus) Get(ctx context.Context, id string) (*store.Signal, error) {
	return b.store.GetSignal(ctx, id)
}

// List returns signals matching the filter.
func (b *Bus) List(ctx context.Context, filter store.SignalFilter) ([]*store.Signal, error) {
	return b.store.ListSignals(ctx, filter)
}

// Wait blocks until the signal leaves waiting or a deadline passes,
// re-reading the row every pollInterval. The effective deadline is the
// earlier of the row's own lease (timeout_at) and now + callerTimeout
// when callerTimeout is positive.
//
// On deadline the waiter writes status=timeout itself: only the waiter
// can be sure no late fire is in flight, so the firer never owns that
// transition. If a concurrent fire or cancel wins the conditional write,
// the row is re-read and the actual terminal outcome is honored.
//
// Returns the fired payload, or nil when the wait ended in timeout or
// cancellation. Context cancellation aborts the wait without touching
// the row.
func (b *Bus) Wait(ctx context.Context, id string, callerTimeout, pollInterval time.Duration) (json.RawMessage, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	sig, err := b.store.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	if schema.IsTerminalSignal(sig.Status) {
		return settle(sig), nil
	}

	deadline := sig.TimeoutAt
	if callerTimeout > 0 {
		if d := b.now().Add(callerTimeout); d.Before(deadline) {
			deadline = d
		}
	}

	// Same-process fires arrive on the hub ahead of the next poll; every
	// wake re-reads the store since cross-process fires never pass
	// through the hub.
	var wake <-chan streaming.WakeEvent
	if b.hub != nil {
		ch, unsub, err := b.hub.Subscribe(ctx, streaming.WakeFilter{
			EventTypes: []string{
				streaming.EventSignalFired,
				streaming.EventSignalCancelled,
			},
		})
		if err == nil {
			defer unsub()
			wake = ch
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	expire := time.NewTimer(time.Until(deadline))
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expire.C:
			return b.expire(ctx, id)
		case <-wake:
		case <-ticker.C:
		}

		sig, err = b.store.GetSignal(ctx, id)
		if err != nil {
			return nil, err
		}
		if schema.IsTerminalSignal(sig.Status) {
			return settle(sig), nil
		}
		if !b.now().Before(deadline) {
			return b.expire(ctx, id)
		}
	}
}

// expire finalizes the wait as timed out. Losing the terminal-state race
// to a concurrent fire or cancel is not an error: the winner's outcome
// stands.
func (b *Bus) expire(ctx context.Context, id string) (json.RawMessage, error) {
	err := b.store.FinishSignal(ctx, id, schema.SignalStatusTimeout, store.SignalFinish{})
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeInvalidState) {
			return nil, err
		}
		sig, rerr := b.store.GetSignal(ctx, id)
		if rerr != nil {
			return nil, rerr
		}
		return settle(sig), nil
	}
	b.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventSignalTimeout,
		EntityID:  id,
	})
	b.logger.InfoContext(ctx, "signal wait timed out", "signal_id", id)
	return nil, nil
}

// settle maps a terminal row to the wait result: payload for fired,
// nil for timeout and cancelled.
func settle(sig *store.Signal) json.RawMessage {
	if sig.Status == schema.SignalStatusFired {
		return sig.Payload
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, e streaming.WakeEvent) {
	if b.hub == nil {
		return
	}
	_ = b.hub.Publish(ctx, e)
}
