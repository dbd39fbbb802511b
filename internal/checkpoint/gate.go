package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
)

// DefaultPollInterval is the wait cadence when the caller does not pick one.
const DefaultPollInterval = 2 * time.Second

// Gate is the human-in-the-loop blocking primitive: a workflow step
// persists a pending checkpoint with everything an external actor needs
// to render a decision, blocks on it, and resumes with the response as
// its step output. One waiter per checkpoint, exactly one terminal
// transition out of pending.
type Gate struct {
	store  store.Store
	hub    streaming.WakeHub
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a checkpoint Gate. hub may be nil.
func NewGate(st store.Store, hub streaming.WakeHub, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Gate{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams carries the fields of a new checkpoint gate.
type CreateParams struct {
	SessionID      string
	CascadeID      string
	PhaseName      string
	CheckpointType string
	// Timeout is a duration string; empty means no lease, the gate waits
	// until responded or cancelled.
	Timeout          string
	UISpec           json.RawMessage
	PhaseOutput      json.RawMessage
	SoundingOutputs  json.RawMessage
	SoundingMetadata json.RawMessage
}

// Create persists a pending gate for the calling workflow step.
func (g *Gate) Create(ctx context.Context, p CreateParams) (*store.Checkpoint, error) {
	if p.SessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "session_id is required")
	}

	now := g.now()
	cp := &store.Checkpoint{
		ID:               uuid.New().String(),
		SessionID:        p.SessionID,
		CascadeID:        p.CascadeID,
		PhaseName:        p.PhaseName,
		CheckpointType:   p.CheckpointType,
		Status:           schema.CheckpointStatusPending,
		CreatedAt:        now,
		UISpec:           p.UISpec,
		PhaseOutput:      p.PhaseOutput,
		SoundingOutputs:  p.SoundingOutputs,
		SoundingMetadata: p.SoundingMetadata,
	}
	if p.Timeout != "" {
		at := now.Add(schema.TimeoutDuration(p.Timeout))
		cp.TimeoutAt = &at
	}
	if err := g.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	// The owning session remembers its newest gate so an orphan can later
	// be resumed from it.
	resumable := true
	err := g.store.UpdateSessionMeta(ctx, p.SessionID, store.SessionUpdate{
		LastCheckpointID: &cp.ID,
		Resumable:        &resumable,
	})
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	g.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventCheckpointCreated,
		EntityID:  cp.ID,
		SessionID: cp.SessionID,
		CascadeID: cp.CascadeID,
		Payload:   map[string]any{"phase_name": cp.PhaseName},
	})
	g.logger.InfoContext(ctx, "checkpoint created",
		"checkpoint_id", cp.ID, "session_id", cp.SessionID, "phase", cp.PhaseName)
	return cp, nil
}

// Get returns a single checkpoint.
func (g *Gate) Get(ctx context.Context, id string) (*store.Checkpoint, error) {
	return g.store.GetCheckpoint(ctx, id)
}

// List returns checkpoints matching the filter.
func (g *Gate) List(ctx context.Context, filter store.CheckpointFilter) ([]*store.Checkpoint, error) {
	return g.store.ListCheckpoints(ctx, filter)
}

// Pending returns pending checkpoints, optionally for one session.
func (g *Gate) Pending(ctx context.Context, sessionID string) ([]*store.Checkpoint, error) {
	pending := schema.CheckpointStatusPending
	return g.store.ListCheckpoints(ctx, store.CheckpointFilter{
		SessionID: sessionID,
		Status:    &pending,
	})
}

// Respond stamps the external actor's decision on a pending gate. The
// response is required, and when the gate's ui_spec embeds a
// "response_schema" the response must validate against it. A non-pending
// gate is INVALID_STATE; a second respond on the same id loses the
// conditional write and fails the same way.
func (g *Gate) Respond(ctx context.Context, id string, resp *store.CheckpointResponse) (*store.Checkpoint, error) {
	if resp == nil || len(resp.Response) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "response is required")
	}

	cp, err := g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateResponse(cp.UISpec, resp.Response); err != nil {
		return nil, err
	}

	if err := g.store.RespondCheckpoint(ctx, id, resp); err != nil {
		return nil, err
	}
	cp, err = g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	g.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventCheckpointResponded,
		EntityID:  cp.ID,
		SessionID: cp.SessionID,
		CascadeID: cp.CascadeID,
	})
	g.logger.InfoContext(ctx, "checkpoint responded",
		"checkpoint_id", id, "session_id", cp.SessionID)
	return cp, nil
}

// Cancel moves a pending gate to cancelled.
func (g *Gate) Cancel(ctx context.Context, id, reason string) (*store.Checkpoint, error) {
	if err := g.store.CancelCheckpoint(ctx, id, reason); err != nil {
		return nil, err
	}
	cp, err := g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, streaming.WakeEvent{
		EventType: streaming.EventCheckpointCancelled,
		EntityID:  cp.ID,
		SessionID: cp.SessionID,
		CascadeID: cp.CascadeID,
		Payload:   map[string]any{"reason": reason},
	})
	g.logger.InfoContext(ctx, "checkpoint cancelled", "checkpoint_id", id, "reason", reason)
	return cp, nil
}

// Wait blocks the calling workflow step until the gate leaves pending or
// a deadline passes, polling the store at pollInterval. The effective
// deadline is the earlier of the gate's own timeout_at and
// now + callerTimeout when callerTimeout is positive; with neither set
// the wait is unbounded. On deadline the waiter writes status=timeout
// itself; if a concurrent respond or cancel wins the conditional write,
// the actual outcome is honored. The returned checkpoint is terminal.
func (g *Gate) Wait(ctx context.Context, id string, callerTimeout, pollInterval time.Duration) (*store.Checkpoint, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	cp, err := g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if schema.IsTerminalCheckpoint(cp.Status) {
		return cp, nil
	}

	var deadline time.Time
	if cp.TimeoutAt != nil {
		deadline = *cp.TimeoutAt
	}
	if callerTimeout > 0 {
		if d := g.now().Add(callerTimeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}

	var wake <-chan streaming.WakeEvent
	if g.hub != nil {
		ch, unsub, err := g.hub.Subscribe(ctx, streaming.WakeFilter{
			EntityID: id,
			EventTypes: []string{
				streaming.EventCheckpointResponded,
				streaming.EventCheckpointCancelled,
			},
		})
		if err == nil {
			defer unsub()
			wake = ch
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var expire <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expire:
			return g.expire(ctx, id)
		case <-wake:
		case <-ticker.C:
		}

		cp, err = g.store.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		if schema.IsTerminalCheckpoint(cp.Status) {
			return cp, nil
		}
		if !deadline.IsZero() && !g.now().Before(deadline) {
			return g.expire(ctx, id)
		}
	}
}

func (g *Gate) expire(ctx context.Context, id string) (*store.Checkpoint, error) {
	err := g.store.TimeoutCheckpoint(ctx, id)
	if err != nil && !schema.IsCode(err, schema.ErrCodeInvalidState) {
		return nil, err
	}
	cp, rerr := g.store.GetCheckpoint(ctx, id)
	if rerr != nil {
		return nil, rerr
	}
	if err == nil {
		g.logger.InfoContext(ctx, "checkpoint wait timed out", "checkpoint_id", id)
	}
	return cp, nil
}

// validateResponse checks the response against the optional JSON Schema
// embedded in ui_spec under "response_schema". A gate without one accepts
// any response.
func validateResponse(uiSpec, response json.RawMessage) error {
	if len(uiSpec) == 0 {
		return nil
	}
	var spec struct {
		ResponseSchema json.RawMessage `json:"response_schema"`
	}
	if err := json.Unmarshal(uiSpec, &spec); err != nil || len(spec.ResponseSchema) == 0 {
		return nil
	}

	raw, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.ResponseSchema))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("uispec://response_schema", raw); err != nil {
		return nil
	}
	compiled, err := compiler.Compile("uispec://response_schema")
	if err != nil {
		return nil
	}

	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(response))
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidArgument, "response is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(val); err != nil {
		return schema.NewError(schema.ErrCodeInvalidArgument, "response does not match response_schema").WithCause(err)
	}
	return nil
}

func (g *Gate) publish(ctx context.Context, e streaming.WakeEvent) {
	if g.hub == nil {
		return
	}
	_ = g.hub.Publish(ctx, e)
}
