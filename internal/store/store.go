package store

import (
	"context"
	"encoding/json"

	"github.com/cascadelab/cascade/pkg/schema"
)

// Store defines the persistence layer contract for the coordination core.
// It is the single source of truth shared by every process; all
// implementations must be safe for concurrent use.
//
// Terminal-state transitions are conditional writes: the update is guarded
// on the current status and zero rows affected resolves to NOT_FOUND (row
// absent) or INVALID_STATE (row present but already terminal). Nothing is
// ever deleted.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *SessionState) error
	GetSession(ctx context.Context, id string) (*SessionState, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionState, error)
	// TouchHeartbeat advances heartbeat_at. Terminal sessions are skipped
	// without error; an unknown session is NOT_FOUND.
	TouchHeartbeat(ctx context.Context, id string) error
	// RequestCancellation sets the cooperative cancel flag. Idempotent:
	// the flag is never reset once true.
	RequestCancellation(ctx context.Context, id, reason string) error
	// TransitionSession moves the session to the given status iff its
	// current status is one of from, applying upd in the same write.
	TransitionSession(ctx context.Context, id string, to schema.SessionStatus, from []schema.SessionStatus, upd SessionUpdate) error
	// UpdateSessionMeta applies bookkeeping fields without touching status.
	UpdateSessionMeta(ctx context.Context, id string, upd SessionUpdate) error

	// Signals
	CreateSignal(ctx context.Context, sig *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]*Signal, error)
	// FireSignals marks every waiting row with the given name as fired,
	// optionally narrowed to one session, and returns the number woken.
	// Zero matches is success, not an error.
	FireSignals(ctx context.Context, name string, payload json.RawMessage, source, sessionID string) (int, error)
	// FinishSignal moves one signal out of waiting. Guarded on waiting.
	FinishSignal(ctx context.Context, id string, to schema.SignalStatus, fin SignalFinish) error

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error)
	// RespondCheckpoint stamps the response fields and responded_at.
	// Guarded on pending.
	RespondCheckpoint(ctx context.Context, id string, resp *CheckpointResponse) error
	// CancelCheckpoint / TimeoutCheckpoint move a pending gate terminal.
	CancelCheckpoint(ctx context.Context, id, reason string) error
	TimeoutCheckpoint(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
