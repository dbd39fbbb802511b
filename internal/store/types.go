package store

import (
	"encoding/json"
	"time"

	"github.com/cascadelab/cascade/pkg/schema"
)

// SessionState is the persisted representation of one cascade execution.
// Rows are never deleted; terminal rows remain for audit.
type SessionState struct {
	SessionID             string               `json:"session_id"`
	CascadeID             string               `json:"cascade_id"`
	Status                schema.SessionStatus `json:"status"`
	Depth                 int                  `json:"depth"`
	HeartbeatAt           time.Time            `json:"heartbeat_at"`
	HeartbeatLeaseSeconds int                  `json:"heartbeat_lease_seconds"`
	Resumable             bool                 `json:"resumable"`
	LastCheckpointID      string               `json:"last_checkpoint_id,omitempty"`
	CancelRequested       bool                 `json:"cancel_requested"`
	CancelReason          string               `json:"cancel_reason,omitempty"`
	ErrorMessage          string               `json:"error_message,omitempty"`
	ErrorPhase            string               `json:"error_phase,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	CancelledAt           *time.Time           `json:"cancelled_at,omitempty"`
}

// Signal is one registered wait on a named event. Many sessions may hold
// waiting rows for the same signal_name.
type Signal struct {
	SignalID   string              `json:"signal_id"`
	SignalName string              `json:"signal_name"`
	Status     schema.SignalStatus `json:"status"`
	SessionID  string              `json:"session_id,omitempty"`
	CascadeID  string              `json:"cascade_id,omitempty"`
	CellName   string              `json:"cell_name,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	Source     string              `json:"source,omitempty"`
	TimeoutAt  time.Time           `json:"timeout_at"`
	Metadata   json.RawMessage     `json:"metadata,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Checkpoint is one human-in-the-loop gate blocking a workflow step.
type Checkpoint struct {
	ID                 string                  `json:"id"`
	SessionID          string                  `json:"session_id"`
	CascadeID          string                  `json:"cascade_id,omitempty"`
	PhaseName          string                  `json:"phase_name,omitempty"`
	CheckpointType     string                  `json:"checkpoint_type,omitempty"`
	Status             schema.CheckpointStatus `json:"status"`
	CreatedAt          time.Time               `json:"created_at"`
	TimeoutAt          *time.Time              `json:"timeout_at,omitempty"`
	RespondedAt        *time.Time              `json:"responded_at,omitempty"`
	UISpec             json.RawMessage         `json:"ui_spec,omitempty"`
	PhaseOutput        json.RawMessage         `json:"phase_output,omitempty"`
	SoundingOutputs    json.RawMessage         `json:"sounding_outputs,omitempty"`
	SoundingMetadata   json.RawMessage         `json:"sounding_metadata,omitempty"`
	Response           json.RawMessage         `json:"response,omitempty"`
	ResponseReasoning  string                  `json:"response_reasoning,omitempty"`
	ResponseConfidence *float64                `json:"response_confidence,omitempty"`
	WinnerIndex        *int                    `json:"winner_index,omitempty"`
	Rankings           json.RawMessage         `json:"rankings,omitempty"`
	Ratings            json.RawMessage         `json:"ratings,omitempty"`
	CancelReason       string                  `json:"cancel_reason,omitempty"`
}

// CheckpointResponse carries the fields stamped on a responded checkpoint.
type CheckpointResponse struct {
	Response    json.RawMessage `json:"response"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	WinnerIndex *int            `json:"winner_index,omitempty"`
	Rankings    json.RawMessage `json:"rankings,omitempty"`
	Ratings     json.RawMessage `json:"ratings,omitempty"`
}

// --- Filter and update types ---

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status     *schema.SessionStatus `json:"status,omitempty"`
	CascadeID  string                `json:"cascade_id,omitempty"`
	ActiveOnly bool                  `json:"active_only,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
}

// SessionUpdate specifies mutable session fields. Nil pointers are left
// untouched; status transitions go through TransitionSession instead.
type SessionUpdate struct {
	ErrorMessage          *string    `json:"error_message,omitempty"`
	ErrorPhase            *string    `json:"error_phase,omitempty"`
	CancelReason          *string    `json:"cancel_reason,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
	Resumable             *bool      `json:"resumable,omitempty"`
	LastCheckpointID      *string    `json:"last_checkpoint_id,omitempty"`
	HeartbeatLeaseSeconds *int       `json:"heartbeat_lease_seconds,omitempty"`
}

// SignalFilter specifies criteria for listing signals.
type SignalFilter struct {
	SignalName string               `json:"signal_name,omitempty"`
	CascadeID  string               `json:"cascade_id,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	Status     *schema.SignalStatus `json:"status,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

// SignalFinish carries the fields stamped alongside a signal's terminal status.
type SignalFinish struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	Source   string          `json:"source,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CheckpointFilter specifies criteria for listing checkpoints.
type CheckpointFilter struct {
	SessionID string                   `json:"session_id,omitempty"`
	CascadeID string                   `json:"cascade_id,omitempty"`
	Status    *schema.CheckpointStatus `json:"status,omitempty"`
	Limit     int                      `json:"limit,omitempty"`
}
