package schema

// CheckpointStatus enumerates the states of a human-in-the-loop gate.
// Exactly one terminal transition is allowed out of pending.
type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "pending"
	CheckpointStatusResponded CheckpointStatus = "responded"
	CheckpointStatusCancelled CheckpointStatus = "cancelled"
	CheckpointStatusTimeout   CheckpointStatus = "timeout"
)

// IsTerminalCheckpoint reports whether the checkpoint status is terminal.
func IsTerminalCheckpoint(s CheckpointStatus) bool {
	return s != CheckpointStatusPending
}

// ParseCheckpointStatus parses an external status string into the closed enum.
func ParseCheckpointStatus(s string) (CheckpointStatus, error) {
	switch CheckpointStatus(s) {
	case CheckpointStatusPending, CheckpointStatusResponded, CheckpointStatusCancelled, CheckpointStatusTimeout:
		return CheckpointStatus(s), nil
	}
	return "", NewErrorf(ErrCodeInvalidArgument, "unknown checkpoint status %q", s)
}
