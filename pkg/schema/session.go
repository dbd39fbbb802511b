package schema

// SessionStatus enumerates the lifecycle states of a cascade session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusBlocked   SessionStatus = "blocked"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusOrphaned  SessionStatus = "orphaned"
)

// ValidSessionTransitions defines the allowed session state transitions.
// Terminal states have no exits except orphaned, which may be resumed
// back to running when a checkpoint exists.
var ValidSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusRunning:   {SessionStatusBlocked, SessionStatusCompleted, SessionStatusError, SessionStatusCancelled, SessionStatusOrphaned},
	SessionStatusBlocked:   {SessionStatusRunning, SessionStatusCompleted, SessionStatusError, SessionStatusCancelled, SessionStatusOrphaned},
	SessionStatusOrphaned:  {SessionStatusRunning},
	SessionStatusCompleted: {},
	SessionStatusError:     {},
	SessionStatusCancelled: {},
}

// IsValidSessionTransition reports whether from -> to is an allowed transition.
func IsValidSessionTransition(from, to SessionStatus) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// IsActiveSession reports whether the status counts as alive for
// heartbeat and zombie classification purposes.
func IsActiveSession(s SessionStatus) bool {
	return s == SessionStatusRunning || s == SessionStatusBlocked
}

// IsTerminalSession reports whether the status admits no further transitions
// other than the orphaned resume path.
func IsTerminalSession(s SessionStatus) bool {
	return s == SessionStatusCompleted || s == SessionStatusError ||
		s == SessionStatusCancelled || s == SessionStatusOrphaned
}

// ActiveSessionStatuses lists the statuses counted as alive.
var ActiveSessionStatuses = []SessionStatus{SessionStatusRunning, SessionStatusBlocked}

// ParseSessionStatus parses an external status string into the closed enum.
// Unknown values are rejected with INVALID_ARGUMENT before reaching a manager.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionStatusRunning, SessionStatusBlocked, SessionStatusCompleted,
		SessionStatusError, SessionStatusCancelled, SessionStatusOrphaned:
		return SessionStatus(s), nil
	}
	return "", NewErrorf(ErrCodeInvalidArgument, "unknown session status %q", s)
}
