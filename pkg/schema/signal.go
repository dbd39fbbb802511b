package schema

// SignalStatus enumerates the states of a registered signal wait.
// Once a signal leaves waiting its status is terminal.
type SignalStatus string

const (
	SignalStatusWaiting   SignalStatus = "waiting"
	SignalStatusFired     SignalStatus = "fired"
	SignalStatusTimeout   SignalStatus = "timeout"
	SignalStatusCancelled SignalStatus = "cancelled"
)

// IsTerminalSignal reports whether the signal status is terminal.
func IsTerminalSignal(s SignalStatus) bool {
	return s != SignalStatusWaiting
}

// ParseSignalStatus parses an external status string into the closed enum.
func ParseSignalStatus(s string) (SignalStatus, error) {
	switch SignalStatus(s) {
	case SignalStatusWaiting, SignalStatusFired, SignalStatusTimeout, SignalStatusCancelled:
		return SignalStatus(s), nil
	}
	return "", NewErrorf(ErrCodeInvalidArgument, "unknown signal status %q", s)
}
