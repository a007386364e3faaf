package session

import "fmt"

// Status is the lifecycle state of a session
type Status int

const (
	// StatusIdle - No session; Start is allowed.
	StatusIdle Status = iota
	// StatusConnecting - Start in flight: permission, then channel open.
	StatusConnecting
	// StatusConnected - Channel open and start_stream sent; capture starting.
	StatusConnected
	// StatusStreaming - Audio is flowing to the service.
	StatusStreaming
	// StatusStopping - Stop in flight: capture stopped, end_stream flushing.
	StatusStopping
	// StatusError - Terminal failure; Start or ClearError leave this state.
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusStreaming:
		return "streaming"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CanStart reports whether Start is accepted in this status.
func (s Status) CanStart() bool {
	return s == StatusIdle || s == StatusError
}

// starting reports whether a Start call is still driving the session.
func (s Status) starting() bool {
	return s == StatusConnecting || s == StatusConnected
}
