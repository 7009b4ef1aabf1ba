package bridge

import "fmt"

// Phase is the coarse connection state of a [Bridge].
type Phase int

const (
	// Idle means no session exists.
	Idle Phase = iota
	// Connecting means the open handshake is in flight.
	Connecting
	// Active means the session is open and capture is running.
	Active
	// Closing means teardown is in progress.
	Closing
	// Failed means the last session ended with an error. The error stays
	// visible until acknowledged or a new Connect starts.
	Failed
)

// String returns the lower-case phase name used in logs and the control API.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the bridge.
type State struct {
	Phase Phase

	// SessionID identifies the current session while Connecting, Active or
	// Closing. Empty otherwise.
	SessionID string

	// Err is the reason for the Failed phase. Nil in every other phase.
	Err error
}

// Reason returns Err as a string, or "" when there is none.
func (s State) Reason() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Err)
	}
	return s.Phase.String()
}
