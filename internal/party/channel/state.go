package channel

type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	// StateDegraded means MaxAttempts consecutive redials failed; the client
	// keeps retrying at the backoff cap.
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
