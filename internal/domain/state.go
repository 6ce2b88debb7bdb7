package domain

// ConnState is the per-venue connection state. Only the venue's supervisor
// writes it.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateStreaming
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateSubscribed:
		return "Subscribed"
	case StateStreaming:
		return "Streaming"
	case StateBackoff:
		return "Backoff"
	default:
		return "Unknown"
	}
}
