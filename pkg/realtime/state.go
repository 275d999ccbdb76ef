package realtime

// ConnectionState is owned exclusively by the ConnectionManager; transitions
// drive resubscription in the SubscriptionRegistry.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Identity is the opaque authenticated-user identifier used as the
// addressing key for per-user topics. Stable for the session lifetime.
type Identity string

// Credential authenticates the handshake on the persistent connection.
type Credential struct {
	Identity Identity `json:"identity"`
	Token    string   `json:"token"`
}
