package session

// Role fixes which side of the rendezvous this endpoint plays. Roles never
// change for the lifetime of a session; a participant does not become a
// host mid-session.
type Role int

const (
	RoleHost Role = iota + 1
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	default:
		return "unknown"
	}
}

// State is the session lifecycle position. Ended is terminal and reachable
// from every non-Idle state.
type State int

const (
	StateIdle State = iota
	StateCapturingMedia
	StateAwaitingPeer
	StateDialing
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturingMedia:
		return "capturing-media"
	case StateAwaitingPeer:
		return "awaiting-peer"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
