package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/verimeet/verimeet/internal/meetid"
)

// EventKind discriminates relay-delivered events.
type EventKind int

const (
	// EventOffer is an incoming call request (host side).
	EventOffer EventKind = iota + 1
	// EventAnswer is the host's answer to a dial (participant side).
	EventAnswer
	// EventCandidate is one trickled remote ICE candidate.
	EventCandidate
	// EventBye is a remote hang-up, busy rejection or abort.
	EventBye
	// EventError is a relay failure raised while a registration or call is
	// live, e.g. the broker connection dropping out from under it.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOffer:
		return "offer"
	case EventAnswer:
		return "answer"
	case EventCandidate:
		return "candidate"
	case EventBye:
		return "bye"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one relay-delivered occurrence, consumed strictly one at a time
// by the session state machine. Attempt carries the remote attempt tag from
// the wire so superseded negotiation attempts are detectable.
type Event struct {
	Kind    EventKind
	Meeting meetid.ID
	// Caller identifies the remote caller on host-side events.
	Caller  string
	Attempt uint64

	SDP       *webrtc.SessionDescription
	Candidate string
	Reason    string
	Err       error
}
