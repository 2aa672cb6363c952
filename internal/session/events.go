package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/internal/signal"
)

// Registration is the host's live claim on a meeting code.
type Registration interface {
	Answer(caller string, attempt uint64, sdp *webrtc.SessionDescription) error
	SendCandidate(caller string, attempt uint64, candidate string) error
	Bye(caller string, attempt uint64, reason string) error
	Close() error
}

// Call is a participant's in-flight or established dial.
type Call interface {
	SendCandidate(candidate string) error
	Hangup(reason string) error
	Close() error
}

// Signaler brokers discovery and negotiation through the relay. Register
// and Dial block for the relay round trip; relay-delivered events arrive
// on the supplied channel afterwards.
type Signaler interface {
	Register(ctx context.Context, meeting meetid.ID, hostID string, events chan<- signal.Event) (Registration, error)
	Dial(ctx context.Context, target meetid.ID, caller string, attempt uint64, offer *webrtc.SessionDescription, events chan<- signal.Event) (Call, error)
}

// PeerEvents are the callbacks a peer connection raises. They may fire on
// any goroutine; the session posts them back onto its own event loop.
type PeerEvents struct {
	// OnCandidate fires for each local ICE candidate to trickle out.
	OnCandidate func(candidate string)
	// OnTrack fires when a remote track starts delivering media.
	OnTrack func(kind webrtc.RTPCodecType)
	// OnConnected fires when the transport handshake completes.
	OnConnected func()
	// OnClosed fires when the transport fails or closes underneath us.
	OnClosed func(reason string)
}

// Peer is one negotiated transport attempt toward the remote endpoint.
type Peer interface {
	// CreateOffer produces the local offer (participant side).
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and produces the answer (host side).
	AcceptOffer(ctx context.Context, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AcceptAnswer applies the host's answer (participant side).
	AcceptAnswer(remote *webrtc.SessionDescription) error
	AddRemoteCandidate(candidate string) error
	Close() error
}

// PeerFactory builds a fresh peer transport carrying stream. A nil stream
// creates a receive-only peer.
type PeerFactory func(ctx context.Context, stream *media.Stream, events PeerEvents) (Peer, error)

// Sink is where the session writes user-visible output. The session writes
// to it and never reads back; implementations must not block.
type Sink interface {
	StateChanged(state State)
	// ShareLink publishes the host's shareable meeting address.
	ShareLink(link string)
	// RemoteTrack reports an inbound track ready to render.
	RemoteTrack(kind webrtc.RTPCodecType)
	// Controls reflects the actual track enabled state after a toggle.
	Controls(audioOn, videoOn bool)
	// Notice carries a one-shot user-facing status message.
	Notice(msg string)
}

// NopSink discards everything. Useful as a default and in tests.
type NopSink struct{}

func (NopSink) StateChanged(State)              {}
func (NopSink) ShareLink(string)                {}
func (NopSink) RemoteTrack(webrtc.RTPCodecType) {}
func (NopSink) Controls(bool, bool)             {}
func (NopSink) Notice(string)                   {}
