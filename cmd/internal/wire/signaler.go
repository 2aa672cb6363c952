package wire

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/internal/session"
	"github.com/verimeet/verimeet/internal/signal"
)

// Signaler adapts the concrete signaling client to the session's
// interface.
type Signaler struct {
	Client *signal.Client
}

func (s Signaler) Register(ctx context.Context, meeting meetid.ID, hostID string, events chan<- signal.Event) (session.Registration, error) {
	reg, err := s.Client.Register(ctx, meeting, hostID, events)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (s Signaler) Dial(ctx context.Context, target meetid.ID, caller string, attempt uint64, offer *webrtc.SessionDescription, events chan<- signal.Event) (session.Call, error) {
	call, err := s.Client.Dial(ctx, target, caller, attempt, offer, events)
	if err != nil {
		return nil, err
	}
	return call, nil
}
