// Package session implements the two-party meeting lifecycle: one event
// loop per session driving Idle through CapturingMedia to AwaitingPeer or
// Dialing, then Connected, then Ended. All transitions happen on the loop
// goroutine; late or superseded events are tagged per attempt and
// discarded without a state change.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/internal/signal"
)

const (
	defaultDialTimeout      = 30 * time.Second
	defaultRegisterAttempts = 3
)

// Options wires one session. Capture, Signaler and Peers are required;
// Sink defaults to NopSink.
type Options struct {
	Role Role
	// Target is the meeting code or share link a participant dials at
	// start. Empty means the participant waits for an explicit Dial.
	Target string
	// ShareBase is the base address the host's share link is built on.
	ShareBase string
	// LocalID identifies this endpoint on the relay. Defaults to a uuid.
	LocalID string

	Constraints media.Constraints
	// DialTimeout bounds how long a dial may sit unanswered before the
	// participant unwinds back to the pre-dial state.
	DialTimeout time.Duration
	// RegisterAttempts bounds how many fresh codes a host tries when its
	// minted code collides with a live claim.
	RegisterAttempts int

	Capture  media.Capturer
	Signaler Signaler
	Peers    PeerFactory
	Sink     Sink
}

func (o *Options) defaults() {
	if o.LocalID == "" {
		o.LocalID = uuid.NewString()
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.RegisterAttempts == 0 {
		o.RegisterAttempts = defaultRegisterAttempts
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
}

// Session owns one meeting attempt end to end: the local stream, the relay
// registration or call, and at most one peer transport. Nothing is shared
// across sessions; independent sessions can run in one process.
type Session struct {
	opts   Options
	logger zerolog.Logger

	events  chan signal.Event
	actions chan func()
	done    chan struct{}
	ended   chan struct{}
	endOnce sync.Once

	// mu guards the fields read from outside the loop goroutine.
	mu      sync.Mutex
	state   State
	stream  *media.Stream
	meeting meetid.ID

	// loop-owned, never touched off the loop goroutine.
	ctx         context.Context
	attempt     uint64
	reg         Registration
	call        Call
	peer        Peer
	caller      string
	callAttempt uint64
	handshake   bool
	delivered   bool
	dialTimer   *time.Timer

	hangup atomic.Bool
	stale  atomic.Uint64
}

// New builds a session. Run starts it.
func New(ctx context.Context, opts Options) (*Session, error) {
	opts.defaults()
	if opts.Capture == nil || opts.Signaler == nil || opts.Peers == nil {
		return nil, errors.New("session: capture, signaler and peer factory are required")
	}
	if opts.Role != RoleHost && opts.Role != RoleParticipant {
		return nil, errors.New("session: role is required")
	}
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &Session{
		opts:      opts,
		logger:    log.Ctx(ctx).With().Str("component", "session").Str("role", opts.Role.String()).Logger(),
		events:    make(chan signal.Event, 32),
		actions:   make(chan func(), 32),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
		state:     StateIdle,
		dialTimer: timer,
	}, nil
}

// Run drives the session until ctx is cancelled. After the session ends it
// keeps draining late events so they are observably discarded instead of
// leaking into a dead state machine.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.ctx = ctx

	s.start(ctx)

	for {
		select {
		case <-ctx.Done():
			s.end("session aborted")
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ev)
		case act := <-s.actions:
			act()
		case <-s.dialTimer.C:
			if s.stateIs(StateDialing) {
				s.unwindDial("no answer from the host")
			}
		}
	}
}

// Done is closed once the session reaches Ended.
func (s *Session) Done() <-chan struct{} {
	return s.ended
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Meeting reports the active meeting code, zero until registered or dialed.
func (s *Session) Meeting() meetid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meeting
}

// StaleEvents counts events discarded by the attempt and liveness guards.
func (s *Session) StaleEvents() uint64 {
	return s.stale.Load()
}

// HangUp ends the session from any state. Safe from any goroutine and
// effective even while a setup step is still in flight.
func (s *Session) HangUp() {
	s.hangup.Store(true)
	s.post(func() { s.end("ended by user") })
}

// Dial points a waiting participant at a meeting code or share link.
func (s *Session) Dial(target string) {
	s.post(func() { s.dialAction(target) })
}

// ToggleAudio flips the mute state and reports the resulting enabled
// state. Synchronous; a session without a live stream reports false.
func (s *Session) ToggleAudio() bool {
	stream := s.currentStream()
	on := stream.ToggleAudio()
	s.opts.Sink.Controls(stream.AudioEnabled(), stream.VideoEnabled())
	return on
}

// ToggleVideo flips the camera state and reports the resulting enabled
// state. Independent of the mute state.
func (s *Session) ToggleVideo() bool {
	stream := s.currentStream()
	on := stream.ToggleVideo()
	s.opts.Sink.Controls(stream.AudioEnabled(), stream.VideoEnabled())
	return on
}

// Stream exposes the local stream for preview and anomaly sampling. Nil
// until capture succeeds.
func (s *Session) Stream() *media.Stream {
	return s.currentStream()
}

func (s *Session) currentStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) post(act func()) {
	select {
	case s.actions <- act:
	case <-s.done:
	}
}

func (s *Session) stateIs(st State) bool {
	return s.State() == st
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info().Str("from", prev.String()).Str("to", st.String()).Msg("state changed")
		s.opts.Sink.StateChanged(st)
	}
}

// start runs the setup sequence: capture, then register or dial. Capture
// failure is fatal to the attempt; a participant's failed initial dial is
// not, the session stays retryable in CapturingMedia.
func (s *Session) start(ctx context.Context) {
	s.setState(StateCapturingMedia)

	stream, err := s.opts.Capture(ctx, s.opts.Constraints)
	if err != nil {
		s.logger.Err(err).Msg("media capture failed")
		s.opts.Sink.Notice(captureMessage(err))
		s.end("media capture failed")
		return
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	s.opts.Sink.Controls(stream.AudioEnabled(), stream.VideoEnabled())

	// Capture suspends the loop; the user may have hung up meanwhile.
	if ctx.Err() != nil || s.hangup.Load() {
		s.end("ended during setup")
		return
	}

	switch s.opts.Role {
	case RoleHost:
		s.register(ctx)
	case RoleParticipant:
		if s.opts.Target != "" {
			s.dialAction(s.opts.Target)
		}
	}
}

// register claims a freshly minted code, retrying with a new code on a
// collision. Any other relay failure ends the session.
func (s *Session) register(ctx context.Context) {
	for i := 0; i < s.opts.RegisterAttempts; i++ {
		id := meetid.New()
		s.attempt++

		reg, err := s.opts.Signaler.Register(ctx, id, s.opts.LocalID, s.events)
		if err != nil {
			if signal.KindOf(err) == signal.KindIdentifierInUse {
				s.logger.Warn().Str("meeting", id.String()).Msg("meeting code already claimed, minting another")
				continue
			}
			s.opts.Sink.Notice(signal.Messages[signal.KindRelayUnreachable])
			s.end("could not register with the relay")
			return
		}
		if s.hangup.Load() {
			reg.Close()
			s.end("ended during setup")
			return
		}

		s.reg = reg
		s.mu.Lock()
		s.meeting = id
		s.mu.Unlock()
		s.setState(StateAwaitingPeer)
		s.opts.Sink.ShareLink(meetid.ShareURL(s.opts.ShareBase, id))
		s.opts.Sink.Notice("waiting for a participant to join")
		return
	}
	s.end("could not claim a meeting code")
}

// dialAction validates the target locally, then opens a peer transport and
// dials. Runs on the loop goroutine. Failure returns the session to the
// pre-dial state with the already-captured stream intact.
func (s *Session) dialAction(target string) {
	if s.opts.Role != RoleParticipant || !s.stateIs(StateCapturingMedia) {
		s.opts.Sink.Notice("cannot dial right now")
		return
	}

	// Malformed targets never reach the relay.
	id, err := meetid.Parse(target)
	if err != nil {
		if id, err = meetid.FromShareURL(target); err != nil {
			s.opts.Sink.Notice(signal.Messages[signal.KindInvalidIdentifierFormat])
			return
		}
	}

	s.attempt++
	tag := s.attempt
	peer, err := s.opts.Peers(s.ctx, s.currentStream(), s.peerEvents(tag))
	if err != nil {
		s.logger.Err(err).Msg("could not build peer transport")
		s.opts.Sink.Notice("could not prepare the connection")
		return
	}
	offer, err := peer.CreateOffer(s.ctx)
	if err != nil {
		peer.Close()
		s.logger.Err(err).Msg("could not create offer")
		s.opts.Sink.Notice("could not prepare the connection")
		return
	}

	call, err := s.opts.Signaler.Dial(s.ctx, id, s.opts.LocalID, tag, offer, s.events)
	if err != nil {
		peer.Close()
		s.attempt++
		s.opts.Sink.Notice(dialMessage(err))
		return
	}
	if s.hangup.Load() {
		call.Hangup("ended by user")
		peer.Close()
		s.end("ended by user")
		return
	}

	s.call = call
	s.peer = peer
	s.mu.Lock()
	s.meeting = id
	s.mu.Unlock()
	s.setState(StateDialing)
	s.dialTimer.Reset(s.opts.DialTimeout)
}

// handle applies one relay event on the loop goroutine. Events for a dead
// session or a superseded attempt are counted and dropped.
func (s *Session) handle(ev signal.Event) {
	if s.stateIs(StateEnded) {
		s.discard(ev, "session ended")
		return
	}

	switch ev.Kind {
	case signal.EventOffer:
		s.handleOffer(ev)
	case signal.EventAnswer:
		if s.opts.Role != RoleParticipant || s.peer == nil || ev.Attempt != s.attempt || !s.stateIs(StateDialing) {
			s.discard(ev, "not dialing")
			return
		}
		if err := s.peer.AcceptAnswer(ev.SDP); err != nil {
			s.logger.Err(err).Msg("could not apply answer")
			s.unwindDial("the call could not be established")
		}
	case signal.EventCandidate:
		if !s.candidateCurrent(ev) {
			s.discard(ev, "superseded attempt")
			return
		}
		if err := s.peer.AddRemoteCandidate(ev.Candidate); err != nil {
			s.logger.Err(err).Msg("could not apply remote candidate")
		}
	case signal.EventBye:
		s.handleBye(ev)
	case signal.EventError:
		s.logger.Err(ev.Err).Msg("relay error")
		s.end("relay connection lost")
	}
}

func (s *Session) candidateCurrent(ev signal.Event) bool {
	if s.peer == nil {
		return false
	}
	if s.opts.Role == RoleHost {
		return ev.Caller == s.caller && ev.Attempt == s.callAttempt
	}
	return ev.Attempt == s.attempt
}

// handleOffer accepts the first inbound call and answers it. While a call
// is live every further offer gets an explicit busy bye; the relay does
// not enforce the two-party limit for us.
func (s *Session) handleOffer(ev signal.Event) {
	if s.opts.Role != RoleHost || s.reg == nil {
		s.discard(ev, "not hosting")
		return
	}
	if s.peer != nil || s.stateIs(StateConnected) {
		s.logger.Info().Str("caller", ev.Caller).Msg("rejecting concurrent call")
		if err := s.reg.Bye(ev.Caller, ev.Attempt, "busy"); err != nil {
			s.logger.Err(err).Msg("could not send busy bye")
		}
		return
	}
	if !s.stateIs(StateAwaitingPeer) {
		s.discard(ev, "not awaiting a peer")
		return
	}

	tag := s.attempt
	peer, err := s.opts.Peers(s.ctx, s.currentStream(), s.peerEvents(tag))
	if err != nil {
		s.logger.Err(err).Msg("could not build peer transport")
		return
	}
	answer, err := peer.AcceptOffer(s.ctx, ev.SDP)
	if err != nil {
		s.logger.Err(err).Msg("could not answer offer")
		peer.Close()
		return
	}
	if err := s.reg.Answer(ev.Caller, ev.Attempt, answer); err != nil {
		s.logger.Err(err).Msg("could not publish answer")
		peer.Close()
		return
	}

	s.peer = peer
	s.caller = ev.Caller
	s.callAttempt = ev.Attempt
	s.logger.Info().Str("caller", ev.Caller).Msg("answered call")
}

func (s *Session) handleBye(ev signal.Event) {
	switch s.opts.Role {
	case RoleHost:
		if s.caller == "" || ev.Caller != s.caller {
			s.discard(ev, "bye from unknown caller")
			return
		}
		if s.stateIs(StateConnected) {
			s.end("the participant left the meeting")
			return
		}
		// The caller aborted mid-negotiation; stay dialable.
		s.closePeer()
		s.setState(StateAwaitingPeer)
		s.opts.Sink.Notice("the caller cancelled, waiting for a participant")
	case RoleParticipant:
		if s.stateIs(StateConnected) {
			s.end(byeMessage(ev.Reason))
			return
		}
		if !s.stateIs(StateDialing) {
			s.discard(ev, "no dial in flight")
			return
		}
		s.unwindDial(byeMessage(ev.Reason))
	}
}

func byeMessage(reason string) string {
	switch reason {
	case "":
		return "the other side hung up"
	case "busy":
		return "the host is already in a call"
	default:
		return reason
	}
}

// peerEvents builds the callback set for one transport attempt. Every
// callback is posted to the loop and checked against the attempt tag, so a
// transport torn down mid-flight cannot mutate a later attempt.
func (s *Session) peerEvents(tag uint64) PeerEvents {
	guarded := func(f func()) func() {
		return func() {
			s.post(func() {
				if tag != s.attempt || s.stateIs(StateEnded) {
					s.stale.Add(1)
					return
				}
				f()
			})
		}
	}
	return PeerEvents{
		OnCandidate: func(candidate string) {
			guarded(func() { s.sendCandidate(candidate) })()
		},
		OnTrack: func(kind webrtc.RTPCodecType) {
			guarded(func() {
				s.delivered = true
				s.opts.Sink.RemoteTrack(kind)
				s.maybeConnected()
			})()
		},
		OnConnected: guarded(func() {
			s.handshake = true
			s.maybeConnected()
		}),
		OnClosed: func(reason string) {
			guarded(func() {
				if s.stateIs(StateConnected) {
					s.end("the connection was lost")
					return
				}
				if s.opts.Role == RoleParticipant && s.stateIs(StateDialing) {
					s.unwindDial("the call could not be established")
					return
				}
				s.closePeer()
			})()
		},
	}
}

func (s *Session) sendCandidate(candidate string) {
	switch {
	case s.call != nil:
		if err := s.call.SendCandidate(candidate); err != nil {
			s.logger.Err(err).Msg("could not trickle candidate")
		}
	case s.reg != nil && s.caller != "":
		if err := s.reg.SendCandidate(s.caller, s.callAttempt, candidate); err != nil {
			s.logger.Err(err).Msg("could not trickle candidate")
		}
	}
}

// maybeConnected flips to Connected only once the handshake has completed
// AND remote media has been delivered. Neither alone is sufficient.
func (s *Session) maybeConnected() {
	if !s.handshake || !s.delivered {
		return
	}
	if st := s.State(); st != StateDialing && st != StateAwaitingPeer {
		return
	}
	s.dialTimer.Stop()
	s.setState(StateConnected)
	s.opts.Sink.Notice("connected")
}

// unwindDial tears down a failed or abandoned dial and returns the
// participant to the pre-dial state. The captured stream stays live; only
// an explicit hang-up releases the devices.
func (s *Session) unwindDial(notice string) {
	s.dialTimer.Stop()
	if s.call != nil {
		s.call.Close()
		s.call = nil
	}
	s.closePeer()
	s.attempt++
	s.mu.Lock()
	s.meeting = meetid.ID("")
	s.mu.Unlock()
	s.setState(StateCapturingMedia)
	s.opts.Sink.Notice(notice)
}

func (s *Session) closePeer() {
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
	s.handshake = false
	s.delivered = false
	s.caller = ""
	s.callAttempt = 0
}

func (s *Session) discard(ev signal.Event, why string) {
	s.stale.Add(1)
	s.logger.Debug().Str("kind", ev.Kind.String()).Str("why", why).Msg("discarded event")
}

// end is the single teardown path. Postconditions: every local track
// stopped, the peer transport closed, the registration released (host
// claim cleared so late dials fail cleanly), state Ended. Idempotent.
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.dialTimer.Stop()
		s.attempt++

		if s.call != nil {
			s.call.Hangup(reason)
			s.call = nil
		}
		if s.reg != nil {
			if s.caller != "" {
				s.reg.Bye(s.caller, s.callAttempt, reason)
			}
			s.reg.Close()
			s.reg = nil
		}
		s.closePeer()

		stream := s.currentStream()
		if err := stream.Close(); err != nil {
			s.logger.Err(err).Msg("error releasing media devices")
		}

		s.setState(StateEnded)
		s.opts.Sink.Notice(reason)
		s.logger.Info().Str("reason", reason).Msg("session ended")
		close(s.ended)
	})
}

func captureMessage(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "camera or microphone permission was denied"
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "no usable camera or microphone was found"
	default:
		return fmt.Sprintf("could not start the camera: %v", err)
	}
}

func dialMessage(err error) string {
	if kind := signal.KindOf(err); kind != 0 {
		return signal.Messages[kind]
	}
	return fmt.Sprintf("could not reach the meeting: %v", err)
}
