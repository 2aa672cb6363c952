package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/internal/signal"
)

const waitTimeout = 2 * time.Second

type chanSink struct {
	states  chan State
	notices chan string
	links   chan string
}

func newChanSink() *chanSink {
	return &chanSink{
		states:  make(chan State, 64),
		notices: make(chan string, 64),
		links:   make(chan string, 64),
	}
}

func (s *chanSink) StateChanged(st State)           { s.states <- st }
func (s *chanSink) ShareLink(link string)           { s.links <- link }
func (s *chanSink) RemoteTrack(webrtc.RTPCodecType) {}
func (s *chanSink) Controls(bool, bool)             {}
func (s *chanSink) Notice(msg string)               { s.notices <- msg }

func (s *chanSink) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-s.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (s *chanSink) waitNotice(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-s.notices:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a notice")
		return ""
	}
}

type fakeRegistration struct {
	mu         sync.Mutex
	answers    []string
	byes       [][2]string // caller, reason
	candidates int
	closed     atomic.Bool
}

func (r *fakeRegistration) Answer(caller string, _ uint64, _ *webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, caller)
	return nil
}

func (r *fakeRegistration) SendCandidate(string, uint64, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates++
	return nil
}

func (r *fakeRegistration) Bye(caller string, _ uint64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byes = append(r.byes, [2]string{caller, reason})
	return nil
}

func (r *fakeRegistration) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeRegistration) answered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answers...)
}

func (r *fakeRegistration) byesSent() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.byes...)
}

type fakeCall struct {
	candidates atomic.Int32
	hungUp     atomic.Bool
	closed     atomic.Bool
}

func (c *fakeCall) SendCandidate(string) error {
	c.candidates.Add(1)
	return nil
}

func (c *fakeCall) Hangup(string) error {
	c.hungUp.Store(true)
	c.closed.Store(true)
	return nil
}

func (c *fakeCall) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeSignaler struct {
	mu        sync.Mutex
	registers int
	dials     int
	dialTag   uint64
	events    chan<- signal.Event

	registerErrs []error
	dialErr      error

	reg  *fakeRegistration
	call *fakeCall
}

func (f *fakeSignaler) Register(_ context.Context, _ meetid.ID, _ string, events chan<- signal.Event) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.registers
	f.registers++
	if n < len(f.registerErrs) && f.registerErrs[n] != nil {
		return nil, f.registerErrs[n]
	}
	f.events = events
	f.reg = &fakeRegistration{}
	return f.reg, nil
}

func (f *fakeSignaler) Dial(_ context.Context, _ meetid.ID, _ string, attempt uint64, _ *webrtc.SessionDescription, events chan<- signal.Event) (Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.events = events
	f.dialTag = attempt
	f.call = &fakeCall{}
	return f.call, nil
}

func (f *fakeSignaler) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeSignaler) deliver(ev signal.Event) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events <- ev
}

type fakePeer struct {
	offers     atomic.Int32
	answers    atomic.Int32
	candidates atomic.Int32
	closed     atomic.Bool
}

func (p *fakePeer) CreateOffer(context.Context) (*webrtc.SessionDescription, error) {
	p.offers.Add(1)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (p *fakePeer) AcceptOffer(context.Context, *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.answers.Add(1)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (p *fakePeer) AcceptAnswer(*webrtc.SessionDescription) error {
	p.answers.Add(1)
	return nil
}

func (p *fakePeer) AddRemoteCandidate(string) error {
	p.candidates.Add(1)
	return nil
}

func (p *fakePeer) Close() error {
	p.closed.Store(true)
	return nil
}

type fakePeers struct {
	mu     sync.Mutex
	peers  []*fakePeer
	events []PeerEvents
}

func (f *fakePeers) factory(_ context.Context, _ *media.Stream, events PeerEvents) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	f.events = append(f.events, events)
	return p, nil
}

func (f *fakePeers) last(t *testing.T) (*fakePeer, PeerEvents) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if n := len(f.peers); n > 0 {
			p, ev := f.peers[n-1], f.events[n-1]
			f.mu.Unlock()
			return p, ev
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no peer was created")
	return nil, PeerEvents{}
}

func testCapturer(tracks ...*media.Track) media.Capturer {
	return func(context.Context, media.Constraints) (*media.Stream, error) {
		return media.NewStream(tracks, nil), nil
	}
}

func audioVideoTracks() (*media.Track, *media.Track) {
	return media.NewTrack(webrtc.RTPCodecTypeAudio, nil, nil),
		media.NewTrack(webrtc.RTPCodecTypeVideo, nil, nil)
}

func startSession(t *testing.T, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	go s.Run(ctx)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHostAwaitsPeerWithoutCall(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}
	audio, video := audioVideoTracks()

	s := startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audio, video),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateCapturingMedia)
	sink.waitState(t, StateAwaitingPeer)

	select {
	case link := <-sink.links:
		if _, err := meetid.FromShareURL(link); err != nil {
			t.Fatalf("share link %q carries no valid code: %v", link, err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no share link published")
	}

	// No call arrives; the session must sit in AwaitingPeer, not end.
	time.Sleep(50 * time.Millisecond)
	if got := s.State(); got != StateAwaitingPeer {
		t.Fatalf("state = %s, want awaiting-peer", got)
	}
}

func TestHostRetriesOnIdentifierCollision(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{
		registerErrs: []error{&signal.Error{Kind: signal.KindIdentifierInUse}},
	}

	startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    (&fakePeers{}).factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)
	if got := sig.dialed(); got != 0 {
		t.Fatalf("host must never dial, got %d dials", got)
	}
	sig.mu.Lock()
	registers := sig.registers
	sig.mu.Unlock()
	if registers != 2 {
		t.Fatalf("registers = %d, want 2 (collision then fresh code)", registers)
	}
}

func audioVideoTracksSlice() []*media.Track {
	a, v := audioVideoTracks()
	return []*media.Track{a, v}
}

func TestHostAnswersAndConnects(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)

	sig.deliver(signal.Event{
		Kind:    signal.EventOffer,
		Caller:  "caller-1",
		Attempt: 7,
		SDP:     &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})

	peer, events := peers.last(t)
	waitFor(t, func() bool { return len(sig.reg.answered()) == 1 }, "offer was never answered")
	if got := sig.reg.answered()[0]; got != "caller-1" {
		t.Fatalf("answered %q, want caller-1", got)
	}

	// Handshake alone must not connect.
	events.OnConnected()
	time.Sleep(20 * time.Millisecond)
	if got := s.State(); got == StateConnected {
		t.Fatal("connected before remote media was delivered")
	}

	events.OnTrack(webrtc.RTPCodecTypeVideo)
	sink.waitState(t, StateConnected)

	if peer.closed.Load() {
		t.Fatal("peer must stay open while connected")
	}
}

func TestHostRejectsConcurrentOffer(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	sig.deliver(signal.Event{Kind: signal.EventOffer, Caller: "caller-1", Attempt: 1, SDP: offer})
	waitFor(t, func() bool { return len(sig.reg.answered()) == 1 }, "first offer was never answered")

	sig.deliver(signal.Event{Kind: signal.EventOffer, Caller: "caller-2", Attempt: 1, SDP: offer})
	waitFor(t, func() bool { return len(sig.reg.byesSent()) == 1 }, "second caller never got a busy bye")

	bye := sig.reg.byesSent()[0]
	if bye[0] != "caller-2" || bye[1] != "busy" {
		t.Fatalf("bye = %v, want caller-2/busy", bye)
	}
	if len(sig.reg.answered()) != 1 {
		t.Fatal("second offer must not be answered")
	}
	peers.mu.Lock()
	created := len(peers.peers)
	peers.mu.Unlock()
	if created != 1 {
		t.Fatalf("created %d peers, want 1", created)
	}
}

func TestParticipantConnects(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Target:   "AB12CD34",
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateDialing)
	peer, events := peers.last(t)

	sig.deliver(signal.Event{
		Kind:    signal.EventAnswer,
		Attempt: sig.dialTag,
		SDP:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})
	waitFor(t, func() bool { return peer.answers.Load() == 1 }, "answer never applied")

	events.OnConnected()
	events.OnTrack(webrtc.RTPCodecTypeVideo)
	sink.waitState(t, StateConnected)

	if got := s.Meeting(); got != meetid.ID("AB12CD34") {
		t.Fatalf("meeting = %s, want AB12CD34", got)
	}
}

func TestParticipantUnreachableHostKeepsStream(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{dialErr: &signal.Error{Kind: signal.KindPeerUnreachable}}
	peers := &fakePeers{}
	audio, video := audioVideoTracks()

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Target:   "ZZ99ZZ99",
		Capture:  testCapturer(audio, video),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	waitFor(t, func() bool {
		return sig.dialed() == 1 && s.State() == StateCapturingMedia
	}, "failed dial did not return to the pre-dial state")

	peer, _ := peers.last(t)
	waitFor(t, func() bool { return peer.closed.Load() }, "abandoned peer not closed")

	// A failed dial must not tear down the already-captured stream.
	if !audio.Enabled() || !video.Enabled() {
		t.Fatal("local tracks must stay live after a failed dial")
	}
}

func TestMalformedTargetNeverReachesRelay(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    (&fakePeers{}).factory,
		Sink:     sink,
	})

	sink.waitState(t, StateCapturingMedia)
	s.Dial("too-short")

	waitFor(t, func() bool {
		select {
		case msg := <-sink.notices:
			return msg == signal.Messages[signal.KindInvalidIdentifierFormat]
		default:
			return false
		}
	}, "no local validation message")

	if got := sig.dialed(); got != 0 {
		t.Fatalf("relay was contacted %d times for a malformed code", got)
	}
	if got := s.State(); got != StateCapturingMedia {
		t.Fatalf("state = %s, want capturing-media", got)
	}
}

func TestDialTimeoutUnwinds(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}
	audio, video := audioVideoTracks()

	s := startSession(t, Options{
		Role:        RoleParticipant,
		Target:      "AB12CD34",
		DialTimeout: 30 * time.Millisecond,
		Capture:     testCapturer(audio, video),
		Signaler:    sig,
		Peers:       peers.factory,
		Sink:        sink,
	})

	sink.waitState(t, StateDialing)
	sink.waitState(t, StateCapturingMedia)

	peer, _ := peers.last(t)
	if !peer.closed.Load() {
		t.Fatal("timed-out peer not closed")
	}
	if !audio.Enabled() || !video.Enabled() {
		t.Fatal("local tracks must survive a dial timeout")
	}
	if got := s.State(); got != StateCapturingMedia {
		t.Fatalf("state = %s, want capturing-media", got)
	}
}

func TestHangUpPostconditions(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	audio, video := audioVideoTracks()

	s := startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audio, video),
		Signaler: sig,
		Peers:    (&fakePeers{}).factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)
	s.HangUp()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session never ended")
	}

	if audio.Enabled() || video.Enabled() {
		t.Fatal("hang-up must leave zero enabled tracks")
	}
	if !sig.reg.closed.Load() {
		t.Fatal("hang-up must release the registration")
	}
	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
}

func TestOfferAfterHangUpIsDiscarded(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)
	s.HangUp()
	<-s.Done()
	before := s.StaleEvents()

	// The race from the relay's point of view: an offer published just
	// before the claim was cleared arrives just after teardown.
	sig.deliver(signal.Event{
		Kind:    signal.EventOffer,
		Caller:  "late-caller",
		Attempt: 1,
		SDP:     &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})

	waitFor(t, func() bool { return s.StaleEvents() > before }, "late offer not counted as discarded")
	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
	peers.mu.Lock()
	created := len(peers.peers)
	peers.mu.Unlock()
	if created != 0 {
		t.Fatal("late offer must not create a peer")
	}
}

func TestStaleCandidateIsDiscarded(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Target:   "AB12CD34",
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateDialing)
	peer, _ := peers.last(t)
	before := s.StaleEvents()

	sig.deliver(signal.Event{
		Kind:      signal.EventCandidate,
		Attempt:   sig.dialTag + 41,
		Candidate: "candidate:0 1 udp 1 127.0.0.1 4242 typ host",
	})

	waitFor(t, func() bool { return s.StaleEvents() > before }, "stale candidate not counted")
	if got := peer.candidates.Load(); got != 0 {
		t.Fatalf("stale candidate applied %d times", got)
	}
	if got := s.State(); got != StateDialing {
		t.Fatalf("state = %s, want dialing", got)
	}
}

func TestParticipantByeWhileConnectedEnds(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Target:   "AB12CD34",
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateDialing)
	_, events := peers.last(t)
	sig.deliver(signal.Event{
		Kind:    signal.EventAnswer,
		Attempt: sig.dialTag,
		SDP:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})
	events.OnConnected()
	events.OnTrack(webrtc.RTPCodecTypeAudio)
	sink.waitState(t, StateConnected)

	sig.deliver(signal.Event{Kind: signal.EventBye, Attempt: sig.dialTag})
	sink.waitState(t, StateEnded)

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done never closed")
	}
}

func TestRelayLossWhileHostingEndsSession(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}

	s := startSession(t, Options{
		Role:     RoleHost,
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    (&fakePeers{}).factory,
		Sink:     sink,
	})

	sink.waitState(t, StateAwaitingPeer)

	// The relay connection drops while the host is dialable. The claim may
	// be gone broker-side; waiting in AwaitingPeer would wait forever.
	sig.deliver(signal.Event{
		Kind: signal.EventError,
		Err:  &signal.Error{Kind: signal.KindRelayUnreachable},
	})

	sink.waitState(t, StateEnded)
	waitFor(t, func() bool {
		select {
		case msg := <-sink.notices:
			return msg == "relay connection lost"
		default:
			return false
		}
	}, "no user-facing notice about the lost relay")
	if !sig.reg.closed.Load() {
		t.Fatal("registration must be released on relay loss")
	}
	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
}

func TestRelayLossWhileConnectedEnds(t *testing.T) {
	sink := newChanSink()
	sig := &fakeSignaler{}
	peers := &fakePeers{}

	s := startSession(t, Options{
		Role:     RoleParticipant,
		Target:   "AB12CD34",
		Capture:  testCapturer(audioVideoTracksSlice()...),
		Signaler: sig,
		Peers:    peers.factory,
		Sink:     sink,
	})

	sink.waitState(t, StateDialing)
	peer, events := peers.last(t)
	sig.deliver(signal.Event{
		Kind:    signal.EventAnswer,
		Attempt: sig.dialTag,
		SDP:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})
	events.OnConnected()
	events.OnTrack(webrtc.RTPCodecTypeVideo)
	sink.waitState(t, StateConnected)

	sig.deliver(signal.Event{
		Kind: signal.EventError,
		Err:  &signal.Error{Kind: signal.KindRelayUnreachable},
	})

	sink.waitState(t, StateEnded)
	waitFor(t, func() bool { return peer.closed.Load() }, "peer not closed on relay loss")
	if !sig.call.closed.Load() {
		t.Fatal("call must be released on relay loss")
	}
	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
}

func TestToggleControlsWithoutStream(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Options{
		Role:     RoleHost,
		Capture:  testCapturer(),
		Signaler: &fakeSignaler{},
		Peers:    (&fakePeers{}).factory,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Run was never started; there is no stream.
	if s.ToggleAudio() || s.ToggleVideo() {
		t.Fatal("toggles without a stream must report disabled")
	}
}
