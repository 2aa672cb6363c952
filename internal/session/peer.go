package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verimeet/verimeet/internal/media"
)

// pliInterval is how often a Picture Loss Indication is sent for each
// inbound video track so the remote encoder keeps emitting keyframes.
const pliInterval = 3 * time.Second

// WebRTCConfigOptions configures the peer transport.
type WebRTCConfigOptions struct {
	// ICEServer is a STUN or TURN server address, e.g. stun:host:port.
	ICEServer  string
	Username   string
	Credential string
}

func (w WebRTCConfigOptions) configuration() webrtc.Configuration {
	if w.ICEServer == "" {
		return webrtc.Configuration{}
	}
	server := webrtc.ICEServer{URLs: []string{w.ICEServer}}
	if w.Username != "" {
		server.Username = w.Username
		server.Credential = w.Credential
		server.CredentialType = webrtc.ICECredentialTypePassword
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{server}}
}

// NewPeerFactory returns the production peer factory over pion/webrtc.
func NewPeerFactory(config WebRTCConfigOptions) PeerFactory {
	return func(ctx context.Context, stream *media.Stream, events PeerEvents) (Peer, error) {
		return newWebRTCPeer(ctx, config, stream, events)
	}
}

// webrtcPeer adapts one webrtc.PeerConnection to the Peer interface. Local
// ICE candidates gathered before the remote description is applied are
// queued and flushed afterwards, so trickling never races the handshake.
type webrtcPeer struct {
	pc     *webrtc.PeerConnection
	events PeerEvents
	logger zerolog.Logger

	candidatesMux     sync.Mutex
	pendingCandidates []string
	remoteSet         bool
}

func newWebRTCPeer(ctx context.Context, config WebRTCConfigOptions, stream *media.Stream, events PeerEvents) (*webrtcPeer, error) {
	api, err := media.NewPeerAPI(stream)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(config.configuration())
	if err != nil {
		return nil, fmt.Errorf("could not create peer connection: %w", err)
	}

	p := &webrtcPeer{
		pc:     pc,
		events: events,
		logger: log.Ctx(ctx).With().Str("component", "peer").Logger(),
	}

	if err := p.attachTracks(stream); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON().Candidate
		p.candidatesMux.Lock()
		defer p.candidatesMux.Unlock()
		if !p.remoteSet {
			p.pendingCandidates = append(p.pendingCandidates, candidate)
			return
		}
		p.events.OnCandidate(candidate)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track arrived")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.sendPLI(track)
		}
		go p.consumeTrack(track)
		p.events.OnTrack(track.Kind())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info().Str("state", state.String()).Msg("connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.events.OnConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.events.OnClosed(state.String())
		}
	})

	return p, nil
}

// attachTracks binds every local track to a sender and adds receive-only
// transceivers for the directions we only consume. A nil stream makes a
// receive-only peer.
func (p *webrtcPeer) attachTracks(stream *media.Stream) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range stream.Tracks() {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("could not add %s track: %w", t.Kind(), err)
		}
		t.Bind(sender)
		have[t.Kind()] = true
		go p.consumeRTCP(sender)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("could not add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *webrtcPeer) CreateOffer(_ context.Context) (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("could not set local description: %w", err)
	}
	return &offer, nil
}

func (p *webrtcPeer) AcceptOffer(_ context.Context, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if remote == nil {
		return nil, errors.New("offer carries no session description")
	}
	if err := p.pc.SetRemoteDescription(*remote); err != nil {
		return nil, fmt.Errorf("could not set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("could not set local description: %w", err)
	}
	p.flushPending()
	return &answer, nil
}

func (p *webrtcPeer) AcceptAnswer(remote *webrtc.SessionDescription) error {
	if remote == nil {
		return errors.New("answer carries no session description")
	}
	if err := p.pc.SetRemoteDescription(*remote); err != nil {
		return fmt.Errorf("could not set remote description: %w", err)
	}
	p.flushPending()
	return nil
}

func (p *webrtcPeer) AddRemoteCandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("could not add remote candidate: %w", err)
	}
	return nil
}

func (p *webrtcPeer) Close() error {
	return p.pc.Close()
}

// flushPending releases candidates queued before the remote description
// was known.
func (p *webrtcPeer) flushPending() {
	p.candidatesMux.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.remoteSet = true
	p.candidatesMux.Unlock()
	for _, c := range pending {
		p.events.OnCandidate(c)
	}
}

// sendPLI keeps requesting keyframes for an inbound video track until the
// connection closes.
func (p *webrtcPeer) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Err(err).Msg("could not send PLI")
			}
			return
		}
	}
}

// consumeTrack drains inbound RTP so the interceptor chain keeps running.
// Rendering is out of process; the media flows to the platform sink.
func (p *webrtcPeer) consumeTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// consumeRTCP drains sender reports so interceptors such as NACK see them.
func (p *webrtcPeer) consumeRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
