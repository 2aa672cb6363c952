// Package statusd serves the local display surface: a JSON snapshot of
// the meeting status and a WebSocket push feed for the status line, the
// share link and the high-risk banner. It is a sink only; nothing in the
// session reads back from it.
package statusd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/verimeet/verimeet/internal/anomaly"
	"github.com/verimeet/verimeet/internal/session"
)

const shutdownTimeout = 3 * time.Second

// Status is the complete display state, pushed whole on every change so
// clients never need to merge deltas.
type Status struct {
	State       string  `json:"state"`
	ShareLink   string  `json:"share_link,omitempty"`
	Notice      string  `json:"notice,omitempty"`
	AudioOn     bool    `json:"audio_on"`
	VideoOn     bool    `json:"video_on"`
	RemoteAudio bool    `json:"remote_audio"`
	RemoteVideo bool    `json:"remote_video"`
	HighRisk    bool    `json:"high_risk"`
	RiskLabel   string  `json:"risk_label,omitempty"`
	RiskScore   float64 `json:"risk_score,omitempty"`
}

// ConfigOptions configures the status server.
type ConfigOptions struct {
	Addr string
}

// Server implements session.Sink and anomaly.Sink and fans every update
// out to the HTTP snapshot and all connected WebSocket clients.
type Server struct {
	config ConfigOptions
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
	subs   map[chan Status]struct{}
}

var (
	_ session.Sink = (*Server)(nil)
	_ anomaly.Sink = (*Server)(nil)
)

// NewServer builds a status server.
func NewServer(ctx context.Context, config ConfigOptions) *Server {
	return &Server{
		config: config,
		logger: log.Ctx(ctx).With().Str("component", "statusd").Logger(),
		status: Status{State: session.StateIdle.String()},
		subs:   make(map[chan Status]struct{}),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.config.Addr, Handler: s.handler()}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", s.config.Addr).Msg("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Err(err).Msg("status server shutdown")
		}
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (s *Server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Err(err).Msg("could not write status")
	}
}

// handleWS pushes the current snapshot on connect, then every update. The
// read side is discarded; clients only listen.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Err(err).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "closed")

	ctx := c.CloseRead(r.Context())
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	if err := wsjson.Write(ctx, c, s.snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case st := <-ch:
			if err := wsjson.Write(ctx, c, st); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) subscribe() chan Status {
	ch := make(chan Status, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Status) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// update applies one mutation and broadcasts the resulting snapshot. A
// subscriber that cannot keep up loses intermediate snapshots, never the
// shape of the latest one.
func (s *Server) update(f func(*Status)) {
	s.mu.Lock()
	f(&s.status)
	st := s.status
	subs := make([]chan Status, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// StateChanged implements session.Sink.
func (s *Server) StateChanged(st session.State) {
	s.update(func(status *Status) {
		status.State = st.String()
		if st != session.StateConnected {
			status.RemoteAudio = false
			status.RemoteVideo = false
		}
	})
}

// ShareLink implements session.Sink.
func (s *Server) ShareLink(link string) {
	s.update(func(status *Status) { status.ShareLink = link })
}

// RemoteTrack implements session.Sink.
func (s *Server) RemoteTrack(kind webrtc.RTPCodecType) {
	s.update(func(status *Status) {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			status.RemoteAudio = true
		case webrtc.RTPCodecTypeVideo:
			status.RemoteVideo = true
		}
	})
}

// Controls implements session.Sink.
func (s *Server) Controls(audioOn, videoOn bool) {
	s.update(func(status *Status) {
		status.AudioOn = audioOn
		status.VideoOn = videoOn
	})
}

// Notice implements session.Sink.
func (s *Server) Notice(msg string) {
	s.update(func(status *Status) { status.Notice = msg })
}

// Result implements anomaly.Sink.
func (s *Server) Result(res anomaly.Result, highRisk bool) {
	s.update(func(status *Status) {
		status.HighRisk = highRisk
		status.RiskLabel = res.Label
		status.RiskScore = res.Score
	})
}
