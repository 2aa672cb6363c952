// Package wire assembles one meeting endpoint out of the internal
// packages: status server, media source, signaling client, session, the
// anomaly pipeline on the host side and a line-based control reader.
package wire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verimeet/verimeet/internal/anomaly"
	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/session"
	"github.com/verimeet/verimeet/internal/signal"
	"github.com/verimeet/verimeet/internal/statusd"
)

// AnomalyConfigOptions configures the host-side anomaly pipeline. An empty
// DetectorURL disables it.
type AnomalyConfigOptions struct {
	DetectorURL string
	Every       int
	Threshold   float64
	Alert       anomaly.AlertConfigOptions
}

// Options assembles one endpoint.
type Options struct {
	Role      session.Role
	Target    string
	ShareBase string

	Source      media.SourceConfigOptions
	Constraints media.Constraints
	Signal      signal.ConfigOptions
	WebRTC      session.WebRTCConfigOptions
	Status      statusd.ConfigOptions
	Anomaly     AnomalyConfigOptions

	// Controls reads user commands, one per line. Nil disables the
	// control reader.
	Controls io.Reader
}

// Run drives one endpoint until the session ends or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := log.Ctx(ctx)

	status := statusd.NewServer(ctx, opts.Status)
	if opts.Status.Addr != "" {
		go func() {
			if err := status.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Err(err).Msg("status server failed")
			}
		}()
	}

	capturer, err := media.NewSource(opts.Source)
	if err != nil {
		return err
	}

	sess, err := session.New(ctx, session.Options{
		Role:        opts.Role,
		Target:      opts.Target,
		ShareBase:   opts.ShareBase,
		Constraints: opts.Constraints,
		Capture:     capturer,
		Signaler:    Signaler{Client: signal.NewClient(ctx, opts.Signal)},
		Peers:       session.NewPeerFactory(opts.WebRTC),
		Sink:        status,
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if opts.Role == session.RoleHost && opts.Anomaly.DetectorURL != "" {
		go runAnomaly(ctx, sess, status, opts.Anomaly)
	}
	if opts.Controls != nil {
		go readControls(ctx, sess, opts.Controls)
	}

	select {
	case <-sess.Done():
		cancel()
		<-runErr
		return nil
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// runAnomaly waits for the local stream and meeting code, then pumps
// preview frames through the sampler for the life of the session.
func runAnomaly(ctx context.Context, sess *session.Session, status *statusd.Server, config AnomalyConfigOptions) {
	logger := log.Ctx(ctx).With().Str("component", "anomaly-pump").Logger()

	var frames media.FrameReader
	for {
		if stream := sess.Stream(); stream != nil {
			if r, ok := stream.VideoFrames(); ok && sess.Meeting() != "" {
				frames = r
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	sampler := anomaly.NewSampler(ctx, anomaly.Options{
		Every:     config.Every,
		Threshold: config.Threshold,
		Detector:  anomaly.NewHTTPDetector(config.DetectorURL),
		Sink:      anomaly.NewAlertPublisher(ctx, sess.Meeting(), config.Alert, status),
	})
	defer sampler.Close()
	logger.Info().Str("meeting", sess.Meeting().String()).Msg("anomaly sampling started")

	for {
		img, release, err := frames.Read()
		if err != nil {
			logger.Info().Msg("frame source closed, anomaly sampling stopped")
			return
		}
		sampler.Tick(ctx, img)
		release()
		if ctx.Err() != nil {
			return
		}
	}
}

// readControls maps single-letter lines to control-plane operations:
// m mute toggle, v camera toggle, d <code> dial, q hang up.
func readControls(ctx context.Context, sess *session.Session, r io.Reader) {
	logger := log.Ctx(ctx).With().Str("component", "controls").Logger()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "m":
			on := sess.ToggleAudio()
			logger.Info().Bool("enabled", on).Msg("microphone toggled")
		case line == "v":
			on := sess.ToggleVideo()
			logger.Info().Bool("enabled", on).Msg("camera toggled")
		case strings.HasPrefix(line, "d "):
			sess.Dial(strings.TrimSpace(strings.TrimPrefix(line, "d ")))
		case line == "q":
			sess.HangUp()
			return
		case line == "":
		default:
			logger.Info().Str("input", line).Msg("unknown control, use m/v/d <code>/q")
		}
	}
}
