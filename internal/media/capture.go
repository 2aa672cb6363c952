package media

import (
	"context"
	"errors"
	"fmt"
)

const (
	protocolDevice = "device"
	protocolRTSP   = "rtsp"
	protocolRTP    = "rtp"
)

var (
	// ErrPermissionDenied means the platform refused camera/microphone
	// access. Fatal to the session attempt; no partial session is left
	// running.
	ErrPermissionDenied = errors.New("media: camera or microphone permission denied")

	// ErrDeviceUnavailable means no usable capture device or stream source
	// was found. Fatal to the session attempt.
	ErrDeviceUnavailable = errors.New("media: no usable capture device")
)

// Constraints selects which tracks to acquire and bounds the video size.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

func (c *Constraints) defaults() {
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
}

// Capturer acquires the local media stream for one session. It blocks
// until the platform grants or denies access, or the source reports ready.
// On failure the caller must surface the error and must not proceed to
// signaling.
type Capturer func(ctx context.Context, constraints Constraints) (*Stream, error)

// SourceConfigOptions selects the host's stream source.
// device captures camera and microphone. rtsp pulls H264 from an RTSP
// server and rtp consumes an RTP stream from a local UDP port, both for
// camera-less hosts such as a meeting-room appliance.
type SourceConfigOptions struct {
	Protocol string // device, rtsp or rtp
	RTSPSourceConfigOptions
	RTPSourceConfigOptions
}

type RTSPSourceConfigOptions struct {
	Addr string
}

type RTPSourceConfigOptions struct {
	Host string
	Port int
}

// NewSource returns the capturer for the configured source protocol.
func NewSource(config SourceConfigOptions) (Capturer, error) {
	switch config.Protocol {
	case protocolDevice, "":
		return captureDevice, nil
	case protocolRTSP:
		addr := config.RTSPSourceConfigOptions.Addr
		return func(ctx context.Context, _ Constraints) (*Stream, error) {
			return captureRTSP(ctx, addr)
		}, nil
	case protocolRTP:
		addr := fmt.Sprintf("%s:%d", config.RTPSourceConfigOptions.Host, config.RTPSourceConfigOptions.Port)
		return func(ctx context.Context, _ Constraints) (*Stream, error) {
			return captureRTP(ctx, addr)
		}, nil
	default:
		return nil, fmt.Errorf("media: unknown source protocol %q", config.Protocol)
	}
}
