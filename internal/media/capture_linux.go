//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureDevice acquires camera and microphone through pion/mediadevices
// (V4L2 + malgo). The platform permission prompt happens inside
// GetUserMedia; the call blocks until the devices report ready or fail.
func captureDevice(ctx context.Context, constraints Constraints) (*Stream, error) {
	constraints.defaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	msc := mediadevices.MediaStreamConstraints{Codec: selector}
	if constraints.Video {
		width, height := constraints.Width, constraints.Height
		msc.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG node producing
			// malformed JPEG frames that poison the VP8 encoder. Raw
			// formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: width}
			c.Height = prop.IntRanged{Max: height}
		}
	}
	if constraints.Audio {
		msc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		for _, mt := range ms.GetTracks() {
			mt.Close()
		}
		return nil, err
	}

	var tracks []*Track
	for _, mt := range ms.GetTracks() {
		mt := mt
		t := NewTrack(mt.Kind(), mt, mt.Close)
		if vt, ok := mt.(*mediadevices.VideoTrack); ok {
			// Independent raw frame reader for preview and anomaly
			// sampling; mediadevices broadcasts frames to every consumer.
			t.frames = vt.NewReader(false)
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}

	engine := func(me *webrtc.MediaEngine) error {
		selector.Populate(me)
		return nil
	}
	return NewStream(tracks, engine), nil
}
