// Package media owns the local media stream: acquiring camera and
// microphone (or a camera-less RTSP/RTP source), the per-track enabled
// flags behind the mute and camera toggles, and the teardown that releases
// the devices when a session ends.
package media

import (
	"errors"
	"image"
	"sync"

	"github.com/pion/webrtc/v4"
)

// FrameReader yields decoded video frames for local preview and anomaly
// sampling. Read blocks until the next frame; release returns the frame
// buffer to the capture pipeline.
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
}

// Track is one audio or video component of the local stream. The enabled
// flag is flipped only by control-plane operations; disabling detaches the
// track from its RTP sender so no frames are transmitted, without stopping
// the underlying capture. Re-enabling is therefore instantaneous and never
// re-prompts for device permission.
type Track struct {
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	stopped bool
	sender  *webrtc.RTPSender
	stop    func() error
	frames  FrameReader
}

// NewTrack wraps an outbound track. stop releases the underlying capture
// and may be nil.
func NewTrack(kind webrtc.RTPCodecType, local webrtc.TrackLocal, stop func() error) *Track {
	return &Track{
		kind:    kind,
		local:   local,
		enabled: true,
		stop:    stop,
	}
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.kind
}

// Local returns the outbound track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

// Enabled reports the actual track state. UI toggles must render this
// value, never an assumed one.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// SetEnabled flips the enabled flag and returns the resulting state. On a
// bound sender the track is swapped in or out without renegotiation; if the
// swap fails the flag is left untouched so it keeps reflecting reality.
func (t *Track) SetEnabled(on bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || on == t.enabled {
		return t.enabled && !t.stopped
	}
	if t.sender != nil {
		var replacement webrtc.TrackLocal
		if on {
			replacement = t.local
		}
		if err := t.sender.ReplaceTrack(replacement); err != nil {
			return t.enabled
		}
	}
	t.enabled = on
	return t.enabled
}

// Bind attaches the RTP sender transmitting this track. A track disabled
// before binding starts out detached.
func (t *Track) Bind(sender *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
	if !t.enabled && sender != nil {
		_ = sender.ReplaceTrack(nil)
	}
}

// Frames returns the preview frame reader when this track can decode
// frames locally (device video capture only).
func (t *Track) Frames() (FrameReader, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames, t.frames != nil
}

// Stop releases the underlying capture. After Stop the track reports
// disabled forever; releasing the device is mandatory at session end.
func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()

	if stop != nil {
		return stop()
	}
	return nil
}

// Stream is the set of local tracks captured for one session. Exclusively
// owned by the local endpoint; only the control plane and the peer
// connection touch it.
type Stream struct {
	tracks []*Track
	// engine registers the codecs these tracks produce on a media engine.
	// Nil means the webrtc default codecs suffice.
	engine func(*webrtc.MediaEngine) error
}

// NewStream builds a stream over tracks. engine may be nil.
func NewStream(tracks []*Track, engine func(*webrtc.MediaEngine) error) *Stream {
	return &Stream{tracks: tracks, engine: engine}
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

func (s *Stream) tracksOf(kind webrtc.RTPCodecType) []*Track {
	if s == nil {
		return nil
	}
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// VideoFrames returns the preview reader of the first video track that has
// one.
func (s *Stream) VideoFrames() (FrameReader, bool) {
	for _, t := range s.tracksOf(webrtc.RTPCodecTypeVideo) {
		if r, ok := t.Frames(); ok {
			return r, true
		}
	}
	return nil, false
}

// Close stops every track, releasing camera and microphone.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
