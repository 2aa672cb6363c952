package media

import "github.com/pion/webrtc/v4"

// Control-plane operations: two independent toggles over the local stream,
// each idempotent and reversible. They flip track enabled flags only and
// never stop a track or renegotiate the connection. All of them are no-ops
// on a nil stream and report the actual resulting state.

func (s *Stream) setEnabled(kind webrtc.RTPCodecType, on bool) bool {
	tracks := s.tracksOf(kind)
	if len(tracks) == 0 {
		return false
	}
	result := false
	for _, t := range tracks {
		if t.SetEnabled(on) {
			result = true
		}
	}
	return result
}

func (s *Stream) enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracksOf(kind) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// AudioEnabled reports whether any audio track is live.
func (s *Stream) AudioEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeAudio)
}

// VideoEnabled reports whether any video track is live.
func (s *Stream) VideoEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips every audio track and returns the resulting enabled
// state. Toggling twice restores the original state.
func (s *Stream) ToggleAudio() bool {
	return s.setEnabled(webrtc.RTPCodecTypeAudio, !s.AudioEnabled())
}

// ToggleVideo flips every video track and returns the resulting enabled
// state. Audio tracks are never touched.
func (s *Stream) ToggleVideo() bool {
	return s.setEnabled(webrtc.RTPCodecTypeVideo, !s.VideoEnabled())
}

// SetAudioEnabled forces the audio tracks to a state and returns the
// actual result.
func (s *Stream) SetAudioEnabled(on bool) bool {
	return s.setEnabled(webrtc.RTPCodecTypeAudio, on)
}

// SetVideoEnabled forces the video tracks to a state and returns the
// actual result.
func (s *Stream) SetVideoEnabled(on bool) bool {
	return s.setEnabled(webrtc.RTPCodecTypeVideo, on)
}
