package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func testStream(t *testing.T) (*Stream, *Track, *Track) {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatal(err)
	}
	at := NewTrack(webrtc.RTPCodecTypeAudio, audio, nil)
	vt := NewTrack(webrtc.RTPCodecTypeVideo, video, nil)
	return NewStream([]*Track{at, vt}, nil), at, vt
}

func TestToggleRestoresState(t *testing.T) {
	s, _, _ := testStream(t)

	if !s.AudioEnabled() || !s.VideoEnabled() {
		t.Fatal("fresh stream must start with all tracks enabled")
	}

	if got := s.ToggleAudio(); got {
		t.Fatal("first audio toggle should disable")
	}
	if got := s.ToggleAudio(); !got {
		t.Fatal("second audio toggle should restore")
	}

	if got := s.ToggleVideo(); got {
		t.Fatal("first video toggle should disable")
	}
	if got := s.ToggleVideo(); !got {
		t.Fatal("second video toggle should restore")
	}
}

func TestToggleIndependence(t *testing.T) {
	s, _, _ := testStream(t)

	s.ToggleAudio()
	if !s.VideoEnabled() {
		t.Fatal("muting audio must not touch video")
	}
	s.ToggleVideo()
	if s.AudioEnabled() {
		t.Fatal("audio must stay muted while video toggles")
	}
	s.ToggleAudio()
	if s.VideoEnabled() {
		t.Fatal("video must stay off while audio toggles")
	}
}

func TestSetEnabledIdempotent(t *testing.T) {
	s, _, _ := testStream(t)

	if got := s.SetAudioEnabled(false); got {
		t.Fatal("disable should report disabled")
	}
	if got := s.SetAudioEnabled(false); got {
		t.Fatal("repeated disable should stay disabled")
	}
	if got := s.SetAudioEnabled(true); !got {
		t.Fatal("enable should report enabled")
	}
}

func TestStopDisablesForever(t *testing.T) {
	var stops int
	sentinel := errors.New("device gone")
	tr := NewTrack(webrtc.RTPCodecTypeVideo, nil, func() error {
		stops++
		return sentinel
	})
	s := NewStream([]*Track{tr}, nil)

	if err := s.Close(); !errors.Is(err, sentinel) {
		t.Fatalf("Close should surface the stop error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
	if stops != 1 {
		t.Fatalf("stop callback ran %d times, want 1", stops)
	}

	if s.VideoEnabled() {
		t.Fatal("stopped track must report disabled")
	}
	if got := s.SetVideoEnabled(true); got {
		t.Fatal("a stopped track cannot be re-enabled")
	}
}

func TestNilStreamControls(t *testing.T) {
	var s *Stream
	if s.AudioEnabled() || s.VideoEnabled() {
		t.Fatal("nil stream reports nothing enabled")
	}
	if s.ToggleAudio() || s.ToggleVideo() {
		t.Fatal("nil stream toggles are no-ops")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil stream Close: %v", err)
	}
}

func TestVideoFramesAbsent(t *testing.T) {
	s, _, _ := testStream(t)
	if _, ok := s.VideoFrames(); ok {
		t.Fatal("sample tracks expose no frame reader")
	}
}
