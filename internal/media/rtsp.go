package media

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/format/rtspv2"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const rtspTimeout = 3 * time.Second

// captureRTSP pulls H264 from an RTSP server and repackages it into a
// local sample video track. The dial happens synchronously so a dead
// source fails the session attempt before any signaling; the packet pump
// runs until the track is stopped.
func captureRTSP(ctx context.Context, address string) (*Stream, error) {
	session, err := rtspv2.Dial(rtspv2.RTSPClientOptions{
		URL:              address,
		DialTimeout:      rtspTimeout,
		ReadWriteTimeout: rtspTimeout,
		DisableAudio:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rtsp dial %s: %v", ErrDeviceUnavailable, address, err)
	}

	codecs := session.CodecData
	if len(codecs) == 0 || codecs[0].Type() != av.H264 {
		session.Close()
		return nil, fmt.Errorf("%w: RTSP feed must begin with a H264 codec", ErrDeviceUnavailable)
	}

	videoTrack, err := sampleVideoTrack()
	if err != nil {
		session.Close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	track := NewTrack(webrtc.RTPCodecTypeVideo, videoTrack, func() error {
		cancel()
		return nil
	})
	go pumpRTSP(pumpCtx, session, codecs[0], videoTrack)

	return NewStream([]*Track{track}, nil), nil
}

// pumpRTSP converts H264 packets to Annex-B samples and writes them to the
// track until the session ends or the source drops.
func pumpRTSP(ctx context.Context, session *rtspv2.RTSPClient, codec av.CodecData, videoTrack *webrtc.TrackLocalStaticSample) {
	defer session.Close()
	logger := log.Logger.With().Str("component", "rtsp-source").Logger()

	annexbNALUStartCode := []byte{0x00, 0x00, 0x00, 0x01}
	var previousTime time.Duration

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stream source stopped")
			return
		case pkt := <-session.OutgoingPacketQueue:
			if pkt.Idx != 0 {
				// audio or other stream, skip it
				continue
			}

			pkt.Data = pkt.Data[4:]

			// For every key-frame pre-pend the SPS and PPS.
			if pkt.IsKeyFrame {
				h264, ok := codec.(h264parser.CodecData)
				if ok {
					pkt.Data = append(annexbNALUStartCode, pkt.Data...)
					pkt.Data = append(h264.PPS(), pkt.Data...)
					pkt.Data = append(annexbNALUStartCode, pkt.Data...)
					pkt.Data = append(h264.SPS(), pkt.Data...)
					pkt.Data = append(annexbNALUStartCode, pkt.Data...)
				}
			}

			duration := pkt.Time - previousTime
			previousTime = pkt.Time

			if err := videoTrack.WriteSample(media.Sample{Data: pkt.Data, Duration: duration}); err != nil && err != io.ErrClosedPipe {
				logger.Err(err).Msg("could not write video sample")
				return
			}
		}
	}
}

// sampleVideoTrack creates a H264 sample video track with randomized
// stream ids.
func sampleVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		fmt.Sprintf("video-%d", randutil.NewMathRandomGenerator().Uint32()),
		fmt.Sprintf("verimeet-%d", randutil.NewMathRandomGenerator().Uint32()),
	)
	if err != nil {
		return nil, fmt.Errorf("media: could not create TrackLocalStaticSample: %w", err)
	}
	return videoTrack, nil
}
