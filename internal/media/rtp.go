package media

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// captureRTP listens on a local UDP port and forwards raw RTP into a local
// video track. The listener is opened synchronously; the copy loop runs
// until the track is stopped.
func captureRTP(ctx context.Context, address string) (*Stream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: could not resolve %s: %v", ErrDeviceUnavailable, address, err)
	}
	listener, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrDeviceUnavailable, address, err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		fmt.Sprintf("video-%d", randutil.NewMathRandomGenerator().Uint32()),
		fmt.Sprintf("verimeet-%d", randutil.NewMathRandomGenerator().Uint32()),
	)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("media: could not create TrackLocalStaticRTP: %w", err)
	}

	if err := ctx.Err(); err != nil {
		listener.Close()
		return nil, err
	}
	track := NewTrack(webrtc.RTPCodecTypeVideo, videoTrack, listener.Close)
	go pumpRTP(listener, videoTrack)

	return NewStream([]*Track{track}, nil), nil
}

func pumpRTP(listener *net.UDPConn, videoTrack *webrtc.TrackLocalStaticRTP) {
	logger := log.Logger.With().Str("component", "rtp-source").Logger()
	logger.Info().Str("address", listener.LocalAddr().String()).Msg("UDP listener started")

	inbound := make([]byte, 1600) // UDP MTU
	for {
		n, _, err := listener.ReadFrom(inbound)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Err(err).Msg("error during read")
			}
			return
		}
		if _, err := videoTrack.Write(inbound[:n]); err != nil {
			logger.Err(err).Msg("could not write video track")
			return
		}
	}
}
