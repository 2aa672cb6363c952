package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewPeerAPI builds the webrtc API a peer connection carrying stream must
// be created from: the media engine registers exactly the codecs the
// stream's tracks produce (or the defaults for a receive-only side), and
// ICE timeouts are relaxed so a brief relay hiccup does not terminate the
// call.
func NewPeerAPI(stream *Stream) (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if stream != nil && stream.engine != nil {
		if err := stream.engine(engine); err != nil {
			return nil, fmt.Errorf("media: could not populate media engine: %w", err)
		}
	} else {
		if err := engine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("media: could not register default codecs: %w", err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("media: could not register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}
