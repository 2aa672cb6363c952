//go:build !linux

package media

import (
	"context"
	"fmt"
)

// Device capture needs platform drivers (V4L2 and malgo) that are only
// wired up on Linux. Other platforms must use an RTSP or RTP source.
func captureDevice(_ context.Context, _ Constraints) (*Stream, error) {
	return nil, fmt.Errorf("%w: device capture is not supported on this platform", ErrDeviceUnavailable)
}
