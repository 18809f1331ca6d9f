//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"secureconnect-callkit/internal/domain"
)

// DeviceCapturer is a stub on platforms without V4L2/ALSA driver
// support; every acquisition fails so sessions report the device as
// unavailable
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

var _ Capturer = (*DeviceCapturer)(nil)

func (c *DeviceCapturer) PopulateMediaEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) Acquire(_ context.Context, _ domain.CallType) (LocalStream, error) {
	return nil, fmt.Errorf("local media capture is not supported on this platform")
}
