//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
)

// DeviceCapturer captures the local camera and microphone through
// pion/mediadevices (V4L2 + ALSA), encoding VP8 and Opus. The devices
// are exclusively owned: acquiring while a previous stream is still
// open fails fast instead of double-opening the hardware.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector

	mu   sync.Mutex
	held bool
}

// NewDeviceCapturer builds the VP8+Opus codec selector once; the
// selector is reused across calls
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

var _ Capturer = (*DeviceCapturer)(nil)

// PopulateMediaEngine registers the capture codecs on the peer
// connection media engine; both sides must agree on the same set
func (c *DeviceCapturer) PopulateMediaEngine(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

// Acquire opens the microphone, plus the camera for video calls. Either
// device failing fails the whole acquisition; the caller surfaces it to
// the user instead of silently degrading the call.
func (c *DeviceCapturer) Acquire(_ context.Context, callType domain.CallType) (LocalStream, error) {
	c.mu.Lock()
	if c.held {
		c.mu.Unlock()
		return nil, apperrors.DeviceBusyError()
	}
	c.held = true
	c.mu.Unlock()

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if callType == domain.CallTypeVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed frames and poisons the VP8 encoder
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("media capture failed: %w", err)
	}

	tracks := stream.GetTracks()
	wrapped := make([]LocalTrack, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("Local track ended", zap.Error(err))
			}
		})
		wrapped = append(wrapped, &deviceTrack{track: track, enabled: true})
	}

	logger.Info("Local media captured",
		zap.String("call_type", string(callType)),
		zap.Int("tracks", len(wrapped)))
	return &deviceStream{tracks: wrapped, release: c.release}, nil
}

func (c *DeviceCapturer) release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()
}

type deviceStream struct {
	mu      sync.Mutex
	tracks  []LocalTrack
	release func()
	closed  bool
}

func (s *deviceStream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// WebRTCTracks exposes the underlying mediadevices tracks so peer
// connections can attach them directly
func (s *deviceStream) WebRTCTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		if dt, ok := t.(*deviceTrack); ok {
			out = append(out, dt.track)
		}
	}
	return out
}

func (s *deviceStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
	if s.release != nil {
		s.release()
	}
	return nil
}

type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func (t *deviceTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

// SetEnabled records the mute state. The device stays open and frames
// keep flowing to connected peers; transmission is not paused. Re-enable
// is therefore instant, and peers learn about the mute via a signaling
// message rather than from the track going silent.
func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) Close() error {
	return t.track.Close()
}
