package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

// Session manages the local capture stream and the per-remote peer
// connections of one call
type Session struct {
	capturer Capturer
	factory  PeerFactory
	metrics  *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	torn        bool
	callType    domain.CallType
	stream      LocalStream
	remotes     map[uuid.UUID]Peer

	onRemoteStream func(RemoteStream)
	onCandidate    func(remoteID uuid.UUID, candidate string)

	audioEnabled bool
	videoEnabled bool
}

// NewSession creates an uninitialized media session
func NewSession(capturer Capturer, factory PeerFactory, m *metrics.Metrics) *Session {
	return &Session{
		capturer: capturer,
		factory:  factory,
		metrics:  m,
		remotes:  make(map[uuid.UUID]Peer),
	}
}

// OnRemoteStream registers the handler for remote media announcements.
// Must be set before remotes are added.
func (s *Session) OnRemoteStream(h func(RemoteStream)) {
	s.mu.Lock()
	s.onRemoteStream = h
	s.mu.Unlock()
}

// OnICECandidate registers the handler for locally gathered candidates,
// keyed by the remote the candidate belongs to
func (s *Session) OnICECandidate(h func(remoteID uuid.UUID, candidate string)) {
	s.mu.Lock()
	s.onCandidate = h
	s.mu.Unlock()
}

// Initialize acquires the local capture devices for the given call type
// and creates one peer connection slot per known remote participant.
// Fails with DEVICE_BUSY if a previous session still owns the devices
// and DEVICE_UNAVAILABLE if capture fails; in both cases no resources
// are retained.
func (s *Session) Initialize(ctx context.Context, callType domain.CallType, remoteIDs []uuid.UUID) (LocalStream, error) {
	s.mu.Lock()
	if s.initialized || s.torn {
		s.mu.Unlock()
		return nil, apperrors.DeviceBusyError()
	}
	s.mu.Unlock()

	// Exclusive device ownership is enforced by the capturer: acquiring
	// while a previous stream is still open fails fast with DEVICE_BUSY
	stream, err := s.capturer.Acquire(ctx, callType)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeDeviceBusy) {
			return nil, err
		}
		return nil, apperrors.DeviceUnavailableError(err)
	}

	s.mu.Lock()
	s.initialized = true
	s.callType = callType
	s.stream = stream
	s.audioEnabled = true
	s.videoEnabled = callType == domain.CallTypeVideo
	s.mu.Unlock()

	for _, id := range remoteIDs {
		if _, err := s.AddRemote(ctx, id); err != nil {
			logger.Warn("Failed to add remote peer slot",
				zap.String("participant_id", id.String()),
				zap.Error(err))
		}
	}

	logger.Info("Media session initialized",
		zap.String("call_type", string(callType)),
		zap.Int("remotes", len(remoteIDs)))
	return stream, nil
}

// LocalStream returns the capture stream, or nil before Initialize
func (s *Session) LocalStream() LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// AddRemote creates a peer connection slot for a remote participant.
// Idempotent: re-adding an existing participant returns the existing
// peer untouched.
func (s *Session) AddRemote(ctx context.Context, remoteID uuid.UUID) (Peer, error) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return nil, apperrors.StaleStateError("media session already torn down")
	}
	if peer, ok := s.remotes[remoteID]; ok {
		s.mu.Unlock()
		return peer, nil
	}
	stream := s.stream
	s.mu.Unlock()

	peer, err := s.factory.NewPeer(ctx, stream, remoteID)
	if err != nil {
		return nil, err
	}

	peer.OnICECandidate(func(candidate string) {
		s.mu.Lock()
		h := s.onCandidate
		s.mu.Unlock()
		if h != nil {
			h(remoteID, candidate)
		}
	})
	peer.OnRemoteStream(func(rs RemoteStream) {
		if s.metrics != nil && !rs.Resumed {
			s.metrics.RecordRemoteStream()
		}
		s.mu.Lock()
		h := s.onRemoteStream
		s.mu.Unlock()
		if h != nil {
			h(rs)
		}
	})

	s.mu.Lock()
	if s.torn {
		// Teardown raced us; do not leak the connection
		s.mu.Unlock()
		peer.Close()
		return nil, apperrors.StaleStateError("media session already torn down")
	}
	s.remotes[remoteID] = peer
	count := len(s.remotes)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetPeerConnections(count)
	}
	return peer, nil
}

// RemoveRemote tears down the connection to one participant, leaving the
// rest of the session running. No-op for unknown participants.
func (s *Session) RemoveRemote(remoteID uuid.UUID) {
	s.mu.Lock()
	peer, ok := s.remotes[remoteID]
	if ok {
		delete(s.remotes, remoteID)
	}
	count := len(s.remotes)
	s.mu.Unlock()

	if !ok {
		return
	}
	peer.Close()
	if s.metrics != nil {
		s.metrics.SetPeerConnections(count)
	}
}

// Remote returns the peer for a participant, if one exists
func (s *Session) Remote(remoteID uuid.UUID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.remotes[remoteID]
	return peer, ok
}

// RemoteCount returns the number of open peer connections
func (s *Session) RemoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remotes)
}

// ToggleAudio flips every local audio track and returns the resulting
// enabled state, so callers can update UI without re-reading state
func (s *Session) ToggleAudio() bool {
	return s.toggleKind(TrackKindAudio)
}

// ToggleVideo flips every local video track and returns the resulting
// enabled state
func (s *Session) ToggleVideo() bool {
	return s.toggleKind(TrackKindVideo)
}

func (s *Session) toggleKind(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enabled bool
	switch kind {
	case TrackKindAudio:
		s.audioEnabled = !s.audioEnabled
		enabled = s.audioEnabled
	case TrackKindVideo:
		s.videoEnabled = !s.videoEnabled
		enabled = s.videoEnabled
	}

	if s.stream != nil {
		for _, track := range s.stream.Tracks() {
			if track.Kind() == kind {
				track.SetEnabled(enabled)
			}
		}
	}
	return enabled
}

// AudioEnabled reports the current local audio state
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

// VideoEnabled reports the current local video state
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// Teardown stops all local tracks, closes every peer connection and
// releases the capture devices. Idempotent: end-call and unmount may
// both call it.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	stream := s.stream
	remotes := s.remotes
	s.stream = nil
	s.remotes = make(map[uuid.UUID]Peer)
	s.mu.Unlock()

	for id, peer := range remotes {
		if err := peer.Close(); err != nil {
			logger.Debug("Peer close error during teardown",
				zap.String("participant_id", id.String()),
				zap.Error(err))
		}
	}
	if stream != nil {
		stream.Close()
	}
	if s.metrics != nil {
		s.metrics.SetPeerConnections(0)
	}
}
