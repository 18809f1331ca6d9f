// Package media owns the local capture devices and one peer connection
// per remote participant for the duration of a call. The session logic
// is written against small capture/peer interfaces; the pion-backed
// implementations live in pion.go and capture_linux.go.
package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"secureconnect-callkit/internal/domain"
)

// TrackKind distinguishes audio and video tracks
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// LocalTrack is one captured local media track
type LocalTrack interface {
	Kind() TrackKind
	// SetEnabled flips whether the track contributes media. A disabled
	// track stays attached to its peer connections.
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// LocalStream is the set of tracks captured from the local devices
type LocalStream interface {
	Tracks() []LocalTrack
	Close() error
}

// WebRTCTrackProvider is implemented by capture streams whose tracks can
// be attached to a pion peer connection
type WebRTCTrackProvider interface {
	WebRTCTracks() []webrtc.TrackLocal
}

// Capturer acquires the local capture devices for one call.
// Implementations must fail, not block, when no device is available or
// permission is denied, and must fail with a DEVICE_BUSY error while a
// previously acquired stream is still open (exclusive ownership; the
// stream's Close releases the devices).
type Capturer interface {
	Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error)
}

// RemoteStream announces media arriving from one remote participant.
// Resumed is set when a track of an already-announced stream becomes
// live later (e.g. a remote camera enabled mid-call); receivers should
// retry playback rather than treat it as a new participant.
type RemoteStream struct {
	ParticipantID uuid.UUID
	Kind          TrackKind
	Resumed       bool
}

// Peer is one connection to a remote participant
type Peer interface {
	// CreateOffer produces the local session description for an
	// outbound negotiation
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and produces the answer
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer applies the remote answer to an offer we sent
	AcceptAnswer(ctx context.Context, sdp string) error
	// AddICECandidate applies one serialized remote candidate
	AddICECandidate(candidate string) error
	// OnICECandidate registers the handler for locally gathered
	// candidates; must be set before negotiation starts
	OnICECandidate(h func(candidate string))
	// OnRemoteStream registers the handler fired when remote media
	// arrives or resumes
	OnRemoteStream(h func(RemoteStream))
	Close() error
}

// PeerFactory builds peer connections carrying the local stream
type PeerFactory interface {
	NewPeer(ctx context.Context, stream LocalStream, remoteID uuid.UUID) (Peer, error)
}
