package domain

import (
	"time"

	"github.com/google/uuid"
)

// SignalType identifies the kind of session-negotiation message
// exchanged over a call's signaling channel
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeICE       SignalType = "ice_candidate"
	SignalTypeMuteAudio SignalType = "mute_audio"
	SignalTypeMuteVideo SignalType = "mute_video"
)

// SignalingMessage is an ephemeral session-negotiation message. It lives
// only on the per-call signaling channel and is never persisted.
// SDP carries offer/answer payloads, Candidate carries serialized ICE
// candidates; exactly one of the two is set depending on Type.
type SignalingMessage struct {
	Type      SignalType `json:"type"`
	CallID    uuid.UUID  `json:"call_id"`
	SenderID  uuid.UUID  `json:"sender_id"`
	TargetID  uuid.UUID  `json:"target_id,omitempty"` // uuid.Nil broadcasts to all
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	Muted     bool       `json:"muted,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Targeted reports whether the message is addressed to a single participant
func (m *SignalingMessage) Targeted() bool {
	return m.TargetID != uuid.Nil
}
