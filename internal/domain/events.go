package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind is the kind of row-level change fanned out by the
// realtime feed
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// CallChange is a realtime feed event for a calls row.
// Events for one row arrive in commit order; there is no ordering
// guarantee across rows.
type CallChange struct {
	Kind ChangeKind `json:"kind"`
	Call Call       `json:"call"`
}

// ParticipantChange is a realtime feed event for a call_participants row
type ParticipantChange struct {
	Kind        ChangeKind      `json:"kind"`
	Participant CallParticipant `json:"participant"`
}

// CallEventType identifies a lifecycle event surfaced to the UI layer
type CallEventType string

const (
	EventRinging           CallEventType = "ringing"
	EventConnecting        CallEventType = "connecting"
	EventActive            CallEventType = "active"
	EventEnded             CallEventType = "ended"
	EventParticipantJoined CallEventType = "participant-joined"
	EventParticipantLeft   CallEventType = "participant-left"
	EventError             CallEventType = "error"
)

// CallEvent is delivered to the UI layer as the call progresses
type CallEvent struct {
	Type          CallEventType `json:"type"`
	CallID        uuid.UUID     `json:"call_id"`
	ParticipantID uuid.UUID     `json:"participant_id,omitempty"`
	Err           error         `json:"-"`
	At            time.Time     `json:"at"`
}
