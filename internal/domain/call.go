package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle status of a call record
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
	CallStatusMissed  CallStatus = "missed"
)

// Terminal reports whether s is a terminal call status.
// A call in a terminal status never transitions again.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed
}

// CanTransitionTo reports whether a call may move from s to next.
// Status moves monotonically: ringing -> active -> ended, with missed
// as a terminal alternative to active. Writing the current status again
// is allowed so that racing writers converge idempotently.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case CallStatusRinging:
		return next == CallStatusActive || next == CallStatusEnded || next == CallStatusMissed
	case CallStatusActive:
		return next == CallStatusEnded
	default:
		return false
	}
}

// ParticipantStatus is a user's membership status within one call
type ParticipantStatus string

const (
	ParticipantStatusInvited  ParticipantStatus = "invited"
	ParticipantStatusJoined   ParticipantStatus = "joined"
	ParticipantStatusRejected ParticipantStatus = "rejected"
	ParticipantStatusLeft     ParticipantStatus = "left"
)

// CanTransitionTo reports whether a participant row may move from s to next.
// invited -> {joined, rejected}, joined -> left. Nothing else is legal.
func (s ParticipantStatus) CanTransitionTo(next ParticipantStatus) bool {
	switch s {
	case ParticipantStatusInvited:
		return next == ParticipantStatusJoined || next == ParticipantStatusRejected
	case ParticipantStatusJoined:
		return next == ParticipantStatusLeft
	default:
		return false
	}
}

// Call represents one attempt to establish a multi-party audio/video
// session tied to a conversation
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id"`
	CallType       CallType   `json:"call_type"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// CallParticipant represents a single user's invitation/membership
// state within one call. (CallID, UserID) is unique.
type CallParticipant struct {
	CallID   uuid.UUID         `json:"call_id"`
	UserID   uuid.UUID         `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}

// Active reports whether the participant currently counts toward the call
func (p *CallParticipant) Active() bool {
	return p.Status == ParticipantStatusJoined
}
