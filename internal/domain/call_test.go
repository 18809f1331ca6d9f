package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStatusTerminal(t *testing.T) {
	assert.False(t, CallStatusRinging.Terminal())
	assert.False(t, CallStatusActive.Terminal())
	assert.True(t, CallStatusEnded.Terminal())
	assert.True(t, CallStatusMissed.Terminal())
}

func TestCallStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    CallStatus
		to      CallStatus
		allowed bool
	}{
		{"ringing to active", CallStatusRinging, CallStatusActive, true},
		{"ringing to ended", CallStatusRinging, CallStatusEnded, true},
		{"ringing to missed", CallStatusRinging, CallStatusMissed, true},
		{"active to ended", CallStatusActive, CallStatusEnded, true},
		{"active to ringing", CallStatusActive, CallStatusRinging, false},
		{"active to missed", CallStatusActive, CallStatusMissed, false},
		{"ended to active", CallStatusEnded, CallStatusActive, false},
		{"ended to ringing", CallStatusEnded, CallStatusRinging, false},
		{"missed to active", CallStatusMissed, CallStatusActive, false},
		// Racing writers setting the same non-terminal status converge
		{"active to active", CallStatusActive, CallStatusActive, true},
		{"ringing to ringing", CallStatusRinging, CallStatusRinging, true},
		// Terminal rows never move, not even to themselves
		{"ended to ended", CallStatusEnded, CallStatusEnded, false},
		{"missed to missed", CallStatusMissed, CallStatusMissed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParticipantStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ParticipantStatus
		to      ParticipantStatus
		allowed bool
	}{
		{"invited to joined", ParticipantStatusInvited, ParticipantStatusJoined, true},
		{"invited to rejected", ParticipantStatusInvited, ParticipantStatusRejected, true},
		{"invited to left", ParticipantStatusInvited, ParticipantStatusLeft, false},
		{"joined to left", ParticipantStatusJoined, ParticipantStatusLeft, true},
		{"joined to rejected", ParticipantStatusJoined, ParticipantStatusRejected, false},
		{"joined to invited", ParticipantStatusJoined, ParticipantStatusInvited, false},
		{"rejected to joined", ParticipantStatusRejected, ParticipantStatusJoined, false},
		{"left to joined", ParticipantStatusLeft, ParticipantStatusJoined, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestCallTypeValid(t *testing.T) {
	assert.True(t, CallTypeAudio.Valid())
	assert.True(t, CallTypeVideo.Valid())
	assert.False(t, CallType("screen").Valid())
	assert.False(t, CallType("").Valid())
}

func TestParticipantActive(t *testing.T) {
	p := CallParticipant{Status: ParticipantStatusJoined}
	assert.True(t, p.Active())

	for _, status := range []ParticipantStatus{ParticipantStatusInvited, ParticipantStatusRejected, ParticipantStatusLeft} {
		p.Status = status
		assert.False(t, p.Active(), string(status))
	}
}
