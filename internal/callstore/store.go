// Package callstore is the client for the persisted call and
// call_participants tables — the source of truth for call lifecycle
// status. All mutations are guarded so that concurrent writers from
// different agents converge: status moves forward or not at all, and a
// write that observes a terminal row reports a stale-state conflict
// instead of reanimating the call.
package callstore

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/internal/feed"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

// Store handles call record reads and guarded mutations. Every committed
// mutation is fanned out through the feed publisher so all subscribed
// agents observe the row change.
type Store struct {
	pool    *pgxpool.Pool
	pub     feed.Publisher
	metrics *metrics.Metrics
}

// NewStore creates a new call record store client
func NewStore(pool *pgxpool.Pool, pub feed.Publisher, m *metrics.Metrics) *Store {
	return &Store{pool: pool, pub: pub, metrics: m}
}

// transient reports whether err looks like a temporary network failure
// worth a single retry
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// execRetry runs fn, retrying exactly once on transient errors
func (s *Store) execRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err != nil && transient(err) && ctx.Err() == nil {
		if s.metrics != nil {
			s.metrics.RecordStoreRetry()
		}
		logger.Warn("Transient store error, retrying once",
			zap.String("operation", operation),
			zap.Error(err))
		err = fn(ctx)
	}
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(operation, time.Since(start), err)
	}
	return err
}

// CreateCall inserts a new call record with status ringing
func (s *Store) CreateCall(ctx context.Context, conversationID, callerID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CallType:       callType,
		Status:         domain.CallStatusRinging,
		StartedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	err := s.execRetry(ctx, "create_call", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, query,
			call.CallID,
			call.ConversationID,
			call.CallerID,
			call.CallType,
			call.Status,
			call.StartedAt,
		)
		return err
	})
	if err != nil {
		return nil, apperrors.RecordWriteFailedError(err)
	}

	s.publishCall(ctx, domain.ChangeInsert, call)
	return call, nil
}

// InsertParticipants inserts one participant row per user with the given
// initial status. JoinedAt is set when the initial status is joined (the
// caller's own row).
func (s *Store) InsertParticipants(ctx context.Context, callID uuid.UUID, userIDs []uuid.UUID, initial domain.ParticipantStatus) ([]domain.CallParticipant, error) {
	if len(userIDs) == 0 {
		return nil, apperrors.InvalidInputError("no participants to insert")
	}

	query := `
		INSERT INTO call_participants (call_id, user_id, status, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id, user_id) DO NOTHING
	`

	now := time.Now().UTC()
	participants := make([]domain.CallParticipant, 0, len(userIDs))
	for _, userID := range userIDs {
		p := domain.CallParticipant{
			CallID: callID,
			UserID: userID,
			Status: initial,
		}
		if initial == domain.ParticipantStatusJoined {
			p.JoinedAt = &now
		}

		err := s.execRetry(ctx, "insert_participant", func(ctx context.Context) error {
			_, err := s.pool.Exec(ctx, query, p.CallID, p.UserID, p.Status, p.JoinedAt)
			return err
		})
		if err != nil {
			return participants, apperrors.RecordWriteFailedError(err)
		}

		participants = append(participants, p)
		s.publishParticipant(ctx, domain.ChangeInsert, &p)
	}

	return participants, nil
}

// UpdateCallStatus transitions a call's status. The predicate keeps the
// transition monotonic: a terminal row is never overwritten, and two
// writers racing to set the same status converge on one effective write.
// Observing a terminal row yields a stale-state conflict.
func (s *Store) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = CASE WHEN $2 IN ('ended', 'missed') THEN now() ELSE ended_at END
		WHERE call_id = $1
		  AND status NOT IN ('ended', 'missed')
		RETURNING call_id, conversation_id, caller_id, call_type, status, started_at, ended_at
	`

	var call domain.Call
	err := s.execRetry(ctx, "update_call_status", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, callID, status).Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CallType,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.resolveCallConflict(ctx, callID, status)
		}
		return nil, apperrors.RecordWriteFailedError(err)
	}

	s.publishCall(ctx, domain.ChangeUpdate, &call)
	return &call, nil
}

// resolveCallConflict classifies a guarded update that matched no rows
func (s *Store) resolveCallConflict(ctx context.Context, callID uuid.UUID, wanted domain.CallStatus) (*domain.Call, error) {
	current, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status == wanted {
		// Another writer got there first; converged, nothing to publish
		return current, nil
	}
	return nil, apperrors.StaleStateError("call already in terminal status " + string(current.Status))
}

// UpdateParticipantStatus transitions one participant row. The predicate
// enforces the legal transition (invited -> joined/rejected, joined ->
// left); joins additionally require the owning call to be non-terminal so
// a late accept cannot reanimate an ended call.
func (s *Store) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error) {
	var from domain.ParticipantStatus
	switch status {
	case domain.ParticipantStatusJoined, domain.ParticipantStatusRejected:
		from = domain.ParticipantStatusInvited
	case domain.ParticipantStatusLeft:
		from = domain.ParticipantStatusJoined
	default:
		return nil, apperrors.InvalidInputError("invalid participant status " + string(status))
	}

	query := `
		UPDATE call_participants cp
		SET status = $3,
		    joined_at = CASE WHEN $3 = 'joined' THEN now() ELSE cp.joined_at END,
		    left_at   = CASE WHEN $3 = 'left' THEN now() ELSE cp.left_at END
		FROM calls c
		WHERE cp.call_id = $1
		  AND cp.user_id = $2
		  AND cp.status = $4
		  AND c.call_id = cp.call_id
		  AND ($3 <> 'joined' OR c.status NOT IN ('ended', 'missed'))
		RETURNING cp.call_id, cp.user_id, cp.status, cp.joined_at, cp.left_at
	`

	var p domain.CallParticipant
	err := s.execRetry(ctx, "update_participant_status", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, callID, userID, status, from).Scan(
			&p.CallID,
			&p.UserID,
			&p.Status,
			&p.JoinedAt,
			&p.LeftAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.resolveParticipantConflict(ctx, callID, userID, status)
		}
		return nil, apperrors.RecordWriteFailedError(err)
	}

	s.publishParticipant(ctx, domain.ChangeUpdate, &p)
	return &p, nil
}

// resolveParticipantConflict classifies a guarded participant update that
// matched no rows
func (s *Store) resolveParticipantConflict(ctx context.Context, callID, userID uuid.UUID, wanted domain.ParticipantStatus) (*domain.CallParticipant, error) {
	participants, err := s.GetParticipants(ctx, callID)
	if err != nil {
		return nil, err
	}
	for i := range participants {
		if participants[i].UserID == userID {
			if participants[i].Status == wanted {
				return &participants[i], nil
			}
			return nil, apperrors.StaleStateError("participant row moved to " + string(participants[i].Status))
		}
	}
	return nil, apperrors.NotFoundError("call participant")
}

// GetCall retrieves a call by ID
func (s *Store) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, call_type, status, started_at, ended_at
		FROM calls
		WHERE call_id = $1
	`

	var call domain.Call
	err := s.execRetry(ctx, "get_call", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, callID).Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CallType,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	return &call, nil
}

// GetParticipants retrieves all participant rows for a call
func (s *Store) GetParticipants(ctx context.Context, callID uuid.UUID) ([]domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, status, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC NULLS LAST, user_id ASC
	`

	var participants []domain.CallParticipant
	err := s.execRetry(ctx, "get_participants", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, callID)
		if err != nil {
			return err
		}
		defer rows.Close()

		participants = participants[:0]
		for rows.Next() {
			var p domain.CallParticipant
			if err := rows.Scan(&p.CallID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt); err != nil {
				return err
			}
			participants = append(participants, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return participants, nil
}

// ActiveCallForConversation returns the single ringing or active call for
// a conversation, or nil if there is none. At most one such call exists
// per conversation (application-enforced).
func (s *Store) ActiveCallForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, call_type, status, started_at, ended_at
		FROM calls
		WHERE conversation_id = $1
		  AND status IN ('ringing', 'active')
		ORDER BY started_at DESC
		LIMIT 1
	`

	var call domain.Call
	err := s.execRetry(ctx, "active_call_for_conversation", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, conversationID).Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CallType,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.DatabaseError(err)
	}

	return &call, nil
}

func (s *Store) publishCall(ctx context.Context, kind domain.ChangeKind, call *domain.Call) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishCallChange(ctx, domain.CallChange{Kind: kind, Call: *call}); err != nil {
		logger.Warn("Failed to publish call change",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}
}

func (s *Store) publishParticipant(ctx context.Context, kind domain.ChangeKind, p *domain.CallParticipant) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishParticipantChange(ctx, domain.ParticipantChange{Kind: kind, Participant: *p}); err != nil {
		logger.Warn("Failed to publish participant change",
			zap.String("call_id", p.CallID.String()),
			zap.String("user_id", p.UserID.String()),
			zap.Error(err))
	}
}
