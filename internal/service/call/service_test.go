package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/internal/feed"
	"secureconnect-callkit/internal/media"
	"secureconnect-callkit/internal/signaling"
	apperrors "secureconnect-callkit/pkg/errors"
)

// memStore is an in-memory RecordStore with the same guarded-mutation
// semantics as the CockroachDB client: terminal rows never move, racing
// same-status writers converge, and joins require a non-terminal call.
type memStore struct {
	mu           sync.Mutex
	pub          feed.Publisher
	calls        map[uuid.UUID]*domain.Call
	parts        map[uuid.UUID]map[uuid.UUID]*domain.CallParticipant
	failInvites  bool
	failActivate bool
}

func newMemStore(pub feed.Publisher) *memStore {
	return &memStore{
		pub:   pub,
		calls: make(map[uuid.UUID]*domain.Call),
		parts: make(map[uuid.UUID]map[uuid.UUID]*domain.CallParticipant),
	}
}

func (s *memStore) CreateCall(ctx context.Context, conversationID, callerID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CallType:       callType,
		Status:         domain.CallStatusRinging,
		StartedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.calls[call.CallID] = call
	s.parts[call.CallID] = make(map[uuid.UUID]*domain.CallParticipant)
	copied := *call
	s.mu.Unlock()

	s.pub.PublishCallChange(ctx, domain.CallChange{Kind: domain.ChangeInsert, Call: copied})
	return &copied, nil
}

func (s *memStore) InsertParticipants(ctx context.Context, callID uuid.UUID, userIDs []uuid.UUID, initial domain.ParticipantStatus) ([]domain.CallParticipant, error) {
	if s.failInvites && initial == domain.ParticipantStatusInvited {
		return nil, apperrors.RecordWriteFailedError(assert.AnError)
	}

	now := time.Now().UTC()
	inserted := make([]domain.CallParticipant, 0, len(userIDs))

	s.mu.Lock()
	rows := s.parts[callID]
	for _, userID := range userIDs {
		if _, exists := rows[userID]; exists {
			continue
		}
		p := &domain.CallParticipant{CallID: callID, UserID: userID, Status: initial}
		if initial == domain.ParticipantStatusJoined {
			p.JoinedAt = &now
		}
		rows[userID] = p
		inserted = append(inserted, *p)
	}
	s.mu.Unlock()

	for i := range inserted {
		s.pub.PublishParticipantChange(ctx, domain.ParticipantChange{Kind: domain.ChangeInsert, Participant: inserted[i]})
	}
	return inserted, nil
}

func (s *memStore) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error) {
	if s.failActivate && status == domain.CallStatusActive {
		return nil, apperrors.RecordWriteFailedError(assert.AnError)
	}
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	if call.Status.Terminal() {
		copied := *call
		s.mu.Unlock()
		if copied.Status == status {
			return &copied, nil
		}
		return nil, apperrors.StaleStateError("call already in terminal status " + string(copied.Status))
	}
	call.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		call.EndedAt = &now
	}
	copied := *call
	s.mu.Unlock()

	s.pub.PublishCallChange(ctx, domain.CallChange{Kind: domain.ChangeUpdate, Call: copied})
	return &copied, nil
}

func (s *memStore) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error) {
	var from domain.ParticipantStatus
	switch status {
	case domain.ParticipantStatusJoined, domain.ParticipantStatusRejected:
		from = domain.ParticipantStatusInvited
	case domain.ParticipantStatusLeft:
		from = domain.ParticipantStatusJoined
	default:
		return nil, apperrors.InvalidInputError("invalid participant status " + string(status))
	}

	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	row, ok := s.parts[callID][userID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFoundError("call participant")
	}
	allowed := row.Status == from && (status != domain.ParticipantStatusJoined || !call.Status.Terminal())
	if !allowed {
		copied := *row
		s.mu.Unlock()
		if copied.Status == status {
			return &copied, nil
		}
		return nil, apperrors.StaleStateError("participant row moved to " + string(copied.Status))
	}
	now := time.Now().UTC()
	row.Status = status
	switch status {
	case domain.ParticipantStatusJoined:
		row.JoinedAt = &now
	case domain.ParticipantStatusLeft:
		row.LeftAt = &now
	}
	copied := *row
	s.mu.Unlock()

	s.pub.PublishParticipantChange(ctx, domain.ParticipantChange{Kind: domain.ChangeUpdate, Participant: copied})
	return &copied, nil
}

func (s *memStore) GetCall(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	copied := *call
	return &copied, nil
}

func (s *memStore) GetParticipants(_ context.Context, callID uuid.UUID) ([]domain.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallParticipant
	for _, p := range s.parts[callID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) ActiveCallForConversation(_ context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range s.calls {
		if call.ConversationID == conversationID && !call.Status.Terminal() {
			copied := *call
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) callStatus(t *testing.T, callID uuid.UUID) domain.CallStatus {
	t.Helper()
	call, err := s.GetCall(context.Background(), callID)
	require.NoError(t, err)
	return call.Status
}

func (s *memStore) participantStatus(t *testing.T, callID, userID uuid.UUID) domain.ParticipantStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.parts[callID][userID]
	require.True(t, ok, "participant row missing")
	return row.Status
}

// Media fakes

type testCapturer struct {
	mu  sync.Mutex
	err error
}

type testStream struct{ tracks []media.LocalTrack }

func (s *testStream) Tracks() []media.LocalTrack { return s.tracks }
func (s *testStream) Close() error               { return nil }

type testTrack struct {
	mu      sync.Mutex
	kind    media.TrackKind
	enabled bool
}

func (t *testTrack) Kind() media.TrackKind { return t.kind }
func (t *testTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}
func (t *testTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *testTrack) Close() error { return nil }

func (c *testCapturer) Acquire(_ context.Context, callType domain.CallType) (media.LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	tracks := []media.LocalTrack{&testTrack{kind: media.TrackKindAudio, enabled: true}}
	if callType == domain.CallTypeVideo {
		tracks = append(tracks, &testTrack{kind: media.TrackKindVideo, enabled: true})
	}
	return &testStream{tracks: tracks}, nil
}

type testPeer struct {
	mu            sync.Mutex
	remoteID      uuid.UUID
	offersSent    int
	offersTaken   int
	answersTaken  int
	candidates    int
	closed        bool
	streamHandler func(media.RemoteStream)
}

func (p *testPeer) CreateOffer(context.Context) (string, error) {
	p.mu.Lock()
	p.offersSent++
	p.mu.Unlock()
	return "offer-sdp", nil
}

func (p *testPeer) AcceptOffer(context.Context, string) (string, error) {
	p.mu.Lock()
	p.offersTaken++
	p.mu.Unlock()
	return "answer-sdp", nil
}

func (p *testPeer) AcceptAnswer(context.Context, string) error {
	p.mu.Lock()
	p.answersTaken++
	p.mu.Unlock()
	return nil
}

func (p *testPeer) AddICECandidate(string) error {
	p.mu.Lock()
	p.candidates++
	p.mu.Unlock()
	return nil
}

func (p *testPeer) OnICECandidate(func(string)) {}
func (p *testPeer) OnRemoteStream(h func(media.RemoteStream)) {
	p.mu.Lock()
	p.streamHandler = h
	p.mu.Unlock()
}
func (p *testPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *testPeer) negotiated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answersTaken > 0 || p.offersTaken > 0
}

type testFactory struct {
	mu    sync.Mutex
	peers []*testPeer
}

func (f *testFactory) NewPeer(_ context.Context, _ media.LocalStream, remoteID uuid.UUID) (media.Peer, error) {
	peer := &testPeer{remoteID: remoteID}
	f.mu.Lock()
	f.peers = append(f.peers, peer)
	f.mu.Unlock()
	return peer, nil
}

func (f *testFactory) peerFor(remoteID uuid.UUID) *testPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p.remoteID == remoteID {
			return p
		}
	}
	return nil
}

// Agent harness

type eventSink struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (s *eventSink) collect(svc *Service) {
	go func() {
		for ev := range svc.Events() {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		}
	}()
}

func (s *eventSink) has(t domain.CallEventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type testAgent struct {
	id       uuid.UUID
	svc      *Service
	capturer *testCapturer
	factory  *testFactory
	events   *eventSink
}

func newTestAgent(store RecordStore, fd feed.Feed, transport signaling.Transport) *testAgent {
	a := &testAgent{
		id:       uuid.New(),
		capturer: &testCapturer{},
		factory:  &testFactory{},
		events:   &eventSink{},
	}
	a.svc = NewService(a.id, store, fd, transport, a.capturer, a.factory, nil)
	a.events.collect(a.svc)
	return a
}

func (a *testAgent) remoteCount() int {
	a.svc.mu.Lock()
	defer a.svc.mu.Unlock()
	if a.svc.session == nil {
		return 0
	}
	return a.svc.session.RemoteCount()
}

type fixture struct {
	feed  *feed.MemoryFeed
	bus   *signaling.MemoryBus
	store *memStore
}

func newFixture() *fixture {
	f := &fixture{feed: feed.NewMemoryFeed(), bus: signaling.NewMemoryBus()}
	f.store = newMemStore(f.feed)
	return f
}

func (f *fixture) agent() *testAgent {
	return newTestAgent(f.store, f.feed, f.bus)
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// Tests

func TestInitiateCreatesRecords(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	calleeID := uuid.New()
	conversationID := uuid.New()

	call, err := caller.svc.Initiate(context.Background(), conversationID, []uuid.UUID{calleeID}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())

	assert.Equal(t, StateRinging, caller.svc.State())
	assert.Equal(t, domain.CallStatusRinging, f.store.callStatus(t, call.CallID))
	assert.Equal(t, domain.ParticipantStatusJoined, f.store.participantStatus(t, call.CallID, caller.id))
	assert.Equal(t, domain.ParticipantStatusInvited, f.store.participantStatus(t, call.CallID, calleeID))

	require.Eventually(t, func() bool { return caller.events.has(domain.EventRinging) }, waitFor, tick)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture()
	caller := f.agent()

	_, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, domain.CallType("screen"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = caller.svc.Initiate(context.Background(), uuid.New(), nil, domain.CallTypeAudio)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	assert.Equal(t, StateIdle, caller.svc.State())
}

func TestInitiateRefusedWhileConversationBusy(t *testing.T) {
	f := newFixture()
	first := f.agent()
	second := f.agent()
	conversationID := uuid.New()

	_, err := first.svc.Initiate(context.Background(), conversationID, []uuid.UUID{second.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer first.svc.End(context.Background())

	_, err = second.svc.Initiate(context.Background(), conversationID, []uuid.UUID{first.id}, domain.CallTypeAudio)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	assert.Equal(t, StateIdle, second.svc.State())
}

func TestInitiateCompensatesFailedParticipantInsert(t *testing.T) {
	f := newFixture()
	f.store.failInvites = true
	caller := f.agent()
	conversationID := uuid.New()

	_, err := caller.svc.Initiate(context.Background(), conversationID, []uuid.UUID{uuid.New()}, domain.CallTypeAudio)
	require.Error(t, err)
	assert.Equal(t, StateIdle, caller.svc.State())

	// The partially created call must not be left ringing
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.calls, 1)
	for _, call := range f.store.calls {
		assert.Equal(t, domain.CallStatusEnded, call.Status)
	}
}

func TestInitiateDeviceUnavailable(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	caller.capturer.err = assert.AnError

	_, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, domain.CallTypeVideo)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeDeviceUnavailable))
	assert.Equal(t, StateIdle, caller.svc.State())

	// Compensation: the record is terminal, so callees never ring
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, call := range f.store.calls {
		assert.Equal(t, domain.CallStatusEnded, call.Status)
	}
}

func TestAcceptActivatesCallAndConnectsPeers(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())
	defer callee.svc.End(context.Background())

	require.NoError(t, callee.svc.Accept(context.Background(), call.CallID))

	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))
	assert.Equal(t, StateActive, callee.svc.State())

	// The caller observes the join via the feed
	require.Eventually(t, func() bool { return caller.svc.State() == StateActive }, waitFor, tick)
	require.Eventually(t, func() bool { return caller.events.has(domain.EventParticipantJoined) }, waitFor, tick)

	// Both ends hold one peer connection and finished offer/answer
	require.Eventually(t, func() bool {
		return caller.remoteCount() == 1 && callee.remoteCount() == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		callerPeer := caller.factory.peerFor(callee.id)
		calleePeer := callee.factory.peerFor(caller.id)
		return callerPeer != nil && calleePeer != nil &&
			callerPeer.negotiated() && calleePeer.negotiated()
	}, waitFor, tick)
}

func TestThreePersonScenario(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	accepting := f.agent()
	rejecting := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(),
		[]uuid.UUID{accepting.id, rejecting.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())
	defer accepting.svc.End(context.Background())

	assert.Equal(t, domain.ParticipantStatusInvited, f.store.participantStatus(t, call.CallID, accepting.id))
	assert.Equal(t, domain.ParticipantStatusInvited, f.store.participantStatus(t, call.CallID, rejecting.id))

	require.NoError(t, accepting.svc.Accept(context.Background(), call.CallID))
	require.NoError(t, rejecting.svc.Reject(context.Background(), call.CallID))

	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))
	assert.Equal(t, domain.ParticipantStatusJoined, f.store.participantStatus(t, call.CallID, caller.id))
	assert.Equal(t, domain.ParticipantStatusJoined, f.store.participantStatus(t, call.CallID, accepting.id))
	assert.Equal(t, domain.ParticipantStatusRejected, f.store.participantStatus(t, call.CallID, rejecting.id))

	// Mesh of exactly two: the rejecting participant never connects
	require.Eventually(t, func() bool {
		return caller.remoteCount() == 1 && accepting.remoteCount() == 1
	}, waitFor, tick)
	assert.Equal(t, StateIdle, rejecting.svc.State())
}

func TestFullMeshForThreeJoined(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	first := f.agent()
	second := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(),
		[]uuid.UUID{first.id, second.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())
	defer first.svc.End(context.Background())
	defer second.svc.End(context.Background())

	require.NoError(t, first.svc.Accept(context.Background(), call.CallID))
	require.NoError(t, second.svc.Accept(context.Background(), call.CallID))

	// Every joined participant ends up with N-1 peer connections
	require.Eventually(t, func() bool {
		return caller.remoteCount() == 2 && first.remoteCount() == 2 && second.remoteCount() == 2
	}, waitFor, tick)
}

func TestConcurrentAcceptsConverge(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	first := f.agent()
	second := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(),
		[]uuid.UUID{first.id, second.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())
	defer first.svc.End(context.Background())
	defer second.svc.End(context.Background())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = first.svc.Accept(context.Background(), call.CallID) }()
	go func() { defer wg.Done(); errs[1] = second.svc.Accept(context.Background(), call.CallID) }()
	wg.Wait()

	// Both racing activations succeed; the record converges on active
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))
}

func TestAcceptAfterCallEnded(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, caller.svc.End(context.Background()))
	require.Equal(t, domain.CallStatusEnded, f.store.callStatus(t, call.CallID))

	err = callee.svc.Accept(context.Background(), call.CallID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStaleState))
	assert.Equal(t, StateIdle, callee.svc.State())
	assert.NotEqual(t, domain.ParticipantStatusJoined, f.store.participantStatus(t, call.CallID, callee.id))
}

func TestFailedActivationUndoesJoin(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())

	f.store.failActivate = true
	err = callee.svc.Accept(context.Background(), call.CallID)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeRecordWriteFailed))

	// The committed joined row must not linger with the client gone
	assert.Equal(t, domain.ParticipantStatusLeft, f.store.participantStatus(t, call.CallID, callee.id))
	assert.Equal(t, StateIdle, callee.svc.State())
	assert.Equal(t, domain.CallStatusRinging, f.store.callStatus(t, call.CallID))
}

func TestRejectNeverFlipsCallStatus(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())

	require.NoError(t, callee.svc.Reject(context.Background(), call.CallID))

	assert.Equal(t, domain.CallStatusRinging, f.store.callStatus(t, call.CallID))
	assert.Equal(t, domain.ParticipantStatusRejected, f.store.participantStatus(t, call.CallID, callee.id))
}

func TestCallerEndsWhileRinging(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	calleeID := uuid.New()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{calleeID}, domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, caller.svc.End(context.Background()))

	assert.Equal(t, domain.CallStatusEnded, f.store.callStatus(t, call.CallID))
	assert.Equal(t, domain.ParticipantStatusLeft, f.store.participantStatus(t, call.CallID, caller.id))
	assert.Equal(t, StateIdle, caller.svc.State())
	require.Eventually(t, func() bool { return caller.events.has(domain.EventEnded) }, waitFor, tick)
}

func TestPeerLeaveThenLastParticipantEnds(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, callee.svc.Accept(context.Background(), call.CallID))
	require.Eventually(t, func() bool { return caller.svc.State() == StateActive }, waitFor, tick)

	// The callee leaves, but the caller is still active, so the shared
	// record stays active
	require.NoError(t, callee.svc.End(context.Background()))
	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))
	assert.Equal(t, domain.ParticipantStatusLeft, f.store.participantStatus(t, call.CallID, callee.id))
	assert.Equal(t, StateIdle, callee.svc.State())

	// The caller observes the leave and drops the peer while the call
	// keeps going
	require.Eventually(t, func() bool { return caller.events.has(domain.EventParticipantLeft) }, waitFor, tick)
	require.Eventually(t, func() bool { return caller.remoteCount() == 0 }, waitFor, tick)
	assert.Equal(t, StateActive, caller.svc.State())

	// The last active participant leaving ends the whole call
	require.NoError(t, caller.svc.End(context.Background()))
	assert.Equal(t, domain.CallStatusEnded, f.store.callStatus(t, call.CallID))
	require.Eventually(t, func() bool { return caller.events.has(domain.EventEnded) }, waitFor, tick)
	assert.Equal(t, StateIdle, caller.svc.State())
}

func TestRemoteEndedStatusTearsDownObservers(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, callee.svc.Accept(context.Background(), call.CallID))
	require.Eventually(t, func() bool { return caller.svc.State() == StateActive }, waitFor, tick)

	// The record reaching a terminal status (a backend policy write, for
	// instance) tears every observer down without local action
	_, err = f.store.UpdateCallStatus(context.Background(), call.CallID, domain.CallStatusEnded)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return caller.svc.State() == StateIdle }, waitFor, tick)
	require.Eventually(t, func() bool { return callee.svc.State() == StateIdle }, waitFor, tick)
	require.Eventually(t, func() bool { return caller.events.has(domain.EventEnded) }, waitFor, tick)
	require.Eventually(t, func() bool { return callee.events.has(domain.EventEnded) }, waitFor, tick)
	assert.Zero(t, caller.remoteCount())
	assert.Zero(t, callee.remoteCount())
}

func TestEndIsIdempotentAcrossPaths(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	callee := f.agent()

	call, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{callee.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, callee.svc.Accept(context.Background(), call.CallID))

	// Hangup button and unmount racing each other
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, callee.svc.End(context.Background()))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return callee.svc.State() == StateIdle }, waitFor, tick)
	assert.Equal(t, domain.ParticipantStatusLeft, f.store.participantStatus(t, call.CallID, callee.id))
}

func TestSignalingLossForOneParticipantKeepsCallActive(t *testing.T) {
	f := newFixture()
	caller := f.agent()
	other := f.agent()

	// The isolated participant signals over a bus nobody else is on,
	// as if its transport path dropped mid-negotiation
	isolatedBus := signaling.NewMemoryBus()
	isolated := newTestAgent(f.store, f.feed, isolatedBus)

	call, err := caller.svc.Initiate(context.Background(), uuid.New(),
		[]uuid.UUID{other.id, isolated.id}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())
	defer other.svc.End(context.Background())

	require.NoError(t, other.svc.Accept(context.Background(), call.CallID))
	require.NoError(t, isolated.svc.Accept(context.Background(), call.CallID))

	// Caller and the reachable callee exchange offer/answer
	require.Eventually(t, func() bool {
		callerPeer := caller.factory.peerFor(other.id)
		otherPeer := other.factory.peerFor(caller.id)
		return callerPeer != nil && otherPeer != nil &&
			callerPeer.negotiated() && otherPeer.negotiated()
	}, waitFor, tick)

	// The isolated participant never completes negotiation with anyone
	for _, peer := range isolated.factory.peers {
		assert.False(t, peer.negotiated())
	}

	// Degradation never touches the shared record
	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))

	// The isolated side fails locally once its transport gives up: the
	// first break is absorbed by the single reconnect, the next one is
	// fatal. Breaking in a loop rides out the reconnect race.
	require.Eventually(t, func() bool {
		isolatedBus.Break(call.CallID)
		return isolated.svc.State() == StateIdle
	}, waitFor, 50*time.Millisecond)
	require.Eventually(t, func() bool { return isolated.events.has(domain.EventError) }, waitFor, tick)
	assert.Equal(t, domain.CallStatusActive, f.store.callStatus(t, call.CallID))
}

func TestToggleAudioTwiceRoundTrips(t *testing.T) {
	f := newFixture()
	caller := f.agent()

	_, err := caller.svc.Initiate(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, domain.CallTypeAudio)
	require.NoError(t, err)
	defer caller.svc.End(context.Background())

	muted, err := caller.svc.ToggleAudio(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, caller.svc.AudioEnabled())

	restored, err := caller.svc.ToggleAudio(context.Background())
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, caller.svc.AudioEnabled())
}

func TestToggleWithoutCall(t *testing.T) {
	f := newFixture()
	agent := f.agent()

	_, err := agent.svc.ToggleAudio(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}
