package media

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callkit/internal/domain"
	apperrors "secureconnect-callkit/pkg/errors"
)

type fakeTrack struct {
	mu      sync.Mutex
	kind    TrackKind
	enabled bool
	closed  bool
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type fakeStream struct {
	mu      sync.Mutex
	tracks  []*fakeTrack
	release func()
	closed  bool
}

func (s *fakeStream) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Close()
	}
	if s.release != nil {
		s.release()
	}
	return nil
}

type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	held     bool
	acquired int
	streams  []*fakeStream
}

func (c *fakeCapturer) Acquire(_ context.Context, callType domain.CallType) (LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.held {
		return nil, apperrors.DeviceBusyError()
	}
	c.held = true
	c.acquired++
	tracks := []*fakeTrack{{kind: TrackKindAudio, enabled: true}}
	if callType == domain.CallTypeVideo {
		tracks = append(tracks, &fakeTrack{kind: TrackKindVideo, enabled: true})
	}
	stream := &fakeStream{tracks: tracks, release: func() {
		c.mu.Lock()
		c.held = false
		c.mu.Unlock()
	}}
	c.streams = append(c.streams, stream)
	return stream, nil
}

type fakePeer struct {
	mu         sync.Mutex
	remoteID   uuid.UUID
	closed     bool
	candidates []string
	onStream   func(RemoteStream)
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }
func (p *fakePeer) AcceptOffer(_ context.Context, _ string) (string, error) {
	return "answer-sdp", nil
}
func (p *fakePeer) AcceptAnswer(context.Context, string) error { return nil }
func (p *fakePeer) AddICECandidate(candidate string) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate)
	p.mu.Unlock()
	return nil
}
func (p *fakePeer) OnICECandidate(func(string)) {}
func (p *fakePeer) OnRemoteStream(h func(RemoteStream)) {
	p.mu.Lock()
	p.onStream = h
	p.mu.Unlock()
}
func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	err     error
	created []*fakePeer
}

func (f *fakeFactory) NewPeer(_ context.Context, _ LocalStream, remoteID uuid.UUID) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	peer := &fakePeer{remoteID: remoteID}
	f.created = append(f.created, peer)
	return peer, nil
}

func newTestSession() (*Session, *fakeCapturer, *fakeFactory) {
	capturer := &fakeCapturer{}
	factory := &fakeFactory{}
	return NewSession(capturer, factory, nil), capturer, factory
}

func TestInitializeAudioCall(t *testing.T) {
	session, capturer, _ := newTestSession()
	defer session.Teardown()

	stream, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)
	require.NotNil(t, stream)

	assert.Equal(t, 1, capturer.acquired)
	assert.Len(t, stream.Tracks(), 1)
	assert.Equal(t, TrackKindAudio, stream.Tracks()[0].Kind())
	assert.True(t, session.AudioEnabled())
	assert.False(t, session.VideoEnabled())
}

func TestInitializeVideoCall(t *testing.T) {
	session, _, _ := newTestSession()
	defer session.Teardown()

	stream, err := session.Initialize(context.Background(), domain.CallTypeVideo, nil)
	require.NoError(t, err)
	assert.Len(t, stream.Tracks(), 2)
	assert.True(t, session.AudioEnabled())
	assert.True(t, session.VideoEnabled())
}

func TestInitializeDeviceUnavailable(t *testing.T) {
	capturer := &fakeCapturer{err: errors.New("permission denied")}
	session := NewSession(capturer, &fakeFactory{}, nil)

	stream, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	assert.Nil(t, stream)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDeviceUnavailable))

	// The device guard must be released on failure so a later session
	// can still acquire
	next, _, _ := newTestSession()
	defer next.Teardown()
	_, err = next.Initialize(context.Background(), domain.CallTypeAudio, nil)
	assert.NoError(t, err)
}

func TestSecondInitializeFailsFast(t *testing.T) {
	capturer := &fakeCapturer{}
	first := NewSession(capturer, &fakeFactory{}, nil)
	defer first.Teardown()
	_, err := first.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)

	// Same device, second session before the first releases it
	second := NewSession(capturer, &fakeFactory{}, nil)
	stream, err := second.Initialize(context.Background(), domain.CallTypeAudio, nil)
	assert.Nil(t, stream)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDeviceBusy))
	assert.Equal(t, 1, capturer.acquired)

	// Re-initializing the same session is also refused
	_, err = first.Initialize(context.Background(), domain.CallTypeAudio, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDeviceBusy))
}

func TestAddRemoteIdempotent(t *testing.T) {
	session, _, factory := newTestSession()
	defer session.Teardown()
	_, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)

	remoteID := uuid.New()
	first, err := session.AddRemote(context.Background(), remoteID)
	require.NoError(t, err)
	second, err := session.AddRemote(context.Background(), remoteID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, session.RemoteCount())
	assert.Len(t, factory.created, 1)
}

func TestRemoveRemoteClosesPeer(t *testing.T) {
	session, _, factory := newTestSession()
	defer session.Teardown()
	_, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)

	remoteID := uuid.New()
	_, err = session.AddRemote(context.Background(), remoteID)
	require.NoError(t, err)

	session.RemoveRemote(remoteID)
	assert.Zero(t, session.RemoteCount())
	assert.True(t, factory.created[0].isClosed())

	// Unknown participant is a no-op
	session.RemoveRemote(uuid.New())
}

func TestToggleAudioTwiceReturnsToOriginal(t *testing.T) {
	session, capturer, _ := newTestSession()
	defer session.Teardown()
	_, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)

	muted := session.ToggleAudio()
	assert.False(t, muted)
	assert.False(t, capturer.streams[0].tracks[0].Enabled())

	restored := session.ToggleAudio()
	assert.True(t, restored)
	assert.True(t, capturer.streams[0].tracks[0].Enabled())
}

func TestToggleVideoMatchesTrackFlags(t *testing.T) {
	session, capturer, _ := newTestSession()
	defer session.Teardown()
	_, err := session.Initialize(context.Background(), domain.CallTypeVideo, nil)
	require.NoError(t, err)

	assert.False(t, session.ToggleVideo())
	for _, track := range capturer.streams[0].tracks {
		if track.Kind() == TrackKindVideo {
			assert.False(t, track.Enabled())
		} else {
			assert.True(t, track.Enabled(), "audio must be untouched by a video toggle")
		}
	}
	assert.True(t, session.ToggleVideo())
}

func TestTeardownIdempotent(t *testing.T) {
	session, capturer, factory := newTestSession()
	_, err := session.Initialize(context.Background(), domain.CallTypeVideo, nil)
	require.NoError(t, err)
	_, err = session.AddRemote(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = session.AddRemote(context.Background(), uuid.New())
	require.NoError(t, err)

	session.Teardown()
	session.Teardown()

	assert.Zero(t, session.RemoteCount())
	for _, peer := range factory.created {
		assert.True(t, peer.isClosed())
	}
	assert.True(t, capturer.streams[0].closed)
	for _, track := range capturer.streams[0].tracks {
		assert.True(t, track.closed)
	}

	// Device released: a fresh session can acquire the same device again
	next := NewSession(capturer, &fakeFactory{}, nil)
	defer next.Teardown()
	_, err = next.Initialize(context.Background(), domain.CallTypeAudio, nil)
	assert.NoError(t, err)
}

func TestAddRemoteAfterTeardown(t *testing.T) {
	session, _, _ := newTestSession()
	_, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)
	session.Teardown()

	_, err = session.AddRemote(context.Background(), uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStaleState))
}

func TestRemoteStreamForwarded(t *testing.T) {
	session, _, factory := newTestSession()
	defer session.Teardown()

	var got []RemoteStream
	var mu sync.Mutex
	session.OnRemoteStream(func(rs RemoteStream) {
		mu.Lock()
		got = append(got, rs)
		mu.Unlock()
	})

	_, err := session.Initialize(context.Background(), domain.CallTypeAudio, nil)
	require.NoError(t, err)

	remoteID := uuid.New()
	_, err = session.AddRemote(context.Background(), remoteID)
	require.NoError(t, err)

	factory.created[0].onStream(RemoteStream{ParticipantID: remoteID, Kind: TrackKindAudio})
	factory.created[0].onStream(RemoteStream{ParticipantID: remoteID, Kind: TrackKindAudio, Resumed: true})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, remoteID, got[0].ParticipantID)
	assert.False(t, got[0].Resumed)
	assert.True(t, got[1].Resumed, "a resumed track must re-trigger playback, not add a participant")
}
