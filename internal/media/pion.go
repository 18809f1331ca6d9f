package media

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-callkit/pkg/logger"
)

// pliInterval is how often a keyframe is requested from remote video
// senders; decoders joining mid-stream stay black until one arrives
const pliInterval = 3 * time.Second

// PionFactory builds pion peer connections sharing one webrtc.API
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory creates a factory. configureEngine populates codecs on
// the media engine; pass nil to register pion's defaults (receive-only
// setups without a local capture pipeline).
func NewPionFactory(configureEngine func(*webrtc.MediaEngine) error, stunURLs []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if configureEngine != nil {
		if err := configureEngine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: relay paths can have short outages during
	// re-keying or failover and the default 5s disconnect is too eager
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}

	return &PionFactory{
		api:        api,
		iceServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}, nil
}

var _ PeerFactory = (*PionFactory)(nil)

// NewPeer creates a peer connection carrying the local stream's tracks,
// or receive-only transceivers when the stream has none to offer
func (f *PionFactory) NewPeer(_ context.Context, stream LocalStream, remoteID uuid.UUID) (Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	attached := false
	if provider, ok := stream.(WebRTCTrackProvider); ok {
		for _, track := range provider.WebRTCTracks() {
			if _, err := pc.AddTrack(track); err != nil {
				logger.Warn("Failed to attach local track",
					zap.String("participant_id", remoteID.String()),
					zap.Error(err))
				continue
			}
			attached = true
		}
	}
	if !attached {
		// No local media: recvonly transceivers keep valid m-lines in
		// the SDP so negotiation still succeeds
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	peer := &pionPeer{
		remoteID: remoteID,
		pc:       pc,
		done:     make(chan struct{}),
	}
	pc.OnTrack(peer.handleTrack)
	pc.OnICECandidate(peer.handleCandidate)
	return peer, nil
}

type pionPeer struct {
	remoteID uuid.UUID
	pc       *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(string)
	onStream    func(RemoteStream)
	announced   bool
	closed      bool

	done chan struct{}
}

func (p *pionPeer) OnICECandidate(h func(candidate string)) {
	p.mu.Lock()
	p.onCandidate = h
	p.mu.Unlock()
}

func (p *pionPeer) OnRemoteStream(h func(RemoteStream)) {
	p.mu.Lock()
	p.onStream = h
	p.mu.Unlock()
}

func (p *pionPeer) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) AcceptOffer(_ context.Context, sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) AcceptAnswer(_ context.Context, sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	return p.pc.SetRemoteDescription(remote)
}

func (p *pionPeer) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return err
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	return p.pc.Close()
}

// handleCandidate forwards locally gathered candidates (trickle ICE)
func (p *pionPeer) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		logger.Warn("Failed to marshal ICE candidate", zap.Error(err))
		return
	}

	p.mu.Lock()
	h := p.onCandidate
	p.mu.Unlock()
	if h != nil {
		h(string(payload))
	}
}

// handleTrack announces the remote stream on the first track and marks
// later tracks as resumed so the UI retries playback instead of adding
// a participant
func (p *pionPeer) handleTrack(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := TrackKindAudio
	if remoteTrack.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackKindVideo
	}

	p.mu.Lock()
	resumed := p.announced
	p.announced = true
	h := p.onStream
	p.mu.Unlock()

	logger.Debug("Remote track arrived",
		zap.String("participant_id", p.remoteID.String()),
		zap.String("kind", string(kind)),
		zap.Bool("resumed", resumed))

	if h != nil {
		h(RemoteStream{ParticipantID: p.remoteID, Kind: kind, Resumed: resumed})
	}

	if kind == TrackKindVideo {
		go p.keyframeLoop(remoteTrack)
	}
	go p.drainTrack(remoteTrack)
}

// keyframeLoop sends an immediate PLI and then one every pliInterval
// until the peer closes
func (p *pionPeer) keyframeLoop(track *webrtc.TrackRemote) {
	sendPLI := func() {
		_ = p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
	}
	sendPLI()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

// drainTrack keeps the RTP flow moving; rendering is the UI layer's job
func (p *pionPeer) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		if _, _, err := track.Read(buf); err != nil {
			if err != io.EOF {
				logger.Debug("Remote track read ended",
					zap.String("participant_id", p.remoteID.String()),
					zap.Error(err))
			}
			return
		}
	}
}
