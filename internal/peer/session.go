// Package peer manages one connection and one data channel per remote
// peer, translating transport callbacks into explicit state transitions.
package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const channelLabel = "file-transfer"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultConfig returns the STUN-only connection configuration.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// Signaler carries negotiation messages to the remote peer via the
// relay.
type Signaler interface {
	SendOffer(targetID string, offer webrtc.SessionDescription) error
	SendAnswer(targetID string, answer webrtc.SessionDescription) error
	SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error
}

type Options struct {
	PeerID   string
	IsHost   bool
	Signaler Signaler
	Logger   *logrus.Logger
	Config   webrtc.Configuration

	// OnEstablished fires exactly once, when the connection reports
	// connected and the data channel is open.
	OnEstablished func()
	// OnChannelOpen fires whenever the data channel opens, with the
	// channel to attach transfer machinery to.
	OnChannelOpen func(dc *webrtc.DataChannel)
	OnMessage     func(msg webrtc.DataChannelMessage)
	// OnFailed fires after the single ICE-restart attempt has also
	// failed; the owner should discard the session and start over.
	OnFailed func()
}

// Session owns the connection and the single data channel to one remote
// peer. Only the host side ever creates the channel; the guest accepts
// the one delivered by the transport.
type Session struct {
	peerID string
	isHost bool
	log    *logrus.Logger
	sig    Signaler

	pc *webrtc.PeerConnection

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	connState   ConnectionState
	chanState   ChannelState
	established bool
	restarted   bool
	closed      bool

	pendingCandidates []webrtc.ICECandidateInit

	onEstablished func()
	onChannelOpen func(dc *webrtc.DataChannel)
	onMessage     func(msg webrtc.DataChannelMessage)
	onFailed      func()
}

func NewSession(opts Options) (*Session, error) {
	config := opts.Config
	if len(config.ICEServers) == 0 {
		config = DefaultConfig()
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	s := &Session{
		peerID:        opts.PeerID,
		isHost:        opts.IsHost,
		log:           opts.Logger,
		sig:           opts.Signaler,
		pc:            pc,
		connState:     ConnectionNew,
		chanState:     ChannelNone,
		onEstablished: opts.OnEstablished,
		onChannelOpen: opts.OnChannelOpen,
		onMessage:     opts.OnMessage,
		onFailed:      opts.OnFailed,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sig.SendCandidate(s.peerID, c.ToJSON()); err != nil {
			s.log.Warnf("peer %s: failed to send ICE candidate: %v", s.peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debugf("peer %s: connection state %s", s.peerID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			s.connState = ConnectionConnected
			s.mu.Unlock()
			s.maybeEstablish()
		case webrtc.PeerConnectionStateFailed:
			s.handleFailure()
		case webrtc.PeerConnectionStateClosed:
			s.mu.Lock()
			s.connState = ConnectionClosed
			s.mu.Unlock()
		}
	})

	if !opts.IsHost {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.log.Debugf("peer %s: received data channel %q", s.peerID, dc.Label())
			s.setupChannel(dc)
		})
	}

	return s, nil
}

func (s *Session) PeerID() string { return s.peerID }
func (s *Session) IsHost() bool   { return s.isHost }

// Channel returns the data channel, or nil before one exists.
func (s *Session) Channel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// States reports the two independently-tracked readiness conditions.
func (s *Session) States() (ConnectionState, ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState, s.chanState
}

// StartNegotiation creates the data channel (host side, before the
// offer so the SDP includes channel metadata) and sends the offer.
func (s *Session) StartNegotiation() error {
	if !s.isHost {
		return fmt.Errorf("peer %s: only the host initiates negotiation", s.peerID)
	}
	if err := s.ensureChannel(); err != nil {
		return err
	}
	return s.sendOffer(nil)
}

func (s *Session) sendOffer(opts *webrtc.OfferOptions) error {
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	s.mu.Lock()
	if s.connState == ConnectionNew {
		s.connState = ConnectionNegotiating
	}
	s.mu.Unlock()

	return s.sig.SendOffer(s.peerID, offer)
}

// HandleOffer applies a remote offer and answers it. If a stale local
// offer is outstanding (signaling state not stable), it is rolled back
// first; a failed rollback is returned to the caller, which must
// discard this session and recreate it from scratch.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) error {
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		s.log.Debugf("peer %s: rolling back stale local offer", s.peerID)
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := s.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("rollback failed, session must be recreated: %w", err)
		}
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local answer: %w", err)
	}

	s.mu.Lock()
	if s.connState == ConnectionNew {
		s.connState = ConnectionNegotiating
	}
	s.mu.Unlock()

	return s.sig.SendAnswer(s.peerID, answer)
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	s.flushCandidates()

	// The channel normally exists already (created before the offer);
	// this covers a session resumed mid-negotiation.
	if s.isHost {
		if err := s.ensureChannel(); err != nil {
			return err
		}
	}
	return nil
}

// AddICECandidate applies a relayed candidate, buffering it until a
// remote description is in place.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if s.pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	return s.pc.AddICECandidate(candidate)
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warnf("peer %s: failed to apply buffered candidate: %v", s.peerID, err)
		}
	}
}

// Close tears down the channel and connection. All transfers owned by
// this session are abandoned by the owner before calling Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dc := s.dc
	s.connState = ConnectionClosed
	s.chanState = ChannelClosed
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return s.pc.Close()
}

func (s *Session) ensureChannel() error {
	s.mu.Lock()
	existing := s.dc
	s.mu.Unlock()
	if existing != nil {
		return nil
	}

	ordered := true
	dc, err := s.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	s.setupChannel(dc)
	return nil
}

func (s *Session) setupChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.chanState = ChannelConnecting
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Infof("peer %s: data channel open", s.peerID)
		s.mu.Lock()
		s.chanState = ChannelOpen
		onOpen := s.onChannelOpen
		s.mu.Unlock()

		if onOpen != nil {
			onOpen(dc)
		}
		s.maybeEstablish()
	})

	dc.OnClose(func() {
		s.log.Infof("peer %s: data channel closed", s.peerID)
		s.mu.Lock()
		s.chanState = ChannelClosed
		s.mu.Unlock()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	})
}

// maybeEstablish fires the established callback once, gated on both the
// connection being connected and the channel being open.
func (s *Session) maybeEstablish() {
	s.mu.Lock()
	ready := s.connState == ConnectionConnected && s.chanState == ChannelOpen && !s.established
	if ready {
		s.established = true
	}
	cb := s.onEstablished
	s.mu.Unlock()

	if ready && cb != nil {
		cb()
	}
}

// handleFailure performs the single ICE-restart attempt (host side
// re-offers with ICERestart) before reporting the session as dead.
func (s *Session) handleFailure() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connState = ConnectionFailed
	first := !s.restarted
	s.restarted = true
	s.mu.Unlock()

	if first && s.isHost {
		s.log.Warnf("peer %s: connection failed, attempting ICE restart", s.peerID)
		err := s.sendOffer(&webrtc.OfferOptions{ICERestart: true})
		if err == nil {
			return
		}
		s.log.Warnf("peer %s: ICE restart failed: %v", s.peerID, err)
	}

	if s.onFailed != nil {
		s.onFailed()
	}
}
