// Package peertest provides an in-memory peer connection that follows the
// offer/answer state machine without any networking.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/consult-signaling/internal/peer"
	"github.com/pion/webrtc/v4"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// Factory hands out Conns and remembers them.
type Factory struct {
	// Stall keeps connections in the connecting state forever.
	Stall bool
	// Err fails every NewConn.
	Err error

	mu    sync.Mutex
	conns []*Conn
}

func (f *Factory) NewConn() (peer.Conn, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Conn{
		id:        len(f.conns) + 1,
		stall:     f.Stall,
		sigState:  webrtc.SignalingStateStable,
		connState: webrtc.PeerConnectionStateNew,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// SetStall changes Stall for connections created from now on.
func (f *Factory) SetStall(stall bool) {
	f.mu.Lock()
	f.Stall = stall
	f.mu.Unlock()
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently created Conn, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn implements peer.Conn. Once both descriptions are applied it gathers
// one host candidate and moves to connected, unless stalled.
type Conn struct {
	id    int
	stall bool

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	sigState   webrtc.SignalingState
	connState  webrtc.PeerConnectionState
	applied    []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	senders    []*Sender
	closeCalls int

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(peer.RemoteTrack)
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connState == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, errors.New("connection closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", c.id)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer %d", c.id)}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.sigState == webrtc.SignalingStateStable:
		c.sigState = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.sigState == webrtc.SignalingStateHaveRemoteOffer:
		c.sigState = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return fmt.Errorf("set local %s in state %s", desc.Type, c.sigState)
	}
	c.local = &desc
	c.mu.Unlock()

	c.gather()
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.sigState == webrtc.SignalingStateStable:
		c.sigState = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.sigState == webrtc.SignalingStateHaveLocalOffer:
		c.sigState = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return fmt.Errorf("set remote %s in state %s", desc.Type, c.sigState)
	}
	c.remote = &desc
	c.mu.Unlock()

	c.maybeConnect()
	return nil
}

// gather emits one local candidate, as pion does after the local
// description is set.
func (c *Conn) gather() {
	c.mu.Lock()
	fn := c.onCandidate
	candidate := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 50000 typ host", c.id, c.id)}
	c.mu.Unlock()
	if fn != nil {
		go fn(candidate)
	}
	c.maybeConnect()
}

func (c *Conn) maybeConnect() {
	c.mu.Lock()
	ready := c.local != nil && c.remote != nil && c.sigState == webrtc.SignalingStateStable &&
		c.connState == webrtc.PeerConnectionStateNew
	if ready {
		c.connState = webrtc.PeerConnectionStateConnecting
	}
	stall := c.stall
	c.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		c.Emit(webrtc.PeerConnectionStateConnecting)
		if !stall {
			c.Emit(webrtc.PeerConnectionStateConnected)
		}
	}()
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, candidate)
	return nil
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	s := &Sender{track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigState
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(peer.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	already := c.connState == webrtc.PeerConnectionStateClosed
	c.connState = webrtc.PeerConnectionStateClosed
	c.sigState = webrtc.SignalingStateClosed
	c.mu.Unlock()
	if !already {
		c.Emit(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Emit reports state to the registered callback.
func (c *Conn) Emit(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	if state != webrtc.PeerConnectionStateClosed && c.connState == webrtc.PeerConnectionStateClosed {
		c.mu.Unlock()
		return
	}
	c.connState = state
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitTrack delivers a remote track to the registered callback.
func (c *Conn) EmitTrack(t peer.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Applied returns the remote candidates added, in order.
func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Sender records track replacements.
type Sender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// RemoteTrack is a stand-in for a received track.
type RemoteTrack struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t RemoteTrack) ID() string                { return t.TrackID }
func (t RemoteTrack) StreamID() string          { return t.Stream }
func (t RemoteTrack) Kind() webrtc.RTPCodecType { return t.Type }
