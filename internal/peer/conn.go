// Package peer drives one WebRTC peer connection through offer/answer
// negotiation and trickle ICE on behalf of the session orchestrator.
package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Conn is the subset of a native peer connection the manager drives.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate is called with each gathered local candidate.
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track RemoteTrack))
	Close() error
}

// Sender swaps the track carried by an outgoing stream without renegotiating.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is a track received from the other participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Factory creates peer connections.
type Factory interface {
	NewConn() (Conn, error)
}

// PionFactory builds pion peer connections with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
type PionFactory struct {
	ICEServers []webrtc.ICEServer
	// Settings tunes ICE; nil uses relaxed timeouts suited to relayed calls.
	Settings *webrtc.SettingEngine
}

func (f PionFactory) NewConn() (Conn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := f.Settings
	if se == nil {
		se = &webrtc.SettingEngine{}
		se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(*se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

// ICEServers turns a list of stun:/turn: URLs into pion ICE servers.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
