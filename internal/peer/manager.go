package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/media"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrNoConnection = errors.New("no peer connection")
	ErrConnExists   = errors.New("peer connection already created")
	ErrClosed       = errors.New("peer manager closed")
	ErrNoVideo      = errors.New("no local video sender")
)

// Observer receives what the manager produces. Calls may arrive from pion
// goroutines.
type Observer interface {
	// PeerSignal asks for data to be sent to the peer to as a message of
	// type t.
	PeerSignal(t models.SignalType, data any, to string)
	PeerStateChanged(state webrtc.PeerConnectionState)
	PeerRemoteTrack(track RemoteTrack)
	PeerError(err *callerr.Error)
}

// Manager owns the peer connection of one call and the local media sent on
// it. The connection can be discarded and rebuilt (ClosePeer, CreateForRole)
// while the local media stays attached; Close releases both for good.
type Manager struct {
	factory  Factory
	devices  media.Devices
	observer Observer
	logger   zerolog.Logger
	pending  CandidateQueue

	mu          sync.Mutex
	conn        Conn
	initiator   bool
	remotePeer  string
	stream      *media.LocalStream
	videoSender Sender
	closed      bool
}

func NewManager(factory Factory, devices media.Devices, observer Observer, logger zerolog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		devices:  devices,
		observer: observer,
		logger:   logger.With().Str("component", "peer").Logger(),
	}
}

// CreateForRole builds a new peer connection. The initiator creates the
// offer in Start; the answerer waits for HandleOffer.
func (m *Manager) CreateForRole(initiator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(initiator)
}

func (m *Manager) createLocked(initiator bool) error {
	if m.closed {
		return ErrClosed
	}
	if m.conn != nil {
		return ErrConnExists
	}

	conn, err := m.factory.NewConn()
	if err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "create peer connection", err)
	}
	conn.OnICECandidate(m.onLocalCandidate)
	conn.OnConnectionStateChange(m.onStateChange(conn))
	conn.OnTrack(func(track RemoteTrack) {
		m.logger.Info().Str("kind", track.Kind().String()).Str("stream_id", track.StreamID()).Msg("Remote track received")
		m.observer.PeerRemoteTrack(track)
	})

	m.conn = conn
	m.initiator = initiator
	if m.stream != nil {
		if err := m.addTracksLocked(); err != nil {
			m.conn = nil
			conn.Close()
			return err
		}
	}
	m.logger.Info().Bool("initiator", initiator).Msg("Peer connection created")
	return nil
}

// AttachLocalStream acquires local media and adds it to the connection, if
// one exists. Denied or missing devices are terminal for the call.
func (m *Manager) AttachLocalStream(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.stream != nil {
		s := m.stream
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	stream, err := m.devices.GetUserMedia(ctx, c)
	if err != nil {
		return nil, media.AccessError("attach local stream", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		stream.Stop()
		return nil, ErrClosed
	}
	m.stream = stream
	if m.conn != nil {
		if err := m.addTracksLocked(); err != nil {
			return nil, err
		}
	}
	return stream, nil
}

func (m *Manager) addTracksLocked() error {
	for _, t := range m.stream.Tracks() {
		sender, err := m.conn.AddTrack(t.TrackLocal())
		if err != nil {
			return callerr.New(callerr.KindNegotiationFailed, "add "+string(t.Kind())+" track", err)
		}
		if t.Kind() == media.KindVideo {
			m.videoSender = sender
		}
	}
	return nil
}

// LocalStream returns the attached media, or nil.
func (m *Manager) LocalStream() *media.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Start creates and sends the offer to remotePeer. Only the initiator
// calls it.
func (m *Manager) Start(ctx context.Context, remotePeer string) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return ErrNoConnection
	}
	m.remotePeer = remotePeer
	m.mu.Unlock()

	offer, err := conn.CreateOffer()
	if err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "create offer", err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "set local offer", err)
	}
	m.logger.Info().Str("to", remotePeer).Msg("Sending offer")
	m.observer.PeerSignal(models.SignalTypeOffer, offer, remotePeer)
	return nil
}

// HandleOffer answers an offer from fromPeer, creating the answerer
// connection if needed.
func (m *Manager) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, fromPeer string) error {
	m.mu.Lock()
	if m.conn == nil {
		if err := m.createLocked(false); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	conn := m.conn
	m.remotePeer = fromPeer
	m.mu.Unlock()

	if err := conn.SetRemoteDescription(offer); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "set remote offer", err)
	}
	m.drain(conn)

	answer, err := conn.CreateAnswer()
	if err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "create answer", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "set local answer", err)
	}
	m.logger.Info().Str("to", fromPeer).Msg("Sending answer")
	m.observer.PeerSignal(models.SignalTypeAnswer, answer, fromPeer)
	return nil
}

// HandleAnswer applies the answer to our offer. An answer that arrives
// without an outstanding offer is ignored.
func (m *Manager) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}
	if state := conn.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Warn().Str("signaling_state", state.String()).Msg("Ignoring unexpected answer")
		return nil
	}

	if err := conn.SetRemoteDescription(answer); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "set remote answer", err)
	}
	m.drain(conn)
	return nil
}

// HandleRemoteCandidate applies c, or queues it until the remote
// description is known.
func (m *Manager) HandleRemoteCandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || conn.RemoteDescription() == nil {
		m.pending.Push(c)
		m.logger.Debug().Int("pending", m.pending.Len()).Msg("Queued remote candidate")
		return nil
	}
	if err := conn.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to add remote candidate")
		return err
	}
	m.pending.MarkApplied()
	return nil
}

func (m *Manager) drain(conn Conn) {
	n := m.pending.Len()
	if err := m.pending.Drain(conn.AddICECandidate); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to add queued candidate")
	}
	if n > 0 {
		m.logger.Debug().Int("count", n).Msg("Drained queued candidates")
	}
}

// Candidates exposes the pending candidate queue and its counters.
func (m *Manager) Candidates() *CandidateQueue { return &m.pending }

// ReplaceVideoTrack swaps the outgoing video for t without renegotiating and
// stops the previous track. The new track inherits the enabled flag.
func (m *Manager) ReplaceVideoTrack(t *media.LocalTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNoVideo
	}
	if old := m.stream.VideoTrack(); old != nil {
		t.SetEnabled(old.Enabled())
	}
	if m.videoSender != nil {
		if err := m.videoSender.ReplaceTrack(t.TrackLocal()); err != nil {
			return fmt.Errorf("replace video track: %w", err)
		}
	}
	if old := m.stream.ReplaceVideo(t); old != nil {
		old.Stop()
	}
	return nil
}

func (m *Manager) SignalingState() webrtc.SignalingState {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return webrtc.SignalingStateClosed
	}
	return conn.SignalingState()
}

func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return webrtc.PeerConnectionStateNew
	}
	return conn.ConnectionState()
}

// Initiator reports the role of the current connection.
func (m *Manager) Initiator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiator
}

// HasConn reports whether a connection is live.
func (m *Manager) HasConn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) onLocalCandidate(c webrtc.ICECandidateInit) {
	m.mu.Lock()
	to := m.remotePeer
	m.mu.Unlock()
	m.observer.PeerSignal(models.SignalTypeCandidate, c, to)
}

// onStateChange reports states of conn only while it is the current
// connection, so a discarded connection cannot disturb its successor.
func (m *Manager) onStateChange(conn Conn) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		m.mu.Lock()
		current := m.conn == conn
		m.mu.Unlock()
		if !current {
			return
		}

		m.logger.Info().Str("state", state.String()).Msg("Peer connection state changed")
		m.observer.PeerStateChanged(state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			m.observer.PeerError(callerr.New(callerr.KindNegotiationFailed, "ice", errors.New("peer connection failed")))
		case webrtc.PeerConnectionStateDisconnected:
			m.observer.PeerError(callerr.New(callerr.KindTransportDisconnected, "ice", errors.New("peer connection interrupted")))
		}
	}
}

// ClosePeer discards the connection but keeps local media for a later
// attempt. Queued candidates are kept too: they may belong to an offer that
// has not arrived yet. Callers reset the queue once the remote peer is gone.
func (m *Manager) ClosePeer() error {
	m.mu.Lock()
	conn := m.conn
	m.conn, m.videoSender, m.remotePeer = nil, nil, ""
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Close discards the connection and stops local media. Later calls do
// nothing.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stream := m.stream
	m.mu.Unlock()

	err := m.ClosePeer()
	m.pending.Reset()
	if stream != nil {
		stream.Stop()
	}
	m.logger.Info().Msg("Peer manager closed")
	return err
}
