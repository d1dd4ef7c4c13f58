package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	retryTimeout = 10 * time.Second
)

type WebSocketOptions struct {
	// URL of the signaling endpoint, e.g. wss://signal.example.com/ws/signal.
	URL               string
	Role              models.Role
	Token             string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
}

// WebSocket is a Channel backed by a websocket to the signaling service.
type WebSocket struct {
	opts      WebSocketOptions
	events    Events
	codec     signaling.Codec
	reconnect *Reconnector
	logger    zerolog.Logger

	mu          sync.Mutex
	cur         *wsSession
	roomID      string
	userID      string
	peers       []models.Participant
	intentional bool
	closed      bool
}

type frame struct {
	data  []byte
	close bool
}

// wsSession is one underlying websocket connection. A reconnect replaces it.
type wsSession struct {
	conn      *websocket.Conn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once

	ackMu sync.Mutex
	ack   chan models.SignalMessage
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSession) enqueue(f frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	}
}

// NewWebSocket creates a websocket channel. Connect dials the service.
func NewWebSocket(opts WebSocketOptions, events Events) *WebSocket {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		opts:      opts,
		events:    events,
		reconnect: NewReconnector(opts.ReconnectDelay),
		logger:    opts.Logger.With().Str("transport", "websocket").Logger(),
	}
}

// Reconnector exposes the retry scheduler for inspection.
func (w *WebSocket) Reconnector() *Reconnector { return w.reconnect }

// Peers returns the participants present when the room was last joined.
func (w *WebSocket) Peers() []models.Participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Participant(nil), w.peers...)
}

func (w *WebSocket) Connect(ctx context.Context, roomID, userID string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.roomID != "" {
		w.mu.Unlock()
		return ErrAlreadyJoined
	}
	w.roomID, w.userID = roomID, userID
	w.intentional = false
	w.mu.Unlock()

	if err := w.open(ctx, roomID, userID); err != nil {
		w.mu.Lock()
		w.roomID = ""
		w.mu.Unlock()
		if errors.Is(err, ErrRoomFull) {
			return callerr.New(callerr.KindTransportConnect, "join "+roomID, err)
		}
		return callerr.Wrap(callerr.KindTransportConnect, "connect", err)
	}
	w.events.Connected()
	return nil
}

func (w *WebSocket) dialURL(userID string) (string, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("userType", string(w.opts.Role))
	if w.opts.Token != "" {
		q.Set("token", w.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// open dials, joins the room and waits for the service to acknowledge.
func (w *WebSocket) open(ctx context.Context, roomID, userID string) error {
	target, err := w.dialURL(userID)
	if err != nil {
		return err
	}
	conn, _, err := w.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial signaling service: %w", err)
	}

	s := &wsSession{
		conn: conn,
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
		ack:  make(chan models.SignalMessage, 1),
	}
	w.mu.Lock()
	w.cur = s
	w.mu.Unlock()

	go w.writeLoop(s)
	go w.readLoop(s)

	join, err := w.codec.Marshal(models.SignalTypeJoin, roomID, userID, models.JoinData{Role: w.opts.Role}, "")
	if err != nil {
		w.abandon(s)
		return err
	}
	s.enqueue(frame{data: join})

	select {
	case ack := <-s.ack:
		if ack.Type == models.SignalTypeError {
			w.abandon(s)
			var data models.ErrorData
			_ = signaling.DecodeData(ack, &data)
			if data.Code == models.ErrorCodeRoomFull {
				return ErrRoomFull
			}
			return fmt.Errorf("join refused: %s: %s", data.Code, data.Message)
		}
		var data models.JoinData
		if len(ack.Data) > 0 {
			if err := signaling.DecodeData(ack, &data); err != nil {
				w.logger.Warn().Err(err).Msg("Malformed join acknowledgement")
			}
		}
		w.mu.Lock()
		w.peers = data.Peers
		w.mu.Unlock()
		w.logger.Info().Str("room_id", roomID).Str("user_id", userID).Int("peers", len(data.Peers)).Msg("Joined room")
		return nil
	case <-ctx.Done():
		w.abandon(s)
		return ctx.Err()
	case <-s.done:
		w.abandon(s)
		return errors.New("connection closed before join was acknowledged")
	}
}

// abandon drops a session without treating it as an unexpected close.
func (w *WebSocket) abandon(s *wsSession) {
	w.mu.Lock()
	if w.cur == s {
		w.cur = nil
	}
	w.mu.Unlock()
	s.close()
}

func (w *WebSocket) readLoop(s *wsSession) {
	defer s.close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			w.handleDrop(s, err)
			return
		}
		w.handleFrame(s, raw)
	}
}

func (w *WebSocket) handleFrame(s *wsSession, raw []byte) {
	msg, err := w.codec.Decode(raw)
	if err != nil {
		// The dispatcher logs and drops it.
		w.events.Message(raw)
		return
	}

	switch msg.Type {
	case models.SignalTypeJoin, models.SignalTypeError:
		s.ackMu.Lock()
		ack := s.ack
		s.ack = nil
		s.ackMu.Unlock()
		if ack != nil {
			ack <- msg
			return
		}
		if msg.Type == models.SignalTypeError {
			w.logger.Warn().RawJSON("data", msg.Data).Msg("Signaling service reported an error")
		}
	case models.SignalTypePeerJoined:
		var data models.PeerData
		if err := signaling.DecodeData(msg, &data); err != nil {
			w.logger.Warn().Err(err).Msg("Malformed peer-joined notification")
			return
		}
		w.events.PeerJoined(data.Participant)
	case models.SignalTypePeerLeft:
		userID, reason := msg.From, LeaveReasonLeft
		var data models.PeerData
		if len(msg.Data) > 0 && signaling.DecodeData(msg, &data) == nil {
			if data.UserID != "" {
				userID = data.UserID
			}
			if data.Reason != "" {
				reason = data.Reason
			}
		}
		w.events.PeerLeft(userID, reason)
	default:
		w.events.Message(raw)
	}
}

func (w *WebSocket) handleDrop(s *wsSession, err error) {
	// A connection that never got its join acknowledged is reported by open.
	s.ackMu.Lock()
	joining := s.ack != nil
	s.ackMu.Unlock()

	w.mu.Lock()
	if w.cur != s || joining {
		w.mu.Unlock()
		return
	}
	w.cur = nil
	intentional := w.intentional || w.closed
	w.mu.Unlock()

	if intentional {
		return
	}

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	w.logger.Warn().Err(err).Bool("clean", clean).Msg("Signaling connection closed")
	w.events.Disconnected(callerr.New(callerr.KindTransportDisconnected, "read", err))

	if clean {
		w.mu.Lock()
		w.roomID = ""
		w.mu.Unlock()
		return
	}
	w.reconnect.Schedule(w.retry)
}

// retry is the single reconnection attempt after an unexpected close.
func (w *WebSocket) retry() {
	w.mu.Lock()
	roomID, userID := w.roomID, w.userID
	skip := w.intentional || w.closed || roomID == ""
	w.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
	defer cancel()

	w.logger.Info().Str("room_id", roomID).Msg("Reconnecting to signaling service")
	if err := w.open(ctx, roomID, userID); err != nil {
		w.logger.Error().Err(err).Str("room_id", roomID).Msg("Reconnection failed")
		w.mu.Lock()
		w.roomID = ""
		w.mu.Unlock()
		w.events.Disconnected(callerr.New(callerr.KindTransportConnect, "reconnect", err))
		return
	}

	w.mu.Lock()
	s, left := w.cur, w.intentional || w.closed
	w.mu.Unlock()
	if left {
		if s != nil {
			w.abandon(s)
		}
		return
	}
	w.events.Connected()
}

func (w *WebSocket) writeLoop(s *wsSession) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if f.data != nil {
				if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					w.logger.Warn().Err(err).Msg("Failed to write message")
					return
				}
			}
			if f.close {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"))
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.logger.Warn().Err(err).Msg("Heartbeat failed")
			}

		case <-s.done:
			return
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, msg models.SignalMessage) error {
	w.mu.Lock()
	s := w.cur
	w.mu.Unlock()
	if s == nil {
		return callerr.New(callerr.KindTransportDisconnected, "send "+string(msg.Type), ErrNotConnected)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	select {
	case s.send <- frame{data: raw}:
		return nil
	case <-s.done:
		return callerr.New(callerr.KindTransportDisconnected, "send "+string(msg.Type), ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) Leave(ctx context.Context) error {
	w.mu.Lock()
	s := w.cur
	roomID, userID := w.roomID, w.userID
	w.intentional = true
	w.cur = nil
	w.roomID = ""
	w.mu.Unlock()

	w.reconnect.Cancel()
	if s == nil {
		return nil
	}

	leave, err := w.codec.Marshal(models.SignalTypeLeave, roomID, userID, nil, "")
	if err != nil {
		s.close()
		return err
	}
	if !s.enqueue(frame{data: leave, close: true}) {
		return nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.close()
	}
	w.logger.Info().Str("room_id", roomID).Str("user_id", userID).Msg("Left room")
	return nil
}

func (w *WebSocket) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := w.Leave(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.reconnect.Stop()
	return err
}
