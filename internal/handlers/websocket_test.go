package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret = "test-secret"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type service struct {
	hub     *Hub
	store   *records.GormStore
	baseURL string
	wsURL   string
}

func newService(t *testing.T, opts HubOptions) *service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := records.Open("sqlite", dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	store, err := records.NewGormStore(db, zerolog.Nop())
	require.NoError(t, err)

	opts.JWTSecret = jwtSecret
	opts.Logger = zerolog.Nop()
	hub := NewHub(opts)
	router := NewRouter(RouterOptions{
		Hub:            hub,
		Rooms:          NewRooms(hub, opts.Store, zerolog.Nop()),
		Sessions:       NewSessions(store, zerolog.Nop()),
		JWTSecret:      jwtSecret,
		AllowedOrigins: []string{"*"},
		Logger:         zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &service{
		hub:     hub,
		store:   store,
		baseURL: srv.URL,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal",
	}
}

func (s *service) dialURL(userID string, role models.Role, token string) string {
	q := url.Values{"userId": {userID}, "userType": {string(role)}}
	if token != "" {
		q.Set("token", token)
	}
	return s.wsURL + "?" + q.Encode()
}

func (s *service) dial(t *testing.T, userID string, role models.Role) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.dialURL(userID, role, ""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ models.SignalType, roomID, from string, data any, to string) {
	t.Helper()
	raw, err := signaling.Codec{}.Marshal(typ, roomID, from, data, to)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read(t *testing.T, conn *websocket.Conn) models.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg models.SignalMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) models.ErrorData {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, models.SignalTypeError, msg.Type)
	var data models.ErrorData
	require.NoError(t, signaling.DecodeData(msg, &data))
	return data
}

// join dials userID into room_42 and returns the connection and the ack.
func (s *service) join(t *testing.T, userID string, role models.Role) (*websocket.Conn, models.JoinData) {
	t.Helper()
	conn := s.dial(t, userID, role)
	write(t, conn, models.SignalTypeJoin, "room_42", userID, models.JoinData{Role: role}, "")
	ack := read(t, conn)
	require.Equal(t, models.SignalTypeJoin, ack.Type)
	assert.Equal(t, userID, ack.From)
	var data models.JoinData
	require.NoError(t, signaling.DecodeData(ack, &data))
	return conn, data
}

func TestJoinAcknowledgesAndAnnounces(t *testing.T) {
	svc := newService(t, HubOptions{})

	doctor, ack := svc.join(t, "doctor-1", models.RoleDoctor)
	assert.Empty(t, ack.Peers)
	assert.Equal(t, models.RoleDoctor, ack.Role)

	_, ack = svc.join(t, "patient-7", models.RolePatient)
	require.Len(t, ack.Peers, 1)
	assert.Equal(t, "doctor-1", ack.Peers[0].UserID)
	assert.Equal(t, models.RoleDoctor, ack.Peers[0].Role)

	msg := read(t, doctor)
	require.Equal(t, models.SignalTypePeerJoined, msg.Type)
	var data models.PeerData
	require.NoError(t, signaling.DecodeData(msg, &data))
	assert.Equal(t, "patient-7", data.UserID)
	assert.Equal(t, models.RolePatient, data.Role)

	assert.Len(t, svc.hub.Participants("room_42"), 2)
}

func TestThirdParticipantGetsRoomFull(t *testing.T) {
	svc := newService(t, HubOptions{})
	svc.join(t, "doctor-1", models.RoleDoctor)
	svc.join(t, "patient-7", models.RolePatient)

	nurse := svc.dial(t, "nurse-3", models.RoleNurse)
	write(t, nurse, models.SignalTypeJoin, "room_42", "nurse-3", models.JoinData{Role: models.RoleNurse}, "")
	assert.Equal(t, models.ErrorCodeRoomFull, readError(t, nurse).Code)
	assert.Len(t, svc.hub.Participants("room_42"), 2)
}

func TestSecondJoinIsRefused(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)

	write(t, doctor, models.SignalTypeJoin, "room_43", "doctor-1", nil, "")
	assert.Equal(t, models.ErrorCodeAlreadyJoined, readError(t, doctor).Code)
	assert.Empty(t, svc.hub.Participants("room_43"))
}

func TestRelayStampsSenderAndHonoursAddressee(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)
	patient, _ := svc.join(t, "patient-7", models.RolePatient)
	read(t, doctor) // peer-joined

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	write(t, patient, models.SignalTypeOffer, "room_99", "someone-else", offer, "doctor-1")

	msg := read(t, doctor)
	assert.Equal(t, models.SignalTypeOffer, msg.Type)
	assert.Equal(t, "patient-7", msg.From)
	assert.Equal(t, "room_42", msg.RoomID)
	assert.Equal(t, "doctor-1", msg.To)
	assert.JSONEq(t, string(offer), string(msg.Data))
}

func TestRelayRequiresJoin(t *testing.T) {
	svc := newService(t, HubOptions{})
	conn := svc.dial(t, "doctor-1", models.RoleDoctor)

	write(t, conn, models.SignalTypeOffer, "room_42", "doctor-1", nil, "")
	assert.Equal(t, models.ErrorCodeNotJoined, readError(t, conn).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	assert.Equal(t, models.ErrorCodeInvalid, readError(t, conn).Code)
}

func TestDepartureReasons(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)
	patient, _ := svc.join(t, "patient-7", models.RolePatient)
	read(t, doctor)

	write(t, patient, models.SignalTypeLeave, "room_42", "patient-7", nil, "")
	msg := read(t, doctor)
	require.Equal(t, models.SignalTypePeerLeft, msg.Type)
	assert.Equal(t, "patient-7", msg.From)
	var data models.PeerData
	require.NoError(t, signaling.DecodeData(msg, &data))
	assert.Equal(t, transport.LeaveReasonLeft, data.Reason)

	// Rejoin, then drop the connection without a close frame.
	write(t, patient, models.SignalTypeJoin, "room_42", "patient-7", nil, "")
	require.Equal(t, models.SignalTypeJoin, read(t, patient).Type)
	require.Equal(t, models.SignalTypePeerJoined, read(t, doctor).Type)
	patient.Close()

	msg = read(t, doctor)
	require.Equal(t, models.SignalTypePeerLeft, msg.Type)
	require.NoError(t, signaling.DecodeData(msg, &data))
	assert.Equal(t, transport.LeaveReasonDisconnected, data.Reason)
	assert.Eventually(t, func() bool { return len(svc.hub.Participants("room_42")) == 1 }, waitFor, tick)
}

func TestStaleConnectionIsReplaced(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)
	stale, _ := svc.join(t, "patient-7", models.RolePatient)
	read(t, doctor)

	_, ack := svc.join(t, "patient-7", models.RolePatient)
	require.Len(t, ack.Peers, 1)
	assert.Equal(t, models.SignalTypePeerJoined, read(t, doctor).Type)

	stale.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := stale.ReadMessage()
	assert.Error(t, err)
	assert.Len(t, svc.hub.Participants("room_42"), 2)
}

func TestHandshakeValidation(t *testing.T) {
	svc := newService(t, HubOptions{RequireToken: true})
	token, err := middleware.IssueToken(jwtSecret, "doctor-1", models.RoleDoctor, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		user  string
		role  models.Role
		token string
		code  int
	}{
		{"missing user", "", models.RoleDoctor, token, http.StatusBadRequest},
		{"unknown role", "doctor-1", models.Role("admin"), token, http.StatusBadRequest},
		{"missing token", "doctor-1", models.RoleDoctor, "", http.StatusUnauthorized},
		{"bad token", "doctor-1", models.RoleDoctor, "garbage", http.StatusUnauthorized},
		{"token for someone else", "patient-7", models.RolePatient, token, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(svc.dialURL(tt.user, tt.role, tt.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	conn, _, err := websocket.DefaultDialer.Dial(svc.dialURL("doctor-1", models.RoleDoctor, token), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestHubCloseSendsGoingAway(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)

	svc.hub.Close()
	doctor.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := doctor.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

type channelLog struct {
	mu     sync.Mutex
	joined []string
	left   []string
	msgs   []models.SignalMessage
}

func (l *channelLog) events() transport.Events {
	return transport.Events{
		OnMessage: func(raw []byte) {
			var msg models.SignalMessage
			if json.Unmarshal(raw, &msg) == nil {
				l.mu.Lock()
				l.msgs = append(l.msgs, msg)
				l.mu.Unlock()
			}
		},
		OnPeerJoined: func(p models.Participant) {
			l.mu.Lock()
			l.joined = append(l.joined, p.UserID)
			l.mu.Unlock()
		},
		OnPeerLeft: func(userID, reason string) {
			l.mu.Lock()
			l.left = append(l.left, userID+":"+reason)
			l.mu.Unlock()
		},
	}
}

func (l *channelLog) snapshot() (joined, left []string, msgs []models.SignalMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.joined...), append([]string(nil), l.left...), append([]models.SignalMessage(nil), l.msgs...)
}

func TestWebSocketChannelAgainstHub(t *testing.T) {
	svc := newService(t, HubOptions{})
	ctx := context.Background()
	channel := func(role models.Role, log *channelLog) *transport.WebSocket {
		ws := transport.NewWebSocket(transport.WebSocketOptions{
			URL:               svc.wsURL,
			Role:              role,
			ReconnectDelay:    20 * time.Millisecond,
			HeartbeatInterval: time.Hour,
			Logger:            zerolog.Nop(),
		}, log.events())
		t.Cleanup(func() { ws.Close() })
		return ws
	}

	doctorLog, patientLog := &channelLog{}, &channelLog{}
	doctor := channel(models.RoleDoctor, doctorLog)
	patient := channel(models.RolePatient, patientLog)

	require.NoError(t, doctor.Connect(ctx, "room_42", "doctor-1"))
	assert.Empty(t, doctor.Peers())
	require.NoError(t, patient.Connect(ctx, "room_42", "patient-7"))
	require.Len(t, patient.Peers(), 1)
	assert.Equal(t, "doctor-1", patient.Peers()[0].UserID)

	assert.Eventually(t, func() bool {
		joined, _, _ := doctorLog.snapshot()
		return len(joined) == 1 && joined[0] == "patient-7"
	}, waitFor, tick)

	msg, err := signaling.Codec{}.Encode(models.SignalTypeCandidate, "room_42", "patient-7",
		json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`), "doctor-1")
	require.NoError(t, err)
	require.NoError(t, patient.Send(ctx, msg))
	assert.Eventually(t, func() bool {
		_, _, msgs := doctorLog.snapshot()
		return len(msgs) == 1 && msgs[0].From == "patient-7" && msgs[0].Type == models.SignalTypeCandidate
	}, waitFor, tick)

	require.NoError(t, patient.Leave(ctx))
	assert.Eventually(t, func() bool {
		_, left, _ := doctorLog.snapshot()
		return len(left) == 1 && left[0] == "patient-7:left"
	}, waitFor, tick)
}
