package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearer(t *testing.T, userID string, role models.Role) string {
	t.Helper()
	token, err := middleware.IssueToken(jwtSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func request(t *testing.T, method, target, auth string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetRoom(t *testing.T) {
	svc := newService(t, HubOptions{})
	svc.join(t, "doctor-1", models.RoleDoctor)
	svc.join(t, "patient-7", models.RolePatient)

	resp := request(t, http.MethodGet, svc.baseURL+"/api/rooms/room_42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info models.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "room_42", info.ID)
	assert.Equal(t, models.MaxParticipants, info.Capacity)
	require.Len(t, info.Participants, 2)
	assert.Equal(t, "doctor-1", info.Participants[0].UserID)
	assert.Equal(t, "patient-7", info.Participants[1].UserID)
}

func TestDeleteRoomEvictsParticipants(t *testing.T) {
	svc := newService(t, HubOptions{})
	doctor, _ := svc.join(t, "doctor-1", models.RoleDoctor)
	patient, _ := svc.join(t, "patient-7", models.RolePatient)
	read(t, doctor)

	resp := request(t, http.MethodDelete, svc.baseURL+"/api/rooms/room_42", bearer(t, "patient-7", models.RolePatient))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = request(t, http.MethodDelete, svc.baseURL+"/api/rooms/room_42", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = request(t, http.MethodDelete, svc.baseURL+"/api/rooms/room_42", bearer(t, "doctor-1", models.RoleDoctor))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg := read(t, patient)
	require.Equal(t, models.SignalTypePeerLeft, msg.Type)
	assert.Equal(t, "doctor-1", msg.From)
	var data models.PeerData
	require.NoError(t, signaling.DecodeData(msg, &data))
	assert.Equal(t, transport.LeaveReasonEvicted, data.Reason)
	assert.Equal(t, models.ErrorCodeEvicted, readError(t, patient).Code)

	patient.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := patient.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Empty(t, svc.hub.Participants("room_42"))
}

func TestGetMessagesWithoutTail(t *testing.T) {
	svc := newService(t, HubOptions{})
	resp := request(t, http.MethodGet, svc.baseURL+"/api/rooms/room_42/messages", bearer(t, "doctor-1", models.RoleDoctor))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func mockRooms(t *testing.T) (*gin.Engine, redismock.ClientMock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock := redismock.NewClientMock()
	rooms := NewRooms(NewHub(HubOptions{Logger: zerolog.Nop()}), redis.NewStore(db, 100), zerolog.Nop())

	r := gin.New()
	r.GET("/api/rooms/:roomId", rooms.GetRoom)
	r.GET("/api/rooms/:roomId/messages", rooms.GetMessages)
	return r, mock
}

func serve(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestGetMessagesFromTail(t *testing.T) {
	r, mock := mockRooms(t)
	offer := `{"type":"offer","roomId":"room_42","from":"doctor-1","to":"patient-7","timestamp":1}`

	mock.ExpectLRange("room:room_42:messages", 0, 49).SetVal([]string{offer})
	w := serve(r, "/api/rooms/room_42/messages")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"roomId":"room_42","messages":[`+offer+`]}`, w.Body.String())

	mock.ExpectLRange("room:room_42:messages", 0, 499).SetVal(nil)
	w = serve(r, "/api/rooms/room_42/messages?limit=10000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"roomId":"room_42","messages":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, serve(r, "/api/rooms/room_42/messages?limit=-1").Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoomReadsPresenceMirror(t *testing.T) {
	r, mock := mockRooms(t)
	p := models.Participant{UserID: "doctor-1", Role: models.RoleDoctor, JoinedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	member, err := json.Marshal(p)
	require.NoError(t, err)

	mock.ExpectHGetAll("room:room_42:peers").SetVal(map[string]string{"doctor-1": string(member)})
	mock.ExpectLLen("room:room_42:messages").SetVal(7)

	w := serve(r, "/api/rooms/room_42")
	require.Equal(t, http.StatusOK, w.Code)
	var info models.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Len(t, info.Participants, 1)
	assert.Equal(t, "doctor-1", info.Participants[0].UserID)
	assert.EqualValues(t, 7, info.TailLength)
	assert.NoError(t, mock.ExpectationsWereMet())
}
