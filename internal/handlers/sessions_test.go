package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mossy-p/consult-signaling/internal/media"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/peer/peertest"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendJSON(t *testing.T, method, target string, body any) (*http.Response, records.Record) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, target, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rec records.Record
	if resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	}
	return resp, rec
}

func TestSessionLifecycle(t *testing.T) {
	svc := newService(t, HubOptions{})
	base := svc.baseURL + "/api/sessions"

	resp, created := sendJSON(t, http.MethodPost, base, records.NewSession{PatientID: "patient-7", DoctorID: "doctor-1", RoomID: "room_42"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, records.StatusInProgress, created.Status)

	resp, _ = sendJSON(t, http.MethodPost, base, records.NewSession{PatientID: "patient-7", DoctorID: "doctor-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = sendJSON(t, http.MethodPost, base, map[string]string{"patientId": "patient-7"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = request(t, http.MethodGet, base+"/active?patientId=patient-7&doctorId=doctor-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active records.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	assert.Equal(t, created.SessionID, active.SessionID)

	assert.Equal(t, http.StatusBadRequest, request(t, http.MethodGet, base+"/active?patientId=patient-7", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, request(t, http.MethodGet, base+"/active?patientId=patient-8&doctorId=doctor-1", "").StatusCode)

	status := base + "/" + created.SessionID + "/status"
	resp, _ = sendJSON(t, http.MethodPatch, status, map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, done := sendJSON(t, http.MethodPatch, status, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, records.StatusCompleted, done.Status)
	assert.NotNil(t, done.EndedAt)

	resp, _ = sendJSON(t, http.MethodPatch, status, map[string]string{"status": "failed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = sendJSON(t, http.MethodPatch, base+"/missing/status", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, request(t, http.MethodGet, base+"/missing", "").StatusCode)
}

// TestConsultationOverService runs two orchestrators against the service
// with the websocket transport and the HTTP records client.
func TestConsultationOverService(t *testing.T) {
	svc := newService(t, HubOptions{})
	ctx := context.Background()

	start := func(userID string, role models.Role) (*session.Orchestrator, *peertest.Factory) {
		peers := &peertest.Factory{}
		o, err := session.New(session.Options{
			UserID: userID,
			Role:   role,
			Transport: func(events transport.Events) transport.Channel {
				return transport.NewWebSocket(transport.WebSocketOptions{
					URL:               svc.wsURL,
					Role:              role,
					ReconnectDelay:    20 * time.Millisecond,
					HeartbeatInterval: time.Hour,
					Logger:            zerolog.Nop(),
				}, events)
			},
			Peers:   peers,
			Devices: &media.Synthetic{},
			Records: records.NewClient(svc.baseURL, ""),
			Logger:  zerolog.Nop(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { o.Close() })
		return o, peers
	}
	connected := func(o *session.Orchestrator) func() bool {
		return func() bool { return o.State() == session.StateConnected }
	}

	doctor, doctorPeers := start("doctor-1", models.RoleDoctor)
	patient, _ := start("patient-7", models.RolePatient)

	room, err := doctor.StartOrJoin(ctx, session.Call{RoomID: "room_42", PatientID: "patient-7", DoctorID: "doctor-1"})
	require.NoError(t, err)
	require.Equal(t, "room_42", room)

	room, err = patient.StartOrJoin(ctx, session.Call{PatientID: "patient-7", DoctorID: "doctor-1"})
	require.NoError(t, err)
	require.Equal(t, "room_42", room)

	require.Eventually(t, connected(doctor), waitFor, tick)
	require.Eventually(t, connected(patient), waitFor, tick)
	assert.Len(t, svc.hub.Participants("room_42"), 2)
	assert.Eventually(t, func() bool { return len(doctorPeers.Last().Applied()) == 1 }, waitFor, tick)

	active, err := svc.store.GetActiveSession(ctx, "patient-7", "doctor-1")
	require.NoError(t, err)

	require.NoError(t, doctor.EndCall(ctx))
	assert.Equal(t, session.StateEnded, doctor.State())
	assert.Eventually(t, func() bool { return patient.State() == session.StateEnded }, waitFor, tick)

	got, err := svc.store.GetSession(ctx, active.SessionID)
	require.NoError(t, err)
	assert.Equal(t, records.StatusCompleted, got.Status)
	assert.Eventually(t, func() bool { return len(svc.hub.Participants("room_42")) == 0 }, waitFor, tick)
}
