package peer_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/media"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/peer"
	"github.com/mossy-p/consult-signaling/internal/peer/peertest"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signal struct {
	Type models.SignalType
	Data any
	To   string
}

type recorder struct {
	mu      sync.Mutex
	signals []signal
	states  []webrtc.PeerConnectionState
	tracks  []peer.RemoteTrack
	errs    []*callerr.Error
}

func (r *recorder) PeerSignal(t models.SignalType, data any, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal{Type: t, Data: data, To: to})
}

func (r *recorder) PeerStateChanged(state webrtc.PeerConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) PeerRemoteTrack(track peer.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, track)
}

func (r *recorder) PeerError(err *callerr.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) ofType(t models.SignalType) []signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signal
	for _, s := range r.signals {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) hasState(state webrtc.PeerConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func candidate(n string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + n + " 1 udp 1 192.0.2.1 9 typ host"}
}

func newManager(t *testing.T) (*peer.Manager, *peertest.Factory, *media.Synthetic, *recorder) {
	t.Helper()
	factory := &peertest.Factory{}
	devices := &media.Synthetic{}
	rec := &recorder{}
	return peer.NewManager(factory, devices, rec, zerolog.Nop()), factory, devices, rec
}

func TestInitiatorOfferAnswerFlow(t *testing.T) {
	m, factory, _, rec := newManager(t)
	ctx := context.Background()

	_, err := m.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, m.CreateForRole(true))
	assert.Len(t, factory.Last().Tracks(), 2)

	require.NoError(t, m.Start(ctx, "patient-7"))
	offers := rec.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "patient-7", offers[0].To)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, m.SignalingState())

	assert.Eventually(t, func() bool {
		c := rec.ofType(models.SignalTypeCandidate)
		return len(c) == 1 && c[0].To == "patient-7"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.HandleAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
	assert.Equal(t, webrtc.SignalingStateStable, m.SignalingState())
	assert.Eventually(t, func() bool { return rec.hasState(webrtc.PeerConnectionStateConnected) }, time.Second, 5*time.Millisecond)
}

func TestAnswererFlow(t *testing.T) {
	m, _, _, rec := newManager(t)
	ctx := context.Background()

	_, err := m.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)

	// No connection exists yet; HandleOffer creates it.
	require.NoError(t, m.HandleOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, "doctor-1"))
	assert.False(t, m.Initiator())

	answers := rec.ofType(models.SignalTypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "doctor-1", answers[0].To)
	assert.Equal(t, webrtc.SDPTypeAnswer, answers[0].Data.(webrtc.SessionDescription).Type)
	assert.Eventually(t, func() bool { return rec.hasState(webrtc.PeerConnectionStateConnected) }, time.Second, 5*time.Millisecond)
}

func TestCandidatesBeforeOfferAreAppliedInOrder(t *testing.T) {
	m, factory, _, _ := newManager(t)
	ctx := context.Background()

	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, m.HandleRemoteCandidate(candidate(n)))
	}
	assert.Equal(t, 3, m.Candidates().Len())

	require.NoError(t, m.HandleOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, "doctor-1"))

	applied := factory.Last().Applied()
	require.Len(t, applied, 3)
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("1"), candidate("2"), candidate("3")}, applied)
	assert.Equal(t, 3, m.Candidates().Queued())
	assert.Equal(t, m.Candidates().Queued(), m.Candidates().Drained())
	assert.Equal(t, 3, m.Candidates().Applied())
	assert.Equal(t, 0, m.Candidates().Len())
}

func TestCandidateOrderings(t *testing.T) {
	tests := []struct {
		name         string
		beforeStart  int
		beforeAnswer int
		afterAnswer  int
	}{
		{name: "all before the answer", beforeAnswer: 2},
		{name: "all after the answer", afterAnswer: 2},
		{name: "split around the answer", beforeAnswer: 1, afterAnswer: 1},
		{name: "before the connection exists", beforeStart: 2, afterAnswer: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, factory, _, _ := newManager(t)
			ctx := context.Background()
			n := 0
			push := func(count int) {
				for i := 0; i < count; i++ {
					n++
					require.NoError(t, m.HandleRemoteCandidate(candidate(string(rune('a'+n)))))
				}
			}

			push(tt.beforeStart)
			require.NoError(t, m.CreateForRole(true))
			require.NoError(t, m.Start(ctx, "patient-7"))
			push(tt.beforeAnswer)
			require.NoError(t, m.HandleAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
			push(tt.afterAnswer)

			total := tt.beforeStart + tt.beforeAnswer + tt.afterAnswer
			applied := factory.Last().Applied()
			require.Len(t, applied, total)
			for i, c := range applied {
				assert.Equal(t, candidate(string(rune('a'+i+1))), c, "candidate %d out of order", i)
			}
			assert.Equal(t, tt.beforeStart+tt.beforeAnswer, m.Candidates().Queued())
			assert.Equal(t, m.Candidates().Queued(), m.Candidates().Drained())
			assert.Equal(t, total, m.Candidates().Applied())
		})
	}
}

func TestUnexpectedAnswerIsIgnored(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateForRole(false))
	require.NoError(t, m.HandleAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
	assert.Equal(t, webrtc.SignalingStateStable, m.SignalingState())

	assert.ErrorIs(t, m.CreateForRole(false), peer.ErrConnExists)
}

func TestMediaDeniedIsTerminal(t *testing.T) {
	rec := &recorder{}
	m := peer.NewManager(&peertest.Factory{}, &media.Synthetic{Err: media.ErrNotAllowed}, rec, zerolog.Nop())

	_, err := m.AttachLocalStream(context.Background(), media.DefaultConstraints())
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrMediaAccessDenied)

	var ce *callerr.Error
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Recoverable())
}

func TestCloseIsIdempotentAndReleasesTracksOnce(t *testing.T) {
	m, factory, devices, _ := newManager(t)
	ctx := context.Background()

	stream, err := m.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, m.CreateForRole(true))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, 1, factory.Last().CloseCalls())
	assert.Equal(t, 1, stream.StopCalls())
	assert.Equal(t, 2, devices.Released())
	assert.ErrorIs(t, m.CreateForRole(true), peer.ErrClosed)
	assert.Equal(t, webrtc.SignalingStateClosed, m.SignalingState())
}

func TestClosePeerKeepsMedia(t *testing.T) {
	m, factory, devices, _ := newManager(t)
	ctx := context.Background()

	_, err := m.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, m.CreateForRole(true))
	require.NoError(t, m.HandleRemoteCandidate(candidate("x")))

	require.NoError(t, m.ClosePeer())
	assert.False(t, m.HasConn())
	assert.Equal(t, 0, devices.Released())
	assert.Equal(t, 1, m.Candidates().Len())

	require.NoError(t, m.CreateForRole(false))
	assert.Len(t, factory.Conns(), 2)
	assert.Len(t, factory.Last().Tracks(), 2)
}

func TestReplaceVideoTrack(t *testing.T) {
	m, factory, devices, _ := newManager(t)
	ctx := context.Background()

	stream, err := m.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, m.CreateForRole(true))
	old := stream.VideoTrack()
	old.SetEnabled(false)

	next, err := devices.OpenVideo(ctx, media.VideoConstraints{FacingMode: media.FacingEnvironment})
	require.NoError(t, err)
	require.NoError(t, m.ReplaceVideoTrack(next))

	assert.True(t, old.Stopped())
	assert.False(t, next.Enabled())
	assert.Same(t, next, stream.VideoTrack())

	var videoSender *peertest.Sender
	for _, s := range factory.Last().Senders() {
		if s.Replaced() > 0 {
			videoSender = s
		}
	}
	require.NotNil(t, videoSender)
	assert.Equal(t, next.TrackLocal(), videoSender.Track())
}

func TestStateFailuresRaiseRecoverableErrors(t *testing.T) {
	m, factory, _, rec := newManager(t)
	require.NoError(t, m.CreateForRole(true))

	factory.Last().Emit(webrtc.PeerConnectionStateDisconnected)
	factory.Last().Emit(webrtc.PeerConnectionStateFailed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed}, rec.states)
	require.Len(t, rec.errs, 2)
	assert.Equal(t, callerr.KindTransportDisconnected, rec.errs[0].Kind)
	assert.Equal(t, callerr.KindNegotiationFailed, rec.errs[1].Kind)
	assert.True(t, rec.errs[0].Recoverable())
	assert.True(t, rec.errs[1].Recoverable())
}

func TestRemoteTrackForwarded(t *testing.T) {
	m, factory, _, rec := newManager(t)
	require.NoError(t, m.CreateForRole(false))

	factory.Last().EmitTrack(peertest.RemoteTrack{TrackID: "v1", Stream: "remote", Type: webrtc.RTPCodecTypeVideo})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.tracks, 1)
	assert.Equal(t, "remote", rec.tracks[0].StreamID())
}

// wire forwards one manager's signals into the other, as the orchestrator
// does through the transport.
type wire struct {
	recorder
	to  func() *peer.Manager
	ctx context.Context
	t   *testing.T
}

func (w *wire) PeerSignal(t models.SignalType, data any, to string) {
	w.recorder.PeerSignal(t, data, to)
	raw, err := json.Marshal(data)
	if err != nil {
		w.t.Error(err)
		return
	}
	go func() {
		other := w.to()
		switch t {
		case models.SignalTypeOffer:
			var sdp webrtc.SessionDescription
			_ = json.Unmarshal(raw, &sdp)
			assert.NoError(w.t, other.HandleOffer(w.ctx, sdp, "doctor-1"))
		case models.SignalTypeAnswer:
			var sdp webrtc.SessionDescription
			_ = json.Unmarshal(raw, &sdp)
			assert.NoError(w.t, other.HandleAnswer(w.ctx, sdp))
		case models.SignalTypeCandidate:
			var c webrtc.ICECandidateInit
			_ = json.Unmarshal(raw, &c)
			_ = other.HandleRemoteCandidate(c)
		}
	}()
}

func TestPionOfferAnswer(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real peer connections")
	}
	ctx := context.Background()
	se := &webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	factory := peer.PionFactory{Settings: se}

	var doctor, patient *peer.Manager
	doctorObs := &wire{to: func() *peer.Manager { return patient }, ctx: ctx, t: t}
	patientObs := &wire{to: func() *peer.Manager { return doctor }, ctx: ctx, t: t}
	doctor = peer.NewManager(factory, &media.Synthetic{}, doctorObs, zerolog.Nop())
	patient = peer.NewManager(factory, &media.Synthetic{}, patientObs, zerolog.Nop())
	defer doctor.Close()
	defer patient.Close()

	_, err := doctor.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)
	_, err = patient.AttachLocalStream(ctx, media.DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, doctor.CreateForRole(true))
	require.NoError(t, doctor.Start(ctx, "patient-7"))

	assert.Eventually(t, func() bool {
		return doctor.SignalingState() == webrtc.SignalingStateStable &&
			patient.SignalingState() == webrtc.SignalingStateStable
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(doctorObs.ofType(models.SignalTypeCandidate)) > 0 &&
			len(patientObs.ofType(models.SignalTypeCandidate)) > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, patientObs.ofType(models.SignalTypeAnswer), 1)
}
