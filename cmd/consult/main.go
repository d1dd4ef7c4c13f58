// Command consult joins a consultation as one participant. It is used to
// exercise the signaling service without a browser.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/logging"
	"github.com/mossy-p/consult-signaling/internal/media"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/peer"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// logListener logs every notification and auto-accepts invitations when
// asked to.
type logListener struct {
	l          zerolog.Logger
	autoAccept bool
	o          *session.Orchestrator
	ended      chan struct{}
	endOnce    sync.Once
}

func (n *logListener) OnStateChanged(s session.State) {
	n.l.Info().Str("state", string(s)).Msg("Call state changed")
	if s == session.StateEnded {
		n.endOnce.Do(func() { close(n.ended) })
	}
}

func (n *logListener) OnConnectionState(s webrtc.PeerConnectionState) {
	n.l.Info().Str("state", s.String()).Msg("Peer connection state changed")
}

func (n *logListener) OnRemoteStream(t peer.RemoteTrack) {
	n.l.Info().Str("track_id", t.ID()).Str("stream_id", t.StreamID()).Str("kind", t.Kind().String()).Msg("Remote track")
}

func (n *logListener) OnParticipantLeft(userID, reason string) {
	n.l.Info().Str("peer", userID).Str("reason", reason).Msg("Participant left")
}

func (n *logListener) OnError(err *callerr.Error) {
	n.l.Error().Err(err).Str("kind", string(err.Kind)).Msg("Call error")
}

func (n *logListener) OnIncomingCall(inv session.Invitation) {
	n.l.Info().Str("invitation_id", inv.ID).Str("from", inv.From).Time("expires_at", inv.ExpiresAt).Msg("Incoming call")
	if !n.autoAccept {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.o.Accept(ctx, inv.ID); err != nil {
			n.l.Error().Err(err).Str("invitation_id", inv.ID).Msg("Failed to accept invitation")
		}
	}()
}

func (n *logListener) OnInvitationAccepted(id, by string) {
	n.l.Info().Str("invitation_id", id).Str("by", by).Msg("Invitation accepted")
}

func (n *logListener) OnInvitationDeclined(id, reason string) {
	n.l.Info().Str("invitation_id", id).Str("reason", reason).Msg("Invitation declined")
}

func main() {
	roomID := flag.String("room", "", "room to join; derived from the session record when empty")
	userID := flag.String("user", "", "user id (required)")
	role := flag.String("role", string(models.RolePatient), "doctor, patient or nurse")
	patientID := flag.String("patient", "", "patient id of the consultation")
	doctorID := flag.String("doctor", "", "doctor id of the consultation")
	appointmentID := flag.String("appointment", "", "appointment id recorded on the session")
	backend := flag.String("transport", "", "websocket or redis; overrides CLIENT__TRANSPORT")
	token := flag.String("token", "", "bearer token for the signaling service")
	synthetic := flag.Bool("synthetic", false, "send generated media instead of capturing devices")
	ring := flag.Bool("ring", false, "invite the other participant before negotiating")
	accept := flag.Bool("accept", true, "accept incoming invitations automatically")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	l := logging.New(logging.Options{Level: cfg.LogLevel, Console: true, File: cfg.LogFile})

	r := models.Role(*role)
	if *userID == "" || !r.Valid() {
		flag.Usage()
		os.Exit(2)
	}
	if *backend == "" {
		*backend = cfg.Client.Transport
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var channels transport.Factory
	switch *backend {
	case "websocket":
		channels = func(events transport.Events) transport.Channel {
			return transport.NewWebSocket(transport.WebSocketOptions{
				URL:               cfg.Client.SignalingURL,
				Role:              r,
				Token:             *token,
				ReconnectDelay:    cfg.Client.ReconnectDelay,
				HeartbeatInterval: cfg.Client.HeartbeatInterval,
				Logger:            l,
			}, events)
		}
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			l.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		channels = func(events transport.Events) transport.Channel {
			return transport.NewRedis(transport.RedisOptions{
				Client:            client,
				Role:              r,
				HeartbeatInterval: cfg.Client.HeartbeatInterval,
				ReconnectDelay:    cfg.Client.ReconnectDelay,
				Logger:            l,
			}, events)
		}
	default:
		l.Fatal().Str("transport", *backend).Msg("Unknown transport")
	}

	var devices media.Devices = &media.Capture{Logger: l}
	if *synthetic {
		devices = &media.Synthetic{Pump: true}
	}

	listener := &logListener{l: l, autoAccept: *accept, ended: make(chan struct{})}
	o, err := session.New(session.Options{
		UserID:             *userID,
		Role:               r,
		Transport:          channels,
		Peers:              peer.PionFactory{ICEServers: []webrtc.ICEServer{{URLs: cfg.Client.ICEServers}}},
		Devices:            devices,
		Records:            records.NewClient(cfg.Client.RecordsURL, *token),
		Listener:           listener,
		NegotiationTimeout: cfg.Client.NegotiationTimeout,
		InviteTimeout:      cfg.Client.InviteTimeout,
		RingFirst:          *ring,
		Logger:             l,
	})
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create session")
	}
	listener.o = o
	defer o.Close()

	room, err := o.StartOrJoin(ctx, session.Call{
		RoomID:        *roomID,
		PatientID:     *patientID,
		DoctorID:      *doctorID,
		AppointmentID: *appointmentID,
	})
	if err != nil {
		l.Error().Err(err).Msg("Failed to start call")
		return
	}
	l.Info().Str("room_id", room).Str("user_id", *userID).Str("transport", *backend).Msg("Waiting for the other participant")

	select {
	case <-ctx.Done():
	case <-listener.ended:
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.EndCall(endCtx); err != nil {
		l.Error().Err(err).Msg("Failed to end call")
	}
	l.Info().Msg("Call finished")
}
