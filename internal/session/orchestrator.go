// Package session coordinates one consultation call: it owns the transport
// channel, the peer connection manager and the call record, and serializes
// every event touching them on a single loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/media"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/peer"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultInviteTimeout      = 30 * time.Second

	sendTimeout = 10 * time.Second
	mailboxSize = 128
)

var (
	ErrCallActive        = errors.New("a call is already active; end it first")
	ErrNoCall            = errors.New("no active call")
	ErrCallEnded         = errors.New("call ended while starting")
	ErrClosed            = errors.New("orchestrator closed")
	ErrNoLocalMedia      = errors.New("no local track of that kind")
	ErrUnknownInvitation = errors.New("unknown or expired invitation")
	ErrNoPeer            = errors.New("no participant to reconnect to")
)

type Options struct {
	UserID string
	Role   models.Role

	Transport transport.Factory
	Peers     peer.Factory
	Devices   media.Devices
	// Records is optional. Without it every call uses Call.RoomID as given.
	Records  records.Store
	Listener Listener

	// Constraints defaults to media.DefaultConstraints.
	Constraints        *media.Constraints
	NegotiationTimeout time.Duration
	InviteTimeout      time.Duration
	// RingFirst sends a call-invite when the other participant appears and
	// only negotiates once it is accepted.
	RingFirst bool
	// Echo delivers our own broadcasts back to us. Debug only.
	Echo bool

	Logger zerolog.Logger
}

// Orchestrator drives one participant through a call.
type Orchestrator struct {
	opts       Options
	listener   Listener
	logger     zerolog.Logger
	codec      signaling.Codec
	dispatcher *signaling.Dispatcher

	mailbox   chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Value

	// Owned by the loop.
	gen           uint64
	active        bool
	roomID        string
	sessionID     string
	ownsRecord    bool
	channel       transport.Channel
	peers         *peer.Manager
	connectedSeen bool
	remote        string
	retryPeer     models.Participant
	participants  map[string]models.Participant
	negTimer      *time.Timer
	negSeq        uint64
	outgoing      map[string]*outgoingInvite
	incoming      map[string]*incomingInvite
	ringing       string
}

func New(opts Options) (*Orchestrator, error) {
	if opts.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("session: invalid role %q", opts.Role)
	}
	if opts.Transport == nil || opts.Peers == nil || opts.Devices == nil {
		return nil, errors.New("session: transport, peers and devices are required")
	}
	if opts.Constraints == nil {
		c := media.DefaultConstraints()
		opts.Constraints = &c
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = DefaultInviteTimeout
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}

	o := &Orchestrator{
		opts:         opts,
		listener:     listener,
		logger:       opts.Logger.With().Str("component", "session").Str("user_id", opts.UserID).Logger(),
		mailbox:      make(chan func(), mailboxSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		participants: make(map[string]models.Participant),
		outgoing:     make(map[string]*outgoingInvite),
		incoming:     make(map[string]*incomingInvite),
	}
	o.state.Store(StateIdle)

	var dopts []signaling.DispatcherOption
	if opts.Echo {
		dopts = append(dopts, signaling.WithEcho())
	}
	o.dispatcher = signaling.NewDispatcher(opts.UserID, signaling.HandlerFunc(o.handleSignal), o.logger, dopts...)

	go o.loop()
	return o, nil
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.mailbox:
			fn()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case o.mailbox <- func() { errc <- fn() }:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the call identified by gen. Events of an earlier call
// are dropped when they reach the loop.
func (o *Orchestrator) post(gen uint64, fn func()) {
	select {
	case o.mailbox <- func() {
		if gen == o.gen {
			fn()
		}
	}:
	case <-o.done:
	}
}

func (o *Orchestrator) State() State { return o.state.Load().(State) }

func (o *Orchestrator) setState(s State) {
	if o.State() == s {
		return
	}
	o.state.Store(s)
	o.logger.Info().Str("room_id", o.roomID).Str("state", string(s)).Msg("Call state changed")
	o.listener.OnStateChanged(s)
}

// RoomID returns the room of the current call, or "".
func (o *Orchestrator) RoomID() string {
	var id string
	o.do(context.Background(), func() error {
		id = o.roomID
		return nil
	})
	return id
}

// Participants lists the remote participants known in the current call,
// oldest first.
func (o *Orchestrator) Participants() []models.Participant {
	var out []models.Participant
	o.do(context.Background(), func() error {
		for _, p := range o.participants {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// StartOrJoin enters call.RoomID, or the room of the in-progress record for
// the same patient and doctor when one exists, and returns the room joined.
func (o *Orchestrator) StartOrJoin(ctx context.Context, call Call) (string, error) {
	var gen uint64
	err := o.do(ctx, func() error {
		if o.active {
			return ErrCallActive
		}
		o.active = true
		o.gen++
		gen = o.gen
		o.connectedSeen = false
		o.setState(StateIdle)
		return nil
	})
	if err != nil {
		return "", err
	}
	release := func() {
		o.do(context.Background(), func() error {
			if gen == o.gen {
				o.active = false
			}
			return nil
		})
	}

	roomID, sessionID, owns, err := o.resolveRoom(ctx, call)
	if err != nil {
		release()
		return "", err
	}
	logger := o.logger.With().Str("room_id", roomID).Logger()

	obs := &callObserver{o: o, gen: gen, roomID: roomID}
	obs.channel = o.opts.Transport(o.transportEvents(gen))
	peers := peer.NewManager(o.opts.Peers, o.opts.Devices, obs, logger)

	err = o.do(ctx, func() error {
		if gen != o.gen {
			return ErrCallEnded
		}
		o.roomID, o.sessionID, o.ownsRecord = roomID, sessionID, owns
		o.channel, o.peers = obs.channel, peers
		o.setState(StateConnecting)
		return nil
	})
	if err != nil {
		obs.channel.Close()
		peers.Close()
		release()
		if owns {
			// The record never reached the loop, so teardown cannot close it.
			status := records.StatusFailed
			if errors.Is(err, ErrCallEnded) {
				status = records.StatusCompleted
			}
			o.settleRecord(sessionID, status)
		}
		return "", err
	}

	if _, err := peers.AttachLocalStream(ctx, *o.opts.Constraints); err != nil {
		return "", o.abort(gen, callerr.Wrap(callerr.KindMediaAccessDenied, "acquire local media", err))
	}
	logger.Info().Msg("Local media acquired")

	if err := obs.channel.Connect(ctx, roomID, o.opts.UserID); err != nil {
		return "", o.abort(gen, callerr.Wrap(callerr.KindTransportConnect, "connect", err))
	}
	return roomID, nil
}

// resolveRoom finds or creates the call record. owns reports whether this
// participant created it.
func (o *Orchestrator) resolveRoom(ctx context.Context, call Call) (roomID, sessionID string, owns bool, err error) {
	roomID = call.RoomID
	if o.opts.Records == nil || call.PatientID == "" || call.DoctorID == "" {
		if roomID == "" {
			roomID = "room_" + uuid.NewString()
		}
		return roomID, "", false, nil
	}

	existing, err := o.opts.Records.GetActiveSession(ctx, call.PatientID, call.DoctorID)
	switch {
	case err == nil:
		o.logger.Info().Str("session_id", existing.SessionID).Str("room_id", existing.RoomID).Msg("Joining in-progress session")
		return existing.RoomID, existing.SessionID, false, nil
	case !errors.Is(err, records.ErrNotFound):
		return "", "", false, fmt.Errorf("look up active session: %w", err)
	}

	rec, err := o.opts.Records.CreateSession(ctx, records.NewSession{
		PatientID:     call.PatientID,
		DoctorID:      call.DoctorID,
		AppointmentID: call.AppointmentID,
		RoomID:        call.RoomID,
	})
	if errors.Is(err, callerr.ErrSessionAlreadyActive) {
		// Lost a race with the other participant.
		existing, err = o.opts.Records.GetActiveSession(ctx, call.PatientID, call.DoctorID)
		if err != nil {
			return "", "", false, fmt.Errorf("look up active session: %w", err)
		}
		return existing.RoomID, existing.SessionID, false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info().Str("session_id", rec.SessionID).Str("room_id", rec.RoomID).Msg("Session created")
	return rec.RoomID, rec.SessionID, true, nil
}

// settleRecord writes status to a record created for a call that ended
// before it was attached.
func (o *Orchestrator) settleRecord(sessionID string, status records.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := o.opts.Records.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to update session status")
		return
	}
	o.logger.Info().Str("session_id", sessionID).Str("status", string(status)).Msg("Session status updated")
}

// abort ends a call that failed to start.
func (o *Orchestrator) abort(gen uint64, cause *callerr.Error) error {
	err := o.do(context.Background(), func() error {
		if gen != o.gen {
			return ErrCallEnded
		}
		o.logger.Error().Err(cause).Msg("Call failed to start")
		o.listener.OnError(cause)
		status := records.Status("")
		if o.ownsRecord {
			status = records.StatusFailed
		}
		o.teardown(context.Background(), status)
		return nil
	})
	if errors.Is(err, ErrCallEnded) {
		return err
	}
	return cause
}

// EndCall hangs up from any state. Calling it again does nothing.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.do(ctx, func() error {
		if !o.active && o.State() == StateEnded {
			return nil
		}
		o.teardown(ctx, records.StatusCompleted)
		return nil
	})
}

// Close ends the call and stops the loop.
func (o *Orchestrator) Close() error {
	err := o.EndCall(context.Background())
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	o.closeOnce.Do(func() { close(o.quit) })
	<-o.done
	return err
}

// teardown releases everything the call holds. status, when set, is written
// to the call record.
func (o *Orchestrator) teardown(ctx context.Context, status records.Status) {
	o.gen++
	o.active = false
	o.stopNegotiation()
	o.clearInvites()

	if o.peers != nil {
		o.peers.Close()
		o.peers = nil
	}
	if o.channel != nil {
		if err := o.channel.Leave(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to leave room")
		}
		o.channel.Close()
		o.channel = nil
	}
	o.remote = ""
	o.retryPeer = models.Participant{}
	clear(o.participants)

	if o.sessionID != "" && status != "" && o.opts.Records != nil {
		if _, err := o.opts.Records.UpdateSessionStatus(ctx, o.sessionID, status); err != nil {
			o.logger.Warn().Err(err).Str("session_id", o.sessionID).Msg("Failed to update session status")
		} else {
			o.logger.Info().Str("session_id", o.sessionID).Str("status", string(status)).Msg("Session status updated")
		}
	}
	o.sessionID, o.ownsRecord = "", false
	o.setState(StateEnded)
}

func (o *Orchestrator) transportEvents(gen uint64) transport.Events {
	return transport.Events{
		OnMessage: func(raw []byte) {
			o.post(gen, func() { o.handleRaw(raw) })
		},
		OnPeerJoined: func(p models.Participant) {
			o.post(gen, func() { o.onPeerJoined(p) })
		},
		OnPeerLeft: func(userID, reason string) {
			o.post(gen, func() { o.onPeerLeft(userID, reason) })
		},
		OnConnected: func() {
			o.post(gen, o.onTransportConnected)
		},
		OnDisconnected: func(err error) {
			o.post(gen, func() { o.onTransportDisconnected(err) })
		},
	}
}

func (o *Orchestrator) handleRaw(raw []byte) {
	msg, err := o.codec.Decode(raw)
	if err != nil {
		o.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed signaling message")
		o.listener.OnError(callerr.Wrap(callerr.KindSignalingDecode, "decode", err))
		return
	}
	o.dispatcher.Deliver(msg)
}

func (o *Orchestrator) onTransportConnected() {
	if !o.connectedSeen {
		o.connectedSeen = true
		o.logger.Info().Str("room_id", o.roomID).Msg("Joined room")
		return
	}
	// Rejoined after a drop. The participant that stayed sees us join again
	// and sends a fresh offer.
	o.logger.Info().Str("room_id", o.roomID).Msg("Rejoined room")
	o.resetPeer()
	o.peers.Candidates().Reset()
	o.remote = ""
	o.retryPeer = models.Participant{}
	clear(o.participants)
	o.setState(StateConnecting)
}

func (o *Orchestrator) onTransportDisconnected(err error) {
	ce := callerr.Wrap(callerr.KindTransportDisconnected, "transport", err)
	o.logger.Warn().Err(ce).Msg("Signaling transport lost")
	o.listener.OnError(ce)
}

func (o *Orchestrator) onPeerJoined(p models.Participant) {
	if p.UserID == o.opts.UserID {
		return
	}
	if o.remote != "" && o.remote != p.UserID {
		o.logger.Warn().Str("peer_id", p.UserID).Str("current_peer", o.remote).Msg("Ignoring additional participant")
		return
	}
	o.participants[p.UserID] = p
	o.remote = p.UserID
	o.retryPeer = models.Participant{}
	o.logger.Info().Str("peer_id", p.UserID).Str("role", string(p.Role)).Msg("Participant joined")

	if o.opts.RingFirst {
		if _, err := o.invite(p.UserID); err != nil {
			o.logger.Warn().Err(err).Str("peer_id", p.UserID).Msg("Failed to ring participant")
		} else {
			o.ringing = p.UserID
		}
		return
	}
	o.startNegotiation()
}

// startNegotiation makes us the initiator towards the current remote peer.
func (o *Orchestrator) startNegotiation() {
	if o.peers == nil || o.remote == "" {
		return
	}
	o.resetPeer()
	if err := o.peers.CreateForRole(true); err != nil {
		o.negotiationFailed(callerr.Wrap(callerr.KindNegotiationFailed, "create peer connection", err))
		return
	}
	o.setState(StateConnecting)
	o.armNegotiation()
	if err := o.peers.Start(context.Background(), o.remote); err != nil {
		o.negotiationFailed(callerr.Wrap(callerr.KindNegotiationFailed, "start", err))
	}
}

func (o *Orchestrator) onPeerLeft(userID, reason string) {
	delete(o.participants, userID)
	if userID == o.retryPeer.UserID {
		o.retryPeer = models.Participant{}
	}
	if userID != o.remote {
		return
	}
	o.logger.Info().Str("peer_id", userID).Str("reason", reason).Msg("Participant left")
	o.remote = ""
	o.resetPeer()
	o.peers.Candidates().Reset()
	o.listener.OnParticipantLeft(userID, reason)

	if reason == transport.LeaveReasonDisconnected {
		o.setState(StateIdle)
		return
	}
	o.teardown(context.Background(), records.StatusCompleted)
}

func (o *Orchestrator) handleSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeOffer:
		o.onOffer(msg)
	case models.SignalTypeAnswer:
		o.onAnswer(msg)
	case models.SignalTypeCandidate:
		o.onCandidate(msg)
	case models.SignalTypeInvite:
		o.onInvite(msg)
	case models.SignalTypeAccept:
		o.onAccept(msg)
	case models.SignalTypeDecline:
		o.onDecline(msg)
	case models.SignalTypeError:
		var data models.ErrorData
		signaling.DecodeData(msg, &data)
		o.logger.Warn().Str("code", data.Code).Str("message", data.Message).Msg("Signaling service reported an error")
	default:
		o.logger.Debug().Str("type", string(msg.Type)).Str("from", msg.From).Msg("Ignoring signaling message")
	}
}

func (o *Orchestrator) decodeFailed(msg models.SignalMessage, err error) {
	o.logger.Warn().Err(err).Str("type", string(msg.Type)).Str("from", msg.From).Msg("Dropping malformed signaling payload")
	o.listener.OnError(callerr.Wrap(callerr.KindSignalingDecode, "decode "+string(msg.Type), err))
}

// fromRemote accepts msg from the current remote peer, adopting its sender
// as the remote peer when there is none yet.
func (o *Orchestrator) fromRemote(msg models.SignalMessage) bool {
	if o.remote == "" {
		o.remote = msg.From
		if _, ok := o.participants[msg.From]; !ok {
			p := models.Participant{UserID: msg.From, JoinedAt: msg.Time()}
			if o.retryPeer.UserID == msg.From {
				p = o.retryPeer
			}
			o.participants[msg.From] = p
		}
		o.retryPeer = models.Participant{}
		return true
	}
	if msg.From != o.remote {
		o.logger.Warn().Str("type", string(msg.Type)).Str("from", msg.From).Msg("Ignoring signal from another participant")
		return false
	}
	return true
}

func (o *Orchestrator) onOffer(msg models.SignalMessage) {
	var offer webrtc.SessionDescription
	if err := signaling.DecodeData(msg, &offer); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	if !o.fromRemote(msg) {
		return
	}
	o.stopRinging()
	if o.peers.Initiator() && o.peers.SignalingState() == webrtc.SignalingStateHaveLocalOffer && o.leads(msg.From) {
		// Both sides offered at once. The other side answers ours.
		o.logger.Info().Str("peer_id", msg.From).Msg("Ignoring colliding offer")
		return
	}
	if o.peers.HasConn() {
		// The other side restarted negotiation. Keep queued candidates: they
		// may belong to this offer.
		o.stopNegotiation()
		o.peers.ClosePeer()
	}
	o.setState(StateConnecting)
	o.armNegotiation()
	if err := o.peers.HandleOffer(context.Background(), offer, msg.From); err != nil {
		o.negotiationFailed(callerr.Wrap(callerr.KindNegotiationFailed, "handle offer", err))
	}
}

func (o *Orchestrator) onAnswer(msg models.SignalMessage) {
	var answer webrtc.SessionDescription
	if err := signaling.DecodeData(msg, &answer); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	if msg.From != o.remote || !o.peers.HasConn() {
		o.logger.Warn().Str("from", msg.From).Msg("Ignoring answer without an outstanding offer")
		return
	}
	if err := o.peers.HandleAnswer(context.Background(), answer); err != nil {
		o.negotiationFailed(callerr.Wrap(callerr.KindNegotiationFailed, "handle answer", err))
	}
}

func (o *Orchestrator) onCandidate(msg models.SignalMessage) {
	var c webrtc.ICECandidateInit
	if err := signaling.DecodeData(msg, &c); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	if o.remote != "" && msg.From != o.remote {
		return
	}
	if err := o.peers.HandleRemoteCandidate(c); err != nil {
		o.logger.Warn().Err(err).Msg("Remote candidate rejected")
	}
}

func (o *Orchestrator) armNegotiation() {
	o.stopNegotiation()
	gen, seq := o.gen, o.negSeq
	o.negTimer = time.AfterFunc(o.opts.NegotiationTimeout, func() {
		o.post(gen, func() {
			if o.negTimer != nil && o.negSeq == seq {
				o.negTimer = nil
				o.negotiationFailed(callerr.New(callerr.KindNegotiationFailed, "negotiate",
					fmt.Errorf("not connected after %s", o.opts.NegotiationTimeout)))
			}
		})
	})
}

func (o *Orchestrator) stopNegotiation() {
	o.negSeq++
	if o.negTimer != nil {
		o.negTimer.Stop()
		o.negTimer = nil
	}
}

// negotiationFailed reports err and returns the call to Idle. The room stays
// joined; Retry or the next participant join negotiates again.
func (o *Orchestrator) negotiationFailed(err *callerr.Error) {
	o.logger.Warn().Err(err).Str("peer_id", o.remote).Msg("Negotiation failed")
	o.listener.OnError(err)
	o.resetPeer()
	o.peers.Candidates().Reset()
	o.dropRemote()
	o.setState(StateIdle)
}

// dropRemote forgets the remote peer and keeps it for Retry.
func (o *Orchestrator) dropRemote() {
	if o.remote == "" {
		return
	}
	p, ok := o.participants[o.remote]
	if !ok {
		p = models.Participant{UserID: o.remote}
	}
	o.retryPeer = p
	delete(o.participants, o.remote)
	o.remote = ""
}

// leads reports whether our offer wins when both sides offer at once. The
// lower user id wins.
func (o *Orchestrator) leads(userID string) bool {
	return o.opts.UserID < userID
}

// Retry negotiates again with the participant whose connection last failed,
// as long as it is still in the room. It does nothing while a remote peer is
// attached.
func (o *Orchestrator) Retry(ctx context.Context) error {
	return o.do(ctx, func() error {
		if !o.active || o.peers == nil {
			return ErrNoCall
		}
		if o.remote != "" {
			return nil
		}
		p := o.retryPeer
		if p.UserID == "" {
			return ErrNoPeer
		}
		o.retryPeer = models.Participant{}
		o.participants[p.UserID] = p
		o.remote = p.UserID
		o.logger.Info().Str("peer_id", p.UserID).Msg("Retrying negotiation")
		o.startNegotiation()
		return nil
	})
}

// resetPeer discards the peer connection but keeps local media.
func (o *Orchestrator) resetPeer() {
	o.stopNegotiation()
	if o.peers != nil {
		o.peers.ClosePeer()
	}
}

func (o *Orchestrator) onPeerState(state webrtc.PeerConnectionState) {
	o.listener.OnConnectionState(state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		o.stopNegotiation()
		o.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		// The error itself arrives through PeerError.
		o.resetPeer()
		o.peers.Candidates().Reset()
		o.dropRemote()
		o.setState(StateIdle)
	}
}

// ToggleCamera flips the local video track and returns whether it is now
// enabled.
func (o *Orchestrator) ToggleCamera(ctx context.Context) (bool, error) {
	return o.toggle(ctx, media.KindVideo)
}

// ToggleMic flips the local audio track and returns whether it is now
// enabled.
func (o *Orchestrator) ToggleMic(ctx context.Context) (bool, error) {
	return o.toggle(ctx, media.KindAudio)
}

func (o *Orchestrator) toggle(ctx context.Context, kind media.Kind) (bool, error) {
	var enabled bool
	err := o.do(ctx, func() error {
		if o.peers == nil {
			return ErrNoCall
		}
		stream := o.peers.LocalStream()
		if stream == nil {
			return ErrNoLocalMedia
		}
		t := stream.AudioTrack()
		if kind == media.KindVideo {
			t = stream.VideoTrack()
		}
		if t == nil {
			return ErrNoLocalMedia
		}
		enabled = !t.Enabled()
		t.SetEnabled(enabled)
		o.logger.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("Local track toggled")
		return nil
	})
	return enabled, err
}

// SwitchCamera opens the camera facing the other way and swaps it onto the
// outgoing video without renegotiating. It returns the new facing mode.
func (o *Orchestrator) SwitchCamera(ctx context.Context) (string, error) {
	var peers *peer.Manager
	var current string
	err := o.do(ctx, func() error {
		if o.peers == nil {
			return ErrNoCall
		}
		stream := o.peers.LocalStream()
		if stream == nil || stream.VideoTrack() == nil {
			return ErrNoLocalMedia
		}
		peers, current = o.peers, stream.VideoTrack().FacingMode()
		return nil
	})
	if err != nil {
		return "", err
	}

	want := o.opts.Constraints.Video
	want.FacingMode = media.OtherFacing(current)
	want.DeviceID = ""
	track, err := o.opts.Devices.OpenVideo(ctx, want)
	if err != nil {
		return "", err
	}

	err = o.do(ctx, func() error {
		if o.peers != peers {
			return ErrCallEnded
		}
		return peers.ReplaceVideoTrack(track)
	})
	if err != nil {
		track.Stop()
		return "", err
	}
	o.logger.Info().Str("facing_mode", want.FacingMode).Msg("Camera switched")
	return want.FacingMode, nil
}

// send encodes and delivers one message on channel.
func (o *Orchestrator) send(channel transport.Channel, roomID string, t models.SignalType, data any, to string) error {
	msg, err := o.codec.Encode(t, roomID, o.opts.UserID, data, to)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := channel.Send(ctx, msg); err != nil {
		return callerr.Wrap(callerr.KindTransportDisconnected, "send "+string(t), err)
	}
	return nil
}

// callObserver feeds one call's peer manager events back to the loop. Signals
// are sent straight to the transport so that the manager can emit them from
// inside the loop.
type callObserver struct {
	o       *Orchestrator
	gen     uint64
	roomID  string
	channel transport.Channel
}

func (c *callObserver) PeerSignal(t models.SignalType, data any, to string) {
	if err := c.o.send(c.channel, c.roomID, t, data, to); err != nil {
		c.o.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to send signal")
	}
}

func (c *callObserver) PeerStateChanged(state webrtc.PeerConnectionState) {
	c.o.post(c.gen, func() { c.o.onPeerState(state) })
}

func (c *callObserver) PeerRemoteTrack(track peer.RemoteTrack) {
	c.o.post(c.gen, func() { c.o.listener.OnRemoteStream(track) })
}

func (c *callObserver) PeerError(err *callerr.Error) {
	c.o.post(c.gen, func() { c.o.listener.OnError(err) })
}
