package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// joinScript registers presence atomically. It refuses a new member once the
// room holds max participants and returns the member's join sequence, which
// orders joins so that only the earlier member treats the later one as a new
// peer.
var joinScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 and redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[3]) then
  return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return seq
`)

func signalChannel(roomID string) string { return "signal:room:" + roomID }
func presenceKey(roomID string) string   { return "presence:room:" + roomID }
func sequenceKey(roomID string) string   { return "presence:room:" + roomID + ":seq" }

// presence wraps the redis commands that track who is in a room.
type presence struct {
	client redis.UniversalClient
	roomID string
	ttl    time.Duration
}

func (p presence) join(ctx context.Context, self models.Participant) (int64, error) {
	member, err := json.Marshal(self)
	if err != nil {
		return 0, err
	}
	seq, err := joinScript.Run(ctx, p.client,
		[]string{presenceKey(p.roomID), sequenceKey(p.roomID)},
		self.UserID, string(member), models.MaxParticipants, int(p.ttl/time.Second),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("register presence: %w", err)
	}
	if seq < 0 {
		return 0, ErrRoomFull
	}
	return seq, nil
}

func (p presence) members(ctx context.Context) ([]models.Participant, error) {
	all, err := p.client.HGetAll(ctx, presenceKey(p.roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]models.Participant, 0, len(all))
	for _, raw := range all {
		var m models.Participant
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p presence) refresh(ctx context.Context) error {
	if err := p.client.Expire(ctx, presenceKey(p.roomID), p.ttl).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, sequenceKey(p.roomID), p.ttl).Err()
}

func (p presence) release(ctx context.Context, userID string) error {
	return p.client.HDel(ctx, presenceKey(p.roomID), userID).Err()
}

type RedisOptions struct {
	Client            redis.UniversalClient
	Role              models.Role
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	Logger            zerolog.Logger
}

// Redis is a Channel on a shared redis instance: messages travel over
// pub/sub and presence lives in a hash refreshed by the heartbeat. Every
// subscriber, including the sender, receives each message; loopback
// suppression is left to the dispatcher, which sees the from field.
type Redis struct {
	opts      RedisOptions
	events    Events
	codec     signaling.Codec
	reconnect *Reconnector
	logger    zerolog.Logger

	mu          sync.Mutex
	roomID      string
	self        models.Participant
	seq         int64
	pubsub      *redis.PubSub
	stop        chan struct{}
	intentional bool
	closed      bool
}

func NewRedis(opts RedisOptions, events Events) *Redis {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Redis{
		opts:      opts,
		events:    events,
		reconnect: NewReconnector(opts.ReconnectDelay),
		logger:    opts.Logger.With().Str("transport", "redis").Logger(),
	}
}

func (r *Redis) presence(roomID string) presence {
	// Presence outlives a few missed heartbeats, not a crashed client.
	return presence{client: r.opts.Client, roomID: roomID, ttl: 3 * r.opts.HeartbeatInterval}
}

func (r *Redis) Connect(ctx context.Context, roomID, userID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.roomID != "" {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	r.roomID = roomID
	r.self = models.Participant{UserID: userID, Role: r.opts.Role, JoinedAt: time.Now().UTC()}
	r.intentional = false
	r.mu.Unlock()

	if err := r.open(ctx); err != nil {
		r.mu.Lock()
		r.roomID = ""
		r.mu.Unlock()
		return callerr.Wrap(callerr.KindTransportConnect, "join "+roomID, err)
	}
	r.events.Connected()
	return nil
}

func (r *Redis) open(ctx context.Context) error {
	r.mu.Lock()
	roomID, self := r.roomID, r.self
	r.mu.Unlock()

	// Subscribe before announcing so no join published after ours is missed.
	ps := r.opts.Client.Subscribe(ctx, signalChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	seq, err := r.presence(roomID).join(ctx, self)
	if err != nil {
		ps.Close()
		return err
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.pubsub, r.seq, r.stop = ps, seq, stop
	r.mu.Unlock()

	go r.readLoop(ps, stop, self.UserID, seq)
	go r.heartbeat(roomID, stop)

	join, err := r.codec.Encode(models.SignalTypeJoin, roomID, self.UserID, models.JoinData{Role: self.Role, Seq: seq}, "")
	if err == nil {
		err = r.publish(ctx, join)
	}
	if err != nil {
		r.mu.Lock()
		if r.stop == stop {
			r.pubsub, r.stop = nil, nil
		}
		r.mu.Unlock()
		close(stop)
		_ = r.presence(roomID).release(ctx, self.UserID)
		ps.Close()
		return err
	}
	r.logger.Info().Str("room_id", roomID).Str("user_id", self.UserID).Int64("seq", seq).Msg("Joined room")
	return nil
}

// Seq returns the join sequence assigned by the last successful join.
func (r *Redis) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Members lists the participants currently registered in the joined room.
func (r *Redis) Members(ctx context.Context) ([]models.Participant, error) {
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()
	if roomID == "" {
		return nil, ErrNotConnected
	}
	return r.presence(roomID).members(ctx)
}

func (r *Redis) readLoop(ps *redis.PubSub, stop chan struct{}, selfID string, selfSeq int64) {
	ch := ps.Channel()
	for {
		select {
		case <-stop:
			return
		case m, ok := <-ch:
			if !ok {
				r.handleDrop(stop)
				return
			}
			r.handlePayload([]byte(m.Payload), selfID, selfSeq)
		}
	}
}

func (r *Redis) handlePayload(raw []byte, selfID string, selfSeq int64) {
	msg, err := r.codec.Decode(raw)
	if err != nil {
		r.events.Message(raw)
		return
	}

	switch msg.Type {
	case models.SignalTypeJoin:
		if msg.From == selfID {
			return
		}
		var data models.JoinData
		if err := signaling.DecodeData(msg, &data); err != nil {
			r.logger.Warn().Err(err).Msg("Malformed join announcement")
			return
		}
		// Only members that joined earlier see this as a new peer.
		if data.Seq > selfSeq {
			r.events.PeerJoined(models.Participant{UserID: msg.From, Role: data.Role, JoinedAt: msg.Time()})
		}
	case models.SignalTypeLeave:
		if msg.From == selfID {
			return
		}
		r.events.PeerLeft(msg.From, LeaveReasonLeft)
	default:
		r.events.Message(raw)
	}
}

func (r *Redis) heartbeat(roomID string, stop chan struct{}) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if err := r.presence(roomID).refresh(ctx); err != nil {
				r.logger.Warn().Err(err).Str("room_id", roomID).Msg("Heartbeat failed")
			}
			cancel()
		}
	}
}

func (r *Redis) handleDrop(stop chan struct{}) {
	r.mu.Lock()
	if r.stop != stop || r.intentional || r.closed {
		r.mu.Unlock()
		return
	}
	close(stop)
	r.stop, r.pubsub = nil, nil
	r.mu.Unlock()

	r.events.Disconnected(callerr.New(callerr.KindTransportDisconnected, "subscription", ErrNotConnected))
	r.reconnect.Schedule(r.retry)
}

func (r *Redis) retry() {
	r.mu.Lock()
	skip := r.intentional || r.closed || r.roomID == ""
	r.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
	defer cancel()
	if err := r.open(ctx); err != nil {
		r.mu.Lock()
		r.roomID = ""
		r.mu.Unlock()
		r.events.Disconnected(callerr.New(callerr.KindTransportConnect, "reconnect", err))
		return
	}
	r.events.Connected()
}

func (r *Redis) publish(ctx context.Context, msg models.SignalMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := r.opts.Client.Publish(ctx, signalChannel(msg.RoomID), raw).Err(); err != nil {
		return callerr.New(callerr.KindTransportDisconnected, "publish "+string(msg.Type), err)
	}
	return nil
}

func (r *Redis) Send(ctx context.Context, msg models.SignalMessage) error {
	r.mu.Lock()
	connected := r.pubsub != nil
	r.mu.Unlock()
	if !connected {
		return callerr.New(callerr.KindTransportDisconnected, "send "+string(msg.Type), ErrNotConnected)
	}
	return r.publish(ctx, msg)
}

func (r *Redis) Leave(ctx context.Context) error {
	r.mu.Lock()
	roomID, self := r.roomID, r.self
	ps, stop := r.pubsub, r.stop
	r.intentional = true
	r.roomID = ""
	r.pubsub, r.stop = nil, nil
	r.mu.Unlock()

	r.reconnect.Cancel()
	if ps == nil {
		return nil
	}
	close(stop)

	var firstErr error
	if err := r.presence(roomID).release(ctx, self.UserID); err != nil {
		firstErr = fmt.Errorf("release presence: %w", err)
	}
	if leave, err := r.codec.Encode(models.SignalTypeLeave, roomID, self.UserID, nil, ""); err == nil {
		if err := r.publish(ctx, leave); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := ps.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.logger.Info().Str("room_id", roomID).Str("user_id", self.UserID).Msg("Left room")
	return firstErr
}

func (r *Redis) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := r.Leave(ctx)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.reconnect.Stop()
	return err
}
