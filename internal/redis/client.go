// Package redis mirrors the signaling service's room state into Redis so
// that room lookups and the debug message tail survive across handlers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const roomTTL = 24 * time.Hour

func peersKey(roomID string) string    { return "room:" + roomID + ":peers" }
func messagesKey(roomID string) string { return "room:" + roomID + ":messages" }

// Connect builds a client for cfg and checks that the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Store keeps room presence and a capped tail of relayed messages.
type Store struct {
	client redis.UniversalClient
	tail   int64
}

// NewStore wraps client. tail caps the per-room message tail; 0 disables it.
func NewStore(client redis.UniversalClient, tail int64) *Store {
	return &Store{client: client, tail: tail}
}

// AddPeer records p as present in roomID.
func (s *Store) AddPeer(ctx context.Context, roomID string, p models.Participant) error {
	member, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, peersKey(roomID), p.UserID, member).Err(); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	return s.client.Expire(ctx, peersKey(roomID), roomTTL).Err()
}

func (s *Store) RemovePeer(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, peersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	return nil
}

// Peers returns the participants recorded for roomID. Entries that do not
// parse are skipped.
func (s *Store) Peers(ctx context.Context, roomID string) ([]models.Participant, error) {
	entries, err := s.client.HGetAll(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]models.Participant, 0, len(entries))
	for _, raw := range entries {
		var p models.Participant
		if json.Unmarshal([]byte(raw), &p) == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Append pushes raw onto the room's message tail and trims it to the cap.
func (s *Store) Append(ctx context.Context, roomID string, raw []byte) error {
	if s.tail <= 0 {
		return nil
	}
	key := messagesKey(roomID)
	if err := s.client.LPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := s.client.LTrim(ctx, key, 0, s.tail-1).Err(); err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	return s.client.Expire(ctx, key, roomTTL).Err()
}

// Tail returns up to n of the most recent messages, newest first.
func (s *Store) Tail(ctx context.Context, roomID string, n int64) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := s.client.LRange(ctx, messagesKey(roomID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}

func (s *Store) TailLength(ctx context.Context, roomID string) (int64, error) {
	return s.client.LLen(ctx, messagesKey(roomID)).Result()
}

// DeleteRoom drops everything stored for roomID.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, peersKey(roomID), messagesKey(roomID)).Err()
}

// TailDisabled reports whether relayed messages are not kept.
func (s *Store) TailDisabled() bool { return s.tail <= 0 }
