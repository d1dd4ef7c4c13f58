package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/rs/zerolog"
)

const (
	defaultTailLimit = 50
	maxTailLimit     = 500
)

// Rooms serves room lookups and administration backed by the hub and the
// redis mirror.
type Rooms struct {
	hub    *Hub
	store  *redis.Store
	logger zerolog.Logger
}

// NewRooms builds room handlers. store may be nil.
func NewRooms(hub *Hub, store *redis.Store, logger zerolog.Logger) *Rooms {
	return &Rooms{hub: hub, store: store, logger: logger.With().Str("component", "rooms").Logger()}
}

// GetRoom returns who is in a room and how much of its tail is kept.
func (r *Rooms) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	info := models.RoomInfo{
		ID:           roomID,
		Participants: r.hub.Participants(roomID),
		Capacity:     models.MaxParticipants,
	}

	if r.store != nil {
		ctx := c.Request.Context()
		// Presence in redis covers participants connected to other instances.
		if peers, err := r.store.Peers(ctx, roomID); err != nil {
			r.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to read presence")
		} else if len(peers) > len(info.Participants) {
			info.Participants = peers
		}
		if n, err := r.store.TailLength(ctx, roomID); err != nil {
			r.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to read tail length")
		} else {
			info.TailLength = n
		}
	}

	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].JoinedAt.Before(info.Participants[j].JoinedAt)
	})
	c.JSON(http.StatusOK, info)
}

// GetMessages returns the newest relayed messages of a room, newest first.
func (r *Rooms) GetMessages(c *gin.Context) {
	if r.store == nil || r.store.TailDisabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Message tail is disabled"})
		return
	}

	limit := int64(defaultTailLimit)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTailLimit)
	}

	roomID := c.Param("roomId")
	msgs, err := r.store.Tail(c.Request.Context(), roomID, limit)
	if err != nil {
		r.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to read message tail")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
		return
	}
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "messages": msgs})
}

// DeleteRoom evicts everyone from a room and drops its state.
func (r *Rooms) DeleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	evicted := r.hub.Evict(roomID)

	if r.store != nil {
		if err := r.store.DeleteRoom(c.Request.Context(), roomID); err != nil {
			r.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to delete room state")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
			return
		}
	}

	r.logger.Info().
		Str("room_id", roomID).
		Str("by", c.GetString(middleware.UserIDKey)).
		Int("evicted", evicted).
		Msg("Room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted", "evicted": evicted})
}
