// Package api is the REST surface: identity creation, room discovery,
// and the HTTP join/leave path that mirrors the gateway's frame flow.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/sanitize"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// joinTimeout bounds the join transaction; HTTP joins never wait in the
// admission queue.
const joinTimeout = 2 * time.Second

// Handler carries the REST dependencies.
type Handler struct {
	identity   types.IdentityService
	rooms      types.RoomService
	engine     *ratelimit.Engine
	governor   *governor.Governor
	hashSecret string
	trustProxy bool
	clock      clock.PassiveClock
}

// NewHandler builds the REST handler set.
func NewHandler(identity types.IdentityService, rooms types.RoomService,
	engine *ratelimit.Engine, gov *governor.Governor,
	hashSecret string, trustProxy bool, clk clock.PassiveClock) *Handler {
	return &Handler{
		identity:   identity,
		rooms:      rooms,
		engine:     engine,
		governor:   gov,
		hashSecret: hashSecret,
		trustProxy: trustProxy,
		clock:      clk,
	}
}

// PrincipalKey derives the rate-limit principal from the request: the
// hashed client address, never the raw one.
func (h *Handler) PrincipalKey(c *gin.Context) string {
	return sanitize.HashAddress(h.hashSecret, sanitize.ClientIP(c.Request, h.trustProxy))
}

type createUserRequest struct {
	DisplayName string `json:"display_name"`
}

type userResponse struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateUser handles POST /api/v1/users: create-or-refresh the caller's
// anonymous identity. The same address always resolves to the same
// principal, so repeat calls are cheap.
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.ErrInvalidMessage)
		return
	}

	name, err := sanitize.CleanDisplayName(req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}

	key := h.PrincipalKey(c)
	if d := h.engine.Check(c.Request.Context(), key, ratelimit.ActionIdentityCreate); !d.Allowed {
		respondRateLimited(c, types.CodeRateLimitExceeded, d.RetryAfter(h.clock.Now()))
		return
	}

	p, err := h.identity.Upsert(c.Request.Context(), key, name)
	if err != nil {
		logging.Error(c.Request.Context(), "identity upsert failed", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, userResponse{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		CreatedAt:   p.CreatedAt.UTC(),
	})
}

// ListRooms handles GET /api/v1/rooms.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.List(c.Request.Context())
	if err != nil {
		logging.Error(c.Request.Context(), "room list failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom handles GET /api/v1/rooms/:roomId, returning the room and its
// current participants.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := h.rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	participants, err := h.rooms.Participants(c.Request.Context(), roomID)
	if err != nil {
		logging.Error(c.Request.Context(), "participant list failed", zap.Error(err))
		respondError(c, err)
		return
	}
	if participants == nil {
		participants = []types.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "participants": participants})
}

type memberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// JoinRoom handles POST /api/v1/rooms/:roomId/join. Unlike the gateway,
// the HTTP path never queues: a full system answers 503 immediately.
func (h *Handler) JoinRoom(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.ErrInvalidMessage)
		return
	}
	roomID := c.Param("roomId")

	if d := h.engine.Check(c.Request.Context(), h.PrincipalKey(c), ratelimit.ActionJoinAttempt); !d.Allowed {
		respondRateLimited(c, types.CodeJoinLimitExceeded, d.RetryAfter(h.clock.Now()))
		return
	}

	if err := h.governor.TryAcquire(req.UserID); err != nil {
		respondError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), joinTimeout)
	defer cancel()
	result, err := h.rooms.Join(ctx, req.UserID, roomID)
	if err != nil {
		// A failed join gives the slot back, unless the user keeps one
		// through an existing membership.
		if !errors.Is(err, types.ErrAlreadyInRoom) {
			h.governor.Release(req.UserID)
		}
		respondError(c, err)
		return
	}

	_ = h.identity.Touch(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, result)
}

// LeaveRoom handles POST /api/v1/rooms/:roomId/leave.
func (h *Handler) LeaveRoom(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.ErrInvalidMessage)
		return
	}
	roomID := c.Param("roomId")

	result, err := h.rooms.Leave(c.Request.Context(), req.UserID, roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.governor.Release(req.UserID)

	c.JSON(http.StatusOK, gin.H{
		"duration_seconds": int64(result.Duration / time.Second),
		"occupancy":        result.Occupancy,
	})
}
