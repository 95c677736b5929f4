// Package transport is the WebSocket gateway: it upgrades connections,
// decodes inbound frames, drives the join/admission flow, and fans
// room-scoped events from the bus out to sockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/bus"
	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/sanitize"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// Options carries the gateway's tunables out of config.
type Options struct {
	AllowedOrigins   []string
	TrustProxy       bool
	HashSecret       string
	PingInterval     time.Duration
	PingMaxMissed    int
	HandshakeTimeout time.Duration
	ChatHistoryLimit int
}

// Hub owns every live WebSocket session. It coordinates the identity,
// registry, and journal services with the governor and rate limiter,
// and bridges the event bus onto sockets.
type Hub struct {
	identity types.IdentityService
	rooms    types.RoomService
	journal  types.ChatJournal
	bus      *bus.Bus
	engine   *ratelimit.Engine
	governor *governor.Governor
	opts     Options
	clock    clock.WithTicker

	mu       sync.Mutex
	clients  map[*Client]struct{}
	shutdown bool
}

// NewHub wires the gateway to its collaborators.
func NewHub(identity types.IdentityService, rooms types.RoomService, journal types.ChatJournal,
	b *bus.Bus, engine *ratelimit.Engine, gov *governor.Governor, opts Options, clk clock.WithTicker) *Hub {
	return &Hub{
		identity: identity,
		rooms:    rooms,
		journal:  journal,
		bus:      b,
		engine:   engine,
		governor: gov,
		opts:     opts,
		clock:    clk,
		clients:  make(map[*Client]struct{}),
	}
}

// ServeRoom handles GET /ws/room/:roomId: governor handshake, origin
// check, upgrade, then hands the socket to a Client. The join itself
// happens over the socket via a join frame.
func (h *Hub) ServeRoom(c *gin.Context) {
	h.serve(c, c.Param("roomId"))
}

// ServeLobby handles GET /ws/lobby: a read-only stream of room
// occupancy updates for the room picker. Lobby sessions never join.
func (h *Hub) ServeLobby(c *gin.Context) {
	h.serve(c, "")
}

func (h *Hub) serve(c *gin.Context, roomID string) {
	ip := sanitize.ClientIP(c.Request, h.opts.TrustProxy)
	hashedAddr := sanitize.HashAddress(h.opts.HashSecret, ip)

	// Gate before upgrading so abusers never cost us a socket.
	if err := h.governor.Handshake(hashedAddr); err != nil {
		logging.Warn(c.Request.Context(), "websocket handshake refused",
			zap.String("code", types.CodeOf(err)),
			zap.String("client", logging.RedactAddr(ip)))
		detail := gin.H{"code": types.CodeOf(err), "message": err.Error()}
		var throttled *types.ThrottledError
		if errors.As(err, &throttled) {
			secs := int64((throttled.RetryAfter + time.Second - 1) / time.Second)
			detail["retry_after"] = secs
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": detail})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.opts.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade writes its own response; the connection never existed
		// as far as backoff accounting is concerned.
		h.governor.ConnectionClosed(hashedAddr)
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, hashedAddr, roomID)
	if !h.register(client) {
		refuse(conn)
		h.governor.ConnectionClosed(hashedAddr)
		return
	}
	if roomID == "" {
		client.bindLobby()
	} else if h.opts.HandshakeTimeout > 0 {
		go client.joinDeadline(h.opts.HandshakeTimeout)
	}

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
}

// refuse closes a socket that arrived mid-shutdown.
func refuse(conn wsConnection) {
	data, _ := json.Marshal(types.NewErrorFrame(types.CodeServerShutdown, "server is shutting down", 0))
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, types.CodeServerShutdown))
	_ = conn.Close()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount reports how many sockets are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown tells every session the server is going away and closes the
// sockets. New connections are refused once this starts.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	logging.Info(ctx, "gateway shutting down", zap.Int("sessions", len(clients)))
	frame := types.NewErrorFrame(types.CodeServerShutdown, "server is shutting down", 0)
	for _, c := range clients {
		c.sendFrame(frame)
		c.close()
	}

	// Wait for teardowns to settle or the deadline, whichever first.
	for h.ClientCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// originAllowed accepts same scheme+host matches against the allow
// list. Requests without an Origin header (non-browser clients) pass.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	logging.Warn(r.Context(), "origin rejected", zap.String("origin", origin))
	return false
}
