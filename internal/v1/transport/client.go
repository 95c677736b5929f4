package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/studyhive/studyhive/backend/go/internal/v1/bus"
	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/sanitize"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
	// teardownWait bounds the forced-removal transaction when a socket
	// dies; the sweeper catches anything it misses.
	teardownWait = 5 * time.Second
)

// wsConnection is the slice of *websocket.Conn the client needs; tests
// substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket session. A room session starts unbound and
// binds to its room when the join frame succeeds; a lobby session stays
// unbound and only streams occupancy updates.
type Client struct {
	hub         *Hub
	conn        wsConnection
	hashedAddr  string
	requestRoom string // "" for lobby sessions

	send chan []byte
	done chan struct{}

	closeOnce    sync.Once
	teardownOnce sync.Once

	mu          sync.Mutex
	userID      string
	displayName string
	roomID      string // bound room, "" until join completes
	joining     bool
	sawJoin     bool // a join frame arrived within the handshake window
	sub         *bus.Subscription
	missedPings int
	closeCode   int
	closeText   string
	reason      string // disconnect reason label for metrics
}

func newClient(h *Hub, conn wsConnection, hashedAddr, requestRoom string) *Client {
	return &Client{
		hub:         h,
		conn:        conn,
		hashedAddr:  hashedAddr,
		requestRoom: requestRoom,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		reason:      "client_closed",
	}
}

// bindLobby attaches a lobby session to the occupancy stream.
func (c *Client) bindLobby() {
	sub := c.hub.bus.Subscribe(types.LobbyTopic, c.slowConsumer)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	go c.eventPump(sub)
}

// --- Pumps ---

// readPump decodes inbound frames until the socket dies, then tears the
// session down exactly once.
func (c *Client) readPump() {
	defer c.teardown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame types.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.InboundFrames.WithLabelValues("malformed", "rejected").Inc()
			c.sendFrame(types.NewErrorFrame(types.CodeInvalidMessage, "malformed frame", 0))
			continue
		}
		c.dispatch(context.Background(), frame)
	}
}

// writePump is the only goroutine that writes the socket. It flushes
// the send queue, emits liveness pings, and writes the close frame on
// the way out.
func (c *Client) writePump() {
	ticker := c.hub.clock.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	ping, _ := json.Marshal(types.PingFrame{Type: types.EventPing})
	for {
		select {
		case <-c.done:
			c.flushAndClose()
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C():
			c.mu.Lock()
			c.missedPings++
			missed := c.missedPings
			c.mu.Unlock()
			if missed > c.hub.opts.PingMaxMissed {
				// Tell the client why before the close frame goes out.
				data, _ := json.Marshal(types.NewErrorFrame(types.CodeConnectionTimeout, "liveness pings unanswered", 0))
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.TextMessage, data)
				c.closeWith(websocket.CloseGoingAway, types.CodeConnectionTimeout, "timeout")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// flushAndClose drains whatever is already queued, then writes the
// close frame recorded by closeWith (normal closure by default).
func (c *Client) flushAndClose() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		default:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

// eventPump forwards bus deliveries onto the socket. Seeing our own
// user-left means the membership ended (a leave frame, a REST leave, or
// a forced removal); the session unbinds but the socket stays open.
func (c *Client) eventPump(sub *bus.Subscription) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.enqueue(ev.Data)
			if ev.Type == types.EventUserLeft && ev.Actor == c.currentUserID() {
				c.unbind()
			}
		}
	}
}

// --- Dispatch ---

func (c *Client) dispatch(ctx context.Context, frame types.ClientFrame) {
	status := "ok"
	switch frame.Type {
	case types.FrameJoin:
		if !c.handleJoin(ctx, frame) {
			status = "rejected"
		}
	case types.FrameLeave:
		if !c.handleLeave(ctx) {
			status = "rejected"
		}
	case types.FrameSendMessage:
		if !c.handleSendMessage(ctx, frame) {
			status = "rejected"
		}
	case types.FrameToggleVideo:
		if !c.handleToggle(ctx, types.MediaVideo, frame) {
			status = "rejected"
		}
	case types.FrameToggleAudio:
		if !c.handleToggle(ctx, types.MediaAudio, frame) {
			status = "rejected"
		}
	case types.FramePong:
		c.mu.Lock()
		c.missedPings = 0
		c.mu.Unlock()
	default:
		status = "rejected"
		c.sendFrame(types.NewErrorFrame(types.CodeInvalidMessage, "unknown frame type", 0))
		metrics.InboundFrames.WithLabelValues("unknown", status).Inc()
		return
	}
	metrics.InboundFrames.WithLabelValues(frame.Type, status).Inc()
}

// handleJoin resolves the principal, passes admission, and binds the
// session to the requested room.
func (c *Client) handleJoin(ctx context.Context, frame types.ClientFrame) bool {
	if c.requestRoom == "" {
		c.sendFrame(types.NewErrorFrame(types.CodeInvalidMessage, "lobby sessions cannot join", 0))
		return false
	}

	c.mu.Lock()
	c.sawJoin = true
	if c.roomID != "" || c.joining {
		c.mu.Unlock()
		c.sendFrame(types.NewErrorFrame(types.CodeAlreadyInRoom, "session already joined", 0))
		return false
	}
	c.joining = true
	c.mu.Unlock()
	ok := c.join(ctx, frame)
	if !ok {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
	}
	return ok
}

func (c *Client) join(ctx context.Context, frame types.ClientFrame) bool {
	if d := c.hub.engine.Check(ctx, c.hashedAddr, ratelimit.ActionJoinAttempt); !d.Allowed {
		c.sendJSON(types.RateLimitExceededFrame{
			Type:    types.EventRateLimitExceeded,
			Action:  string(ratelimit.ActionJoinAttempt),
			ResetAt: d.ResetAt.UTC(),
		})
		return false
	}

	principal, ok := c.resolvePrincipal(ctx, frame)
	if !ok {
		return false
	}

	ticket := c.hub.governor.Enqueue(principal.UserID)
	select {
	case <-ticket.Admitted:
		return c.bind(ctx, principal)
	default:
	}

	// Queued: wait for admission off the read loop so the socket keeps
	// answering pings, forwarding position updates as they change.
	go func() {
		for {
			select {
			case <-c.done:
				c.hub.governor.Abandon(ticket)
				c.mu.Lock()
				c.joining = false
				c.mu.Unlock()
				return
			case pos := <-ticket.Position:
				c.sendJSON(types.QueuePositionFrame{Type: types.EventQueuePosition, Position: pos})
			case <-ticket.Admitted:
				if !c.bind(context.Background(), principal) {
					c.mu.Lock()
					c.joining = false
					c.mu.Unlock()
				}
				return
			}
		}
	}()
	return true
}

// resolvePrincipal returns the session's principal: an existing one by
// public id, or a fresh identity for the hashed address.
func (c *Client) resolvePrincipal(ctx context.Context, frame types.ClientFrame) (types.Principal, bool) {
	if frame.UserID != "" {
		p, err := c.hub.identity.Get(ctx, frame.UserID)
		if err != nil {
			c.sendFrame(types.NewErrorFrame(types.CodeOf(err), "unknown user", 0))
			return types.Principal{}, false
		}
		return p, true
	}

	name, err := sanitize.CleanDisplayName(frame.DisplayName)
	if err != nil {
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), err.Error(), 0))
		return types.Principal{}, false
	}
	if d := c.hub.engine.Check(ctx, c.hashedAddr, ratelimit.ActionIdentityCreate); !d.Allowed {
		c.sendJSON(types.RateLimitExceededFrame{
			Type:    types.EventRateLimitExceeded,
			Action:  string(ratelimit.ActionIdentityCreate),
			ResetAt: d.ResetAt.UTC(),
		})
		return types.Principal{}, false
	}
	p, err := c.hub.identity.Upsert(ctx, c.hashedAddr, name)
	if err != nil {
		logging.Error(ctx, "identity upsert failed", zap.Error(err))
		c.sendFrame(types.NewErrorFrame(types.CodeInternal, "could not create identity", 0))
		return types.Principal{}, false
	}
	return p, true
}

// bind seats the session, subscribes it to its room topic, replays
// recent chat, and announces the arrival.
func (c *Client) bind(ctx context.Context, principal types.Principal) bool {
	select {
	case <-c.done:
		// Admitted after the socket died; give the slot back.
		c.hub.governor.Release(principal.UserID)
		return false
	default:
	}

	result, ok := c.seat(ctx, principal.UserID)
	if !ok {
		return false
	}

	sub := c.hub.bus.Subscribe(types.RoomTopic(c.requestRoom), c.slowConsumer)
	c.mu.Lock()
	c.userID = principal.UserID
	c.displayName = principal.DisplayName
	c.roomID = c.requestRoom
	c.joining = false
	c.sub = sub
	c.mu.Unlock()
	go c.eventPump(sub)

	history, err := c.hub.journal.History(ctx, c.requestRoom, c.hub.opts.ChatHistoryLimit)
	if err != nil {
		logging.Error(ctx, "chat history load failed", zap.String("room_id", c.requestRoom), zap.Error(err))
		history = nil
	}
	if history == nil {
		history = []types.ChatMessage{}
	}
	c.sendJSON(types.ChatHistoryFrame{Type: types.EventChatHistory, Messages: history})

	joined := types.UserJoinedFrame{
		Type:        types.EventUserJoined,
		UserID:      principal.UserID,
		DisplayName: principal.DisplayName,
		JoinedAt:    c.hub.clock.Now().UTC(),
		Occupancy:   result.Room.Occupancy,
	}
	for _, p := range result.Participants {
		if p.ID == principal.UserID {
			joined.JoinedAt = p.JoinedAt.UTC()
			break
		}
	}
	data, _ := json.Marshal(joined)
	c.hub.bus.Publish(ctx, types.RoomTopic(c.requestRoom), types.Event{
		Type:  types.EventUserJoined,
		Room:  c.requestRoom,
		Actor: principal.UserID,
		Data:  data,
	})
	_ = c.hub.identity.Touch(ctx, principal.UserID)
	return true
}

// seat obtains the membership backing this session. A membership the
// user already holds in the requested room (created over HTTP before
// the socket opened) is reused; otherwise the registry inserts one.
func (c *Client) seat(ctx context.Context, userID string) (types.JoinResult, bool) {
	m, err := c.hub.rooms.MembershipOf(ctx, userID)
	switch {
	case err == nil && m.RoomID == c.requestRoom:
		room, gerr := c.hub.rooms.Get(ctx, c.requestRoom)
		if gerr == nil {
			var participants []types.Participant
			if participants, gerr = c.hub.rooms.Participants(ctx, c.requestRoom); gerr == nil {
				return types.JoinResult{Room: room, Participants: participants}, true
			}
		}
		c.sendFrame(types.NewErrorFrame(types.CodeOf(gerr), gerr.Error(), 0))
		return types.JoinResult{}, false
	case err == nil:
		// Seated elsewhere; the admission slot stays with that membership.
		c.sendFrame(types.NewErrorFrame(types.CodeAlreadyInRoom, "already in room "+m.RoomID, 0))
		return types.JoinResult{}, false
	case !errors.Is(err, types.ErrNotAMember):
		c.hub.governor.Release(userID)
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), "membership lookup failed", 0))
		return types.JoinResult{}, false
	}

	result, err := c.hub.rooms.Join(ctx, userID, c.requestRoom)
	if err != nil {
		// A failed join frees the admission slot, except when a racing
		// join already seated the user.
		if !errors.Is(err, types.ErrAlreadyInRoom) {
			c.hub.governor.Release(userID)
		}
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), err.Error(), 0))
		return types.JoinResult{}, false
	}
	return result, true
}

func (c *Client) handleLeave(ctx context.Context) bool {
	userID, roomID := c.binding()
	if roomID == "" {
		c.sendFrame(types.NewErrorFrame(types.CodeNotAMember, "not in a room", 0))
		return false
	}
	if !c.checkAPI(ctx, userID) {
		return false
	}
	if _, err := c.hub.rooms.Leave(ctx, userID, roomID); err != nil {
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), err.Error(), 0))
		return false
	}
	// The departure event is already buffered on our subscription;
	// unbind stops future deliveries and frees the admission slot.
	c.unbind()
	return true
}

func (c *Client) handleSendMessage(ctx context.Context, frame types.ClientFrame) bool {
	userID, roomID := c.binding()
	if roomID == "" {
		c.sendFrame(types.NewErrorFrame(types.CodeNotAMember, "not in a room", 0))
		return false
	}

	if d := c.hub.engine.Check(ctx, userID, ratelimit.ActionChatSend); !d.Allowed {
		c.sendJSON(types.RateLimitExceededFrame{
			Type:    types.EventRateLimitExceeded,
			Action:  string(ratelimit.ActionChatSend),
			ResetAt: d.ResetAt.UTC(),
		})
		return false
	}

	content, err := sanitize.CleanMessage(frame.Content)
	if err != nil {
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), err.Error(), 0))
		return false
	}

	msg, err := c.hub.journal.Append(ctx, roomID, userID, content)
	if err != nil {
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), "could not persist message", 0))
		return false
	}

	data, _ := json.Marshal(types.NewMessageFrame{Type: types.EventNewMessage, ChatMessage: msg})
	c.hub.bus.Publish(ctx, types.RoomTopic(roomID), types.Event{
		Type:  types.EventNewMessage,
		Room:  roomID,
		Actor: userID,
		Data:  data,
	})
	_ = c.hub.identity.Touch(ctx, userID)
	return true
}

func (c *Client) handleToggle(ctx context.Context, kind types.MediaKind, frame types.ClientFrame) bool {
	userID, roomID := c.binding()
	if roomID == "" {
		c.sendFrame(types.NewErrorFrame(types.CodeNotAMember, "not in a room", 0))
		return false
	}
	if frame.Enabled == nil {
		c.sendFrame(types.NewErrorFrame(types.CodeInvalidMessage, "enabled flag required", 0))
		return false
	}
	if !c.checkAPI(ctx, userID) {
		return false
	}
	if err := c.hub.rooms.SetMediaState(ctx, userID, roomID, kind, *frame.Enabled); err != nil {
		c.sendFrame(types.NewErrorFrame(types.CodeOf(err), err.Error(), 0))
		return false
	}
	_ = c.hub.identity.Touch(ctx, userID)
	return true
}

// checkAPI runs the general per-user frame budget (leave, toggles).
func (c *Client) checkAPI(ctx context.Context, userID string) bool {
	d := c.hub.engine.Check(ctx, userID, ratelimit.ActionAPI)
	if d.Allowed {
		return true
	}
	c.sendJSON(types.RateLimitExceededFrame{
		Type:    types.EventRateLimitExceeded,
		Action:  string(ratelimit.ActionAPI),
		ResetAt: d.ResetAt.UTC(),
	})
	return false
}

// joinDeadline closes a room session that never attempted a join within
// the handshake window, so unbound sockets cannot linger until ping
// health reaps them.
func (c *Client) joinDeadline(d time.Duration) {
	timer := c.hub.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C():
		c.mu.Lock()
		idle := !c.sawJoin
		c.mu.Unlock()
		if idle {
			c.sendFrame(types.NewErrorFrame(types.CodeConnectionTimeout, "no join within handshake window", 0))
			c.closeWith(websocket.ClosePolicyViolation, types.CodeConnectionTimeout, "handshake_timeout")
		}
	}
}

// --- Session state ---

func (c *Client) binding() (userID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.roomID
}

func (c *Client) currentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// unbind detaches the session from its room without closing the socket.
// Idempotent; safe from both the read loop and the event pump.
func (c *Client) unbind() {
	c.mu.Lock()
	sub := c.sub
	userID := c.userID
	c.sub = nil
	c.roomID = ""
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if userID != "" {
		c.hub.governor.Release(userID)
	}
}

// --- Outbound path ---

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "frame marshal failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendFrame(f types.ErrorFrame) {
	c.sendJSON(f)
}

// enqueue hands bytes to the write pump. A full queue means the client
// stopped reading; it is cut loose rather than allowed to stall the
// publisher.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.slowConsumer()
	}
}

func (c *Client) slowConsumer() {
	metrics.SlowConsumers.Inc()
	c.closeWith(websocket.ClosePolicyViolation, types.CodeSlowConsumer, "slow_consumer")
}

// closeWith records the close frame and reason, then shuts the session.
func (c *Client) closeWith(code int, text, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeText = text
	c.reason = reason
	c.mu.Unlock()
	c.close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// teardown runs exactly once when the socket dies: force-remove the
// membership, release governor state, and unregister.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		c.close()

		c.mu.Lock()
		sub := c.sub
		userID := c.userID
		roomID := c.roomID
		reason := c.reason
		c.sub = nil
		c.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		if userID != "" && roomID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
			if _, err := c.hub.rooms.ForceRemove(ctx, userID, roomID); err != nil {
				logging.Error(ctx, "forced removal failed", zap.String("room_id", roomID), zap.Error(err))
			}
			cancel()
		}
		if userID != "" {
			c.hub.governor.Release(userID)
		}
		c.hub.governor.ConnectionClosed(c.hashedAddr)

		metrics.DecConnection()
		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
		c.hub.unregister(c)
	})
}
