package types

import "time"

// Frame type identifiers, client to server.
const (
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameSendMessage = "send-message"
	FrameToggleVideo = "toggle-video"
	FrameToggleAudio = "toggle-audio"
	FramePong        = "pong"
)

// Frame type identifiers, server to client. Room-scoped ones double as
// event bus event types.
const (
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventNewMessage        = "new-message"
	EventChatHistory       = "chat-history"
	EventVideoToggle       = "participant-video-toggle"
	EventAudioToggle       = "participant-audio-toggle"
	EventOccupancyUpdate   = "occupancy-update"
	EventPing              = "ping"
	EventQueuePosition     = "queue-position"
	EventRateLimitExceeded = "rate-limit-exceeded"
	EventError             = "error"
)

// LobbyTopic carries occupancy updates for every room.
const LobbyTopic = "lobby"

// RoomTopic names the event bus topic for one room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// Event is one bus delivery: the frame bytes are marshaled once at
// publish time and written verbatim to every subscriber's socket.
// Actor is the public user id that caused the event ("" for system
// events); the gateway uses it to spot its own departure.
type Event struct {
	Type  string
	Room  string
	Actor string
	Data  []byte
}

// ClientFrame is the decoded shape of every inbound frame. Type selects
// which fields are meaningful; Enabled is a pointer so an absent flag
// is distinguishable from false.
type ClientFrame struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Content     string `json:"content,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// --- Outbound frames ---

type UserJoinedFrame struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	Occupancy   int       `json:"occupancy"`
}

type UserLeftFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Occupancy int    `json:"occupancy"`
}

type NewMessageFrame struct {
	Type string `json:"type"`
	ChatMessage
}

type ChatHistoryFrame struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

type MediaToggleFrame struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type OccupancyUpdateFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Occupancy int    `json:"occupancy"`
}

type PingFrame struct {
	Type string `json:"type"`
}

type QueuePositionFrame struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

type RateLimitExceededFrame struct {
	Type    string    `json:"type"`
	Action  string    `json:"action"`
	ResetAt time.Time `json:"reset_at"`
}

type ErrorFrame struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

// NewErrorFrame builds an error frame; retryAfter ≤ 0 omits the field.
func NewErrorFrame(code, message string, retryAfter time.Duration) ErrorFrame {
	f := ErrorFrame{Type: EventError, Code: code, Message: message}
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		f.RetryAfter = &secs
	}
	return f
}
