package types

import (
	"context"
	"time"
)

// MediaKind selects which boolean media flag a toggle frame targets.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Principal is an anonymous user derived from a hashed network address.
// Only UserID and DisplayName ever cross an external surface; the hashed
// address stays inside the identity store.
type Principal struct {
	ID            int64     `json:"-"`
	UserID        string    `json:"user_id"`
	HashedAddress string    `json:"-"`
	DisplayName   string    `json:"display_name"`
	CreatedAt     time.Time `json:"-"`
	LastActiveAt  time.Time `json:"-"`
}

// RoomSummary is the read model served by GET /rooms and used by the
// gateway when it needs capacity or occupancy without row details.
type RoomSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Occupancy int    `json:"occupancy"`
	IsFull    bool   `json:"is_full"`
	Locked    bool   `json:"-"`
}

// Participant is one row of a room's current membership as exposed to
// clients (join responses and presence events).
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	VideoOn     bool      `json:"video_on"`
	AudioOn     bool      `json:"audio_on"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Membership records that a user currently occupies a room. A user has
// at most one membership across all rooms.
type Membership struct {
	RoomID   string
	UserID   string
	JoinedAt time.Time
	VideoOn  bool
	AudioOn  bool
}

// ChatMessage is a persisted chat record enriched with the author's
// display name. RoomID is implicit in room-scoped frames.
type ChatMessage struct {
	ID          int64     `json:"message_id"`
	RoomID      string    `json:"-"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// JoinResult is returned by a successful room join.
type JoinResult struct {
	Room         RoomSummary   `json:"room"`
	Participants []Participant `json:"participants"`
}

// LeaveResult reports how long the departing membership lasted.
type LeaveResult struct {
	Duration  time.Duration
	Occupancy int
}

// --- Shared Interfaces ---
//
// The gateway and the HTTP surface depend on these instead of the
// concrete store-backed services so tests can substitute fakes and the
// packages stay cycle-free.

// IdentityService is the anonymous identity lifecycle.
type IdentityService interface {
	Upsert(ctx context.Context, hashedAddress, displayName string) (Principal, error)
	Get(ctx context.Context, userID string) (Principal, error)
	Touch(ctx context.Context, userID string) error
}

// RoomService is the transactional room registry.
type RoomService interface {
	Join(ctx context.Context, userID, roomID string) (JoinResult, error)
	Leave(ctx context.Context, userID, roomID string) (LeaveResult, error)
	ForceRemove(ctx context.Context, userID, roomID string) (bool, error)
	List(ctx context.Context) ([]RoomSummary, error)
	Get(ctx context.Context, roomID string) (RoomSummary, error)
	Participants(ctx context.Context, roomID string) ([]Participant, error)
	MembershipOf(ctx context.Context, userID string) (Membership, error)
	SetMediaState(ctx context.Context, userID, roomID string, kind MediaKind, enabled bool) error
}

// ChatJournal is the append-only per-room chat log.
type ChatJournal interface {
	Append(ctx context.Context, roomID, userID, content string) (ChatMessage, error)
	History(ctx context.Context, roomID string, limit int) ([]ChatMessage, error)
}

// EventPublisher fans a prepared event out to a topic's subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, ev Event)
}
