// Package registry is the transactional room membership state machine.
// Capacity, the one-active-room rule, and occupancy accounting are all
// enforced inside single write transactions; the database's write lock
// is the serialization point for racing joins.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// Registry implements types.RoomService over the SQLite store. Mutations
// publish presence events post-commit: state first, fan-out second, so
// subscribers never observe an event for a transaction that rolled back.
type Registry struct {
	store *store.Store
	bus   types.EventPublisher
	clock clock.PassiveClock
}

// New builds the registry.
func New(s *store.Store, bus types.EventPublisher, clk clock.PassiveClock) *Registry {
	return &Registry{store: s, bus: bus, clock: clk}
}

// Bootstrap installs the fixed room set ("R1".."RN") and clears any
// memberships left over from a previous process: connections did not
// survive the restart, so neither can presence.
func (r *Registry) Bootstrap(ctx context.Context, roomCount, capacity int) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i := 1; i <= roomCount; i++ {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rooms (id, name, capacity, occupancy)
				VALUES (?, ?, ?, 0)
				ON CONFLICT(id) DO UPDATE SET capacity = excluded.capacity`,
				fmt.Sprintf("R%d", i), fmt.Sprintf("Study Room %d", i), capacity)
			if err != nil {
				return fmt.Errorf("bootstrap room %d: %w", i, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships`); err != nil {
			return fmt.Errorf("clear stale memberships: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET occupancy = 0`); err != nil {
			return fmt.Errorf("reset occupancy: %w", err)
		}
		return nil
	})
}

// Join atomically seats the user in the room. Checks run in a fixed
// order inside one transaction: room exists and is unlocked, user holds
// no membership anywhere, a seat is free. When N joins race for K
// seats, the write lock serializes them and exactly K commit.
func (r *Registry) Join(ctx context.Context, userID, roomID string) (types.JoinResult, error) {
	var result types.JoinResult
	var occupancy int

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var room types.RoomSummary
		var locked bool
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, capacity, occupancy, locked FROM rooms WHERE id = ?`, roomID).
			Scan(&room.ID, &room.Name, &room.Capacity, &room.Occupancy, &locked)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("select room: %w", err)
		}
		if locked {
			return types.ErrRoomLocked
		}

		var principalID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM principals WHERE public_id = ?`, userID).Scan(&principalID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("select principal: %w", err)
		}

		var existingRoom string
		err = tx.QueryRowContext(ctx,
			`SELECT room_id FROM memberships WHERE principal_id = ?`, principalID).Scan(&existingRoom)
		if err == nil {
			return fmt.Errorf("%w: currently in %s", types.ErrAlreadyInRoom, existingRoom)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select membership: %w", err)
		}

		if room.Occupancy >= room.Capacity {
			return types.ErrRoomFull
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO memberships (room_id, principal_id, joined_at, video_on, audio_on)
			VALUES (?, ?, ?, 0, 0)`,
			roomID, principalID, store.NowMillis(r.clock.Now()))
		if err != nil {
			// A unique violation here means a concurrent double-join got
			// past the membership check, which the transaction should
			// make impossible.
			if !store.IsTransient(err) {
				return fmt.Errorf("%w: membership insert: %v", types.ErrIntegrity, err)
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE rooms SET occupancy = occupancy + 1 WHERE id = ?`, roomID); err != nil {
			return fmt.Errorf("increment occupancy: %w", err)
		}

		room.Occupancy++
		room.IsFull = room.Occupancy >= room.Capacity
		occupancy = room.Occupancy

		participants, err := r.participantsTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		result = types.JoinResult{Room: room, Participants: participants}
		return nil
	})
	if err != nil {
		return types.JoinResult{}, err
	}

	metrics.JoinsTotal.Inc()
	metrics.RoomOccupancy.WithLabelValues(roomID).Set(float64(occupancy))
	r.publishOccupancy(ctx, roomID, occupancy)
	return result, nil
}

// Leave removes the user's membership and returns how long it lasted.
// The occupancy decrement is guarded; a room that would go negative is
// an integrity fault, not something to coerce quietly.
func (r *Registry) Leave(ctx context.Context, userID, roomID string) (types.LeaveResult, error) {
	result, err := r.remove(ctx, userID, roomID)
	if err != nil {
		return types.LeaveResult{}, err
	}
	return result, nil
}

// ForceRemove is Leave for cleanup paths (disconnect, kick, eviction):
// a missing membership is a no-op, not an error. Returns whether a
// membership was actually removed.
func (r *Registry) ForceRemove(ctx context.Context, userID, roomID string) (bool, error) {
	_, err := r.remove(ctx, userID, roomID)
	if errors.Is(err, types.ErrNotAMember) || errors.Is(err, types.ErrRoomNotFound) || errors.Is(err, types.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) remove(ctx context.Context, userID, roomID string) (types.LeaveResult, error) {
	var result types.LeaveResult

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("select room: %w", err)
		}

		var principalID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM principals WHERE public_id = ?`, userID).Scan(&principalID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("select principal: %w", err)
		}

		var joinedAt int64
		err = tx.QueryRowContext(ctx, `
			DELETE FROM memberships WHERE room_id = ? AND principal_id = ?
			RETURNING joined_at`, roomID, principalID).Scan(&joinedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotAMember
		}
		if err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE rooms SET occupancy = occupancy - 1 WHERE id = ? AND occupancy > 0`, roomID)
		if err != nil {
			return fmt.Errorf("decrement occupancy: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: occupancy of %s would go negative", types.ErrIntegrity, roomID)
		}

		var occupancy int
		if err := tx.QueryRowContext(ctx,
			`SELECT occupancy FROM rooms WHERE id = ?`, roomID).Scan(&occupancy); err != nil {
			return fmt.Errorf("read occupancy: %w", err)
		}

		// Duration is measured on the stored millisecond grain so it
		// carries no sub-millisecond drift against joined_at.
		result = types.LeaveResult{
			Duration:  store.FromMillis(store.NowMillis(r.clock.Now())).Sub(store.FromMillis(joinedAt)),
			Occupancy: occupancy,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrIntegrity) {
			logging.Error(ctx, "membership integrity fault", zap.Error(err))
		}
		return types.LeaveResult{}, err
	}

	metrics.LeavesTotal.Inc()
	metrics.RoomOccupancy.WithLabelValues(roomID).Set(float64(result.Occupancy))
	r.publishUserLeft(ctx, roomID, userID, result.Occupancy)
	r.publishOccupancy(ctx, roomID, result.Occupancy)
	return result, nil
}

// List returns every room with its current occupancy. Read outside any
// transaction; occupancy lags at most one commit.
func (r *Registry) List(ctx context.Context) ([]types.RoomSummary, error) {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT id, name, capacity, occupancy, locked
		FROM rooms ORDER BY LENGTH(id), id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []types.RoomSummary
	for rows.Next() {
		var room types.RoomSummary
		if err := rows.Scan(&room.ID, &room.Name, &room.Capacity, &room.Occupancy, &room.Locked); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.IsFull = room.Occupancy >= room.Capacity
		out = append(out, room)
	}
	return out, rows.Err()
}

// Get returns one room's summary.
func (r *Registry) Get(ctx context.Context, roomID string) (types.RoomSummary, error) {
	var room types.RoomSummary
	err := r.store.DB().QueryRowContext(ctx, `
		SELECT id, name, capacity, occupancy, locked FROM rooms WHERE id = ?`, roomID).
		Scan(&room.ID, &room.Name, &room.Capacity, &room.Occupancy, &room.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RoomSummary{}, types.ErrRoomNotFound
	}
	if err != nil {
		return types.RoomSummary{}, fmt.Errorf("get room: %w", err)
	}
	room.IsFull = room.Occupancy >= room.Capacity
	return room, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Participants returns the room's current members in join order.
func (r *Registry) Participants(ctx context.Context, roomID string) ([]types.Participant, error) {
	return r.participantsTx(ctx, r.store.DB(), roomID)
}

func (r *Registry) participantsTx(ctx context.Context, q querier, roomID string) ([]types.Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.public_id, p.display_name, m.video_on, m.audio_on, m.joined_at
		FROM memberships m JOIN principals p ON p.id = m.principal_id
		WHERE m.room_id = ?
		ORDER BY m.joined_at, p.id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	var out []types.Participant
	for rows.Next() {
		var part types.Participant
		var joinedAt int64
		if err := rows.Scan(&part.ID, &part.DisplayName, &part.VideoOn, &part.AudioOn, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		part.JoinedAt = store.FromMillis(joinedAt)
		out = append(out, part)
	}
	return out, rows.Err()
}

// MembershipOf returns the user's current membership, if any.
func (r *Registry) MembershipOf(ctx context.Context, userID string) (types.Membership, error) {
	var m types.Membership
	var joinedAt int64
	err := r.store.DB().QueryRowContext(ctx, `
		SELECT m.room_id, p.public_id, m.joined_at, m.video_on, m.audio_on
		FROM memberships m JOIN principals p ON p.id = m.principal_id
		WHERE p.public_id = ?`, userID).
		Scan(&m.RoomID, &m.UserID, &joinedAt, &m.VideoOn, &m.AudioOn)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Membership{}, types.ErrNotAMember
	}
	if err != nil {
		return types.Membership{}, fmt.Errorf("select membership: %w", err)
	}
	m.JoinedAt = store.FromMillis(joinedAt)
	return m, nil
}

// SetMediaState flips the member's camera or mic flag and broadcasts
// the toggle to the room.
func (r *Registry) SetMediaState(ctx context.Context, userID, roomID string, kind types.MediaKind, enabled bool) error {
	column := "video_on"
	eventType := types.EventVideoToggle
	if kind == types.MediaAudio {
		column = "audio_on"
		eventType = types.EventAudioToggle
	}

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memberships SET `+column+` = ?
			WHERE room_id = ? AND principal_id = (SELECT id FROM principals WHERE public_id = ?)`,
			enabled, roomID, userID)
		if err != nil {
			return fmt.Errorf("update media state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.ErrNotAMember
		}
		return nil
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(types.MediaToggleFrame{Type: eventType, UserID: userID, Enabled: enabled})
	if err != nil {
		return fmt.Errorf("marshal toggle frame: %w", err)
	}
	r.bus.Publish(ctx, types.RoomTopic(roomID), types.Event{
		Type: eventType, Room: roomID, Actor: userID, Data: data,
	})
	return nil
}

// ActiveCount reports how many principals currently hold a membership.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	var n int
	if err := r.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}

func (r *Registry) publishOccupancy(ctx context.Context, roomID string, occupancy int) {
	data, err := json.Marshal(types.OccupancyUpdateFrame{
		Type: types.EventOccupancyUpdate, RoomID: roomID, Occupancy: occupancy,
	})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, types.LobbyTopic, types.Event{
		Type: types.EventOccupancyUpdate, Room: roomID, Data: data,
	})
}

func (r *Registry) publishUserLeft(ctx context.Context, roomID, userID string, occupancy int) {
	data, err := json.Marshal(types.UserLeftFrame{
		Type: types.EventUserLeft, UserID: userID, Occupancy: occupancy,
	})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, types.RoomTopic(roomID), types.Event{
		Type: types.EventUserLeft, Room: roomID, Actor: userID, Data: data,
	})
}
