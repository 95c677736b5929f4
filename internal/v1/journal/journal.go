// Package journal is the append-only chat log: one record per accepted
// message, bounded history reads, per-room pruning so a busy room does
// not grow without limit.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// retentionFactor bounds each room's log to this multiple of the
// history limit. Old rows beyond it are pruned on append.
const retentionFactor = 10

// Journal implements types.ChatJournal over the SQLite store.
type Journal struct {
	store        *store.Store
	historyLimit int
	clock        clock.PassiveClock
}

// New builds the journal. historyLimit is the default history window
// (also the basis of the retention bound).
func New(s *store.Store, historyLimit int, clk clock.PassiveClock) *Journal {
	return &Journal{store: s, historyLimit: historyLimit, clock: clk}
}

// Append journals a message. Content must already be validated and
// sanitized; the journal stores it verbatim. The same transaction
// prunes the room's oldest rows past the retention bound.
func (j *Journal) Append(ctx context.Context, roomID, userID, content string) (types.ChatMessage, error) {
	var msg types.ChatMessage
	now := store.NowMillis(j.clock.Now())

	err := j.store.WithTx(ctx, func(tx *sql.Tx) error {
		var principalID int64
		var displayName string
		err := tx.QueryRowContext(ctx,
			`SELECT id, display_name FROM principals WHERE public_id = ?`, userID).
			Scan(&principalID, &displayName)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("select principal: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (room_id, principal_id, content, created_at)
			VALUES (?, ?, ?, ?)`, roomID, principalID, content, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		// Prune beyond the retention bound, oldest first.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM chat_messages
			WHERE room_id = ?1 AND id NOT IN (
				SELECT id FROM chat_messages WHERE room_id = ?1
				ORDER BY id DESC LIMIT ?2
			)`, roomID, j.historyLimit*retentionFactor)
		if err != nil {
			return fmt.Errorf("prune messages: %w", err)
		}

		msg = types.ChatMessage{
			ID:          id,
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
			Content:     content,
			CreatedAt:   store.FromMillis(now),
		}
		return nil
	})
	if err != nil {
		return types.ChatMessage{}, err
	}
	metrics.MessagesTotal.Inc()
	return msg, nil
}

// History returns the room's most recent messages, at most limit (the
// configured default when limit <= 0), in chronological order. Authors
// evicted since writing appear as deleted rows and are skipped by the
// inner join.
func (j *Journal) History(ctx context.Context, roomID string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = j.historyLimit
	}

	rows, err := j.store.DB().QueryContext(ctx, `
		SELECT c.id, c.room_id, p.public_id, p.display_name, c.content, c.created_at
		FROM chat_messages c JOIN principals p ON p.id = c.principal_id
		WHERE c.room_id = ?
		ORDER BY c.id DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var out []types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.DisplayName, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = store.FromMillis(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first; callers want chronological.
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}
