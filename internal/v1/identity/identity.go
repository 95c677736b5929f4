// Package identity owns the anonymous principal lifecycle: create-or-get
// by hashed address, activity touches, and idle eviction.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// Service implements types.IdentityService over the SQLite store.
type Service struct {
	store       *store.Store
	idleTimeout time.Duration
	clock       clock.PassiveClock
}

// New builds the identity service. Principals idle longer than
// idleTimeout and holding no membership are removed by EvictIdle.
func New(s *store.Store, idleTimeout time.Duration, clk clock.PassiveClock) *Service {
	return &Service{store: s, idleTimeout: idleTimeout, clock: clk}
}

// Upsert inserts a principal for the hashed address or, if one exists,
// refreshes its display name and last activity. The display name must
// already be sanitized. The assigned public id is the only identifier
// that ever leaves the process.
func (s *Service) Upsert(ctx context.Context, hashedAddress, displayName string) (types.Principal, error) {
	var p types.Principal
	now := store.NowMillis(s.clock.Now())
	publicID := uuid.New().String()

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO principals (public_id, hashed_address, display_name, created_at, last_active_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(hashed_address) DO UPDATE SET
				display_name   = excluded.display_name,
				last_active_at = excluded.last_active_at`,
			publicID, hashedAddress, displayName, now, now)
		if err != nil {
			return fmt.Errorf("upsert principal: %w", err)
		}
		var createdAt, lastActiveAt int64
		err = tx.QueryRowContext(ctx, `
			SELECT id, public_id, display_name, created_at, last_active_at
			FROM principals WHERE hashed_address = ?`, hashedAddress).
			Scan(&p.ID, &p.UserID, &p.DisplayName, &createdAt, &lastActiveAt)
		if err != nil {
			return fmt.Errorf("read principal: %w", err)
		}
		p.HashedAddress = hashedAddress
		p.CreatedAt = store.FromMillis(createdAt)
		p.LastActiveAt = store.FromMillis(lastActiveAt)
		return nil
	})
	if err != nil {
		return types.Principal{}, err
	}
	return p, nil
}

// Get looks a principal up by public user id.
func (s *Service) Get(ctx context.Context, userID string) (types.Principal, error) {
	var p types.Principal
	var createdAt, lastActiveAt int64
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT id, public_id, hashed_address, display_name, created_at, last_active_at
		FROM principals WHERE public_id = ?`, userID).
		Scan(&p.ID, &p.UserID, &p.HashedAddress, &p.DisplayName, &createdAt, &lastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Principal{}, types.ErrUserNotFound
	}
	if err != nil {
		return types.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	p.CreatedAt = store.FromMillis(createdAt)
	p.LastActiveAt = store.FromMillis(lastActiveAt)
	return p, nil
}

// Touch marks the principal active now. Unknown ids are a no-op; the
// caller has already resolved the principal, so a vanished row just
// means the sweeper won the race.
func (s *Service) Touch(ctx context.Context, userID string) error {
	_, err := s.store.DB().ExecContext(ctx,
		`UPDATE principals SET last_active_at = ? WHERE public_id = ?`,
		store.NowMillis(s.clock.Now()), userID)
	if err != nil {
		return fmt.Errorf("touch principal: %w", err)
	}
	return nil
}

// EvictIdle deletes principals whose last activity is older than the
// idle timeout and who hold no membership. Memberships cascade on
// principal deletion, but the membership guard here means we never
// evict someone sitting quietly in a room.
func (s *Service) EvictIdle(ctx context.Context) (int, error) {
	cutoff := store.NowMillis(s.clock.Now().Add(-s.idleTimeout))
	var evicted int
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM principals
			WHERE last_active_at < ?
			  AND id NOT IN (SELECT principal_id FROM memberships)`, cutoff)
		if err != nil {
			return fmt.Errorf("evict idle principals: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		evicted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		metrics.IdentityEvictions.Add(float64(evicted))
		logging.Info(ctx, "evicted idle principals", zap.Int("count", evicted))
	}
	return evicted, nil
}

// RunSweeper periodically evicts idle principals until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, clk clock.WithTicker) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.EvictIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error(ctx, "idle eviction sweep failed", zap.Error(err))
			}
		}
	}
}
