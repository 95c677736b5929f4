package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/studyhive/studyhive/backend/go/internal/v1/identity"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

func newTestJournal(t *testing.T, historyLimit int) (*Journal, *identity.Service, *testingclock.FakeClock) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "journal_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Rooms must exist for the chat FK.
	for _, id := range []string{"R1", "R2"} {
		_, err := st.DB().Exec(
			`INSERT INTO rooms (id, name, capacity) VALUES (?, ?, 10)`, id, "Study Room "+id)
		require.NoError(t, err)
	}

	clk := testingclock.NewFakeClock(time.Now())
	return New(st, historyLimit, clk), identity.New(st, 30*time.Minute, clk), clk
}

func TestAppend_ReturnsRecord(t *testing.T) {
	j, ids, _ := newTestJournal(t, 50)
	ctx := context.Background()

	alice, err := ids.Upsert(ctx, "hash-alice", "Alice")
	require.NoError(t, err)

	msg, err := j.Append(ctx, "R1", alice.UserID, "hi")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "R1", msg.RoomID)
	assert.Equal(t, alice.UserID, msg.UserID)
	assert.Equal(t, "Alice", msg.DisplayName)
	assert.Equal(t, "hi", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestAppend_UnknownUser(t *testing.T) {
	j, _, _ := newTestJournal(t, 50)
	_, err := j.Append(context.Background(), "R1", "ghost", "hi")
	assert.ErrorIs(t, err, types.ErrUserNotFound)
}

func TestHistory_ChronologicalAndBounded(t *testing.T) {
	j, ids, clk := newTestJournal(t, 50)
	ctx := context.Background()

	alice, err := ids.Upsert(ctx, "hash-alice", "Alice")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := j.Append(ctx, "R1", alice.UserID, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		clk.SetTime(clk.Now().Add(time.Second))
	}

	got, err := j.History(ctx, "R1", 4)
	require.NoError(t, err)
	require.Len(t, got, 4, "history must return at most limit records")

	// The most recent four, oldest first.
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", 6+i), msg.Content)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(got[i-1].CreatedAt), "timestamps must be non-decreasing")
		}
	}
}

func TestHistory_DefaultLimit(t *testing.T) {
	j, ids, _ := newTestJournal(t, 3)
	ctx := context.Background()

	alice, err := ids.Upsert(ctx, "hash-alice", "Alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, "R1", alice.UserID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	got, err := j.History(ctx, "R1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestHistory_RoomScoped(t *testing.T) {
	j, ids, _ := newTestJournal(t, 50)
	ctx := context.Background()

	alice, err := ids.Upsert(ctx, "hash-alice", "Alice")
	require.NoError(t, err)
	_, err = j.Append(ctx, "R1", alice.UserID, "in R1")
	require.NoError(t, err)
	_, err = j.Append(ctx, "R2", alice.UserID, "in R2")
	require.NoError(t, err)

	got, err := j.History(ctx, "R1", 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "in R1", got[0].Content)
	assert.Equal(t, "R1", got[0].RoomID)
}

func TestHistory_EmptyRoom(t *testing.T) {
	j, _, _ := newTestJournal(t, 50)
	got, err := j.History(context.Background(), "R1", 50)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppend_PrunesBeyondRetention(t *testing.T) {
	j, ids, _ := newTestJournal(t, 2) // retention bound = 20
	ctx := context.Background()

	alice, err := ids.Upsert(ctx, "hash-alice", "Alice")
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := j.Append(ctx, "R1", alice.UserID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, j.store.DB().QueryRow(
		`SELECT COUNT(*) FROM chat_messages WHERE room_id = 'R1'`).Scan(&count))
	assert.Equal(t, 2*retentionFactor, count, "per-room log must stay within the retention bound")

	// The survivors are the most recent ones.
	got, err := j.History(ctx, "R1", 2*retentionFactor)
	require.NoError(t, err)
	assert.Equal(t, "m29", got[len(got)-1].Content)
	assert.Equal(t, "m10", got[0].Content)
}
