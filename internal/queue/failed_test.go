package queue_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gigo/statfix/internal/queue"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTest(t *testing.T) *queue.Manager {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return queue.NewManager(client, zap.NewNop())
}

func TestAddAndList(t *testing.T) {
	t.Parallel()

	manager := setupTest(t)
	ctx := t.Context()
	now := time.Now()

	err := manager.Add(ctx, []queue.Entry{
		{UserID: 42, Reason: "deadlock detected", FailedAt: now},
		{UserID: 7, Reason: "lock timeout", FailedAt: now.Add(-time.Minute)},
	})
	require.NoError(t, err)

	length, err := manager.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	// Oldest failure first
	ids, err := manager.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 42}, ids)

	entries, err := manager.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].UserID)
	assert.Equal(t, "lock timeout", entries[0].Reason)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestAddCountsAttempts(t *testing.T) {
	t.Parallel()

	manager := setupTest(t)
	ctx := t.Context()

	for range 3 {
		require.NoError(t, manager.Add(ctx, []queue.Entry{{UserID: 5, Reason: "timeout", FailedAt: time.Now()}}))
	}

	entries, err := manager.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	manager := setupTest(t)
	ctx := t.Context()

	require.NoError(t, manager.Add(ctx, []queue.Entry{
		{UserID: 1, FailedAt: time.Now()},
		{UserID: 2, FailedAt: time.Now()},
	}))

	require.NoError(t, manager.Remove(ctx, []int64{1}))

	ids, err := manager.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestAddEmpty(t *testing.T) {
	t.Parallel()

	manager := setupTest(t)
	require.ErrorIs(t, manager.Add(t.Context(), nil), queue.ErrEmptyBatch)
}
