package redis_test

import (
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gigo/statfix/internal/redis"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerDisabledWithoutHost(t *testing.T) {
	t.Parallel()

	manager := redis.NewManager(&config.Redis{}, zap.NewNop())
	assert.False(t, manager.Enabled())

	_, err := manager.GetClient(redis.LockDBIndex)
	require.ErrorIs(t, err, redis.ErrDisabled)
}

func TestManagerReusesClients(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	manager := redis.NewManager(&config.Redis{Host: mr.Host(), Port: port}, zap.NewNop())
	t.Cleanup(manager.Close)

	first, err := manager.GetClient(redis.QueueDBIndex)
	require.NoError(t, err)

	second, err := manager.GetClient(redis.QueueDBIndex)
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, first.Do(t.Context(), first.B().Set().Key("k").Value("v").Build()).Error())

	mr.Select(redis.QueueDBIndex)
	assert.True(t, mr.Exists("k"))
}
