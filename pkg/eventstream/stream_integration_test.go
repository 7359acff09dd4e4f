//go:build integration

package eventstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latitude-dev/latitude-llm-sub007/internal/testutil"
)

func TestStream_AgainstRedis(t *testing.T) {
	env := testutil.SetupRedisEnvironment(t)
	ctx := env.Ctx

	s, err := New(env.Client, "runs", "integration", Config{Cap: 50, TTL: time.Hour}, nil)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 500; i++ {
		_, err := s.Write(ctx, map[string]int{"step": i})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), s.refreshes)

	n, err := env.Client.Redis().XLen(ctx, s.Key()).Result()
	require.NoError(t, err)
	// Redis trims whole macro nodes, so the length only stays near the cap.
	assert.Less(t, n, int64(500))

	ttl, err := env.Client.Redis().TTL(ctx, s.Key()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	res, err := s.Read(ctx, ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Entries)

	res, err = s.Read(ctx, ReadOptions{LastID: res.LastID, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, s.Cleanup(ctx, 10*time.Second))
	ttl, err = env.Client.Redis().TTL(ctx, s.Key()).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 10*time.Second)
}
