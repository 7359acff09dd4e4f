package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// NewMiniredisClient starts an in-process Redis and returns a store client
// connected to it. Both are torn down with the test.
func NewMiniredisClient(t testing.TB) (*kv.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := kv.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}
