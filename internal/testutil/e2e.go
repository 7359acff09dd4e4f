//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// RedisEnvironment is a real Redis server running in a container, used by
// tests that depend on behavior miniredis only approximates (approximate
// stream trimming, blocking reads across connections, real expiry).
type RedisEnvironment struct {
	T         *testing.T
	Ctx       context.Context
	URL       string
	Client    *kv.Client
	container testcontainers.Container
}

// SetupRedisEnvironment starts redis:7-alpine and connects a client to it.
// The container and client are torn down with the test.
func SetupRedisEnvironment(t *testing.T) *RedisEnvironment {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	env := &RedisEnvironment{T: t, Ctx: ctx, container: redisC}
	t.Cleanup(func() {
		if env.Client != nil {
			env.Client.Close()
		}
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err, "Failed to get container port")

	env.URL = fmt.Sprintf("redis://%s:%s", host, port.Port())
	env.Client, err = kv.NewClientFromURL(env.URL)
	require.NoError(t, err, "Failed to create store client")
	require.NoError(t, env.Client.Ping(ctx), "Redis not reachable")

	t.Logf("✓ Redis container ready at %s", env.URL)
	return env
}

// FlushAll clears the server between sub-tests sharing one container.
func (env *RedisEnvironment) FlushAll() {
	require.NoError(env.T, env.Client.Redis().FlushAll(env.Ctx).Err())
}
