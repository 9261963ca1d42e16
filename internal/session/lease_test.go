package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func exerciseLease(t *testing.T, a, b Lease) {
	t.Helper()
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Acquire(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok, "re-acquire by the owner")

	ok, err = b.Acquire(ctx, "acc-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, b.Refresh(ctx, "acc-1"), ErrLeaseLost)

	// Release by a non-owner leaves the lease alone.
	require.NoError(t, b.Release(ctx, "acc-1"))
	require.NoError(t, a.Refresh(ctx, "acc-1"))

	require.NoError(t, a.Release(ctx, "acc-1"))
	ok, err = b.Acquire(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, a.Refresh(ctx, "acc-1"), ErrLeaseLost)
}

func TestMemoryLease(t *testing.T) {
	shared := NewMemoryLease()
	exerciseLease(t, shared.As("a"), shared.As("b"))
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisLease(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}
	addr := startRedis(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	a := NewRedisLease(rdb, 5*time.Second, "test:lease:")
	b := NewRedisLease(rdb, 5*time.Second, "test:lease:")
	require.NotEqual(t, a.Owner(), b.Owner())
	exerciseLease(t, a, b)

	ttl, err := rdb.PTTL(context.Background(), "test:lease:acc-1").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
