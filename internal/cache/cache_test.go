package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// forEachCache runs fn against the in-memory cache and, outside -short, against Redis.
func forEachCache(t *testing.T, fn func(t *testing.T, c cache.Cache)) {
	t.Run("memory", func(t *testing.T) { fn(t, cache.NewMemoryCache()) })
	t.Run("redis", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, setupRedis(t))
	})
}

func TestPing(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		assert.NoError(t, c.Ping(context.Background()))
	})
}

func TestSetGet_Roundtrip(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "test:key", []byte("hello"), 10*time.Second))

		val, found, err := c.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("hello"), val)
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		val, found, err := c.Get(context.Background(), "nonexistent:key")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})
}

func TestSet_TTLExpiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second))

		_, found, err := c.Get(ctx, "expiry:key")
		require.NoError(t, err)
		assert.True(t, found)

		time.Sleep(1500 * time.Millisecond)

		_, found, err = c.Get(ctx, "expiry:key")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestDelete(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "del:key", []byte("bye"), 10*time.Second))
		require.NoError(t, c.Delete(ctx, "del:key"))

		_, found, err := c.Get(ctx, "del:key")
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, c.Delete(ctx, "does:not:exist"))
	})
}

func TestSetGetJobStatus(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		jobID := uuid.New()

		require.NoError(t, c.SetJobStatus(ctx, jobID, "running", 10*time.Second))

		status, found, err := c.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "running", status)

		status, found, err = c.GetJobStatus(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, "", status)
	})
}

func TestIncrWithExpiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := "ratelimit:test:" + uuid.NewString()[:8]

		for want := int64(1); want <= 3; want++ {
			val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, val)
		}
	})
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := "ratelimit:expiry:" + uuid.NewString()[:8]

		_, err := c.IncrWithExpiry(ctx, key, 1*time.Second)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)

		// After expiry, should start from 1 again
		val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), val)
	})
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222", cache.JobStatusKey(jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:ch_abcd1234", cache.RateLimitKey("ch_abcd1234"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.JobStatusKey(uuid.New()):  true,
		cache.RateLimitKey("ch_prefix"): true,
		cache.WorkflowStatsKey():        true,
		cache.ApprovalStatsKey():        true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
