package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*LeaseManager, *redis.Client) {
	t.Helper()
	addr := os.Getenv("STREAMRTC_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMRTC_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return NewLeaseManager(client, "streamrtc:test:", zaptest.NewLogger(t).Sugar()), client
}

func TestLeaseManager_CallKey(t *testing.T) {
	m := NewLeaseManager(nil, "streamrtc:lease:", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "streamrtc:lease:call:default:standup", m.CallKey("default", "standup"))
}

func TestLease_ExclusiveAndRenewed(t *testing.T) {
	m, client := newTestManager(t)
	ctx := context.Background()
	key := m.CallKey("default", uuid.NewString())

	lease, err := m.TryAcquire(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx, key, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	time.Sleep(500 * time.Millisecond)
	holder, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, lease.Holder(), holder)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.Equal(t, int64(0), client.Exists(ctx, key).Val())
}

func TestLease_LostWhenTakenOver(t *testing.T) {
	m, client := newTestManager(t)
	ctx := context.Background()
	key := m.CallKey("default", uuid.NewString())
	t.Cleanup(func() { client.Del(ctx, key) })

	lease, err := m.TryAcquire(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, client.Set(ctx, key, "someone-else", time.Minute).Err())

	select {
	case <-lease.Lost():
	case <-time.After(time.Second):
		t.Fatal("lease was not reported lost")
	}
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)
}
