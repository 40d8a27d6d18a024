package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDocumentLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewDocumentLocker(client, time.Minute)
	ctx := context.Background()

	release, err := locker.Lock(ctx, 7)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, 7)
	require.ErrorIs(t, err, ErrLocked)

	other, err := locker.Lock(ctx, 8)
	require.NoError(t, err)
	other()

	release()
	require.False(t, mr.Exists(BillingLockKey(7)))

	again, err := locker.Lock(ctx, 7)
	require.NoError(t, err)
	again()
}

func TestDocumentLockerReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewDocumentLocker(client, time.Second)
	release, err := locker.Lock(context.Background(), 3)
	require.NoError(t, err)

	// Lock expired and was taken by someone else.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(BillingLockKey(3), "someone-else"))

	release()
	value, err := mr.Get(BillingLockKey(3))
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *DocumentLocker
	release, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	release()
}
