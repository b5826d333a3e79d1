package position_lock

import (
	"context"
	"os"
	"testing"
	"time"

	"squareoff/go_src/trade_exceptions"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "A1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "A1", time.Minute)
	assert.ErrorIs(t, err, trade_exceptions.ErrLockHeld)

	other, err := l.Acquire(ctx, "B2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.Acquire(ctx, "A1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalLocker_Expiry(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	staleUnlock, err := l.Acquire(context.Background(), "A1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(context.Background(), "A1", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock.
	staleUnlock()
	_, err = l.Acquire(context.Background(), "A1", time.Minute)
	assert.ErrorIs(t, err, trade_exceptions.ErrLockHeld)
	fresh()
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("SQUAREOFF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SQUAREOFF_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	l := NewRedisLocker(rdb)
	key := "test-" + uuid.NewString()

	unlock, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, trade_exceptions.ErrLockHeld)

	unlock()
	unlock()

	again, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	again()
}
