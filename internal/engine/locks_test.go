package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTable_TryAcquire(t *testing.T) {
	locks := NewLockTable()

	require.True(t, locks.TryAcquire(1))
	require.False(t, locks.TryAcquire(1), "second acquire on the same asset must fail")
	require.True(t, locks.TryAcquire(2), "other assets are independent")

	locks.Release(1)
	require.True(t, locks.TryAcquire(1))
	locks.Release(1)
	locks.Release(2)
}

func TestLockTable_AcquireBlocksUntilReleased(t *testing.T) {
	locks := NewLockTable()
	require.True(t, locks.TryAcquire(1))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, locks.Acquire(context.Background(), 1))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	locks.Release(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire should proceed after release")
	}
	locks.Release(1)
}

func TestLockTable_AcquireHonorsContext(t *testing.T) {
	locks := NewLockTable()
	require.True(t, locks.TryAcquire(1))
	defer locks.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, locks.Acquire(ctx, 1))
}
