package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockIsExclusivePerKey(t *testing.T) {
	table := New()

	release, ok := table.TryLock("unit:a")
	require.True(t, ok)

	_, ok = table.TryLock("unit:a")
	assert.False(t, ok, "second holder must be refused")

	other, ok := table.TryLock("unit:b")
	require.True(t, ok, "different keys are independent")
	other()

	release()
	again, ok := table.TryLock("unit:a")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, table.Len())
}

func TestLockHonoursContextDeadline(t *testing.T) {
	table := New()
	release, ok := table.TryLock("receipt:1")
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := table.Lock(ctx, "receipt:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, table.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	table := New()
	release, ok := table.TryLock("k")
	require.True(t, ok)
	release()
	release()

	_, ok = table.TryLock("k")
	assert.True(t, ok)
}

func TestLockSerializesHolders(t *testing.T) {
	table := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Lock(context.Background(), "shared")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, table.Len())
}
