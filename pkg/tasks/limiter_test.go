package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/runtime"
)

func TestMemoryLimiterUnbounded(t *testing.T) {
	l := NewLimiter(nil, nil)
	for i := 0; i < 10; i++ {
		release, err := l.Acquire(context.Background(), "free", runtime.TaskConfig{})
		require.NoError(t, err)
		release()
	}
}

func TestMemoryLimiterRejectsWhenPendingFull(t *testing.T) {
	l := NewLimiter(nil, nil)
	cfg := runtime.TaskConfig{MaxPending: 1, MaxRunning: 1}
	ctx := context.Background()

	release, err := l.Acquire(ctx, "busy", cfg)
	require.NoError(t, err)

	// One waiter occupies the single pending slot.
	waiterCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if r, err := l.Acquire(waiterCtx, "busy", cfg); err == nil {
			r()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = l.Acquire(ctx, "busy", cfg)
	assert.ErrorIs(t, err, ErrChannelBusy)

	cancel()
	wg.Wait()
	release()
}

func TestMemoryLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(nil, nil)
	cfg := runtime.TaskConfig{MaxPending: 16, MaxRunning: 2}

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "bounded", cfg)
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&running, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestMemoryLimiterWaiterHonorsContext(t *testing.T) {
	l := NewLimiter(nil, nil)
	cfg := runtime.TaskConfig{MaxPending: 4, MaxRunning: 1}

	release, err := l.Acquire(context.Background(), "held", cfg)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "held", cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelsAreIndependent(t *testing.T) {
	l := NewLimiter(nil, nil)
	cfg := runtime.TaskConfig{MaxPending: 1, MaxRunning: 1}

	releaseA, err := l.Acquire(context.Background(), "a", cfg)
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := l.Acquire(context.Background(), "b", cfg)
	require.NoError(t, err)
	releaseB()
}
