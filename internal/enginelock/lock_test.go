package enginelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
)

func newTestLocker(t *testing.T, cfg config.EngineLockConfig) *Locker {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewLocker(cfg, log)
}

func enabledConfig() config.EngineLockConfig {
	return config.EngineLockConfig{Require: true, TimeoutMs: 60000, MaxAgeMs: 120000}
}

func TestAcquireUncontended(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "agent:default:main", time.Second)
	require.NoError(t, err)

	held, waiting := l.Stats()
	assert.Equal(t, 1, held)
	assert.Equal(t, 0, waiting)

	release()

	held, waiting = l.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}

func TestDisabledModeGrantsImmediately(t *testing.T) {
	l := newTestLocker(t, config.EngineLockConfig{Require: false})

	r1, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	r2, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)

	r1()
	r2()

	held, _ := l.Stats()
	assert.Equal(t, 0, held)
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	r1, err := l.Acquire(context.Background(), "a", 10*time.Millisecond)
	require.NoError(t, err)
	r2, err := l.Acquire(context.Background(), "b", 10*time.Millisecond)
	require.NoError(t, err)

	r1()
	r2()
}

func TestFIFOGrantOrder(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Waiters queue strictly one after another so the FIFO order is known.
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(context.Background(), "k", 5*time.Second)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}()
		require.Eventually(t, func() bool {
			_, waiting := l.Stats()
			return waiting == i
		}, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)

	held, waiting := l.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}

func TestWaiterTimeout(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "k", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, waiting := l.Stats()
	assert.Equal(t, 0, waiting)
}

func TestZeroTimeoutOnContention(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOwnerDeathReleasesLock(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	ownerCtx, kill := context.WithCancel(context.Background())
	_, err := l.Acquire(ownerCtx, "k", time.Second)
	require.NoError(t, err)

	granted := make(chan ReleaseFunc, 1)
	go func() {
		rel, err := l.Acquire(context.Background(), "k", 5*time.Second)
		if err == nil {
			granted <- rel
		}
	}()
	require.Eventually(t, func() bool {
		_, waiting := l.Stats()
		return waiting == 1
	}, time.Second, time.Millisecond)

	// The owner never calls release; its context death must free the lock.
	kill()

	select {
	case rel := <-granted:
		rel()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not promoted after owner death")
	}
}

func TestDoubleReleaseIsIdempotent(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	release()
	release()

	// A stale release must not free a successor's tenure.
	release2, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	release()

	held, _ := l.Stats()
	assert.Equal(t, 1, held)
	release2()
}

func TestCancelledWaiterIsSkipped(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	w1Ctx, cancelW1 := context.WithCancel(context.Background())
	w1Err := make(chan error, 1)
	go func() {
		_, err := l.Acquire(w1Ctx, "k", 5*time.Second)
		w1Err <- err
	}()
	require.Eventually(t, func() bool {
		_, waiting := l.Stats()
		return waiting == 1
	}, time.Second, time.Millisecond)

	granted := make(chan ReleaseFunc, 1)
	go func() {
		rel, err := l.Acquire(context.Background(), "k", 5*time.Second)
		if err == nil {
			granted <- rel
		}
	}()
	require.Eventually(t, func() bool {
		_, waiting := l.Stats()
		return waiting == 2
	}, time.Second, time.Millisecond)

	cancelW1()
	require.Error(t, <-w1Err)

	release()

	select {
	case rel := <-granted:
		rel()
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter not promoted past the cancelled one")
	}
}

func TestStaleHolderForceReleased(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxAgeMs = 30
	l := newTestLocker(t, cfg)

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	stale := l.stale()
	require.Len(t, stale, 1)
	stale[0].release()

	held, _ := l.Stats()
	assert.Equal(t, 0, held)

	// The evicted owner's release is now a no-op.
	release2, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	release()
	held, _ = l.Stats()
	assert.Equal(t, 1, held)
	release2()
}

func TestReapPromotesWaiterPastWedgedHolder(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxAgeMs = 2000
	l := newTestLocker(t, cfg)

	reapCtx, stopReap := context.WithCancel(context.Background())
	defer stopReap()
	go l.Reap(reapCtx)

	// Wedged holder: acquired and never released.
	_, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	// The waiter's timeout outlives the max age, so the reaper frees
	// the lock first.
	release, err := l.Acquire(context.Background(), "k", 10*time.Second)
	require.NoError(t, err)
	release()

	held, waiting := l.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	l := newTestLocker(t, enabledConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	active := 0
	maxActive := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(context.Background(), "shared", 10*time.Second)
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			rel()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	held, waiting := l.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}
