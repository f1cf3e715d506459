package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTableGrantsUpToMax(t *testing.T) {
	st := newSlotTable(2, time.Second, newTestLogger(t))

	releaseA, err := st.request(context.Background())
	require.NoError(t, err)
	releaseB, err := st.request(context.Background())
	require.NoError(t, err)

	active, waiting := st.counts()
	assert.Equal(t, 2, active)
	assert.Equal(t, 0, waiting)

	releaseA()
	releaseB()
	active, _ = st.counts()
	assert.Equal(t, 0, active)
}

func TestSlotTableQueuesBeyondMax(t *testing.T) {
	st := newSlotTable(1, time.Second, newTestLogger(t))

	release, err := st.request(context.Background())
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		late, err := st.request(context.Background())
		if err == nil {
			defer late()
		}
		close(granted)
	}()

	require.Eventually(t, func() bool {
		_, waiting := st.counts()
		return waiting == 1
	}, time.Second, time.Millisecond)

	select {
	case <-granted:
		t.Fatal("waiter granted while slot still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("waiter never promoted after release")
	}
}

func TestSlotTableReleaseIsIdempotent(t *testing.T) {
	st := newSlotTable(1, time.Second, newTestLogger(t))

	release, err := st.request(context.Background())
	require.NoError(t, err)
	release()
	release()
	release()

	active, _ := st.counts()
	assert.Equal(t, 0, active)

	// The table still behaves after repeated releases.
	again, err := st.request(context.Background())
	require.NoError(t, err)
	again()
}

func TestSlotTableAbandonOnContextCancel(t *testing.T) {
	st := newSlotTable(1, time.Second, newTestLogger(t))

	release, err := st.request(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := st.request(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, waiting := st.counts()
		return waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("abandoned waiter never returned")
	}

	// The abandoned waiter must not occupy the queue.
	release()
	fresh, err := st.request(context.Background())
	require.NoError(t, err)
	fresh()
}

func TestSlotTableDropsStaleWaiters(t *testing.T) {
	st := newSlotTable(1, 30*time.Millisecond, newTestLogger(t))

	release, err := st.request(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := st.request(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, waiting := st.counts()
		return waiting == 1
	}, time.Second, time.Millisecond)

	// Let the waiter age past the stale threshold before releasing.
	time.Sleep(60 * time.Millisecond)
	release()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSlotStale)
	case <-time.After(time.Second):
		t.Fatal("stale waiter never resolved")
	}

	active, waiting := st.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, waiting)
}
