package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobileclaw/mobileclaw/pkg/types"
)

func TestDeviceQueueHandsOffToWaiter(t *testing.T) {
	q := newDeviceQueue()
	dev := newFakeDevice("dev-1")

	require.NoError(t, q.acquire(context.Background(), dev))

	got := make(chan error, 1)
	go func() {
		got <- q.acquire(context.Background(), dev)
	}()

	assert.Eventually(t, func() bool {
		return q.queueDepth("dev-1") == 1
	}, time.Second, time.Millisecond)

	q.release(dev)

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted after release")
	}
	assert.Equal(t, types.DeviceBusy, dev.State())
	q.release(dev)
	assert.Equal(t, types.DeviceReady, dev.State())
}

// A release racing with an incoming acquire must never strand the acquirer on
// a device that sits Ready the whole time.
func TestDeviceQueueConcurrentAcquireReleaseNeverStrands(t *testing.T) {
	q := newDeviceQueue()
	dev := newFakeDevice("dev-1")

	var wg sync.WaitGroup
	errs := make(chan error, 8*50)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := q.acquire(ctx, dev)
				cancel()
				if err != nil {
					errs <- err
					return
				}
				q.release(dev)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("acquire/release loop wedged")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("acquire failed: %v", err)
	}
}

func TestDeviceQueueWaitDeadlineReportsBusy(t *testing.T) {
	q := newDeviceQueue()
	dev := newFakeDevice("dev-1")

	require.NoError(t, q.acquire(context.Background(), dev))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.acquire(ctx, dev)
	assert.ErrorIs(t, err, types.ErrDeviceBusy)

	// The holder is unaffected and the next waiter still gets its turn.
	got := make(chan error, 1)
	go func() { got <- q.acquire(context.Background(), dev) }()
	assert.Eventually(t, func() bool { return q.queueDepth("dev-1") == 1 }, time.Second, time.Millisecond)
	q.release(dev)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}
}

func TestDeviceQueueCancelledWaiterIsSkipped(t *testing.T) {
	q := newDeviceQueue()
	dev := newFakeDevice("dev-1")

	require.NoError(t, q.acquire(context.Background(), dev))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- q.acquire(ctx, dev) }()
	assert.Eventually(t, func() bool { return q.queueDepth("dev-1") == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- q.acquire(context.Background(), dev) }()
	assert.Eventually(t, func() bool { return q.queueDepth("dev-1") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, types.ErrAborted)

	q.release(dev)
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("surviving waiter never admitted")
	}
}
