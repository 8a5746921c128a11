package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mobileclaw/mobileclaw/internal/bridge"
	"github.com/mobileclaw/mobileclaw/internal/executor"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Device is the device surface the orchestrator schedules on.
// *bridge.Handle satisfies it.
type Device interface {
	executor.Device
	State() types.DeviceState
	MarkBusy() bool
	MarkReady()
}

// Devices connects and hands out devices by id.
type Devices interface {
	Connect(ctx context.Context, deviceID string) (Device, error)
}

// bridgeDevices adapts the bridge manager to the Devices interface.
type bridgeDevices struct {
	mgr *bridge.Manager
}

// NewBridgeDevices wraps a bridge manager for orchestrator scheduling.
func NewBridgeDevices(mgr *bridge.Manager) Devices {
	return &bridgeDevices{mgr: mgr}
}

func (d *bridgeDevices) Connect(ctx context.Context, deviceID string) (Device, error) {
	return d.mgr.Connect(ctx, deviceID)
}

// deviceQueue serializes tasks per device: one holder at a time, waiters
// admitted in arrival order. The holder is tracked here, not on the device
// state, so a release can never slip between a caller's busy check and its
// enqueue.
type deviceQueue struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string][]chan struct{}
}

func newDeviceQueue() *deviceQueue {
	return &deviceQueue{
		held:    make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}
}

// acquire takes exclusive use of the device, queueing behind earlier tasks.
func (q *deviceQueue) acquire(ctx context.Context, dev Device) error {
	id := dev.DeviceID()

	q.mu.Lock()
	if !q.held[id] {
		q.held[id] = true
		q.mu.Unlock()
		dev.MarkBusy()
		return nil
	}
	turn := make(chan struct{})
	q.waiters[id] = append(q.waiters[id], turn)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.abandon(dev, turn)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("waiting for device %s: %w", id, types.ErrDeviceBusy)
		}
		return fmt.Errorf("waiting for device %s: %w", id, types.ErrAborted)
	case <-turn:
		// release handed the hold to us.
		if dev.State() == types.DeviceFaulted || dev.State() == types.DeviceDisconnected {
			q.release(dev)
			return fmt.Errorf("device %s: %w", id, types.ErrDeviceUnreachable)
		}
		dev.MarkBusy()
		return nil
	}
}

// release returns the device: the hold transfers to the next waiter, or clears
// when nobody waits.
func (q *deviceQueue) release(dev Device) {
	dev.MarkReady()

	q.mu.Lock()
	defer q.mu.Unlock()
	id := dev.DeviceID()
	if next := q.waiters[id]; len(next) > 0 {
		close(next[0])
		q.waiters[id] = next[1:]
		return
	}
	q.held[id] = false
}

// abandon withdraws a cancelled waiter. When the waiter is no longer queued
// its turn already arrived, so the hold it was handed is given back.
func (q *deviceQueue) abandon(dev Device, turn chan struct{}) {
	q.mu.Lock()
	id := dev.DeviceID()
	ws := q.waiters[id]
	for i, w := range ws {
		if w == turn {
			q.waiters[id] = append(ws[:i], ws[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()
	q.release(dev)
}

// queueDepth reports how many tasks wait on the device.
func (q *deviceQueue) queueDepth(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[id])
}
