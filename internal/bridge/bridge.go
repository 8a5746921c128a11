// Package bridge maintains one reconnectable websocket channel per device,
// multiplexing request/reply pairs with unsolicited push events. Each device
// is reached through an operator-forwarded local port.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Manager owns the per-device handles. Exactly one Handle exists per device;
// Connect is idempotent and returns the existing handle when the channel is
// already up.
type Manager struct {
	cfg     config.BridgeConfig
	devices map[string]config.Device
	bus     *bus.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	done    chan struct{}
	closed  bool
}

// NewManager creates a bridge manager over the configured device map.
func NewManager(cfg config.BridgeConfig, devices map[string]config.Device, b *bus.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		devices: devices,
		bus:     b,
		log:     logger,
		handles: make(map[string]*Handle),
		done:    make(chan struct{}),
	}
}

// Connect establishes or reuses the channel to deviceID. A handle whose
// connection is live is returned as-is without dialing a second channel.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*Handle, error) {
	dev, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, types.ErrNotFound)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.ErrBridgeClosed
	}
	h, exists := m.handles[deviceID]
	if !exists {
		h = newHandle(m, deviceID, dev.Port)
		m.handles[deviceID] = h
	}
	m.mu.Unlock()

	switch h.State() {
	case types.DeviceReady, types.DeviceBusy, types.DeviceConnecting, types.DeviceFaulted:
		// Live or recovering on its own; reuse.
		return h, nil
	}

	if err := h.dial(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Handle returns the existing handle for deviceID, if any.
func (m *Manager) Handle(deviceID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[deviceID]
	return h, ok
}

// States returns a snapshot of every known device's connection state.
// Devices never connected report Disconnected.
func (m *Manager) States() map[string]types.DeviceState {
	out := make(map[string]types.DeviceState, len(m.devices))
	for id := range m.devices {
		out[id] = types.DeviceDisconnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		out[id] = h.State()
	}
	return out
}

// Close tears down every handle. Pending correlations fail with BridgeClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}

func (m *Manager) publish(ev bus.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev)
}
