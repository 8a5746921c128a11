package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames; screenshots dominate the budget.
	maxFrameSize = 16 << 20

	subscriberBuffer = 32
)

// Handle is the one logical channel to a device. It survives reconnects:
// callers keep the same Handle while the underlying websocket is replaced.
type Handle struct {
	deviceID string
	url      string
	mgr      *Manager
	log      zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   types.DeviceState
	pending map[string]chan *Reply
	subs    map[uint64]chan PushEvent
	subSeq  uint64
	gen     uint64
	stop    chan struct{}
	closed  bool

	writeMu sync.Mutex
}

func newHandle(mgr *Manager, deviceID string, port int) *Handle {
	return &Handle{
		deviceID: deviceID,
		url:      fmt.Sprintf("ws://127.0.0.1:%d/", port),
		mgr:      mgr,
		log:      mgr.log.With().Str("device_id", deviceID).Logger(),
		state:    types.DeviceDisconnected,
		pending:  make(map[string]chan *Reply),
		subs:     make(map[uint64]chan PushEvent),
	}
}

// DeviceID returns the device this handle is bound to.
func (h *Handle) DeviceID() string { return h.deviceID }

// State returns the current connection state.
func (h *Handle) State() types.DeviceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkBusy transitions Ready to Busy. The orchestrator calls this when a
// task takes the device; GUI actions cannot safely interleave on one screen.
func (h *Handle) MarkBusy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != types.DeviceReady {
		return false
	}
	h.state = types.DeviceBusy
	return true
}

// MarkReady releases a Busy device back to Ready.
func (h *Handle) MarkReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == types.DeviceBusy {
		h.state = types.DeviceReady
	}
}

// dial establishes the websocket. The Connecting transition doubles as the
// claim: a handle that is live or already being dialed is left alone, so
// racing callers never open a second channel to the same device.
func (h *Handle) dial(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return types.ErrBridgeClosed
	}
	switch h.state {
	case types.DeviceReady, types.DeviceBusy, types.DeviceConnecting:
		h.mu.Unlock()
		return nil
	}
	h.state = types.DeviceConnecting
	h.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, h.mgr.cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: h.mgr.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, h.url, nil)
	if err != nil {
		h.mu.Lock()
		h.state = types.DeviceDisconnected
		h.mu.Unlock()
		return fmt.Errorf("dial %s: %w: %w", h.url, types.ErrDeviceUnreachable, err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	h.mu.Lock()
	h.conn = conn
	h.gen++
	gen := h.gen
	h.stop = make(chan struct{})
	stop := h.stop
	h.state = types.DeviceReady
	h.mu.Unlock()

	h.log.Info().Str("url", h.url).Msg("device connected")
	h.mgr.publish(bus.Event{Type: bus.EventDeviceConnected, DeviceID: h.deviceID})

	go h.readPump(conn, gen)
	go h.pingLoop(conn, stop)

	return nil
}

// readPump consumes frames until the connection dies, dispatching replies to
// pending correlation slots and push events to subscribers.
func (h *Handle) readPump(conn *websocket.Conn, gen uint64) {
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			h.handleDisconnect(gen, err)
			return
		}

		switch {
		case frame.RequestID != "":
			h.dispatchReply(&Reply{
				RequestID: frame.RequestID,
				Status:    frame.Status,
				Message:   frame.Message,
				Result:    frame.Result,
			})
		case frame.EventType != "":
			h.dispatchEvent(PushEvent{EventType: frame.EventType, Payload: frame.Payload})
		default:
			h.log.Debug().Msg("frame with neither requestId nor eventType, dropped")
		}
	}
}

// pingLoop keeps the connection alive until stop closes.
func (h *Handle) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *Handle) dispatchReply(reply *Reply) {
	h.mu.Lock()
	ch, ok := h.pending[reply.RequestID]
	h.mu.Unlock()
	if !ok {
		// Reply for a request whose waiter timed out or gave up.
		h.log.Debug().Str("request_id", reply.RequestID).Msg("unmatched reply dropped")
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (h *Handle) dispatchEvent(ev PushEvent) {
	h.mu.Lock()
	subs := make([]chan PushEvent, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber lagging, event dropped for it
		}
	}

	h.mgr.publish(bus.Event{
		Type:     bus.EventDevicePush,
		DeviceID: h.deviceID,
		Content:  ev.EventType,
	})
}

// handleDisconnect fails every pending correlation with a closed channel,
// marks the device Faulted, and starts the reconnect loop.
func (h *Handle) handleDisconnect(gen uint64, cause error) {
	h.mu.Lock()
	if h.gen != gen || h.closed {
		h.mu.Unlock()
		return
	}
	h.conn.Close()
	h.conn = nil
	close(h.stop)
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.state = types.DeviceFaulted
	h.mu.Unlock()

	h.log.Warn().Err(cause).Msg("device channel lost")
	h.mgr.publish(bus.Event{
		Type:     bus.EventDeviceFaulted,
		DeviceID: h.deviceID,
		Error:    cause.Error(),
	})

	go h.reconnectLoop()
}

// reconnectLoop retries with exponential backoff up to the configured cap and
// attempt count, then marks the device Disconnected.
func (h *Handle) reconnectLoop() {
	delay := h.mgr.cfg.ReconnectBase

	for attempt := 1; attempt <= h.mgr.cfg.ReconnectRetries; attempt++ {
		h.mgr.publish(bus.Event{
			Type:     bus.EventDeviceReconnecting,
			DeviceID: h.deviceID,
			Fields:   map[string]any{"attempt": attempt},
		})

		select {
		case <-time.After(delay):
		case <-h.mgr.done:
			return
		}

		if h.isClosed() {
			return
		}

		if err := h.dial(context.Background()); err == nil {
			return
		}

		h.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
		delay *= 2
		if delay > h.mgr.cfg.ReconnectCap {
			delay = h.mgr.cfg.ReconnectCap
		}
	}

	h.mu.Lock()
	h.state = types.DeviceDisconnected
	h.mu.Unlock()

	h.log.Error().Msg("device gave up reconnecting")
	h.mgr.publish(bus.Event{
		Type:     bus.EventDeviceDisconnected,
		DeviceID: h.deviceID,
		Error:    types.ErrBridgeClosed.Error(),
	})
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Send writes one command frame and registers a pending correlation slot.
// The returned correlation id is consumed by AwaitReply.
func (h *Handle) Send(ctx context.Context, actionType string, params map[string]any) (string, error) {
	h.mu.Lock()
	if h.closed || h.conn == nil {
		h.mu.Unlock()
		return "", types.ErrBridgeClosed
	}
	conn := h.conn
	gen := h.gen
	id := uuid.NewString()
	ch := make(chan *Reply, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	frame := Request{RequestID: id, ActionType: actionType, Parameters: params}

	h.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(frame)
	h.writeMu.Unlock()

	if err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		h.handleDisconnect(gen, err)
		return "", fmt.Errorf("write %s: %w", actionType, types.ErrBridgeClosed)
	}

	h.log.Debug().Str("request_id", id).Str("action", actionType).Msg("command sent")
	return id, nil
}

// AwaitReply blocks until the reply for correlationID arrives, the timeout
// elapses, or the channel dies.
func (h *Handle) AwaitReply(ctx context.Context, correlationID string, timeout time.Duration) (*Reply, error) {
	h.mu.Lock()
	ch, ok := h.pending[correlationID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("correlation %s: %w", correlationID, types.ErrNotFound)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, open := <-ch:
		h.removePending(correlationID)
		if !open {
			return nil, types.ErrBridgeClosed
		}
		return reply, nil
	case <-timer.C:
		h.removePending(correlationID)
		return nil, fmt.Errorf("await %s: %w", correlationID, types.ErrStepTimeout)
	case <-ctx.Done():
		h.removePending(correlationID)
		return nil, ctx.Err()
	}
}

func (h *Handle) removePending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// Do is Send followed by AwaitReply with the configured reply timeout.
func (h *Handle) Do(ctx context.Context, actionType string, params map[string]any) (*Reply, error) {
	id, err := h.Send(ctx, actionType, params)
	if err != nil {
		return nil, err
	}
	return h.AwaitReply(ctx, id, h.mgr.cfg.ReplyTimeout)
}

// Subscribe returns a channel of push events and a cancel function. Events
// arriving while the device is disconnected are lost, not replayed.
func (h *Handle) Subscribe() (<-chan PushEvent, func()) {
	h.mu.Lock()
	h.subSeq++
	id := h.subSeq
	ch := make(chan PushEvent, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Screenshot captures the current screen.
func (h *Handle) Screenshot(ctx context.Context) (*ScreenCapture, error) {
	reply, err := h.Do(ctx, ActionScreenshot, nil)
	if err != nil {
		return nil, err
	}
	return decodeCapture(reply)
}

// ViewHierarchy fetches the current accessibility tree.
func (h *Handle) ViewHierarchy(ctx context.Context) (*ScreenCapture, error) {
	reply, err := h.Do(ctx, ActionViewHierarchy, nil)
	if err != nil {
		return nil, err
	}
	return decodeCapture(reply)
}

func decodeCapture(reply *Reply) (*ScreenCapture, error) {
	if !reply.OK() {
		return nil, fmt.Errorf("device answered %s: %s", reply.Status, reply.Message)
	}
	var sc ScreenCapture
	if err := json.Unmarshal(reply.Result, &sc); err != nil {
		return nil, fmt.Errorf("decode capture result: %w", err)
	}
	return &sc, nil
}

// close tears the handle down permanently.
func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		close(h.stop)
	}
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.state = types.DeviceDisconnected
	h.mu.Unlock()
}
