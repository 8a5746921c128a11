package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size allowed.
	MaxMessageSize = 512
)

// Observer fans bus events out to connected operator dashboard clients over
// WebSocket. It subscribes to all events and is mounted as an http.Handler by
// the control server.
type Observer struct {
	bus *Bus
	log zerolog.Logger

	upgrader websocket.Upgrader

	clients    map[*observerClient]bool
	clientsMu  sync.RWMutex
	register   chan *observerClient
	unregister chan *observerClient

	replayCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subID  SubscriptionID

	running   bool
	runningMu sync.Mutex
}

// observerClient is a single dashboard WebSocket connection.
type observerClient struct {
	conn *websocket.Conn
	send chan []byte

	replayHistory bool
	historyCount  int
}

// NewObserver creates an observer attached to the given bus. replayCount is
// the default number of historical events sent to a newly connected client.
func NewObserver(b *Bus, replayCount int, logger zerolog.Logger) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Observer{
		bus: b,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Dashboards served from other origins may connect; the
				// control server enforces token auth in front of this.
				return true
			},
		},
		clients:     make(map[*observerClient]bool),
		register:    make(chan *observerClient),
		unregister:  make(chan *observerClient),
		replayCount: replayCount,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the bus and launches the client manager.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	if o.running {
		return nil
	}
	o.running = true

	o.subID = o.bus.Subscribe(EventType(""), o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()
	return nil
}

// Stop disconnects all clients and stops the manager.
func (o *Observer) Stop() {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return
	}
	o.running = false
	o.runningMu.Unlock()

	o.cancel()

	o.clientsMu.Lock()
	for client := range o.clients {
		close(client.send)
		client.conn.Close()
		delete(o.clients, client)
	}
	o.clientsMu.Unlock()

	o.wg.Wait()
}

// ClientCount returns the number of connected dashboard clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// ServeHTTP upgrades the connection and registers the client.
// Query parameters: replay=false disables history replay, count=N overrides
// the number of replayed events.
func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := o.replayCount
	if n := r.URL.Query().Get("count"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed >= 0 {
			count = parsed
		}
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("observer upgrade failed")
		return
	}

	client := &observerClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		replayHistory: replay,
		historyCount:  count,
	}

	o.register <- client

	o.wg.Add(2)
	go o.writePump(client)
	go o.readPump(client)
}

// runClientManager handles client registration and unregistration.
func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case client := <-o.register:
			o.clientsMu.Lock()
			o.clients[client] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", total).Msg("observer client connected")

			if client.replayHistory {
				o.replayHistoryToClient(client, client.historyCount)
			}

		case client := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[client]; ok {
				delete(o.clients, client)
				close(client.send)
				client.conn.Close()
			}
			remaining := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", remaining).Msg("observer client disconnected")

		case <-o.ctx.Done():
			return
		}
	}
}

// replayHistoryToClient sends recent events to a newly connected client.
func (o *Observer) replayHistoryToClient(client *observerClient, count int) {
	for _, event := range o.bus.HistorySlice(count) {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client channel full, skip the rest
			return
		}
	}
}

// writePump sends queued messages and ping frames to the client.
func (o *Observer) writePump(client *observerClient) {
	defer o.wg.Done()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into the same frame
			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

// readPump consumes the client side of the connection until it closes.
func (o *Observer) readPump(client *observerClient) {
	defer o.wg.Done()
	defer func() {
		select {
		case o.unregister <- client:
		case <-o.ctx.Done():
		}
	}()

	client.conn.SetReadLimit(MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Warn().Err(err).Msg("observer read error")
			}
			break
		}
		// Inbound messages from dashboards are ignored.
	}
}

// handleBusEvent is called for every event published to the bus.
func (o *Observer) handleBusEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Warn().Err(err).Msg("observer marshal failed")
		return
	}

	o.clientsMu.RLock()
	clients := make([]*observerClient, 0, len(o.clients))
	for client := range o.clients {
		clients = append(clients, client)
	}
	o.clientsMu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Client channel full, drop it
			select {
			case o.unregister <- client:
			case <-o.ctx.Done():
			}
		}
	}
}
