package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cockpit/internal/events"
	"cockpit/internal/gate"
	"cockpit/internal/logging"
)

// Close codes sent to rejected clients.
const (
	CloseUnauthenticated = 4001
	CloseTokenExpired    = 4002
)

// Validator is the slice of the gate the hub needs.
type Validator interface {
	Enabled() bool
	Validate(token, source string) error
}

// UsageFunc supplies the usage snapshot sent in the connected greeting.
type UsageFunc func() map[string]any

// Config tunes the hub.
type Config struct {
	// HeartbeatInterval drives the ping mark-sweep.
	HeartbeatInterval time.Duration
	// SendBuffer is the per-client outbound queue. Full queues drop events.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	out := c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = 64
	}
	return out
}

type client struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	authenticated bool
	alive         bool
	closeOnce     sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Hub fans events out to connected UIs. Clients presenting a bad token are
// refused with a close code; clients with no token at all stay connected but
// receive only security events.
type Hub struct {
	cfg      Config
	gate     Validator
	bus      *events.Bus
	logger   logging.Logger
	usage    UsageFunc
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*client
	presence func(delta int)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a hub.
func New(cfg Config, v Validator, bus *events.Bus, usage UsageFunc, logger logging.Logger) *Hub {
	return &Hub{
		cfg:    cfg.withDefaults(),
		gate:   v,
		bus:    bus,
		logger: logging.OrNop(logger),
		usage:  usage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
}

// Run forwards bus events to clients and sweeps dead peers until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-ch:
			h.Broadcast(ev)
		case <-ticker.C:
			h.sweep()
			h.Broadcast(events.New(events.TypePing, nil))
		}
	}
}

// Shutdown tells every client the server is going away, then drops them.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		h.Broadcast(events.New(events.TypeShutdown, nil))
		time.Sleep(100 * time.Millisecond)
		close(h.done)

		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[string]*client)
		h.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
		h.wg.Wait()
	})
}

// OnPresence registers a callback invoked with +1/-1 as clients come and go.
// Set it before serving connections.
func (h *Hub) OnPresence(fn func(delta int)) {
	h.mu.Lock()
	h.presence = fn
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle upgrades an HTTP request into a hub connection. The token rides the
// query string because browser WebSocket clients cannot set headers.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed: %v", err)
		return
	}

	authenticated := true
	token := r.URL.Query().Get("token")
	if h.gate != nil && h.gate.Enabled() {
		switch {
		case token == "":
			authenticated = false
		default:
			if err := h.gate.Validate(token, gate.ResolveSource(r)); err != nil {
				code := CloseUnauthenticated
				if errors.Is(err, gate.ErrTokenExpired) {
					code = CloseTokenExpired
				}
				msg := websocket.FormatCloseMessage(code, err.Error())
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				conn.Close()
				return
			}
		}
	}

	c := &client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, h.cfg.SendBuffer),
		authenticated: authenticated,
		alive:         true,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	notify := h.presence
	h.mu.Unlock()
	if notify != nil {
		notify(1)
	}
	h.logger.Info("Client %s connected (authenticated=%t, total=%d)", c.id, authenticated, count)

	greeting := map[string]any{"clientId": c.id, "authenticated": authenticated}
	if h.usage != nil && authenticated {
		greeting["usage"] = h.usage()
	}
	if payload, err := marshalEvent(events.New(events.TypeConnected, greeting)); err == nil {
		c.send <- payload
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case events.TypePong:
			h.mu.Lock()
			c.alive = true
			h.mu.Unlock()
		case events.TypePing:
			if payload, err := marshalEvent(events.New(events.TypePong, nil)); err == nil {
				h.offer(c, payload)
			}
		}
	}
}

// drop unregisters a client and tears the socket down without a close frame.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	notify := h.presence
	h.mu.Unlock()
	c.close()
	if ok {
		if notify != nil {
			notify(-1)
		}
		h.logger.Debug("Client %s disconnected", c.id)
	}
}

// sweep drops clients that missed the previous heartbeat round.
func (h *Hub) sweep() {
	h.mu.Lock()
	var dead []*client
	for _, c := range h.clients {
		if !c.alive {
			dead = append(dead, c)
		}
		c.alive = false
	}
	h.mu.Unlock()

	for _, c := range dead {
		h.logger.Info("Dropping unresponsive client %s", c.id)
		h.drop(c)
	}
}

// Broadcast serializes once and offers the payload to every eligible client.
// Unauthenticated clients receive only security events.
func (h *Hub) Broadcast(ev events.Event) {
	payload, err := marshalEvent(ev)
	if err != nil {
		h.logger.Warn("Event %s serialization failed: %v", ev.Type, err)
		return
	}
	security := events.IsSecurity(ev.Type)

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.authenticated && !security {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.offer(c, payload)
	}
}

// offer enqueues without blocking; a full queue drops the event.
func (h *Hub) offer(c *client, payload []byte) {
	defer func() {
		// The send channel closes while broadcasts are in flight.
		_ = recover()
	}()
	select {
	case c.send <- payload:
	default:
		h.logger.Debug("Client %s queue full, dropping event", c.id)
	}
}

// marshalEvent flattens the event data next to type and timestamp.
func marshalEvent(ev events.Event) ([]byte, error) {
	doc := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		doc[k] = v
	}
	doc["type"] = ev.Type
	doc["timestamp"] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(doc)
}
