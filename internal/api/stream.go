package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/metrics"
)

// Rooms a client can subscribe to.
const (
	RoomStrategyMonitor = "strategy-monitor"
	RoomPoolCrawler     = "pool-crawler"
)

// clientMessage is what clients send: subscribe:<room>, unsubscribe:<room>,
// or ping.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// serverMessage wraps everything sent to clients.
type serverMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// eventBody carries one bus event into a room.
type eventBody struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type ackBody struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type pongBody struct {
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster bridges bus topics to websocket rooms. Clients join rooms
// explicitly; events fan out to room members only.
type Broadcaster struct {
	cfg      config.ServerConfig
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]bool
	clients map[*client]bool
	subIDs  []string
	closed  bool
}

// client is one websocket connection. done closes exactly once and stops the
// write pump; send is never closed, so concurrent enqueues stay safe.
type client struct {
	bc   *Broadcaster
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

// NewBroadcaster creates the websocket bridge. Call Start to attach it to the
// bus and Stop to tear it down.
func NewBroadcaster(cfg config.ServerConfig, b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	bc := &Broadcaster{
		cfg:     cfg,
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "broadcaster"),
		rooms: map[string]map[*client]bool{
			RoomStrategyMonitor: {},
			RoomPoolCrawler:     {},
		},
		clients: make(map[*client]bool),
	}
	bc.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return bc
}

// Start subscribes the rooms to their bus topics.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subIDs = append(b.subIDs,
		b.bus.Subscribe(bus.TopicStatusUpdate, func(ev bus.Event) {
			b.broadcast(RoomStrategyMonitor, "strategy:status-update", "status-update", ev.Data)
		}),
		b.bus.Subscribe(bus.TopicSmartStopLoss, func(ev bus.Event) {
			b.broadcast(RoomStrategyMonitor, "strategy:smart-stop-loss", "smart-stop-loss", ev.Data)
		}),
		b.bus.Subscribe(bus.TopicCrawlerPrefix+"*", func(ev bus.Event) {
			b.broadcast(RoomPoolCrawler, "pool-crawler:data", "pool-data", ev.Data)
		}),
	)
}

// Stop detaches from the bus first so no event races the teardown, then
// closes every socket.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	for _, id := range b.subIDs {
		b.bus.Unsubscribe(id)
	}
	b.subIDs = nil
	b.closed = true
	dropped := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		dropped = append(dropped, c)
	}
	b.clients = make(map[*client]bool)
	for room := range b.rooms {
		b.rooms[room] = make(map[*client]bool)
	}
	b.mu.Unlock()

	for _, c := range dropped {
		c.close()
	}
	b.publishCounts()
	b.logger.Info("broadcaster stopped", "clients", len(dropped))
}

// ServeWS upgrades the connection and starts the client pumps.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		bc:   b,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()

	b.logger.Info("client connected", "remote", r.RemoteAddr, "count", n)
	go c.writePump()
	go c.readPump()
}

// broadcast fans one event out to a room. Clients that cannot keep up are
// dropped rather than allowed to stall the bus.
func (b *Broadcaster) broadcast(room, event, bodyType string, data any) {
	raw, err := json.Marshal(serverMessage{
		Event: event,
		Data:  eventBody{Type: bodyType, Data: data, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		b.logger.Error("marshal event failed", "event", event, "error", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.rooms[room] {
		select {
		case c.send <- raw:
		case <-c.done:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("dropping slow client", "room", room)
		b.drop(c)
	}
}

func (b *Broadcaster) handleMessage(c *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	now := time.Now().UTC()

	switch {
	case msg.Event == "ping":
		c.enqueue(serverMessage{Event: "pong", Data: pongBody{Timestamp: now}})

	case strings.HasPrefix(msg.Event, "subscribe:"):
		room := strings.TrimPrefix(msg.Event, "subscribe:")
		ack := ackBody{Success: true, Message: "subscribed to " + room, Timestamp: now}
		if !b.join(c, room) {
			ack.Success = false
			ack.Message = "unknown room " + room
		}
		c.enqueue(serverMessage{Event: "subscribed:" + room, Data: ack})

	case strings.HasPrefix(msg.Event, "unsubscribe:"):
		b.leave(c, strings.TrimPrefix(msg.Event, "unsubscribe:"))
	}
}

func (b *Broadcaster) join(c *client, room string) bool {
	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok || !b.clients[c] {
		b.mu.Unlock()
		return ok
	}
	members[c] = true
	b.mu.Unlock()
	b.publishCounts()
	return true
}

func (b *Broadcaster) leave(c *client, room string) {
	b.mu.Lock()
	if members, ok := b.rooms[room]; ok {
		delete(members, c)
	}
	b.mu.Unlock()
	b.publishCounts()
}

// drop removes the client from every room and stops its pumps.
func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	if !b.clients[c] {
		b.mu.Unlock()
		c.close()
		return
	}
	delete(b.clients, c)
	for room := range b.rooms {
		delete(b.rooms[room], c)
	}
	n := len(b.clients)
	b.mu.Unlock()

	c.close()
	b.publishCounts()
	b.logger.Info("client disconnected", "count", n)
}

func (b *Broadcaster) publishCounts() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for room, members := range b.rooms {
		b.metrics.SetStreamClients(room, float64(len(members)))
	}
}

func (c *client) enqueue(msg serverMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.bc.logger.Warn("send buffer full, dropping message", "event", msg.Event)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// writePump pumps queued messages to the socket and keeps it alive with
// protocol pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the socket dies, then unregisters.
func (c *client) readPump() {
	defer func() {
		c.bc.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.bc.logger.Debug("websocket read", "error", err)
			}
			return
		}
		c.bc.handleMessage(c, raw)
	}
}

// isOriginAllowed applies the origin policy: an explicit allowlist wins;
// otherwise local and same-host browsers are let in.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}
