package api

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eduardogoldoni/controlesautomaticos/internal/bridge"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/config"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/logging"
)

// Telemetry feed frame types. Clients send watch and ping; the server sends
// the rest.
const (
	frameTelemetry = "telemetry"
	frameWatching  = "watching"
	framePong      = "pong"
	frameError     = "error"

	requestWatch = "watch"
	requestPing  = "ping"

	// feedBufferSize is the per-client outbound frame buffer. Frames for a
	// client whose buffer is full are dropped.
	feedBufferSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// feedFrame is every message exchanged on the telemetry feed.
//
//	→ {"type":"watch","id":"w1","devices":["1000a1"]}
//	← {"type":"watching","id":"w1","devices":["1000a1"]}
//	← {"type":"telemetry","event":{"deviceId":"1000a1","telemetry":{...}}}
//
// A watch with no devices restores the default of every device.
type feedFrame struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Devices []string               `json:"devices,omitempty"`
	Event   *bridge.TelemetryEvent `json:"event,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking is handled by CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Hub fans bridge telemetry out to WebSocket clients.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Publish never blocks on a
//     client; slow clients lose frames instead.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

// NewHub creates a new WebSocket hub. Zero limits and intervals in cfg
// fall back to 8 KiB messages, 30s pings and a 10s pong timeout.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Publish sends ev to every client watching its device.
func (h *Hub) Publish(ev bridge.TelemetryEvent) {
	data, err := json.Marshal(feedFrame{Type: frameTelemetry, Event: &ev})
	if err != nil {
		h.logger.Error("failed to marshal telemetry frame", "device_id", ev.DeviceID, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*feedClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		if c.wants(ev.DeviceID) && c.enqueue(data) {
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("telemetry pushed to websocket clients", "device_id", ev.DeviceID, "recipients", delivered)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove is safe to call more than once for the same client.
func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.stop()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.stop()
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// feedClient is one WebSocket connection. send is never closed; done
// tells writePump to finish.
type feedClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	devices map[string]struct{} // nil watches every device
}

func newFeedClient(hub *Hub, conn *websocket.Conn, devices []string) *feedClient {
	c := &feedClient{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, feedBufferSize),
		done: make(chan struct{}),
	}
	c.watch(devices)
	return c
}

// watch replaces the device filter. Blank ids are ignored; an empty list
// watches every device.
func (c *feedClient) watch(devices []string) {
	var set map[string]struct{}
	for _, id := range devices {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(devices))
		}
		set[id] = struct{}{}
	}
	c.mu.Lock()
	c.devices = set
	c.mu.Unlock()
}

// watching returns the sorted device filter, nil when every device is watched.
func (c *feedClient) watching() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.devices))
}

func (c *feedClient) wants(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil {
		return true
	}
	_, ok := c.devices[id]
	return ok
}

// enqueue queues data without blocking. It reports false when the client
// has gone away or its buffer is full.
func (c *feedClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *feedClient) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *feedClient) reply(f feedFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// handle answers one client request.
func (c *feedClient) handle(data []byte) {
	var req feedFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(feedFrame{Type: frameError, Error: "invalid JSON message"})
		return
	}

	switch req.Type {
	case requestWatch:
		c.watch(req.Devices)
		c.reply(feedFrame{Type: frameWatching, ID: req.ID, Devices: c.watching()})
	case requestPing:
		c.reply(feedFrame{Type: framePong, ID: req.ID})
	default:
		c.reply(feedFrame{Type: frameError, ID: req.ID, Error: "unknown message type: " + req.Type})
	}
}

// readPump reads client requests until the connection fails.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	keepAlive := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(keepAlive)) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(keepAlive))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers that ignore protocol pings stay alive by sending anything.
		c.conn.SetReadDeadline(time.Now().Add(keepAlive)) //nolint:errcheck // read error surfaces on next read
		c.handle(message)
	}
}

// writePump writes queued frames and keep-alive pings until the client stops.
func (c *feedClient) writePump() {
	cfg := c.hub.cfg
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // connection is closing anyway
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // ping error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and attaches it to the telemetry
// feed. ?devices=1000a1,1000b2 limits the feed to those devices.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	devices := strings.Split(r.URL.Query().Get("devices"), ",")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newFeedClient(s.hub, conn, devices)
	s.hub.add(client)
	go client.writePump()
	go client.readPump()
}
