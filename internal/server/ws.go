package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
)

const (
	// Time allowed to write one message to a subscriber
	writeWait = 5 * time.Second

	// Time allowed between pongs before a subscriber is dropped
	pongWait = 30 * time.Second

	// Ping period, must be less than pongWait
	pingPeriod = pongWait * 9 / 10

	// Status samples buffered per subscriber; slow readers lose samples
	clientQueueSize = 16
)

// StatusHub fans monitor status samples out to websocket subscribers
type StatusHub struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*statusClient]struct{}
	last    *capture.Status
	closed  bool
}

type statusClient struct {
	conn *websocket.Conn
	send chan capture.Status
}

// NewStatusHub creates an empty hub
func NewStatusHub(logger *slog.Logger, m *metrics.Metrics) *StatusHub {
	return &StatusHub{
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
		},
		clients: make(map[*statusClient]struct{}),
	}
}

// Publish queues status for every subscriber without blocking
func (h *StatusHub) Publish(status capture.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &status
	for c := range h.clients {
		select {
		case c.send <- status:
		default:
		}
	}
	if len(h.clients) > 0 {
		h.metrics.RecordStatusBroadcast()
	}
}

// Clients returns the number of connected subscribers
func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones
func (h *StatusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request and streams status samples as JSON. The
// latest sample, if any, is sent right away.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Warn("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	client := &statusClient{
		conn: conn,
		send: make(chan capture.Status, clientQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	if h.last != nil {
		client.send <- *h.last
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetStatusClients(count)
	h.logger.Info("Status subscriber connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("clients", count))

	go h.writeLoop(client)
	h.readLoop(client)

	h.mu.Lock()
	h.removeLocked(client)
	count = len(h.clients)
	h.mu.Unlock()

	h.metrics.SetStatusClients(count)
	h.logger.Info("Status subscriber disconnected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("clients", count))
}

// removeLocked unregisters c and stops its writer. Callers hold mu.
func (h *StatusHub) removeLocked(c *statusClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// readLoop discards client messages and returns when the connection drops
func (h *StatusHub) readLoop(c *statusClient) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Status subscriber read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writeLoop sends queued samples and pings until the queue is closed
func (h *StatusHub) writeLoop(c *statusClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case status, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(status); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
