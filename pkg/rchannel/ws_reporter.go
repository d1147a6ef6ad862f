package rchannel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/pdes/pkg/log"
	"github.com/rs/zerolog"
)

const wsWriteDeadline = time.Second

// speedMessage is the JSON payload pushed to every connected dashboard
// client on each report.
type speedMessage struct {
	Speed      float64 `json:"speed"`
	Clock      float64 `json:"clock"`
	EpochCount int     `json:"epochCount"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient serializes writes to one websocket connection; the gorilla
// library permits only one writer at a time per connection.
type wsClient struct {
	conn     *websocket.Conn
	writeSem chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, writeSem: make(chan struct{}, 1)}
}

func (c *wsClient) send(msg speedMessage) error {
	c.writeSem <- struct{}{}
	defer func() { <-c.writeSem }()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// WebSocketReporter broadcasts execution-speed measurements to any number
// of connected dashboard clients over websocket, for live monitoring of a
// running simulation rather than a single HRM domain controller
// connection (that's TCPReporter's job).
type WebSocketReporter struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  zerolog.Logger
}

// NewWebSocketReporter returns a reporter with no clients connected yet.
func NewWebSocketReporter() *WebSocketReporter {
	return &WebSocketReporter{
		clients: make(map[*wsClient]struct{}),
		logger:  log.WithComponent("rchannel"),
	}
}

// Handler upgrades incoming HTTP requests to websocket connections and
// registers them to receive future ReportSpeed broadcasts.
func (w *WebSocketReporter) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := newWSClient(conn)
		w.mu.Lock()
		w.clients[client] = struct{}{}
		w.mu.Unlock()

		go w.drainUntilClosed(client)
	}
}

// drainUntilClosed reads (and discards) incoming frames purely to detect
// disconnects, since this reporter only ever pushes updates.
func (w *WebSocketReporter) drainUntilClosed(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			w.mu.Lock()
			delete(w.clients, client)
			w.mu.Unlock()
			client.conn.Close()
			return
		}
	}
}

func (w *WebSocketReporter) ReportSpeed(speed, clock float64, epochCount int) error {
	msg := speedMessage{Speed: speed, Clock: clock, EpochCount: epochCount}

	w.mu.Lock()
	clients := make([]*wsClient, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			w.mu.Lock()
			delete(w.clients, c)
			w.mu.Unlock()
			c.conn.Close()
		}
	}
	return nil
}

func (w *WebSocketReporter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.clients {
		c.conn.Close()
		delete(w.clients, c)
	}
	return nil
}
