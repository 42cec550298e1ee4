// Package websocket serves the live event feed to dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"listing-bot/internal/database"
	"listing-bot/internal/events"
	"listing-bot/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
	recentRuns = 10
)

// Message is one frame sent to clients.
type Message struct {
	Type  string         `json:"type"`
	Event *events.Event  `json:"event,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Manager tracks connected clients and fans events out to them. It is an
// events.Publisher; a client too slow to keep up misses events rather than
// blocking the publisher.
type Manager struct {
	db       *database.DB
	log      logger.Logger
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// New creates a manager whose connect snapshot reads from db.
func New(db *database.DB, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		db:  db,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("WebSocket upgrade failed", logger.Error(err))
		return
	}
	m.AddClient(r.Context(), conn)
}

// AddClient registers conn, sends it the current state and serves it until
// it disconnects.
func (m *Manager) AddClient(ctx context.Context, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if snap, err := m.snapshot(ctx); err != nil {
		m.log.Warn("Failed to build WebSocket snapshot", logger.Error(err))
	} else {
		c.send <- snap
	}

	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.clientsMu.Unlock()
	m.log.Info("WebSocket client connected", logger.Int("clients", total))

	go m.writeLoop(c)
	go m.readLoop(c)
}

func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	stats, err := m.db.JobStats(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := m.db.ListRuns(ctx, database.RunFilter{Limit: recentRuns})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: "snapshot", State: map[string]any{"jobs": stats, "runs": runs}})
}

// readLoop drains client frames until the connection drops.
func (m *Manager) readLoop(c *client) {
	defer m.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Manager) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.log.Debug("WebSocket write failed", logger.Error(err))
			_ = c.conn.Close()
			return
		}
	}
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
	total := len(m.clients)
	m.clientsMu.Unlock()

	_ = c.conn.Close()
	m.log.Info("WebSocket client disconnected", logger.Int("clients", total))
}

// Publish sends e to every connected client.
func (m *Manager) Publish(e events.Event) {
	msg, err := json.Marshal(Message{Type: "event", Event: &e})
	if err != nil {
		m.log.Error("Failed to encode event", logger.String("type", e.Type), logger.Error(err))
		return
	}

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			m.log.Warn("Dropping event for slow WebSocket client", logger.String("type", e.Type))
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.clientsMu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// Fanout publishes to several publishers.
type Fanout []events.Publisher

// Publish forwards e to each publisher in order.
func (f Fanout) Publish(e events.Event) {
	for _, p := range f {
		p.Publish(e)
	}
}
