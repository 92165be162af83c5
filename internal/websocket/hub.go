// Package websocket pushes live alerts to browser dashboards.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/types"
)

var connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "netsentry_websocket_clients",
	Help: "Connected live alert subscribers",
})

func init() {
	prometheus.MustRegister(connectedClients)
}

// Message types.
const (
	MessageTypeLiveAlert = "live_alert"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Message is the envelope written to every client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub tracks connected clients and broadcasts alerts to them. It
// implements sink.Sink.
type Hub struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			// dashboards are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Name returns "websocket".
func (h *Hub) Name() string { return "websocket" }

// Submit broadcasts the alert as a live_alert message without blocking.
func (h *Hub) Submit(_ context.Context, alert *types.Alert) error {
	select {
	case h.broadcast <- Message{Type: MessageTypeLiveAlert, Data: alert}:
		return nil
	default:
		return fmt.Errorf("websocket broadcast: %w", sink.ErrQueueFull)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run serves register, unregister and broadcast requests until ctx is done,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAll()
			h.log.WithField("clients_closed", n).Info("Websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			connectedClients.Set(float64(n))
			h.log.WithFields(logrus.Fields{
				"client_id":     c.id,
				"remote":        c.conn.RemoteAddr().String(),
				"total_clients": n,
			}).Info("Websocket client connected")

		case c := <-h.unregister:
			h.remove(c)
			h.log.WithFields(logrus.Fields{
				"client_id":     c.id,
				"total_clients": h.ClientCount(),
			}).Info("Websocket client disconnected")

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	connectedClients.Set(float64(n))
}

// broadcastToClients delivers in client ID order; clients that cannot keep
// up are dropped.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var slow []*Client
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	connectedClients.Set(float64(n))
	for _, c := range slow {
		h.log.WithField("client_id", c.id).Warn("Websocket client too slow, disconnecting")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	connectedClients.Set(0)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.start()
}
