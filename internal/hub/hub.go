// Package hub fans JSON messages out to connected WebSocket clients. It
// backs both the remote store's change feed and the device dashboard.
package hub

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WelcomeFunc builds the first message a new client receives. Returning
// nil sends nothing.
type WelcomeFunc func() []byte

// Config holds hub configuration
type Config struct {
	// Buffer is the broadcast queue size (default: 100)
	Buffer int

	// WriteTimeout bounds each client write (default: 5s)
	WriteTimeout time.Duration

	// Welcome is sent to each client on connect (optional)
	Welcome WelcomeFunc

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

// Hub manages WebSocket clients and broadcasts messages to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast    chan []byte
	welcome      WelcomeFunc
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a hub and starts its broadcast loop. Call Close to stop it.
func New(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan []byte, cfg.Buffer),
		welcome:      cfg.Welcome,
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       cfg.Logger,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Publish queues data for every connected client. It never blocks; when
// the queue is full the message is dropped.
func (h *Hub) Publish(data []byte) {
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Println("WARNING: broadcast queue full, dropping message")
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case data := <-h.broadcast:
			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Client connected (total: %d)", count)

	if h.welcome != nil {
		if data := h.welcome(); data != nil {
			ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	go h.readLoop(conn)
}

// readLoop drains client frames until the connection drops.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Client disconnected (total: %d)", count)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}
