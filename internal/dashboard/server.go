// Package dashboard serves a live view of the sync daemon.
//
// Connected WebSocket clients receive every finished sync cycle and the
// refreshed cache statistics. A small JSON API exposes the daemon status
// and accepts manual sync requests.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tarun080/parkingfinder/internal/daemon"
	"github.com/tarun080/parkingfinder/internal/hub"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeCycle carries a finished sync cycle
	MessageTypeCycle MessageType = "sync_cycle"

	// MessageTypeStats carries the daemon status
	MessageTypeStats MessageType = "stats"

	// MessageTypeSyncRequested acknowledges a manual sync request
	MessageTypeSyncRequested MessageType = "sync_requested"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Controller is the daemon surface the dashboard uses.
type Controller interface {
	Status(ctx context.Context) (daemon.Status, error)
	RequestSync() error
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8091)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8091",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server serves the dashboard page, its API and the live feed.
type Server struct {
	addr     string
	ctl      Controller
	hub      *hub.Hub
	router   chi.Router
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer creates a dashboard server for ctl.
func NewServer(ctl Controller, config *Config) (*Server, error) {
	if ctl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	s := &Server{
		addr:   config.Addr,
		ctl:    ctl,
		logger: config.Logger,
	}
	s.hub = hub.New(hub.Config{
		Welcome: s.statsMessage,
		Logger:  config.Logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.hub.ServeHTTP)
	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/sync", s.handleSync)
	r.Get("/", s.handleRoot)
	s.router = r

	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes client connections and shuts the server down.
func (s *Server) Stop() error {
	s.hub.Close()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int { return s.hub.ClientCount() }

// Broadcast sends msg to every feed client.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}
	s.hub.Publish(data)
}

// CycleFinished implements syncengine.EventSink: the cycle and the new
// statistics are pushed to every client.
func (s *Server) CycleFinished(ev syncengine.CycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("Failed to marshal cycle: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeCycle, Data: data})
	if stats := s.statsMessage(); stats != nil {
		s.hub.Publish(stats)
	}
}

func (s *Server) statsMessage() []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := s.ctl.Status(ctx)
	if err != nil {
		s.logger.Printf("WARNING: failed to read status: %v", err)
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	msg, err := json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
	if err != nil {
		return nil
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.RequestSync()
	switch {
	case errors.Is(err, daemon.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		s.Broadcast(Message{Type: MessageTypeSyncRequested})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Parkingsync Dashboard</title>
</head>
<body>
    <h1>Parkingsync Dashboard</h1>
    <p>Live feed: <code>ws://%[1]s/ws</code></p>
    <p>Status: <a href="/api/status">/api/status</a></p>
    <form method="post" action="/api/sync"><button>Sync now</button></form>
    <pre id="log"></pre>
    <script>
    const ws = new WebSocket("ws://%[1]s/ws");
    ws.onmessage = (e) => {
        const el = document.getElementById("log");
        el.textContent = e.data + "\n" + el.textContent;
    };
    </script>
</body>
</html>`, r.Host)
}
