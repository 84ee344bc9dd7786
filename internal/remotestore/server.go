package remotestore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tarun080/parkingfinder/internal/hub"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8090")
	Addr string

	// Token, when set, is required as a bearer token on API routes.
	Token string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8090",
		Logger: log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Server exposes a Store over HTTP and streams change notices to
// WebSocket subscribers.
type Server struct {
	store  *Store
	cfg    *Config
	feed   *hub.Hub
	router chi.Router

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewServer builds the HTTP API for store.
func NewServer(store *Store, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	s := &Server{
		store:  store,
		cfg:    cfg,
		feed:   hub.New(hub.Config{Logger: cfg.Logger}),
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(remote.PathHealth, s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get(remote.PathChangeWS, s.feed.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Get(remote.PathChanges, s.handleChanges)
			r.Get(remote.PathSpot+"{id}", s.handleGet)
			r.Post(remote.PathSpot+"{id}/push", s.handlePush)
		})
	})
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Remote store listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.feed.Close()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Subscribers returns the number of connected change feed clients.
func (s *Server) Subscribers() int {
	return s.feed.ClientCount()
}

// Notify publishes a change notice to feed subscribers.
func (s *Server) Notify(n remote.ChangeNotice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	s.feed.Publish(data)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.feed.ClientCount(),
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")
	if _, err := remote.DecodeCursor(cursor); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Error: err.Error()})
		return
	}

	page, err := s.store.Changes(r.Context(), cursor, limit)
	if err != nil {
		s.logger.Printf("Error fetching changes: %v", err)
		writeJSON(w, http.StatusInternalServerError, remote.ErrorResponse{Error: "database error"})
		return
	}
	if page.Spots == nil {
		page.Spots = []*spot.Spot{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sp, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, spot.ErrNotFound):
		writeJSON(w, http.StatusNotFound, remote.ErrorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Printf("Error loading spot: %v", err)
		writeJSON(w, http.StatusInternalServerError, remote.ErrorResponse{Error: "database error"})
	default:
		writeJSON(w, http.StatusOK, sp)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req remote.PushRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.PushResponse{Error: "invalid request body"})
		return
	}

	res := s.store.Push(r.Context(), id, req.Mutation, req.ExpectedVersion)
	switch res.Outcome {
	case remote.Accepted:
		s.Notify(remote.ChangeNotice{SpotID: id, Version: res.NewVersion})
		writeJSON(w, http.StatusOK, remote.PushResponse{Version: res.NewVersion})
	case remote.Conflict:
		writeJSON(w, http.StatusConflict, remote.PushResponse{Spot: res.Current})
	case remote.Rejected:
		writeJSON(w, http.StatusUnprocessableEntity, remote.PushResponse{Error: res.Reason})
	default:
		s.logger.Printf("Error applying push for %s: %v", id, res.Err)
		writeJSON(w, http.StatusServiceUnavailable, remote.PushResponse{Error: "temporarily unavailable"})
	}
}
