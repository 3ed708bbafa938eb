package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/ilnaes/quillsync/internal/auth"
	"github.com/ilnaes/quillsync/internal/broadcast"
	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/coordinator"
	"github.com/ilnaes/quillsync/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// editors are served from other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	coord *coordinator.Coordinator
	hub   *broadcast.Hub
	log   *slog.Logger

	maxMessageSize int64
	debug          bool

	clients map[string]*Client
	mu      sync.Mutex // protects clients
}

type Config struct {
	Coordinator    *coordinator.Coordinator
	Hub            *broadcast.Hub
	Log            *slog.Logger
	MaxMessageSize int64
	Debug          bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	size := cfg.MaxMessageSize
	if size <= 0 {
		size = 1e8
	}

	return &Server{
		coord:          cfg.Coordinator,
		hub:            cfg.Hub,
		log:            log,
		maxMessageSize: size,
		debug:          cfg.Debug,
		clients:        make(map[string]*Client),
	}
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := s.NewClient(ksuid.New().String(), conn)
	s.register(c)
	defer s.unregister(c)

	c.log.Info("connected", "remote", r.RemoteAddr)
	go c.writePump()
	c.interact()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.hub.Register(c.id, c)
	metrics.Connections.Inc()
}

func (s *Server) unregister(c *Client) {
	c.close()
	s.coord.Disconnect(c.id)
	s.hub.Unregister(c.id)
	c.wg.Wait()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	metrics.Connections.Dec()
	c.log.Info("disconnected")
}

// CloseAll drops every open connection. Hijacked connections are not closed
// by http.Server.Shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Clients is the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

// serves a document's log over plain http, for inspection
func (s *Server) deltas(w http.ResponseWriter, r *http.Request) {
	docId := mux.Vars(r)["docid"]
	req := co.Request{
		Type:       co.GetInitialDocument,
		DocumentId: docId,
		Token:      bearer(r),
	}

	deltas, err := s.coord.ReadLog(r.Context(), req)
	if errors.Is(err, auth.ErrDenied) {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	} else if err != nil {
		s.log.Error("failed to read log", "doc", docId, "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, co.LogResponse(docId, deltas))
}
