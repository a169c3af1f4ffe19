// Package debugsrv is a read-only ambient websocket surface on the
// relay, pushing periodic JSON snapshots of link-layer and device
// manager state to connected operator tools. It is not the spec's
// out-of-scope OLED UI -- it is a debug/observability surface in the
// same push-loop idiom as the teacher's internal/cloud/client.go
// websocket channel, repurposed from "push sensor data to the cloud"
// to "expose core state to a local operator."
package debugsrv

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SnapshotFunc produces the JSON-serializable payload pushed to every
// connected client on each tick of the push loop.
type SnapshotFunc func() any

// Server hosts one websocket endpoint that streams snapshots.
type Server struct {
	upgrader     websocket.Upgrader
	snapshot     SnapshotFunc
	pushInterval time.Duration

	httpServer *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// New constructs a debug server. snapshot is called once per push
// tick per connection; pushInterval is typically 1-5s.
func New(snapshot SnapshotFunc, pushInterval time.Duration) *Server {
	return &Server{
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		snapshot:     snapshot,
		pushInterval: pushInterval,
		conns:        make(map[string]*websocket.Conn),
	}
}

// Start listens on addr and serves /debug/ws in the background.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/ws", s.handleWS)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debugsrv: serve exited: %v", err)
		}
	}()
	log.Printf("debugsrv: listening on %s", addr)
	return nil
}

// Stop shuts down the HTTP server and closes all live connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.conns {
		c.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debugsrv: upgrade failed: %v", err)
		return
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.conns[sessionID] = conn
	s.mu.Unlock()
	log.Printf("debugsrv: session %s connected", sessionID)

	defer func() {
		s.mu.Lock()
		delete(s.conns, sessionID)
		s.mu.Unlock()
		conn.Close()
		log.Printf("debugsrv: session %s disconnected", sessionID)
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
	}
}
