// Package ws implements the real-time gateway: upgrading HTTP connections
// to WebSocket, resolving connection identities, maintaining ephemeral
// channel-room membership, and dispatching inbound events to the
// application handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/inkwell/chat/internal/auth"
	"github.com/inkwell/chat/internal/metrics"
	"github.com/inkwell/chat/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent message-handler goroutines
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket gateway built on gobwas/ws. Each accepted
// connection gets a read pump goroutine; parsed events are handed to a
// bounded worker pool so a flood of inbound traffic cannot spawn unbounded
// handler goroutines. Events from one connection carry no ordering
// guarantee relative to each other once they enter the pool.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	hub          *Hub
	authStore    *auth.Store
	workerPool   chan struct{}                       // semaphore limiting concurrent handlers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, hub, auth store,
// and message callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, hub *Hub, authStore *auth.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		hub:        hub,
		authStore:  authStore,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader. The token query parameter, when
// present, is resolved to a user identity; connections without a valid
// token are admitted as guests.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	var user *auth.User
	if s.authStore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		resolved, err := s.authStore.Resolve(ctx, token)
		cancel()
		if err != nil {
			// Treat an auth backend outage like a bad token: the client
			// still gets read-only access.
			log.Printf("ws: token resolve failed: %v", err)
		} else {
			user = resolved
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		User:      user,
		Conn:      conn,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	welcome := protocol.WelcomeMsg{Guest: c.Guest()}
	if user != nil {
		welcome.UserID = user.ID
	}
	if data, err := protocol.NewServerMessage(protocol.TypeWelcome, welcome); err != nil {
		log.Printf("ws: failed to build welcome for conn %s: %v", c.ID, err)
	} else if err := c.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send welcome for conn %s: %v", c.ID, err)
	}

	go s.readPump(c)

	log.Printf("ws: new connection conn=%s guest=%v (total=%d)", c.ID, c.Guest(), s.conns.Count())
}

// readPump reads frames from one connection until it errors or closes.
// Control frames are handled inline; data frames are dispatched through the
// bounded worker pool. The pump blocks without a read deadline — dead
// connections are detected and closed by the heartbeat, which unblocks the
// pending read with an error.
func (s *Server) readPump(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.LastPing = time.Now()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.WritePong(); err != nil {
					return
				}
			}
			// Pong: nothing else to do.
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage == nil {
			continue
		}

		// Acquire a worker slot (blocks if pool is full), creating
		// backpressure on this connection's reads.
		s.workerPool <- struct{}{}
		go func(payload []byte) {
			defer func() { <-s.workerPool }()
			s.onMessage(c, payload)
		}(data)
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime, for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close), after its room
// memberships have been dropped.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the manager, drops its room
// memberships, and closes the underlying network connection. It is exported
// so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hub != nil {
		s.hub.LeaveAll(c)
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Hub returns the room membership hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown performs a graceful shutdown of the server: it stops the HTTP
// listener, signals the heartbeat to exit, and closes all active
// connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		if s.hub != nil {
			s.hub.LeaveAll(c)
		}
		c.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.ListenAddr
}
