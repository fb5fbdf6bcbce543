// Package gateway implements the websocket messaging gateway: the server
// with its connection table and frame pipeline, the message router with the
// built-in handlers, and the symmetric reconnecting client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"chatgateway/internal/auth"
	"chatgateway/internal/protocol"
	"chatgateway/internal/session"
)

// State is the lifecycle state of the server.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ErrAlreadyRunning is returned by Start when the server is not stopped.
var ErrAlreadyRunning = errors.New("server already running or starting")

// Announcer is the optional peer-discovery collaborator, started after the
// listener binds and stopped first during shutdown.
type Announcer interface {
	Start() error
	Stop()
}

// ServerConfig carries every knob of the listening side.
type ServerConfig struct {
	Host              string
	Port              int
	MaxConnections    int
	MaxMessageSize    int64
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

// Server owns the listening socket and the live-connection table. Session
// and auth state live in the injected managers; the server only references
// them by id.
type Server struct {
	cfg       ServerConfig
	logger    *slog.Logger
	sessions  *session.Manager
	auth      *auth.Manager
	router    *Router
	discovery Announcer // may be nil
	stats     *Stats

	mu       sync.RWMutex
	state    State
	conns    map[string]*conn
	listener net.Listener
	httpSrv  *http.Server
	watchdog *time.Timer

	upgrader websocket.Upgrader
}

// NewServer wires a gateway server from its collaborators. The discovery
// announcer may be nil.
func NewServer(cfg ServerConfig, sessions *session.Manager, authMgr *auth.Manager, router *Router, disc Announcer, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = protocol.MaxMessageSize
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		sessions:  sessions,
		auth:      authMgr,
		router:    router,
		discovery: disc,
		stats:     newStats(),
		state:     StateStopped,
		conns:     make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// Start binds the listening socket and begins accepting connections. A bind
// failure is fatal and propagated; every later fault is handled per message.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting gateway server", "addr", addr)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateError)
		s.stats.recordError()
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.EndpointPath, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
	}).Handler(mux)

	srv := &http.Server{Handler: handler}
	s.mu.Lock()
	s.listener = listener
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.stats.recordError()
			s.logger.Error("http serve failed", "error", err)
			s.setState(StateError)
		}
	}()

	if s.discovery != nil {
		if err := s.discovery.Start(); err != nil {
			s.logger.Warn("discovery failed to start, continuing without it", "error", err)
		}
	}

	s.setState(StateRunning)
	s.logger.Info("gateway server started", "addr", listener.Addr().String())
	return nil
}

// Stop closes every connection with a going-away code and shuts the
// listener down. A watchdog forces abrupt termination when graceful close
// does not finish within the configured timeout.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	if s.cfg.ShutdownTimeout > 0 {
		s.watchdog = time.AfterFunc(s.cfg.ShutdownTimeout, s.forceClose)
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("stopping gateway server")

	if s.discovery != nil {
		s.discovery.Stop()
	}

	for _, c := range conns {
		c.close(protocol.CloseShutdown, "server shutting down")
	}

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		ctx := context.Background()
		if s.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
	}

	// Reap whatever the read pumps have not dropped yet.
	for _, c := range conns {
		s.dropConnection(c)
	}

	s.mu.Lock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.conns = make(map[string]*conn)
	s.listener = nil
	s.httpSrv = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("gateway server stopped")
}

func (s *Server) forceClose() {
	s.logger.Warn("shutdown timeout reached, terminating connections")
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.terminate()
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Addr returns the bound listener address, useful when Port was 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Connections returns the ids of all live connections.
func (s *Server) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// Snapshot returns the current statistics.
func (s *Server) Snapshot() Snapshot {
	return Snapshot{
		State:             s.State(),
		UptimeMillis:      time.Since(s.stats.startTime).Milliseconds(),
		TotalConnections:  s.stats.totalConnections.Load(),
		ActiveConnections: s.stats.activeConnections.Load(),
		MessagesReceived:  s.stats.messagesReceived.Load(),
		MessagesSent:      s.stats.messagesSent.Load(),
		BytesReceived:     s.stats.bytesReceived.Load(),
		BytesSent:         s.stats.bytesSent.Load(),
		Errors:            s.stats.errors.Load(),
		Sessions:          s.sessions.Count(),
		ActiveSessions:    s.sessions.ActiveCount(),
		StartTime:         s.stats.startTime.UnixMilli(),
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.stats.recordError()
		slog.Error("upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.logger.Warn("connection limit reached, rejecting", "connection_id", connID)
		msg := websocket.FormatCloseMessage(protocol.CloseCapacity, "max connections reached")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	c := newConn(connID, ws, s)
	s.conns[connID] = c
	s.mu.Unlock()

	s.stats.totalConnections.Add(1)
	s.stats.activeConnections.Add(1)
	s.logger.Info("connection accepted", "connection_id", connID, "remote", r.RemoteAddr)

	s.sessions.Create(connID, "")

	go c.writePump()
	go c.readPump()

	s.Send(connID, protocol.NewConnectionAccepted(connID))
}

// dropConnection unregisters a closed connection and its session.
func (s *Server) dropConnection(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	if ok {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	c.terminate()
	s.stats.activeConnections.Add(-1)
	s.sessions.RemoveByConnectionID(c.id)
	s.logger.Info("connection closed", "connection_id", c.id)
}

// handleFrame runs the inbound pipeline for one raw payload. A bad message
// is answered with an error frame and never tears the connection down.
func (s *Server) handleFrame(c *conn, data []byte) {
	s.stats.recordReceived(len(data))

	frame, err := protocol.Decode(data)
	if err != nil {
		s.stats.recordError()
		s.Send(c.id, protocol.NewError(protocol.CodeInvalidMessage, "malformed frame"))
		return
	}

	if fieldErrs := protocol.Validate(frame); len(fieldErrs) > 0 {
		s.stats.recordError()
		s.Send(c.id, protocol.NewError(protocol.CodeValidationFailed, protocol.JoinFieldErrors(fieldErrs)))
		return
	}

	if requiresAuth(frame.Type()) {
		sess := s.sessions.GetByConnectionID(c.id)
		if sess == nil || !sess.Authenticated {
			s.Send(c.id, protocol.NewError(protocol.CodeUnauthorized, "authentication required"))
			return
		}
	}

	ctx := &Context{
		ConnectionID: c.id,
		Sessions:     s.sessions,
		Auth:         s.auth,
		server:       s,
	}

	defer func() {
		if r := recover(); r != nil {
			s.stats.recordError()
			s.logger.Error("handler panic", "connection_id", c.id, "type", frame.Type(), "panic", r)
			s.Send(c.id, protocol.NewError(protocol.CodeInternalError, "failed to process message"))
		}
	}()
	s.router.Handle(frame, ctx)
}

// requiresAuth reports whether a frame type is outside the fixed allow-list
// of pre-authentication messages.
func requiresAuth(frameType string) bool {
	switch frameType {
	case protocol.TypePing, protocol.TypeAuthLogin, protocol.TypeAuthRegister:
		return false
	}
	return true
}

// Send delivers a frame to one connection. It is a no-op when the
// connection is not open.
func (s *Server) Send(connectionID string, frame protocol.Frame) bool {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		s.stats.recordError()
		s.logger.Error("failed to encode frame", "error", err)
		return false
	}
	return c.enqueue(data)
}

// Broadcast fans a frame out to every open connection except the excluded
// one. Pass "" to reach everyone.
func (s *Server) Broadcast(frame protocol.Frame, excludeConnectionID string) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.stats.recordError()
		s.logger.Error("failed to encode frame", "error", err)
		return
	}
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id != excludeConnectionID {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(data)
	}
}

// SendToUser delivers a frame to every connection of the user's sessions.
func (s *Server) SendToUser(userID string, frame protocol.Frame) int {
	sent := 0
	for _, sess := range s.sessions.GetByUserID(userID) {
		for connID := range sess.ConnectionIDs {
			if s.Send(connID, frame) {
				sent++
			}
		}
	}
	return sent
}

// Kick closes a connection with the administrative close code.
func (s *Server) Kick(connectionID, reason string) bool {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	s.logger.Info("kicking connection", "connection_id", connectionID, "reason", reason)
	c.close(protocol.CloseKicked, reason)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      s.State(),
		"uptime":      time.Since(s.stats.startTime).Milliseconds(),
		"connections": s.stats.activeConnections.Load(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write json response", "error", err)
	}
}
