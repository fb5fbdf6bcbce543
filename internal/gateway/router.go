package gateway

import (
	"fmt"
	"log/slog"
	"sync"

	"chatgateway/internal/auth"
	"chatgateway/internal/protocol"
	"chatgateway/internal/session"
)

// Context bundles everything a handler needs for one inbound frame.
type Context struct {
	ConnectionID string
	Sessions     *session.Manager
	Auth         *auth.Manager
	server       *Server
}

// Send writes a frame back to the originating connection.
func (ctx *Context) Send(frame protocol.Frame) bool {
	return ctx.server.Send(ctx.ConnectionID, frame)
}

// SendError writes an error frame back to the originating connection.
func (ctx *Context) SendError(code, message string) {
	ctx.server.Send(ctx.ConnectionID, protocol.NewError(code, message))
}

// Broadcast fans a frame out to every other connection.
func (ctx *Context) Broadcast(frame protocol.Frame) {
	ctx.server.Broadcast(frame, ctx.ConnectionID)
}

// SendToUser delivers a frame to every connection of the given user.
func (ctx *Context) SendToUser(userID string, frame protocol.Frame) int {
	return ctx.server.SendToUser(userID, frame)
}

// HandlerFunc processes one frame. A returned error is answered with a
// HANDLER_ERROR frame; handlers that want a specific error code send it
// themselves and return nil.
type HandlerFunc func(frame protocol.Frame, ctx *Context) error

// Router maps frame types to handlers. The last registration for a type
// wins; there is no handler chaining.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates a router with the built-in handlers registered.
func NewRouter(logger *slog.Logger) *Router {
	r := &Router{
		logger:   logger.With("component", "router"),
		handlers: make(map[string]HandlerFunc),
	}
	r.registerDefaults()
	return r
}

// Register installs a handler for a frame type, replacing any previous one.
func (r *Router) Register(frameType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[frameType] = h
	r.logger.Debug("registered handler", "type", frameType)
}

// Unregister removes the handler for a frame type.
func (r *Router) Unregister(frameType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, frameType)
	r.logger.Debug("unregistered handler", "type", frameType)
}

// Handle dispatches one frame. Unknown types and handler failures are
// answered on the originating connection; neither closes it.
func (r *Router) Handle(frame protocol.Frame, ctx *Context) {
	r.mu.RLock()
	h := r.handlers[frame.Type()]
	r.mu.RUnlock()

	if h == nil {
		r.logger.Warn("no handler for frame type", "type", frame.Type())
		ctx.SendError(protocol.CodeUnknownType, fmt.Sprintf("unknown message type: %s", frame.Type()))
		return
	}
	if err := h(frame, ctx); err != nil {
		r.logger.Error("handler failed", "type", frame.Type(), "error", err)
		ctx.SendError(protocol.CodeHandlerError, "failed to process message")
	}
}

func (r *Router) registerDefaults() {
	r.handlers[protocol.TypePing] = handlePing
	r.handlers[protocol.TypeAuthLogin] = handleLogin
	r.handlers[protocol.TypeAuthRegister] = handleRegister
	r.handlers[protocol.TypeAuthLogout] = handleLogout
	r.handlers[protocol.TypeChatMessage] = handleChatMessage
	r.handlers[protocol.TypeSessionInfo] = handleSessionInfo
	r.handlers[protocol.TypeSystemStats] = handleSystemStats
}

func handlePing(frame protocol.Frame, ctx *Context) error {
	ctx.Sessions.UpdateActivity(ctx.ConnectionID)
	ctx.Send(protocol.NewPong(frame))
	return nil
}

func handleLogin(frame protocol.Frame, ctx *Context) error {
	tok, err := ctx.Auth.Login(frame.String("username"), frame.String("password"))
	if err != nil {
		ctx.SendError(protocol.CodeAuthFailed, err.Error())
		return nil
	}

	// Bind the connection's session to the logged-in user.
	if sess := ctx.Sessions.GetByConnectionID(ctx.ConnectionID); sess != nil {
		ctx.Sessions.Authenticate(sess.ID, tok.UserID)
	}

	ctx.Send(protocol.Frame{
		"type":      protocol.TypeAuthSuccess,
		"userId":    tok.UserID,
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt.UnixMilli(),
		"timestamp": protocol.Now(),
	})
	return nil
}

func handleRegister(frame protocol.Frame, ctx *Context) error {
	userID, err := ctx.Auth.Register(frame.String("username"), frame.String("password"))
	if err != nil {
		ctx.SendError(protocol.CodeRegistrationFailed, err.Error())
		return nil
	}
	ctx.Send(protocol.Frame{
		"type":      protocol.TypeAuthRegistered,
		"userId":    userID,
		"timestamp": protocol.Now(),
	})
	return nil
}

func handleLogout(_ protocol.Frame, ctx *Context) error {
	if sess := ctx.Sessions.GetByConnectionID(ctx.ConnectionID); sess != nil && sess.UserID != "" {
		ctx.Auth.LogoutAll(sess.UserID)
	}
	ctx.Send(protocol.Frame{
		"type":      protocol.TypeAuthLoggedOut,
		"timestamp": protocol.Now(),
	})
	return nil
}

func handleChatMessage(frame protocol.Frame, ctx *Context) error {
	sess := ctx.Sessions.GetByConnectionID(ctx.ConnectionID)
	if sess == nil || !sess.Authenticated {
		ctx.SendError(protocol.CodeUnauthorized, "authentication required")
		return nil
	}

	ctx.Send(protocol.Frame{
		"type":      protocol.TypeChatAck,
		"messageId": frame.String("id"),
		"timestamp": protocol.Now(),
	})

	// Content fan-out and persistence belong to the chat service; the
	// gateway only relays to the receiver's live connections.
	if receiverID := frame.String("receiverId"); receiverID != "" {
		relay := protocol.Frame{
			"type":      protocol.TypeChatMessage,
			"id":        frame.String("id"),
			"content":   frame.String("content"),
			"senderId":  sess.UserID,
			"timestamp": protocol.Now(),
		}
		ctx.SendToUser(receiverID, relay)
	}
	return nil
}

func handleSessionInfo(_ protocol.Frame, ctx *Context) error {
	sess := ctx.Sessions.GetByConnectionID(ctx.ConnectionID)
	if sess == nil {
		ctx.SendError(protocol.CodeSessionNotFound, "session not found")
		return nil
	}
	ctx.Send(protocol.Frame{
		"type": protocol.TypeSessionInfo,
		"session": map[string]any{
			"id":            sess.ID,
			"authenticated": sess.Authenticated,
			"userId":        sess.UserID,
			"createdAt":     sess.CreatedAt.UnixMilli(),
			"lastActivity":  sess.LastActivity.UnixMilli(),
		},
		"timestamp": protocol.Now(),
	})
	return nil
}

func handleSystemStats(_ protocol.Frame, ctx *Context) error {
	sess := ctx.Sessions.GetByConnectionID(ctx.ConnectionID)
	if sess == nil || !sess.Authenticated {
		ctx.SendError(protocol.CodeUnauthorized, "authentication required")
		return nil
	}
	if !ctx.Auth.HasPermission(sess.UserID, "system.stats") {
		ctx.SendError(protocol.CodeForbidden, "insufficient permissions")
		return nil
	}
	ctx.Send(protocol.Frame{
		"type": protocol.TypeSystemStats,
		"stats": map[string]any{
			"sessions":       ctx.Sessions.Count(),
			"activeSessions": ctx.Sessions.ActiveCount(),
			"timestamp":      protocol.Now(),
		},
	})
	return nil
}
