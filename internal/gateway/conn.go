package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 256

// conn is one live websocket connection. Reads happen on the read pump
// goroutine, writes are funneled through the buffered send channel so only
// the write pump touches the socket for data frames.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

func newConn(id string, ws *websocket.Conn, server *Server) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		server: server,
	}
}

func (c *conn) readPump() {
	defer func() {
		c.server.dropConnection(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.server.sessions.UpdateActivity(c.id)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read error", "connection_id", c.id, "error", err)
			}
			return
		}
		c.server.handleFrame(c, data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.server.stats.recordSent(len(data))
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump. A client that cannot drain its
// buffer is closed rather than allowed to block the sender.
func (c *conn) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.close(websocket.ClosePolicyViolation, "send buffer overflow")
		return false
	}
}

// close sends a close frame with the given code and shuts the send channel,
// which ends the write pump. Safe to call more than once.
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// terminate abruptly drops the transport without a close handshake.
func (c *conn) terminate() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.ws.Close()
}
