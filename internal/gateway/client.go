package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatgateway/internal/protocol"
)

// ConnState is the client connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
)

// maxReconnectDelay caps the exponential backoff.
const maxReconnectDelay = 30 * time.Second

// ClientConfig carries the outbound connection knobs.
type ClientConfig struct {
	Host                 string
	Port                 int
	Token                string // optional bearer token sent on dial
	Reconnect            bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // backoff base
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
}

// Client manages a single outbound gateway connection: dialing, heartbeat
// liveness, queuing while disconnected and exponential-backoff reconnects.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu                sync.Mutex
	ws                *websocket.Conn
	state             ConnState
	clientID          string
	closing           bool // set by Disconnect so the close is not retried
	reconnectAttempts int
	reconnectTimer    *time.Timer
	pongTimer         *time.Timer
	heartbeatStop     chan struct{}
	queue             []protocol.Frame

	onMessage func(protocol.Frame)
	onState   func(ConnState)
}

// NewClient creates a gateway client. It does not connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "client"),
		state:  ConnDisconnected,
	}
}

// OnMessage registers the inbound frame callback. The callback runs on the
// read goroutine and must not block.
func (c *Client) OnMessage(fn func(protocol.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the state transition callback.
func (c *Client) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect dials the gateway. It is a no-op when already connecting or
// connected. On failure the reconnect schedule takes over when enabled.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == ConnConnecting || c.state == ConnConnected {
		c.mu.Unlock()
		c.logger.Warn("already connecting or connected")
		return nil
	}
	c.closing = false
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	url := fmt.Sprintf("ws://%s:%d%s", c.cfg.Host, c.cfg.Port, protocol.EndpointPath)
	var header http.Header
	if c.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	c.logger.Info("connecting", "url", url)

	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(ConnError)
		if c.cfg.Reconnect && c.reconnectAttempts < c.cfg.MaxReconnectAttempts {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.reconnectAttempts = 0
	c.heartbeatStop = make(chan struct{})
	c.setStateLocked(ConnConnected)
	queued := c.queue
	c.queue = nil
	stop := c.heartbeatStop
	c.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()
		return nil
	})

	go c.readLoop(ws)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ws, stop)
	}

	c.logger.Info("connection established")

	// Flush messages queued while disconnected, in submission order.
	for _, frame := range queued {
		c.Send(frame)
	}
	return nil
}

// Disconnect performs a clean close. It cancels pending reconnects and
// heartbeats and never triggers auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.reconnectAttempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	ws := c.ws
	c.ws = nil
	c.setStateLocked(ConnDisconnected)
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "client disconnecting")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.logger.Info("disconnected")
}

// Send transmits a frame when connected. While disconnected the frame is
// queued and false is returned; the queue flushes on the next open.
func (c *Client) Send(frame protocol.Frame) bool {
	c.mu.Lock()
	if c.state != ConnConnected || c.ws == nil {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	data, err := protocol.Encode(frame)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to encode frame", "error", err)
		return false
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		c.logger.Error("failed to send frame", "error", err)
		return false
	}
	c.mu.Unlock()
	return true
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id announced by the server, or "" before admission.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnConnected && c.ws != nil
}

// QueuedMessages returns how many frames wait for the next open.
func (c *Client) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Error("failed to parse frame", "error", err)
			continue
		}

		switch frame.Type() {
		case protocol.TypeConnectionAccepted:
			c.mu.Lock()
			c.clientID = frame.String("clientId")
			c.mu.Unlock()
			c.logger.Info("admitted by gateway", "client_id", frame.String("clientId"))
			continue
		case protocol.TypeError:
			c.logger.Warn("server error frame", "code", frame.String("code"), "message", frame.String("message"))
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	}
}

func (c *Client) heartbeatLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
			c.mu.Lock()
			if c.pongTimer == nil {
				// No liveness response in time means the transport is
				// silently dead; terminate it so the reconnect path runs.
				c.pongTimer = time.AfterFunc(c.cfg.HeartbeatTimeout, func() {
					c.logger.Warn("heartbeat timeout, terminating connection")
					_ = ws.Close()
				})
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A Disconnect already tore this transport down.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.stopHeartbeatLocked()
	clean := c.closing
	c.setStateLocked(ConnDisconnected)
	shouldReconnect := !clean && c.cfg.Reconnect && c.reconnectAttempts < c.cfg.MaxReconnectAttempts
	if shouldReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = ws.Close()
	if !clean {
		c.logger.Info("connection lost", "error", err)
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// scheduleReconnectLocked arms the single pending reconnect timer. The
// caller holds the mutex.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.reconnectAttempts++
	delay := reconnectDelay(c.cfg.ReconnectDelay, c.reconnectAttempts)
	c.setStateLocked(ConnReconnecting)
	c.logger.Info("scheduling reconnect", "attempt", c.reconnectAttempts, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		if err := c.Connect(); err != nil {
			c.logger.Error("reconnect failed", "error", err)
		}
	})
}

// reconnectDelay computes min(base * 2^(attempt-1), cap).
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

// setStateLocked records a transition and fires the callback. The caller
// holds the mutex; the callback runs on a fresh goroutine so it may call
// back into the client.
func (c *Client) setStateLocked(st ConnState) {
	if c.state == st {
		return
	}
	c.state = st
	if c.onState != nil {
		fn := c.onState
		go fn(st)
	}
}
