package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bazarchat/pkg/logger"
)

var ErrConnClosed = errors.New("connection closed")

type frameHandler func(ServerFrame)

// Conn is one physical duplex connection shared by every channel binding of
// one identity. Channels register a frame handler; the read pump routes
// inbound frames by channel name. The bearer token travels in the dial
// headers for every channel.
type Conn struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	open     bool
	closed   bool
	handlers map[string]map[uint64]frameHandler
	nextID   uint64

	writeMu sync.Mutex
}

func NewConn(endpoint, token string) *Conn {
	return &Conn{
		endpoint: endpoint,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string]map[uint64]frameHandler),
	}
}

// EnsureConnected dials if no transport is live. Concurrent callers share one
// dial; the loser of the race sees the winner's connection.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.open {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			logger.Warn("WebSocket dial to %s failed with status %d: %v", c.endpoint, resp.StatusCode, err)
		} else {
			logger.Warn("WebSocket dial to %s failed: %v", c.endpoint, err)
		}
		return err
	}

	c.ws = ws
	c.open = true
	go c.readPump(ws)

	logger.Debug("WebSocket connected to %s", c.endpoint)
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// WriteJSON sends one frame. Writes are serialized; gorilla connections do
// not support concurrent writers.
func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	open := c.open
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// Handle registers a frame handler for one channel and returns its
// registration id. Several bindings of one identity can listen on the same
// channel at once; inbound frames fan out to all of them. Handlers survive
// reconnects; bindings re-subscribe on the wire themselves.
func (c *Conn) Handle(channel string, h frameHandler) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	set, ok := c.handlers[channel]
	if !ok {
		set = make(map[uint64]frameHandler)
		c.handlers[channel] = set
	}
	set[c.nextID] = h
	return c.nextID
}

// Unhandle removes one registration and reports whether the channel is now
// unbound, so the last binding knows to unsubscribe on the wire.
func (c *Conn) Unhandle(channel string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.handlers[channel]
	if !ok {
		return true
	}
	delete(set, id)
	if len(set) > 0 {
		return false
	}
	delete(c.handlers, channel)
	return true
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.open = false
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ws.Close()
	}
	return nil
}

func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		var frame ServerFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read error: %v", err)
			}
			break
		}
		c.dispatch(frame)
	}

	c.mu.Lock()
	stale := c.ws != ws
	if !stale {
		c.open = false
		c.ws = nil
	}
	handlers := c.snapshotHandlersLocked()
	c.mu.Unlock()

	ws.Close()
	if stale {
		return
	}

	// Surface the loss to every binding so each can run its own retry.
	for channel, channelHandlers := range handlers {
		for _, handler := range channelHandlers {
			handler(ServerFrame{Type: frameConnectionLost, Channel: channel})
		}
	}
}

func (c *Conn) dispatch(frame ServerFrame) {
	if frame.Type == FrameWelcome {
		logger.Debug("WebSocket welcome received")
		return
	}

	c.mu.Lock()
	handlers := c.channelHandlersLocked(frame.Channel)
	c.mu.Unlock()

	if len(handlers) == 0 {
		logger.Debug("WebSocket frame for unbound channel %q dropped", frame.Channel)
		return
	}
	for _, handler := range handlers {
		handler(frame)
	}
}

func (c *Conn) channelHandlersLocked(channel string) []frameHandler {
	set := c.handlers[channel]
	handlers := make([]frameHandler, 0, len(set))
	for _, handler := range set {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (c *Conn) snapshotHandlersLocked() map[string][]frameHandler {
	handlers := make(map[string][]frameHandler, len(c.handlers))
	for channel := range c.handlers {
		handlers[channel] = c.channelHandlersLocked(channel)
	}
	return handlers
}
