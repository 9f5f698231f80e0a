package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/wsrelay/internal/logging"
	"github.com/Tyrowin/wsrelay/internal/metrics"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the subset of *websocket.Conn used by a Connection.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Frame is one WebSocket data message. Type is websocket.TextMessage or
// websocket.BinaryMessage and is preserved when relaying.
type Frame struct {
	Type int
	Data []byte
}

// TextFrame wraps data as a text message.
func TextFrame(data []byte) Frame {
	return Frame{Type: websocket.TextMessage, Data: data}
}

// ConnectionOptions holds the per-connection settings.
type ConnectionOptions struct {
	SendBufferSize    int
	MaxMessageSize    int64
	WriteTimeout      time.Duration
	PongTimeout       time.Duration // zero disables the read deadline
	KeepAliveInterval time.Duration
	RateLimitBurst    int // zero disables rate limiting
	RateLimitInterval time.Duration
	Clock             clockwork.Clock
}

// DefaultConnectionOptions returns the settings used when nothing is configured.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		SendBufferSize:    256,
		MaxMessageSize:    64 * 1024,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: DefaultKeepAliveInterval,
		RateLimitInterval: time.Second,
	}
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	def := DefaultConnectionOptions()
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = def.SendBufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = def.KeepAliveInterval
	}
	if o.RateLimitInterval <= 0 {
		o.RateLimitInterval = def.RateLimitInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// dispatcher receives the events produced by a connection's read pump.
type dispatcher interface {
	Broadcast(sender *Connection, frame Frame) error
	Unregister(c *Connection)
}

// Connection is one client's WebSocket session.
type Connection struct {
	id      string
	addr    string
	socket  Socket
	opts    ConnectionOptions
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	send    chan Frame
	closing chan struct{}

	closeOnce sync.Once
	keepAlive *keepAlive
	limiter   *rate.Limiter
}

// NewConnection wraps socket in a Connection in the Open state.
func NewConnection(socket Socket, addr string, opts ConnectionOptions, logger *slog.Logger, m *metrics.Metrics) *Connection {
	opts = opts.withDefaults()
	id := uuid.NewString()

	c := &Connection{
		id:      id,
		addr:    addr,
		socket:  socket,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logging.WithConnection(logger, id, addr),
		metrics: m,
		state:   StateOpen,
		send:    make(chan Frame, opts.SendBufferSize),
		closing: make(chan struct{}),
		limiter: newRateLimiter(opts.RateLimitBurst, opts.RateLimitInterval),
	}
	c.keepAlive = newKeepAlive(opts.Clock, opts.KeepAliveInterval, c.probe)
	return c
}

// ID returns the generated connection identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address reported at upgrade time.
func (c *Connection) RemoteAddr() string { return c.addr }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the connection is in the Open state.
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// Send queues frame for the write pump without blocking.
func (c *Connection) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping writes a ping control frame. Control frames may be written
// concurrently with the write pump.
func (c *Connection) Ping() error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	return c.socket.WriteControl(websocket.PingMessage, nil, c.clock.Now().Add(c.opts.WriteTimeout))
}

func (c *Connection) probe() {
	err := c.Ping()
	switch {
	case err == nil:
		c.metrics.KeepAliveProbes.WithLabelValues(metrics.ProbeSent).Inc()
		c.logger.Debug("Keep-alive ping sent")
	case errors.Is(err, ErrConnectionClosed):
		c.metrics.KeepAliveProbes.WithLabelValues(metrics.ProbeSkipped).Inc()
	default:
		c.metrics.KeepAliveProbes.WithLabelValues(metrics.ProbeFailed).Inc()
		c.logger.Warn("Keep-alive ping failed", "error", err)
	}
}

func (c *Connection) startKeepAlive() {
	c.keepAlive.start()
}

// beginClose moves an Open connection to Closing and tells the write pump to
// flush and send a close frame. It reports whether the state changed.
func (c *Connection) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return false
	}
	c.state = StateClosing
	close(c.closing)
	return true
}

// markClosed is the Closed entry action: it cancels the keep-alive and
// releases the socket. Only the Registry calls it, once per connection.
func (c *Connection) markClosed() {
	c.mu.Lock()
	if c.state == StateOpen {
		close(c.closing)
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.keepAlive.cancel()
	c.closeSocket()
}

func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		if err := c.socket.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error closing connection", "error", err)
		}
	})
}

// setupReadConnection applies the read limit and, when a pong timeout is
// configured, a read deadline extended by every pong.
func (c *Connection) setupReadConnection() {
	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	if c.opts.PongTimeout <= 0 {
		// Hijacked connections keep the HTTP server's read deadline.
		if err := c.socket.SetReadDeadline(time.Time{}); err != nil {
			c.logger.Debug("Error clearing read deadline", "error", err)
		}
		return
	}

	c.extendReadDeadline()
	c.socket.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *Connection) extendReadDeadline() {
	if c.opts.PongTimeout <= 0 {
		return
	}
	if err := c.socket.SetReadDeadline(c.clock.Now().Add(c.opts.PongTimeout)); err != nil {
		c.logger.Debug("Error setting read deadline", "error", err)
	}
}

// handleReadError logs err at a level matching how unexpected it is.
func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", "max_bytes", c.opts.MaxMessageSize)
	case isExpectedCloseError(err):
		c.logger.Info("Client disconnected", "reason", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Warn("Unexpected WebSocket close", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

func (c *Connection) allow() bool {
	if c.limiter == nil || c.limiter.AllowN(c.clock.Now(), 1) {
		return true
	}
	c.metrics.MessagesRateLimited.Inc()
	c.logger.Warn("Rate limit exceeded; discarding message",
		"burst", c.opts.RateLimitBurst, "interval", c.opts.RateLimitInterval)
	return false
}

// readPump forwards every inbound frame to d until the stream fails, then
// starts the close and asks d to deregister the connection.
func (c *Connection) readPump(d dispatcher) {
	defer func() {
		c.beginClose()
		d.Unregister(c)
	}()

	c.setupReadConnection()

	for {
		frameType, data, err := c.socket.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.extendReadDeadline()

		if !c.allow() {
			continue
		}

		c.metrics.MessagesReceived.Inc()
		if err := d.Broadcast(c, Frame{Type: frameType, Data: data}); err != nil {
			c.logger.Debug("Dropping message", "error", err)
			return
		}
	}
}

// writePump is the only writer of data frames. It exits after a write error
// or, once closing, after flushing queued frames and sending a close frame.
func (c *Connection) writePump() {
	defer c.closeSocket()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warn("Error writing message", "error", err)
				}
				c.beginClose()
				return
			}
		case <-c.closing:
			c.flush()
			c.writeClose()
			return
		}
	}
}

func (c *Connection) write(frame Frame) error {
	if err := c.socket.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.socket.WriteMessage(frame.Type, frame.Data)
}

func (c *Connection) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.socket.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(c.opts.WriteTimeout))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error writing close message", "error", err)
	}
}
