package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type inbound struct {
	sender *Connection
	frame  Frame
}

// Hub serialises connection events onto one goroutine. Registration,
// deregistration and broadcasts are handled to completion in arrival order.
type Hub struct {
	registry *Registry
	relay    *Relay
	logger   *slog.Logger

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan inbound

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub dispatching to registry and relay. Call Run to start it.
func NewHub(registry *Registry, relay *Relay, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		relay:      relay,
		logger:     logger,
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan inbound, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Mode returns the relay's recipient mode.
func (h *Hub) Mode() RecipientMode {
	return h.relay.Mode()
}

// Register hands c to the event loop, which registers it and starts its pumps.
func (h *Hub) Register(c *Connection) error {
	if h.ctx.Err() != nil {
		return ErrHubStopped
	}
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Unregister asks the event loop to deregister c. After the loop has exited
// the registry is updated directly.
func (h *Hub) Unregister(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.registry.Deregister(c)
	}
}

// Broadcast queues frame from sender for relay.
func (h *Hub) Broadcast(sender *Connection, frame Frame) error {
	if h.ctx.Err() != nil {
		return ErrHubStopped
	}
	select {
	case h.broadcast <- inbound{sender: sender, frame: frame}:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Run is the event loop. It returns after Shutdown, having asked every
// connection to close.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.registry.Deregister(c)

		case in := <-h.broadcast:
			h.relay.Broadcast(in.sender, in.frame)
		}
	}
}

func (h *Hub) handleRegister(c *Connection) {
	if c == nil {
		h.logger.Warn("Received nil client registration; skipping")
		return
	}
	if !h.registry.Register(c) {
		c.logger.Warn("Connection already registered or closed; skipping")
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(h)
	}()
}

func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections...")
	closed := h.registry.CloseAll()
	h.logger.Info("Asked client connections to close", "count", closed)
}

// Shutdown stops the event loop and waits for every connection's pumps to
// finish. Connections still alive when timeout elapses are dropped and
// context.DeadlineExceeded is returned.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")
	h.cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.logger.Warn("Hub event loop did not stop before the deadline")
		h.registry.DeregisterAll()
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-deadline.C:
		dropped := h.registry.DeregisterAll()
		h.logger.Warn("Hub shutdown timeout reached; dropping connections", "count", dropped)
		return context.DeadlineExceeded
	}
}
