package relay

import (
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/wsrelay/internal/metrics"
)

// Registry is the authoritative set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		conns:   make(map[*Connection]struct{}),
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// Register adds c, queues its welcome record and starts its keep-alive. It
// returns false without side effects when c is already present or no longer
// open.
func (r *Registry) Register(c *Connection) bool {
	if c == nil || !c.IsOpen() {
		return false
	}

	r.mu.Lock()
	if _, exists := r.conns[c]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[c] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectionsActive.Set(float64(count))

	if err := c.Send(TextFrame(WelcomeRecord(r.clock.Now()))); err != nil {
		c.logger.Warn("Failed to queue welcome message", "error", err)
	}
	c.startKeepAlive()

	c.logger.Info("Client connected", "total_clients", count)
	return true
}

// Deregister removes c and runs its Closed entry action. It is a no-op for a
// connection that is not registered and reports whether c was removed.
func (r *Registry) Deregister(c *Connection) bool {
	if c == nil {
		return false
	}

	r.mu.Lock()
	if _, exists := r.conns[c]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c)
	count := len(r.conns)
	r.mu.Unlock()

	c.markClosed()
	r.metrics.ConnectionsActive.Set(float64(count))

	c.logger.Info("Client disconnected", "total_clients", count)
	return true
}

// Snapshot returns a copy of the current membership.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll starts closing every registered connection and returns how many
// were asked to close. Members stay registered until their pumps exit.
func (r *Registry) CloseAll() int {
	closed := 0
	for _, c := range r.Snapshot() {
		if c.beginClose() {
			closed++
		}
	}
	return closed
}

// DeregisterAll removes every connection, closing their sockets.
func (r *Registry) DeregisterAll() int {
	removed := 0
	for _, c := range r.Snapshot() {
		if r.Deregister(c) {
			removed++
		}
	}
	return removed
}
