package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/wsrelay/internal/metrics"
)

// RecipientMode selects who receives a broadcast.
type RecipientMode string

const (
	// IncludeSender delivers to every open connection, the sender included.
	IncludeSender RecipientMode = "include-sender"
	// ExcludeSender delivers to every other open connection and acknowledges the sender.
	ExcludeSender RecipientMode = "exclude-sender"
)

// ParseRecipientMode parses a mode name, ignoring case and surrounding space.
func ParseRecipientMode(s string) (RecipientMode, error) {
	switch mode := RecipientMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case IncludeSender, ExcludeSender:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidRecipientMode, s, IncludeSender, ExcludeSender)
	}
}

// Delivery summarises one broadcast.
type Delivery struct {
	Recipients int
	Failed     int
	Acked      bool
}

// Relay fans a message out to the Registry's current members.
type Relay struct {
	registry *Registry
	mode     RecipientMode
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRelay creates a Relay over registry using mode.
func NewRelay(registry *Registry, mode RecipientMode, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if mode == "" {
		mode = IncludeSender
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Relay{
		registry: registry,
		mode:     mode,
		clock:    clock,
		logger:   logger,
		metrics:  m,
	}
}

// Mode returns the configured recipient mode.
func (r *Relay) Mode() RecipientMode {
	return r.mode
}

// Broadcast queues frame, unmodified, on every open member selected by the
// recipient mode. Per-recipient failures are logged and skipped. In
// ExcludeSender mode the sender then gets an acknowledgement.
func (r *Relay) Broadcast(sender *Connection, frame Frame) Delivery {
	logger := r.logger
	if sender != nil {
		logger = sender.logger
	}
	r.inspect(logger, frame.Data)

	var d Delivery
	for _, c := range r.registry.Snapshot() {
		if !c.IsOpen() {
			continue
		}
		if r.mode == ExcludeSender && c == sender {
			continue
		}

		if err := c.Send(frame); err != nil {
			d.Failed++
			r.metrics.SendFailures.WithLabelValues(failureReason(err)).Inc()
			logger.Warn("Failed to relay message", "recipient", c.ID(), "error", err)
			continue
		}
		d.Recipients++
	}
	r.metrics.MessagesRelayed.Add(float64(d.Recipients))

	if r.mode == ExcludeSender && sender != nil && sender.IsOpen() {
		if err := sender.Send(TextFrame(AckRecord(d.Recipients, r.clock.Now()))); err != nil {
			logger.Warn("Failed to send acknowledgement", "error", err)
		} else {
			d.Acked = true
		}
	}

	logger.Debug("Broadcast complete", "recipients", d.Recipients, "failed", d.Failed, "mode", r.mode)
	return d
}

func (r *Relay) inspect(logger *slog.Logger, payload []byte) {
	switch msg := Inspect(payload).(type) {
	case Unstructured:
		r.metrics.MalformedPayloads.Inc()
		logger.Debug("Payload is not a JSON object; relaying verbatim", "size", msg.Size, "error", msg.Err)
	case Recognized:
		if msg.SensorData != nil {
			logger.Info("ESP32 data", "sensordata", string(msg.SensorData))
			return
		}
		logger.Debug("Received message", "type", msg.Type, "size", len(payload))
	}
}

func failureReason(err error) string {
	if errors.Is(err, ErrSendBufferFull) {
		return metrics.ReasonBufferFull
	}
	return metrics.ReasonClosed
}
