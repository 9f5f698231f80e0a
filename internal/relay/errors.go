package relay

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed is returned when sending to a connection that is no longer open.
	ErrConnectionClosed = errors.New("connection is not open")
	// ErrSendBufferFull is returned when a connection's outbound queue has no room.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrHubStopped is returned by Hub methods after shutdown.
	ErrHubStopped = errors.New("hub stopped")
	// ErrInvalidRecipientMode is returned by ParseRecipientMode for unknown modes.
	ErrInvalidRecipientMode = errors.New("invalid recipient mode")
)

// isExpectedCloseError reports whether err is part of a normal teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
