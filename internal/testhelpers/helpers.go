// Package testhelpers provides WebSocket client utilities shared by the relay
// server tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking read in these helpers.
const DefaultTimeout = 2 * time.Second

// Record mirrors the server-originated structured messages.
type Record struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// WebSocketURL converts an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with the given Origin header (none when empty).
// The HTTP response is returned so callers can inspect rejected handshakes.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url, fails the test on error and closes the connection
// on cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, "")
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReceiveRawMessage reads one frame with a deadline.
func ReceiveRawMessage(conn *websocket.Conn) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// ReceiveRecord reads one frame and decodes it as a Record.
func ReceiveRecord(t *testing.T, conn *websocket.Conn) Record {
	t.Helper()
	_, data, err := ReceiveRawMessage(conn)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Message %q is not a record: %v", data, err)
	}
	return rec
}

// ExpectWelcome reads the next frame and asserts it is the welcome record.
func ExpectWelcome(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if rec := ReceiveRecord(t, conn); rec.Type != "server" {
		t.Fatalf("Expected welcome record, got %+v", rec)
	}
}

// ExpectNoMessage asserts nothing arrives on conn within wait.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no message, got %q", data)
	}
}

// SendText sends a text frame.
func SendText(conn *websocket.Conn, text string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
