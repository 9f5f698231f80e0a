package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/wsrelay/internal/relay"
)

// RootHandler accepts WebSocket upgrades on "/" and otherwise answers with
// the plain-text liveness banner.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.WebSocketHandler(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	HealthHandler(w, r)
}

// WebSocketHandler upgrades the request, wraps the socket in a Connection and
// hands it to the hub, which registers it and starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := relay.NewConnection(conn, clientAddr(r), s.connOpts, s.logger, s.metrics)
	if err := s.hub.Register(c); err != nil {
		s.logger.Warn("Rejecting connection", "remote_addr", c.RemoteAddr(), "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// clientAddr prefers the first X-Forwarded-For hop so logs show the device
// rather than the platform's proxy.
func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return r.RemoteAddr
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "WebSocket relay is running!")
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Mode        string `json:"mode"`
}

// HealthzHandler reports the number of registered connections as JSON.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:      "ok",
		Connections: s.hub.Registry().Len(),
		Mode:        string(s.hub.Mode()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Error writing health response", "error", err)
	}
}

// TestPageHandler serves a minimal page for sending and watching relayed
// messages from a browser.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Error("Error writing HTML response", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        input[type="text"] { width: 300px; padding: 5px; }
    </style>
</head>
<body>
    <h1>Relay Test</h1>
    <div id="status">Connecting...</div>
    <input type="text" id="input" placeholder='{"type":"esp32","sensordata":{"temp":21.5}}'>
    <button onclick="send()">Send</button>
    <div id="log"></div>
    <script>
        const log = document.getElementById('log');
        const input = document.getElementById('input');
        const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(scheme + location.host + '/ws');

        function append(text) {
            const line = document.createElement('div');
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        ws.onopen = () => { document.getElementById('status').textContent = 'Connected'; };
        ws.onclose = () => { document.getElementById('status').textContent = 'Disconnected'; };
        ws.onmessage = (event) => append('< ' + event.data);

        function send() {
            if (input.value && ws.readyState === WebSocket.OPEN) {
                ws.send(input.value);
                append('> ' + input.value);
                input.value = '';
            }
        }

        input.addEventListener('keypress', (e) => { if (e.key === 'Enter') send(); });
    </script>
</body>
</html>`
