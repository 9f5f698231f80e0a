package server

import (
	"net/http"

	"github.com/Tyrowin/wsrelay/internal/metrics"
)

// Routes returns a ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/healthz", s.HealthzHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	mux.Handle("/metrics", metrics.Handler(s.metricsReg))
	return mux
}
