package server

import (
	"encoding/json"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/locomote-sh/content-server/internal/metrics"
)

// AdminHandler serves the private admin listener: liveness and metrics.
func (s *Server) AdminHandler(reg *prom.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"pending_queues": s.queues.Pending(),
		})
	})
	if reg != nil {
		mux.Handle("/metrics", metrics.HTTPHandler(reg))
	}
	return mux
}
