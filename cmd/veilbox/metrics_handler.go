package main

import (
	"encoding/json"
	"net/http"
	"time"

	"veilbox/internal/metrics"
)

// handleMetrics exposes the in-process metrics registry as JSON.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.GetAllMetrics()

		response := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"metrics":   snapshot,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
		}
	}
}
