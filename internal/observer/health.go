package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	// Check Redis connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Redis:  "connected",
	}
	status := http.StatusOK

	if err := s.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
