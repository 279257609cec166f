package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lair-chat/lair-chat/internal/logging"
	"go.uber.org/zap"
)

// StoragePinger is satisfied by the storage engine; kept as a narrow
// interface here so the health package never imports storage directly.
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	storage StoragePinger
}

// NewHandler creates a new health check handler.
func NewHandler(storage StoragePinger) *Handler {
	return &Handler{storage: storage}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if the storage engine is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus

	status := "ready"
	statusCode := http.StatusOK
	if storageStatus != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStorage verifies the storage engine is reachable.
func (h *Handler) checkStorage(ctx context.Context) string {
	if h.storage == nil {
		return "unhealthy"
	}
	if err := h.storage.Ping(ctx); err != nil {
		logging.Error(ctx, "storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
