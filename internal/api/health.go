package api

import (
	"net/http"
	"time"

	"conversation-engine/backend/pkg/health"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and component readiness
type HealthHandler struct {
	checker *health.Checker
	version string
	started time.Time
}

func NewHealthHandler(checker *health.Checker, version string) *HealthHandler {
	return &HealthHandler{checker: checker, version: version, started: time.Now()}
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status     string                       `json:"status"`
	Timestamp  time.Time                    `json:"timestamp"`
	Version    string                       `json:"version"`
	Uptime     string                       `json:"uptime"`
	Components map[string]*health.Component `json:"components,omitempty"`
}

// Live answers as long as the process serves HTTP.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready reports 503 while a critical component is down.
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: h.checker.GetStatus(),
	}
	code := http.StatusOK
	if !h.checker.IsSystemHealthy() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// RegisterHealthRoutes registers health check related routes
func (h *HealthHandler) RegisterHealthRoutes(router gin.IRoutes) {
	router.GET("/health", h.Live)
	router.GET("/health/ready", h.Ready)
}
