package http

import (
	"context"
	"net/http"
	"time"

	"telesignal/internal/infrastructure/monitoring"
	"telesignal/pkg/circuitbreaker"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports the number of live signaling connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// CircuitReporter exposes the breaker guarding the credential upstream.
type CircuitReporter interface {
	CircuitStats() circuitbreaker.Stats
}

type HealthHandler struct {
	checker     *monitoring.HealthChecker
	connections ConnectionCounter
	circuit     CircuitReporter
	version     string
	startedAt   time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker, connections ConnectionCounter, version string) *HealthHandler {
	return &HealthHandler{
		checker:     checker,
		connections: connections,
		version:     version,
		startedAt:   time.Now(),
	}
}

// SetCredentialCircuit adds the credential breaker state to /health.
func (h *HealthHandler) SetCredentialCircuit(circuit CircuitReporter) {
	h.circuit = circuit
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is a liveness probe; it never touches dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"connections":    h.connections.ConnectionCount(),
		"timestamp":      time.Now().UTC(),
	}
	if h.circuit != nil {
		stats := h.circuit.CircuitStats()
		body["credential_circuit"] = gin.H{
			"state":      stats.State.String(),
			"failures":   stats.Failures,
			"changed_at": stats.ChangedAt.UTC(),
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	if !status.Healthy() {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
