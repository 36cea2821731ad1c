package http

import (
	"net/http"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type CredentialsHandler struct {
	credentials ports.CredentialProvider
	environment domain.Environment
}

var _ ports.CredentialsHandler = (*CredentialsHandler)(nil)

func NewCredentialsHandler(credentials ports.CredentialProvider, environment domain.Environment) *CredentialsHandler {
	return &CredentialsHandler{
		credentials: credentials,
		environment: environment,
	}
}

func (h *CredentialsHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/api/turn-credentials", h.GetTURNCredentials)
}

// GetTURNCredentials always answers 200. Upstream failures have already been
// replaced by the public STUN servers.
func (h *CredentialsHandler) GetTURNCredentials(c *gin.Context) {
	set := h.credentials.GetCredentials(c.Request.Context(), h.environment)

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, set)
}
