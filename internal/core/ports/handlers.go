package ports

import (
	"github.com/gin-gonic/gin"
)

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
}

type CredentialsHandler interface {
	GetTURNCredentials(c *gin.Context)
}
