// Package middleware holds the gin middleware shared by the relay's HTTP
// surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
)

// HeaderXCorrelationID carries the request correlation id. Callers that
// set it (the host application, a retrying client) keep their id; everyone
// else gets a fresh one.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags every request with a correlation id: echoed in the
// response header and placed in the gin context so log lines emitted during
// the request, including the WebSocket upgrade, carry it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Next()
	}
}
