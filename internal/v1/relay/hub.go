package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/auth"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/ratelimit"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/rooms"
)

// TokenValidator defines the interface for JWT token authentication
// services. Implemented by auth.Validator in production and by mocks in
// tests and development mode.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub authenticates incoming connections, upgrades them to WebSocket, and
// hands them to the room manager.
type Hub struct {
	manager     *rooms.Manager
	validator   TokenValidator
	rateLimiter *ratelimit.RateLimiter
	devMode     bool
}

// NewHub creates a Hub serving rooms from the given manager. rateLimiter
// may be nil to disable connection rate limiting.
func NewHub(manager *rooms.Manager, validator TokenValidator, rateLimiter *ratelimit.RateLimiter, devMode bool) *Hub {
	return &Hub{
		manager:     manager,
		validator:   validator,
		rateLimiter: rateLimiter,
		devMode:     devMode,
	}
}

// Manager returns the hub's room manager.
func (h *Hub) Manager() *rooms.Manager {
	return h.manager
}

// ServeWs authenticates the request, upgrades it, and attaches the
// resulting session to the requested room.
//
// Responses:
//   - 401 when the token is missing or invalid
//   - 403 when the origin is not allowed
//   - close code 4404 after upgrade when the room is rejected
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.authenticate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrade(c, allowedOrigins)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection attaches an established WebSocket connection to its
// room. Split from ServeWs so tests can drive it with a mock connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	roomID := c.Param("roomId")
	session := newSession(conn, roomID, claims.Subject)

	attach := h.manager.Join(roomID, session)
	if attach == nil {
		// Integrated mode and the host never registered this room.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(4404, "unknown room"))
		_ = conn.Close()
		return
	}

	metrics.ActiveConnections.Inc()
	logging.Info(c.Request.Context(), "Session attached",
		zap.String("roomId", roomID),
		zap.String("clientId", claims.Subject))

	session.start(attach)
}

// extractToken pulls the JWT from the token query parameter or, for
// browser clients that cannot set headers on WebSocket requests, from the
// Sec-WebSocket-Protocol list.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	if token := c.Query("token"); token != "" {
		return token, nil
	}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	for _, p := range strings.Split(headerVal, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "access_token" {
			continue
		}
		if _, err := h.validator.ValidateToken(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("token not provided")
}

func (h *Hub) authenticate(token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header (non-browser clients) are allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func (h *Hub) upgrade(c *gin.Context, allowedOrigins []string) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
