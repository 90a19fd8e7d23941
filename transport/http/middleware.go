package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/service"
)

const (
	// ClientCookie carries the opaque per-browser client identity
	ClientCookie = "sigauth_client"

	// SessionCookie carries the session token
	SessionCookie = "sigauth_session"

	clientIDKey = "clientID"
	sessionKey  = "session"

	clientCookieMaxAge = 365 * 24 * 60 * 60
)

// ClientIdentity makes sure every request carries a client id, issuing a new
// one in a cookie on first contact
func ClientIdentity(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(ClientCookie)
		if err != nil || !validClientID(id) {
			id = uuid.New().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(ClientCookie, id, clientCookieMaxAge, "/", "", secure, true)
		}

		c.Set(clientIDKey, id)
		c.Next()
	}
}

func validClientID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Throttle rejects requests from IPs that exceed their token bucket
func Throttle(throttle *IPThrottle) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !throttle.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody(messageRateLimited))
			return
		}
		c.Next()
	}
}

// AuthMiddleware requires a live session taken from the session cookie or
// an Authorization: Bearer header
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("not authenticated"))
			return
		}

		session, err := authService.Current(c.Request.Context(), token)
		if err != nil {
			if core.IsClientError(err) || isSessionError(err) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("not authenticated"))
				return
			}
			abortInternal(c, err)
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// RequestLogger writes one slog line per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// sessionToken prefers the cookie and falls back to the bearer header
func sessionToken(c *gin.Context) string {
	if token, err := c.Cookie(SessionCookie); err == nil && token != "" {
		return token
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func clientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

func currentSession(c *gin.Context) (core.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return core.Session{}, false
	}
	session, ok := v.(core.Session)
	return session, ok
}
