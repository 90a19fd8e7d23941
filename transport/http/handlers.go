package http

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/service"
)

const (
	messageRateLimited    = "rate limit exceeded"
	messageInvalidAddress = "invalid address"
	messageInvalidRequest = "invalid request"
	messageAuthFailed     = "authentication failed"
	messageInternal       = "internal error"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService  *service.AuthService
	cookieSecure bool
	logger       *slog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, cookieSecure bool, logger *slog.Logger) *AuthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandlers{
		authService:  authService,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

// Nonce issues a login challenge for the address in the query string
func (h *AuthHandlers) Nonce(c *gin.Context) {
	challenge, message, err := h.authService.RequestNonce(c.Request.Context(), clientID(c), c.Query("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nonce":      challenge.Nonce,
		"message":    message,
		"expires_at": challenge.IssuedAt.Add(h.authService.ChallengeTTL()).Unix(),
	})
}

type authenticateRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

// Authenticate verifies a signed challenge and starts a session
func (h *AuthHandlers) Authenticate(c *gin.Context) {
	var req authenticateRequest
	// an unreadable body is passed on empty so that it is rate limited and
	// discards the pending challenge like any other malformed submission
	if err := c.ShouldBindJSON(&req); err != nil {
		req = authenticateRequest{}
	}

	session, token, err := h.authService.Authenticate(c.Request.Context(), clientID(c), service.AuthRequest{
		Address:   req.Address,
		Signature: req.Signature,
		Nonce:     req.Nonce,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, token, maxAge, "/", "", h.cookieSecure, true)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"address": session.Address,
		"token":   token,
	})
}

// Logout ends the current session, if any, and clears the cookie
func (h *AuthHandlers) Logout(c *gin.Context) {
	if token := sessionToken(c); token != "" {
		err := h.authService.Logout(c.Request.Context(), token)
		if err != nil && !core.IsClientError(err) && !isSessionError(err) {
			h.writeError(c, err)
			return
		}
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		abortInternal(c, errors.New("session missing from context"))
		return
	}

	profile := h.authService.Profile(c.Request.Context(), session.Address)
	c.JSON(http.StatusOK, gin.H{
		"address":    profile.Address,
		"balance":    profile.Balance,
		"expires_at": session.ExpiresAt.Unix(),
	})
}

// Healthz reports that the process is serving
func (h *AuthHandlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps service errors to responses. Verification failures share
// one message so the response does not reveal which check failed.
func (h *AuthHandlers) writeError(c *gin.Context, err error) {
	var rle *core.RateLimitError
	switch {
	case errors.As(err, &rle):
		c.Header("Retry-After", retryAfterSeconds(rle.RetryAfter))
		c.JSON(http.StatusTooManyRequests, errorBody(messageRateLimited))
	case errors.Is(err, core.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorBody(messageRateLimited))
	case core.IsVerificationFailure(err):
		c.JSON(http.StatusBadRequest, errorBody(messageAuthFailed))
	case errors.Is(err, core.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, errorBody(messageInvalidAddress))
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, core.ErrMalformedSignature):
		c.JSON(http.StatusBadRequest, errorBody(messageInvalidRequest))
	default:
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(messageInternal))
	}
}

func abortInternal(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(messageInternal))
}

func errorBody(message string) gin.H {
	return gin.H{"success": false, "message": message}
}

func isSessionError(err error) bool {
	return errors.Is(err, core.ErrInvalidToken) ||
		errors.Is(err, core.ErrTokenExpired) ||
		errors.Is(err, core.ErrSessionNotFound)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}
