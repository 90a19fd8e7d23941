package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/sigauth/service"
)

// RouterConfig holds the transport settings
type RouterConfig struct {
	// CookieSecure marks cookies Secure. Disable only for plain HTTP development.
	CookieSecure bool

	// TrustProxy takes the client IP from X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// Throttle is the optional per-IP request throttle
	Throttle *IPThrottle

	Logger *slog.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	if cfg.TrustProxy {
		router.ForwardedByClientIP = true
		router.RemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	} else {
		router.ForwardedByClientIP = false
		if err := router.SetTrustedProxies(nil); err != nil {
			logger.Warn("Failed to reset trusted proxies", "error", err)
		}
	}

	handlers := NewAuthHandlers(authService, cfg.CookieSecure, logger)

	router.GET("/healthz", handlers.Healthz)

	api := router.Group("/api")
	if cfg.Throttle != nil {
		api.Use(Throttle(cfg.Throttle))
	}
	api.Use(ClientIdentity(cfg.CookieSecure))
	{
		api.GET("/nonce", handlers.Nonce)
		api.POST("/authenticate", handlers.Authenticate)
		api.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	protected := api.Group("")
	protected.Use(AuthMiddleware(authService))
	{
		protected.GET("/me", handlers.Me)
	}

	return router
}
