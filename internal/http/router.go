package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/itangbaotop/itangbao-auth/internal/config"
	"github.com/itangbaotop/itangbao-auth/internal/http/handler"
	httpmiddleware "github.com/itangbaotop/itangbao-auth/internal/http/middleware"
	"github.com/itangbaotop/itangbao-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, authHandler *handler.AuthHandler, adminHandler *handler.AdminHandler, authMiddleware *httpmiddleware.Auth, domains middleware.DomainSource, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.ApplicationCORS(cfg, domains))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/.well-known/openid-configuration", oauthHandler.OpenIDConfig)

	api := r.Group("/api")

	oauth := api.Group("/oauth")
	{
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.POST("/token", oauthHandler.Token)
		oauth.POST("/revoke", oauthHandler.Revoke)
		oauth.POST("/verify", oauthHandler.Verify)
		oauth.GET("/userinfo", oauthHandler.UserInfo)
		oauth.POST("/userinfo", oauthHandler.UserInfo)
	}

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.PasswordLogin)
		auth.POST("/register", authHandler.Register)
		auth.POST("/magic-link", authHandler.RequestMagicLink)
		auth.GET("/magic-link/verify", authHandler.VerifyMagicLink)
		auth.GET("/clients/:client_id", authHandler.ClientInfo)

		auth.GET("/me", authMiddleware.RequireSession, authHandler.Me)
		auth.POST("/logout", authMiddleware.RequireSession, authHandler.Logout)
	}

	user := api.Group("/user", authMiddleware.RequireSession)
	{
		user.PUT("/profile", authHandler.UpdateProfile)
		user.POST("/password", authHandler.ChangePassword)
	}

	admin := api.Group("/admin", authMiddleware.RequireSession, authMiddleware.RequireAdmin)
	{
		admin.GET("/applications", adminHandler.List)
		admin.POST("/applications", adminHandler.Create)
		admin.GET("/applications/:client_id", adminHandler.Get)
		admin.PUT("/applications/:client_id", adminHandler.Update)
		admin.DELETE("/applications/:client_id", adminHandler.Delete)
	}

	return r
}
