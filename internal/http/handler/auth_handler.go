package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itangbaotop/itangbao-auth/internal/http/middleware"
	"github.com/itangbaotop/itangbao-auth/internal/service"
)

// AuthHandler exposes first-party login and account endpoints.
type AuthHandler struct {
	Login    *service.LoginService
	Grants   *service.GrantService
	Registry *service.RegistryService
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(login *service.LoginService, grants *service.GrantService, registry *service.RegistryService) *AuthHandler {
	return &AuthHandler{Login: login, Grants: grants, Registry: registry}
}

// PasswordLogin handles POST /api/auth/login.
func (h *AuthHandler) PasswordLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resp, err := h.Login.PasswordLogin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	h.setSessionCookie(c, resp.Token)
	c.JSON(http.StatusOK, resp)
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Name     string `json:"name"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resp, err := h.Login.Register(c.Request.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	h.setSessionCookie(c, resp.Token)
	c.JSON(http.StatusCreated, resp)
}

// RequestMagicLink handles POST /api/auth/magic-link. The response never
// reveals whether the address is registered.
func (h *AuthHandler) RequestMagicLink(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	base := fmt.Sprintf("%s://%s", schemeOnly(c.Request), c.Request.Host)
	if err := h.Login.RequestMagicLink(c.Request.Context(), req.Email, base); err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// VerifyMagicLink handles GET /api/auth/magic-link/verify.
func (h *AuthHandler) VerifyMagicLink(c *gin.Context) {
	resp, err := h.Login.VerifyMagicLink(c.Request.Context(), strings.TrimSpace(c.Query("token")))
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	h.setSessionCookie(c, resp.Token)
	c.JSON(http.StatusOK, resp)
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	user, err := h.Login.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	c.JSON(http.StatusOK, service.Profile(user))
}

// Logout handles POST /api/auth/logout. With a client_id it ends the
// session for that client only; without one it ends every session.
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	var req struct {
		ClientID string `json:"client_id"`
	}
	_ = c.ShouldBindJSON(&req)

	var err error
	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		err = h.Grants.RevokeForUserAndClient(c.Request.Context(), userID, clientID)
	} else {
		err = h.Grants.RevokeAllForUser(c.Request.Context(), userID)
	}
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// UpdateProfile handles PUT /api/user/profile.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	var req struct {
		Name  string `json:"name" binding:"required"`
		Image string `json:"image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.Login.UpdateProfile(c.Request.Context(), userID, req.Name, req.Image)
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.Profile(user))
}

// ChangePassword handles POST /api/user/password.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.Login.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		respondOAuthError(c, err)
		return
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "password_changed"})
}

// ClientInfo handles GET /api/auth/clients/:client_id, the public client
// metadata shown on consent screens.
func (h *AuthHandler) ClientInfo(c *gin.Context) {
	info, err := h.Registry.GetClientInfo(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Request.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Request.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
