package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itangbaotop/itangbao-auth/internal/jwt"
)

const (
	claimsKey = "accessClaims"
	userIDKey = "userID"
)

// Auth validates session credentials and attaches claims.
type Auth struct {
	JWT           *jwt.Generator
	SessionCookie string
}

// RequireSession accepts either the session cookie or a bearer token.
func (m *Auth) RequireSession(c *gin.Context) {
	token := m.sessionToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	_, claims, err := m.JWT.ValidateAccessToken(token, "")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	c.Set(claimsKey, claims)
	c.Set(userIDKey, userID)
	c.Next()
}

// RequireAdmin allows only users carrying the admin role. Must run after
// RequireSession.
func (m *Auth) RequireAdmin(c *gin.Context) {
	claims, ok := GetAccessClaims(c)
	if !ok || claims.Role != "admin" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (m *Auth) sessionToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[1])
	}
	if m.SessionCookie != "" {
		if cookie, err := c.Cookie(m.SessionCookie); err == nil {
			return strings.TrimSpace(cookie)
		}
	}
	return ""
}

// GetAccessClaims exposes validated token claims to handlers.
func GetAccessClaims(c *gin.Context) (*jwt.AccessTokenClaims, bool) {
	value, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.AccessTokenClaims)
	return claims, ok
}

// GetUserID returns the authenticated user's id.
func GetUserID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(int64)
	return id, ok
}
