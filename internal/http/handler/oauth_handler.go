package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itangbaotop/itangbao-auth/internal/service"
)

const sessionCookie = "itb_session"

// OAuthHandler exposes the OAuth protocol endpoints.
type OAuthHandler struct {
	Grants    *service.GrantService
	Discovery *service.DiscoveryService
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(grants *service.GrantService, discovery *service.DiscoveryService) *OAuthHandler {
	return &OAuthHandler{Grants: grants, Discovery: discovery}
}

// OpenIDConfig returns the OpenID discovery document.
func (h *OAuthHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse(schemeOnly(c.Request), c.Request.Host))
}

type oauthAuthorizeRequest struct {
	ClientID            string `form:"client_id"`
	ResponseType        string `form:"response_type"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	State               string `form:"state"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
}

// Authorize handles GET /api/oauth/authorize. Every failure lands on the
// service's own error page; nothing is ever sent to an unvalidated
// redirect_uri.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	var req oauthAuthorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.errorRedirect(c, "invalid_request", "Invalid authorize request.")
		return
	}
	if strings.TrimSpace(req.ResponseType) == "" {
		req.ResponseType = "code"
	}

	token, _ := c.Cookie(sessionCookie)
	if strings.TrimSpace(token) == "" {
		h.redirectToLogin(c, req)
		return
	}
	claims, err := h.Grants.Verify(c.Request.Context(), token)
	if err != nil {
		h.redirectToLogin(c, req)
		return
	}
	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil || userID <= 0 {
		h.errorRedirect(c, "invalid_request", "Invalid session.")
		return
	}

	target, err := h.Grants.Authorize(c.Request.Context(), service.AuthorizeRequest{
		ResponseType:        strings.TrimSpace(req.ResponseType),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: normalizeChallengeMethod(req.CodeChallengeMethod),
		UserID:              userID,
	})
	if err != nil {
		if oauthErr, ok := err.(*service.OAuthError); ok {
			h.errorRedirect(c, oauthErr.Code, oauthErr.Description)
			return
		}
		h.errorRedirect(c, "server_error", "Internal server error.")
		return
	}
	c.Redirect(http.StatusFound, target)
}

// Token handles POST /api/oauth/token.
func (h *OAuthHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" json:"grant_type"`
		Code         string `form:"code" json:"code"`
		RedirectURI  string `form:"redirect_uri" json:"redirect_uri"`
		ClientID     string `form:"client_id" json:"client_id"`
		ClientSecret string `form:"client_secret" json:"client_secret"`
		CodeVerifier string `form:"code_verifier" json:"code_verifier"`
		RefreshToken string `form:"refresh_token" json:"refresh_token"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resp, err := h.Grants.Token(c.Request.Context(), service.TokenRequest{
		GrantType:    strings.TrimSpace(req.GrantType),
		Code:         strings.TrimSpace(req.Code),
		RedirectURI:  strings.TrimSpace(req.RedirectURI),
		ClientID:     strings.TrimSpace(req.ClientID),
		ClientSecret: req.ClientSecret,
		CodeVerifier: strings.TrimSpace(req.CodeVerifier),
		RefreshToken: strings.TrimSpace(req.RefreshToken),
	})
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, resp)
}

// Revoke handles POST /api/oauth/revoke per RFC 7009. Success is an empty
// object regardless of whether the token existed.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	var req struct {
		Token        string `form:"token" json:"token"`
		ClientID     string `form:"client_id" json:"client_id"`
		ClientSecret string `form:"client_secret" json:"client_secret"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.Grants.Revoke(c.Request.Context(), strings.TrimSpace(req.ClientID), req.ClientSecret, strings.TrimSpace(req.Token)); err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Verify handles POST /api/oauth/verify for resource servers that want a
// remote check of an access token.
func (h *OAuthHandler) Verify(c *gin.Context) {
	var req struct {
		Token string `form:"token" json:"token"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	claims, err := h.Grants.Verify(c.Request.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":         true,
		"sub":            claims.UserID,
		"scope":          claims.Scope,
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
		"name":           claims.Name,
	})
}

// UserInfo returns the OIDC userinfo payload for a bearer access token.
func (h *OAuthHandler) UserInfo(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	claims, err := h.Grants.Verify(c.Request.Context(), token)
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	c.JSON(http.StatusOK, service.UserInfo{
		Sub:           claims.UserID,
		ID:            claims.UserID,
		Name:          claims.Name,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Image:         claims.Image,
	})
}

func (h *OAuthHandler) redirectToLogin(c *gin.Context, req oauthAuthorizeRequest) {
	loginURL := &url.URL{
		Scheme: schemeOnly(c.Request),
		Host:   c.Request.Host,
		Path:   "/auth/signin",
	}
	q := loginURL.Query()
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("response_type", req.ResponseType)
	if req.Scope != "" {
		q.Set("scope", req.Scope)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	if req.CodeChallenge != "" {
		q.Set("code_challenge", req.CodeChallenge)
	}
	if req.CodeChallengeMethod != "" {
		q.Set("code_challenge_method", req.CodeChallengeMethod)
	}
	loginURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, loginURL.String())
}

func (h *OAuthHandler) errorRedirect(c *gin.Context, code, desc string) {
	errURL := url.URL{
		Scheme: schemeOnly(c.Request),
		Host:   c.Request.Host,
		Path:   "/auth/error",
	}
	q := errURL.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	errURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, errURL.String())
}

func normalizeChallengeMethod(method string) string {
	method = strings.TrimSpace(method)
	if strings.EqualFold(method, "plain") {
		return "plain"
	}
	if strings.EqualFold(method, "s256") {
		return "S256"
	}
	return method
}

func respondOAuthError(c *gin.Context, err error) {
	if oauthErr, ok := err.(*service.OAuthError); ok {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
