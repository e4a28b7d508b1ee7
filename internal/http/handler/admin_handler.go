package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
	"github.com/itangbaotop/itangbao-auth/internal/http/middleware"
	"github.com/itangbaotop/itangbao-auth/internal/service"
)

// AdminHandler exposes the application registry to administrators.
type AdminHandler struct {
	Registry *service.RegistryService
}

// NewAdminHandler creates the handler set.
func NewAdminHandler(registry *service.RegistryService) *AdminHandler {
	return &AdminHandler{Registry: registry}
}

// applicationResponse is the admin view of a client, credentials included.
type applicationResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Domain       string   `json:"domain,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	IsActive     bool     `json:"is_active"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func toApplicationResponse(app domain.Application, includeSecret bool) applicationResponse {
	resp := applicationResponse{
		ID:           strconv.FormatInt(app.ID, 10),
		Name:         app.Name,
		Description:  app.Description,
		Domain:       app.Domain,
		RedirectURIs: app.RedirectURIs,
		ClientID:     app.ClientID,
		IsActive:     app.IsActive,
		CreatedAt:    app.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    app.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if includeSecret {
		resp.ClientSecret = app.ClientSecret
	}
	return resp
}

// List handles GET /api/admin/applications.
func (h *AdminHandler) List(c *gin.Context) {
	apps, err := h.Registry.ListApplications(c.Request.Context())
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	out := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		out = append(out, toApplicationResponse(app, false))
	}
	c.JSON(http.StatusOK, gin.H{"applications": out})
}

// Create handles POST /api/admin/applications. The client secret appears
// in this response and nowhere else.
func (h *AdminHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	var input service.ApplicationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	app, err := h.Registry.CreateApplication(c.Request.Context(), userID, input)
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toApplicationResponse(app, true))
}

// Get handles GET /api/admin/applications/:client_id.
func (h *AdminHandler) Get(c *gin.Context) {
	app, err := h.Registry.GetApplication(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, toApplicationResponse(app, false))
}

// Update handles PUT /api/admin/applications/:client_id.
func (h *AdminHandler) Update(c *gin.Context) {
	var input service.ApplicationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	app, err := h.Registry.UpdateApplication(c.Request.Context(), c.Param("client_id"), input)
	if err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, toApplicationResponse(app, false))
}

// Delete handles DELETE /api/admin/applications/:client_id.
func (h *AdminHandler) Delete(c *gin.Context) {
	if err := h.Registry.DeleteApplication(c.Request.Context(), c.Param("client_id")); err != nil {
		respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
