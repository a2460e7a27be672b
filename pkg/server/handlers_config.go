package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duynguyendang/docbroker/internal/orgstore"
	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

// orgPayload is the wire shape of one org's configuration.
type orgPayload struct {
	Auth struct {
		LoginURL     string `json:"login_url"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		APIVersion   string `json:"api_version"`
	} `json:"auth"`
	MLModel       string         `json:"ml_model"`
	ConnectorName string         `json:"datacloud_connector_name"`
	ObjectName    string         `json:"datacloud_object_name"`
	Schema        map[string]any `json:"schema"`
}

func (p orgPayload) toOrg() orgstore.Org {
	return orgstore.Org{
		Auth: orgstore.Auth{
			LoginURL:     p.Auth.LoginURL,
			ClientID:     p.Auth.ClientID,
			ClientSecret: p.Auth.ClientSecret,
			APIVersion:   p.Auth.APIVersion,
		},
		MLModel:       p.MLModel,
		ConnectorName: p.ConnectorName,
		ObjectName:    p.ObjectName,
		Schema:        p.Schema,
	}
}

// orgResponse is the config body sent to the frontend, defaults filled in.
func orgResponse(name string, org orgstore.Org) gin.H {
	apiVersion := org.Auth.APIVersion
	if apiVersion == "" {
		apiVersion = orgstore.DefaultAPIVersion
	}
	mlModel := org.MLModel
	if mlModel == "" {
		mlModel = orgstore.DefaultMLModel
	}
	connector := org.ConnectorName
	if connector == "" {
		connector = orgstore.DefaultConnectorName
	}
	object := org.ObjectName
	if object == "" {
		object = orgstore.DefaultObjectName
	}
	schema := org.Schema
	if schema == nil {
		schema = map[string]any{}
	}

	return gin.H{
		"org_name": name,
		"auth": gin.H{
			"login_url":     org.Auth.LoginURL,
			"client_id":     org.Auth.ClientID,
			"client_secret": org.Auth.ClientSecret,
			"api_version":   apiVersion,
		},
		"ml_model":                 mlModel,
		"datacloud_connector_name": connector,
		"datacloud_object_name":    object,
		"schema":                   schema,
	}
}

// unknownOrgError builds a 404 with a closest-name hint when one exists.
func (s *Server) unknownOrgError(name string) *errors.AppError {
	msg := fmt.Sprintf("Unknown organization %q", name)
	if hint := orgstore.Closest(name, s.orgs.List()); hint != "" && hint != name {
		msg = fmt.Sprintf("%s. Did you mean %q?", msg, hint)
	}
	return errors.NewAppError(http.StatusNotFound, msg, errors.ErrNotFound)
}

// handleGetConfig returns the current org's configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	name := s.currentOrg(c)
	org, ok := s.orgs.Get(name)
	if !ok {
		handleError(c, fmt.Errorf("no organization configured: %w", errors.ErrNotConfigured))
		return
	}
	c.JSON(http.StatusOK, orgResponse(name, org))
}

// handleSaveConfig replaces the current org's configuration. An omitted
// client secret keeps the stored one.
func (s *Server) handleSaveConfig(c *gin.Context) {
	var payload orgPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Schema must be a valid JSON object"})
		return
	}

	name := s.currentOrg(c)
	if name == "" {
		name = orgstore.DefaultOrgName
	}
	if !s.orgs.Upsert(name, payload.toOrg()) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Configuration saved successfully"})
}

// handleResetConfig restores the current org to environment defaults.
func (s *Server) handleResetConfig(c *gin.Context) {
	name := s.currentOrg(c)
	if name == "" {
		name = orgstore.DefaultOrgName
	}
	if !s.orgs.Upsert(name, s.orgs.DefaultOrg()) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Configuration reset to defaults"})
}

// handleGetSchema returns the current org's extraction schema.
func (s *Server) handleGetSchema(c *gin.Context) {
	org, ok := s.orgs.Get(s.currentOrg(c))
	schema := org.Schema
	if !ok || len(schema) == 0 {
		schema = s.orgs.DefaultSchema()
	}
	c.JSON(http.StatusOK, schema)
}

// handleListOrgs returns all org names in stored order plus the pointer.
func (s *Server) handleListOrgs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"orgs":        s.orgs.List(),
		"current_org": s.orgs.CurrentName(),
	})
}

type createOrgRequest struct {
	Name string `json:"name"`
	orgPayload
}

// handleCreateOrg registers a new org.
func (s *Server) handleCreateOrg(c *gin.Context) {
	var req createOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	if req.Name == "" {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Organization name is required", errors.ErrInvalidInput))
		return
	}
	if _, exists := s.orgs.Get(req.Name); exists {
		handleError(c, errors.NewAppError(http.StatusConflict, fmt.Sprintf("Organization %q already exists", req.Name), nil))
		return
	}

	if !s.orgs.Upsert(req.Name, req.toOrg()) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save organization"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "org_name": req.Name})
}

// handleGetOrg returns one org's configuration by name.
func (s *Server) handleGetOrg(c *gin.Context) {
	name := c.Param("name")
	org, ok := s.orgs.Get(name)
	if !ok {
		handleError(c, s.unknownOrgError(name))
		return
	}
	c.JSON(http.StatusOK, orgResponse(name, org))
}

// handleUpdateOrg creates or replaces one org's configuration by name.
func (s *Server) handleUpdateOrg(c *gin.Context) {
	var payload orgPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	name := c.Param("name")
	if !s.orgs.Upsert(name, payload.toOrg()) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save organization"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "org_name": name})
}

// handleDeleteOrg removes an org, its credentials, and reassigns the pointer
// when the deleted org was current.
func (s *Server) handleDeleteOrg(c *gin.Context) {
	name := c.Param("name")
	if !s.orgs.Delete(name) {
		handleError(c, s.unknownOrgError(name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "current_org": s.orgs.CurrentName()})
}

// handleActivateOrg switches the current org and pins it in a cookie.
func (s *Server) handleActivateOrg(c *gin.Context) {
	name := c.Param("name")
	if !s.orgs.SetCurrent(name) {
		handleError(c, s.unknownOrgError(name))
		return
	}

	// 30 days; the stored pointer covers cookie-less clients.
	c.SetCookie(orgCookie, name, 30*24*3600, "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"success": true, "current_org": name})
}
