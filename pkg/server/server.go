// Package server exposes the HTTP surface of the document extraction broker.
package server

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duynguyendang/docbroker/internal/credstore"
	"github.com/duynguyendang/docbroker/internal/extraction"
	"github.com/duynguyendang/docbroker/internal/orgstore"
	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

// orgCookie carries the per-browser org override; the stored pointer is the
// fallback when it is absent or stale.
const orgCookie = "docbroker_org"

// Server holds the state for the REST API server.
type Server struct {
	orgs   *orgstore.Store
	creds  *credstore.Store
	svc    *extraction.Service
	router *gin.Engine

	oauthClient *http.Client
	// loginBaseURL overrides the https://<login-host> composition in tests.
	loginBaseURL string
}

// NewServer creates a new Server instance.
func NewServer(orgs *orgstore.Store, creds *credstore.Store, svc *extraction.Service) *Server {
	r := gin.Default()
	s := &Server{
		orgs:        orgs,
		creds:       creds,
		svc:         svc,
		router:      r,
		oauthClient: &http.Client{Timeout: 30 * time.Second},
	}
	s.setupRoutes()
	return s
}

// Run starts the server on the specified address.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/auth-info", s.handleAuthInfo)
	s.router.GET("/auth/callback", s.handleAuthCallback)
	s.router.POST("/auth/exchange", s.handleAuthExchange)
	s.router.POST("/api/save-token", s.handleSaveToken)

	s.router.POST("/extract-data", s.handleExtractData)

	s.router.GET("/api/config", s.handleGetConfig)
	s.router.POST("/api/config", s.handleSaveConfig)
	s.router.POST("/api/config/reset", s.handleResetConfig)
	s.router.GET("/api/schema", s.handleGetSchema)

	s.router.GET("/api/orgs", s.handleListOrgs)
	s.router.POST("/api/orgs", s.handleCreateOrg)
	s.router.GET("/api/orgs/:name", s.handleGetOrg)
	s.router.PUT("/api/orgs/:name", s.handleUpdateOrg)
	s.router.DELETE("/api/orgs/:name", s.handleDeleteOrg)
	s.router.POST("/api/orgs/:name/activate", s.handleActivateOrg)
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}

// currentOrg resolves the effective org for a request: cookie override first,
// then the stored pointer, then the first org.
func (s *Server) currentOrg(c *gin.Context) string {
	override, _ := c.Cookie(orgCookie)
	return s.orgs.Resolve(override)
}

func handleError(c *gin.Context, err error) {
	appErr := errors.MapError(err)
	resp := gin.H{"error": appErr.Message}

	var upErr *errors.UpstreamError
	if stderrors.As(err, &upErr) && upErr.Body != "" {
		resp["details"] = upErr.Body
	} else if stderrors.Is(err, errors.ErrMalformedResponse) && appErr.Err != nil {
		resp["details"] = appErr.Err.Error()
	}
	c.JSON(appErr.Code, resp)
}
