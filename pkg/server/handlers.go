package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duynguyendang/docbroker/internal/credstore"
	"github.com/duynguyendang/docbroker/internal/extraction"
	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

// handleStatus reports whether the current org holds a usable credential.
func (s *Server) handleStatus(c *gin.Context) {
	orgName := s.currentOrg(c)
	authenticated := orgName != "" && s.creds.IsAuthenticated(orgName)

	message := "Access token not found. Please authenticate first."
	if authenticated {
		message = "Access token found"
	}

	c.JSON(http.StatusOK, gin.H{
		"serverTime":    time.Now().Format(time.RFC3339),
		"status":        "running",
		"org":           orgName,
		"authenticated": authenticated,
		"message":       message,
	})
}

// handleAuthInfo returns the OAuth settings the frontend needs to start the
// authorization-code flow.
func (s *Server) handleAuthInfo(c *gin.Context) {
	org, ok := s.orgs.Get(s.currentOrg(c))
	if !ok || org.Auth.LoginURL == "" || org.Auth.ClientID == "" {
		handleError(c, errors.NewAppError(http.StatusInternalServerError, "Salesforce config missing on server", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loginUrl": org.Auth.LoginURL,
		"clientId": org.Auth.ClientID,
	})
}

// callbackPage posts the authorization code plus the PKCE verifier kept in
// sessionStorage back to /auth/exchange.
var callbackPage = template.Must(template.New("callback").Parse(`<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
        .spinner { border: 4px solid #f3f3f3; border-top: 4px solid #667eea;
                   border-radius: 50%; width: 40px; height: 40px;
                   animation: spin 1s linear infinite; margin: 20px auto; }
        @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
    </style>
</head>
<body>
    <h2>Completing Authentication...</h2>
    <div class="spinner"></div>
    <p>Please wait while we complete your authentication.</p>
    <script>
    const codeVerifier = sessionStorage.getItem('pkce_code_verifier');
    fetch('/auth/exchange', {
        method: 'POST',
        headers: {'Content-Type': 'application/json'},
        body: JSON.stringify({ code: {{.Code}}, code_verifier: codeVerifier })
    }).then(response => {
        if (response.ok) {
            const returnPath = sessionStorage.getItem('auth_return_path') || '/config';
            sessionStorage.removeItem('auth_return_path');
            window.location = returnPath;
        } else {
            document.body.innerHTML = '<h2 style="color: red;">Authentication Failed</h2><p>Please try again.</p><a href="/">Return to Home</a>';
        }
    }).catch(error => {
        document.body.innerHTML = '<h2 style="color: red;">Authentication Error</h2><p>' + error.message + '</p><a href="/">Return to Home</a>';
    });
    </script>
</body>
</html>`))

func (s *Server) handleAuthCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "Error: No code provided in callback.")
		return
	}

	var buf bytes.Buffer
	if err := callbackPage.Execute(&buf, struct{ Code string }{Code: code}); err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

// handleAuthExchange trades the authorization code for tokens and persists
// them for the current org.
func (s *Server) handleAuthExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" || req.CodeVerifier == "" {
		c.String(http.StatusBadRequest, "Missing code or code_verifier")
		return
	}

	orgName := s.currentOrg(c)
	org, ok := s.orgs.Get(orgName)
	if !ok {
		handleError(c, fmt.Errorf("no org to authenticate: %w", errors.ErrNotConfigured))
		return
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	redirectURI := fmt.Sprintf("%s://%s/auth/callback", scheme, c.Request.Host)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {req.Code},
		"client_id":     {org.Auth.ClientID},
		"client_secret": {org.Auth.ClientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {req.CodeVerifier},
	}

	tokenURL := s.loginBaseURL
	if tokenURL == "" {
		tokenURL = "https://" + credstore.Host(org.Auth.LoginURL)
	}
	tokenURL += "/services/oauth2/token"
	slog.Info("exchanging authorization code", "org", orgName, "url", tokenURL)

	resp, err := s.oauthClient.PostForm(tokenURL, form)
	if err != nil {
		handleError(c, fmt.Errorf("token exchange request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		handleError(c, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.String(http.StatusBadRequest, "Error exchanging code for token: %s", string(body))
		return
	}

	var tokenData struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.Unmarshal(body, &tokenData); err != nil {
		handleError(c, fmt.Errorf("parsing token response: %w", err))
		return
	}

	if err := s.creds.Save(orgName, credstore.Credentials{
		AccessToken: tokenData.AccessToken,
		InstanceURL: tokenData.InstanceURL,
	}); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type saveTokenRequest struct {
	AccessToken string `json:"accessToken"`
}

// handleSaveToken stores a manually supplied access token for the current org.
func (s *Server) handleSaveToken(c *gin.Context) {
	var req saveTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Access token is required"})
		return
	}

	orgName := s.currentOrg(c)
	if orgName == "" {
		handleError(c, fmt.Errorf("no org to save token for: %w", errors.ErrNotConfigured))
		return
	}
	if err := s.creds.SaveToken(orgName, req.AccessToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to save access token"})
		return
	}

	slog.Info("access token saved", "org", orgName)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Access token saved successfully"})
}

// handleExtractData accepts a multipart upload and runs the extraction flow.
func (s *Server) handleExtractData(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if fileHeader.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		handleError(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		handleError(c, err)
		return
	}

	orgName := s.currentOrg(c)
	result, err := s.svc.Extract(c.Request.Context(), orgName, extraction.Upload{
		Data:      data,
		MimeType:  fileHeader.Header.Get("Content-Type"),
		Extension: strings.TrimPrefix(filepath.Ext(fileHeader.Filename), "."),
	})
	if err != nil {
		handleError(c, err)
		return
	}

	// Serialize by hand so non-ASCII text survives unescaped.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", buf.Bytes())
}
