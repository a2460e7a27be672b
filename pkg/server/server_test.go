package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyendang/docbroker/internal/credstore"
	"github.com/duynguyendang/docbroker/internal/datacloud"
	"github.com/duynguyendang/docbroker/internal/docai"
	"github.com/duynguyendang/docbroker/internal/extraction"
	"github.com/duynguyendang/docbroker/internal/orgstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExtractor struct {
	result map[string]any
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ docai.Request) (map[string]any, error) {
	return f.result, f.err
}

type fakeIngester struct {
	creds   *datacloud.Credentials
	outcome *datacloud.Outcome
}

func (f *fakeIngester) ExchangeToken(_ context.Context, _, _ string) *datacloud.Credentials {
	return f.creds
}

func (f *fakeIngester) Ingest(_ context.Context, _ map[string]any, _ *datacloud.Credentials, _, _ string) *datacloud.Outcome {
	return f.outcome
}

type fixture struct {
	srv       *Server
	orgs      *orgstore.Store
	creds     *credstore.Store
	extractor *fakeExtractor
	ingester  *fakeIngester
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	creds := credstore.NewStore(dir)
	orgs := orgstore.NewStore(dir, creds)
	orgs.Upsert("acme", orgstore.Org{
		Auth: orgstore.Auth{
			LoginURL:     "login.salesforce.com",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			APIVersion:   "v62.0",
		},
		Schema: map[string]any{"fields": []any{"Name"}},
	})
	require.NoError(t, creds.Save("acme", credstore.Credentials{
		AccessToken: "tok",
		InstanceURL: "https://acme.my.salesforce.com",
	}))

	extractor := &fakeExtractor{result: map[string]any{
		"LeadsTable": map[string]any{
			"type":  "array",
			"value": []any{map[string]any{"Name": map[string]any{"type": "string", "value": "Bob"}}},
		},
	}}
	ingester := &fakeIngester{
		creds:   &datacloud.Credentials{AccessToken: "dc", InstanceURL: "dc.example.com"},
		outcome: &datacloud.Outcome{Success: true, RecordsIngested: 1},
	}

	svc := extraction.NewService(orgs, creds, extractor, ingester)
	return &fixture{
		srv:       NewServer(orgs, creds, svc),
		orgs:      orgs,
		creds:     creds,
		extractor: extractor,
		ingester:  ingester,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body *bytes.Buffer, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, path, body)
	require.NoError(t, err)
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func asJSON(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
}

func withOrgCookie(name string) func(*http.Request) {
	return func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: orgCookie, Value: name})
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func uploadBody(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake file bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestHealthCheck(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatus(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "acme", body["org"])
	assert.Equal(t, true, body["authenticated"])

	require.NoError(t, f.creds.Delete("acme"))
	body = decodeBody(t, f.do(t, http.MethodGet, "/api/status", nil))
	assert.Equal(t, false, body["authenticated"])
	assert.Contains(t, body["message"], "not found")
}

func TestAuthInfo(t *testing.T) {
	f := newTestServer(t)

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/auth-info", nil))
	assert.Equal(t, "login.salesforce.com", body["loginUrl"])
	assert.Equal(t, "client-id", body["clientId"])

	// Org without login settings: config missing.
	f.orgs.Upsert("bare", orgstore.Org{})
	w := f.do(t, http.MethodGet, "/api/auth-info", nil, withOrgCookie("bare"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuthCallback(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/auth/callback?code=abc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/auth/exchange")
	assert.Contains(t, w.Body.String(), "abc123")

	w = f.do(t, http.MethodGet, "/auth/callback", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthExchange(t *testing.T) {
	f := newTestServer(t)

	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/services/oauth2/token", r.URL.Path)
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		assert.Equal(t, "the-code", r.PostFormValue("code"))
		assert.Equal(t, "client-id", r.PostFormValue("client_id"))
		assert.Equal(t, "client-secret", r.PostFormValue("client_secret"))
		assert.Equal(t, "the-verifier", r.PostFormValue("code_verifier"))
		assert.True(t, strings.HasSuffix(r.PostFormValue("redirect_uri"), "/auth/callback"))

		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "fresh-token",
			"instance_url": "https://acme.my.salesforce.com",
		})
	}))
	defer login.Close()
	f.srv.loginBaseURL = login.URL

	w := f.do(t, http.MethodPost, "/auth/exchange",
		jsonBody(t, map[string]string{"code": "the-code", "code_verifier": "the-verifier"}), asJSON)
	require.Equal(t, http.StatusNoContent, w.Code)

	creds, err := f.creds.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", creds.AccessToken)
	assert.Equal(t, "https://acme.my.salesforce.com", creds.InstanceURL)
}

func TestAuthExchange_MissingFields(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/auth/exchange", jsonBody(t, map[string]string{"code": "x"}), asJSON)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthExchange_UpstreamRejection(t *testing.T) {
	f := newTestServer(t)
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer login.Close()
	f.srv.loginBaseURL = login.URL

	w := f.do(t, http.MethodPost, "/auth/exchange",
		jsonBody(t, map[string]string{"code": "bad", "code_verifier": "v"}), asJSON)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestSaveToken(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodPost, "/api/save-token",
		jsonBody(t, map[string]string{"accessToken": "  manual-token \n"}), asJSON)
	require.Equal(t, http.StatusOK, w.Code)

	creds, err := f.creds.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, "manual-token", creds.AccessToken)
	// SaveToken keeps the instance URL that was already on file.
	assert.Equal(t, "https://acme.my.salesforce.com", creds.InstanceURL)

	w = f.do(t, http.MethodPost, "/api/save-token", jsonBody(t, map[string]string{}), asJSON)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtractData(t *testing.T) {
	f := newTestServer(t)

	body, contentType := uploadBody(t, "doc.pdf")
	w := f.do(t, http.MethodPost, "/extract-data", body, func(r *http.Request) {
		r.Header.Set("Content-Type", contentType)
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "charset=utf-8")

	result := decodeBody(t, w)
	assert.Equal(t, []any{map[string]any{"Name": "Bob"}}, result["LeadsTable"])

	status := result[extraction.IngestionStatusKey].(map[string]any)
	assert.Equal(t, true, status["success"])
	assert.Equal(t, float64(1), status["records_ingested"])
}

func TestExtractData_NonASCIIUnescaped(t *testing.T) {
	f := newTestServer(t)
	f.extractor.result = map[string]any{
		"Name": map[string]any{"type": "string", "value": "Müller & Søn"},
	}
	f.ingester.creds = nil

	body, contentType := uploadBody(t, "doc.pdf")
	w := f.do(t, http.MethodPost, "/extract-data", body, func(r *http.Request) {
		r.Header.Set("Content-Type", contentType)
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Müller & Søn")
	assert.NotContains(t, w.Body.String(), `&`)
}

func TestExtractData_RejectsBadExtension(t *testing.T) {
	f := newTestServer(t)

	body, contentType := uploadBody(t, "report.docx")
	w := f.do(t, http.MethodPost, "/extract-data", body, func(r *http.Request) {
		r.Header.Set("Content-Type", contentType)
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "Invalid file type")
}

func TestExtractData_NoFile(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/extract-data", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No file uploaded", decodeBody(t, w)["error"])
}

func TestExtractData_Unauthenticated(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.creds.Delete("acme"))

	body, contentType := uploadBody(t, "doc.pdf")
	w := f.do(t, http.MethodPost, "/extract-data", body, func(r *http.Request) {
		r.Header.Set("Content-Type", contentType)
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	f := newTestServer(t)

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/config", nil))
	assert.Equal(t, "acme", body["org_name"])
	auth := body["auth"].(map[string]any)
	assert.Equal(t, "client-id", auth["client_id"])

	// Save without a secret: the stored one must survive.
	update := map[string]any{
		"auth":     map[string]any{"login_url": "login.salesforce.com", "client_id": "client-id", "api_version": "v63.0"},
		"ml_model": "another-model",
		"schema":   map[string]any{"fields": []any{"Total"}},
	}
	w := f.do(t, http.MethodPost, "/api/config", jsonBody(t, update), asJSON)
	require.Equal(t, http.StatusOK, w.Code)

	body = decodeBody(t, f.do(t, http.MethodGet, "/api/config", nil))
	auth = body["auth"].(map[string]any)
	assert.Equal(t, "client-secret", auth["client_secret"])
	assert.Equal(t, "v63.0", auth["api_version"])
	assert.Equal(t, "another-model", body["ml_model"])
}

func TestConfig_RejectsNonObjectSchema(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/config",
		bytes.NewBufferString(`{"schema": ["not", "an", "object"]}`), asJSON)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSchema(t *testing.T) {
	f := newTestServer(t)
	body := decodeBody(t, f.do(t, http.MethodGet, "/api/schema", nil))
	assert.Equal(t, []any{"Name"}, body["fields"])
}

func TestOrgCRUD(t *testing.T) {
	f := newTestServer(t)

	// Create.
	w := f.do(t, http.MethodPost, "/api/orgs", jsonBody(t, map[string]any{
		"name": "globex",
		"auth": map[string]any{"login_url": "login.salesforce.com", "client_id": "g-id", "client_secret": "g-secret"},
	}), asJSON)
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate create rejected.
	w = f.do(t, http.MethodPost, "/api/orgs", jsonBody(t, map[string]any{"name": "globex"}), asJSON)
	assert.Equal(t, http.StatusConflict, w.Code)

	// List in stored order.
	body := decodeBody(t, f.do(t, http.MethodGet, "/api/orgs", nil))
	assert.Equal(t, []any{"acme", "globex"}, body["orgs"])
	assert.Equal(t, "acme", body["current_org"])

	// Get by name.
	body = decodeBody(t, f.do(t, http.MethodGet, "/api/orgs/globex", nil))
	assert.Equal(t, "g-id", body["auth"].(map[string]any)["client_id"])

	// Update through PUT, secret omitted: retained.
	w = f.do(t, http.MethodPut, "/api/orgs/globex", jsonBody(t, map[string]any{
		"auth":     map[string]any{"login_url": "login.salesforce.com", "client_id": "g-id2"},
		"ml_model": "m2",
	}), asJSON)
	require.Equal(t, http.StatusOK, w.Code)
	org, ok := f.orgs.Get("globex")
	require.True(t, ok)
	assert.Equal(t, "g-secret", org.Auth.ClientSecret)
	assert.Equal(t, "g-id2", org.Auth.ClientID)

	// Activate sets pointer and cookie.
	w = f.do(t, http.MethodPost, "/api/orgs/globex/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "globex", f.orgs.CurrentName())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, orgCookie, cookies[0].Name)
	assert.Equal(t, "globex", cookies[0].Value)

	// Delete current: pointer reassigns to first remaining.
	w = f.do(t, http.MethodDelete, "/api/orgs/globex", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", decodeBody(t, w)["current_org"])
}

func TestOrg_UnknownName(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/api/orgs/acne", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], `Did you mean "acme"`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/orgs/nope-at-all", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/orgs/nope-at-all/activate", nil).Code)
}

func TestOrgCookie_SelectsOrgForRequest(t *testing.T) {
	f := newTestServer(t)
	f.orgs.Upsert("globex", orgstore.Org{
		Auth:   orgstore.Auth{LoginURL: "login.globex.example", ClientID: "g-id"},
		Schema: map[string]any{"fields": []any{"X"}},
	})

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/config", nil, withOrgCookie("globex")))
	assert.Equal(t, "globex", body["org_name"])

	// A stale cookie falls back to the stored pointer.
	body = decodeBody(t, f.do(t, http.MethodGet, "/api/config", nil, withOrgCookie("deleted-org")))
	assert.Equal(t, "acme", body["org_name"])
}

func TestResetConfig(t *testing.T) {
	t.Setenv("LOGIN_URL", "login.env.example")
	t.Setenv("CLIENT_ID", "env-id")
	t.Setenv("CLIENT_SECRET", "")
	t.Setenv("API_VERSION", "")

	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/config/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	org, ok := f.orgs.Get("acme")
	require.True(t, ok)
	assert.Equal(t, "login.env.example", org.Auth.LoginURL)
	assert.Equal(t, orgstore.DefaultMLModel, org.MLModel)
	// Upsert's secret retention applies on reset too.
	assert.Equal(t, "client-secret", org.Auth.ClientSecret)
}
