// Package docai calls the Document AI extraction endpoint and peels its
// response down to the extracted object.
package docai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

// DefaultTimeout is generous because extraction is slow on large documents.
const DefaultTimeout = 160 * time.Second

const extractPath = "/services/data/%s/ssot/document-processing/actions/extract-data"

// File is one uploaded document to extract from.
type File struct {
	Data     []byte
	MimeType string
}

// Request carries everything one extraction call needs.
type Request struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	MLModel     string
	Schema      map[string]any
	File        File
}

type extractPayload struct {
	MLModel      string        `json:"mlModel"`
	SchemaConfig string        `json:"schemaConfig"`
	Files        []filePayload `json:"files"`
}

type filePayload struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type extractResponse struct {
	Data []struct {
		Error string `json:"error"`
		Data  string `json:"data"`
	} `json:"data"`
}

// Client is an HTTP client for the extraction API.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client. A zero timeout selects DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Extract posts the file to the extraction endpoint and returns the parsed
// extraction object. Upstream rejections surface as UpstreamError with the
// raw body; unexpected shapes surface as ErrMalformedResponse.
func (c *Client) Extract(ctx context.Context, req Request) (map[string]any, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema config: %w", err)
	}

	mimeType := req.File.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	payload := extractPayload{
		MLModel:      req.MLModel,
		SchemaConfig: string(schemaJSON),
		Files: []filePayload{{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(req.File.Data),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding extraction payload: %w", err)
	}

	url := req.InstanceURL + fmt.Sprintf(extractPath, req.APIVersion)
	slog.Info("calling extraction API", "url", url, "mlModel", req.MLModel, "mimeType", mimeType)
	slog.Debug("extraction schema", "schemaConfig", payload.SchemaConfig)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building extraction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading extraction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("extraction API rejected request", "status", resp.StatusCode, "body", string(respBody))
		return nil, errors.NewUpstreamError(resp.StatusCode, string(respBody))
	}

	return parseResponse(respBody)
}

// parseResponse peels the extraction envelope: the usable object is a
// JSON-encoded string at data[0].data, HTML-entity-escaped by the service.
func parseResponse(raw []byte) (map[string]any, error) {
	slog.Debug("raw extraction response", "body", string(raw))

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty response from server: %w", errors.ErrMalformedResponse)
	}

	var envelope extractResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", errors.ErrMalformedResponse, err, truncate(raw))
	}
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("no data in response: %w", errors.ErrMalformedResponse)
	}

	first := envelope.Data[0]
	if first.Error != "" {
		if strings.Contains(first.Error, "403") {
			return nil, errors.NewUpstreamAuthError(first.Error)
		}
		return nil, errors.NewUpstreamError(http.StatusInternalServerError, first.Error)
	}
	if first.Data == "" {
		return nil, fmt.Errorf("no extracted data in response: %w", errors.ErrMalformedResponse)
	}

	// The service escapes quotes and backslashes as HTML entities inside the
	// nested JSON string.
	nested := strings.ReplaceAll(first.Data, "&quot;", `"`)
	nested = strings.ReplaceAll(nested, "&#92;", `\`)

	var result map[string]any
	if err := json.Unmarshal([]byte(nested), &result); err != nil {
		return nil, fmt.Errorf("%w: parsing nested data: %v (raw: %s)", errors.ErrMalformedResponse, err, truncate(raw))
	}
	return result, nil
}

func truncate(b []byte) string {
	const max = 2048
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
