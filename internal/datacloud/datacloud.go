// Package datacloud exchanges the primary access token for a Data Cloud token
// and forwards extracted records to the ingestion API. Every outcome here is
// informational: ingestion must never fail an extraction request.
package datacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultExchangeTimeout = 30 * time.Second
	DefaultIngestTimeout   = 30 * time.Second

	tokenExchangeGrant = "urn:salesforce:grant-type:external:cdp"
	subjectTokenType   = "urn:ietf:params:oauth:token-type:access_token"

	eventIDKey   = "EventID"
	eventTimeKey = "eventime"
)

// Credentials is the secondary token pair returned by the exchange endpoint.
type Credentials struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

// Outcome reports what happened to an ingestion attempt. It is attached to
// extraction results as data, never raised as an error.
type Outcome struct {
	Success         bool   `json:"success"`
	RecordsIngested int    `json:"records_ingested,omitempty"`
	Response        any    `json:"response,omitempty"`
	Error           string `json:"error,omitempty"`
	StatusCode      int    `json:"status_code,omitempty"`
}

// Client talks to the Data Cloud token-exchange and ingestion endpoints.
type Client struct {
	exchangeClient *http.Client
	ingestClient   *http.Client

	// baseURL overrides the https://<host> composition in tests.
	baseURL string
}

// NewClient creates a Client. Zero timeouts select the defaults.
func NewClient(exchangeTimeout, ingestTimeout time.Duration) *Client {
	if exchangeTimeout <= 0 {
		exchangeTimeout = DefaultExchangeTimeout
	}
	if ingestTimeout <= 0 {
		ingestTimeout = DefaultIngestTimeout
	}
	return &Client{
		exchangeClient: &http.Client{Timeout: exchangeTimeout},
		ingestClient:   &http.Client{Timeout: ingestTimeout},
	}
}

func (c *Client) endpoint(host, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return "https://" + host + path
}

// ExchangeToken trades the primary access token for a Data Cloud token. host
// is the primary instance URL with any scheme stripped. Any failure returns
// nil so callers skip ingestion instead of failing extraction.
func (c *Client) ExchangeToken(ctx context.Context, primaryToken, host string) *Credentials {
	form := url.Values{
		"grant_type":         {tokenExchangeGrant},
		"subject_token":      {primaryToken},
		"subject_token_type": {subjectTokenType},
	}

	tokenURL := c.endpoint(host, "/services/a360/token")
	slog.Info("exchanging token for Data Cloud", "url", tokenURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("building token exchange request", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.exchangeClient.Do(req)
	if err != nil {
		slog.Error("token exchange request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("reading token exchange response", "error", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("token exchange rejected", "status", resp.StatusCode, "body", string(body))
		return nil
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		slog.Error("parsing token exchange response", "error", err)
		return nil
	}
	slog.Info("obtained Data Cloud token", "instance", creds.InstanceURL)
	return &creds
}

// Ingest posts the record list found in cleaned to the ingestion endpoint.
// The records list is the first top-level member whose value is a sequence;
// when none exists, or the located sequence is empty, there is nothing to
// ingest and Ingest returns nil without calling the endpoint.
func (c *Client) Ingest(ctx context.Context, cleaned map[string]any, creds *Credentials, connectorName, objectName string) *Outcome {
	records := findRecords(cleaned)
	if len(records) == 0 {
		slog.Warn("no records found for ingestion")
		return nil
	}

	payload := map[string]any{"data": synthesizeRecords(records)}
	body, err := json.Marshal(payload)
	if err != nil {
		return &Outcome{Success: false, Error: fmt.Sprintf("encoding ingestion payload: %v", err)}
	}

	ingestURL := c.endpoint(creds.InstanceURL, "/api/v1/ingest/sources/"+connectorName+"/"+objectName)
	slog.Info("ingesting records", "url", ingestURL, "connector", connectorName, "object", objectName, "records", len(records))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ingestURL, bytes.NewReader(body))
	if err != nil {
		return &Outcome{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.ingestClient.Do(req)
	if err != nil {
		return &Outcome{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Outcome{Success: false, Error: err.Error(), StatusCode: resp.StatusCode}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		slog.Info("ingestion succeeded", "records", len(records), "status", resp.StatusCode)
		var parsed any
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				parsed = string(respBody)
			}
		}
		return &Outcome{Success: true, RecordsIngested: len(records), Response: parsed}
	default:
		slog.Error("ingestion failed", "status", resp.StatusCode, "body", string(respBody))
		return &Outcome{Success: false, Error: string(respBody), StatusCode: resp.StatusCode}
	}
}

// findRecords returns the first top-level member of cleaned whose value is a
// sequence of records. Decoded JSON objects carry no member order, so "first"
// is taken over name-sorted keys to keep the choice deterministic.
func findRecords(cleaned map[string]any) []any {
	keys := make([]string, 0, len(cleaned))
	for key := range cleaned {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if list, ok := cleaned[key].([]any); ok {
			return list
		}
	}
	return nil
}

// synthesizeRecords prefixes each record with a unique EventID and a UTC
// event timestamp. Synthesized fields are written first and the record's own
// members copied in afterwards, so a record carrying a colliding key name
// overwrites the synthesized value.
func synthesizeRecords(records []any) []map[string]any {
	now := time.Now().UTC().Truncate(time.Millisecond).Format("2006-01-02T15:04:05.000Z07:00")

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := map[string]any{
			eventIDKey:   uuid.NewString(),
			eventTimeKey: now,
		}
		if fields, ok := rec.(map[string]any); ok {
			for key, value := range fields {
				row[key] = value
			}
		}
		out = append(out, row)
	}
	return out
}
