// Package extraction orchestrates a document extraction request: credential
// gate, input validation, the extraction call, unwrapping, and best-effort
// Data Cloud ingestion.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duynguyendang/docbroker/internal/credstore"
	"github.com/duynguyendang/docbroker/internal/datacloud"
	"github.com/duynguyendang/docbroker/internal/docai"
	"github.com/duynguyendang/docbroker/internal/orgstore"
	"github.com/duynguyendang/docbroker/internal/unwrap"
	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

// IngestionStatusKey is the member merged into the result when ingestion was
// attempted.
const IngestionStatusKey = "_ingestion_status"

// allowedExtensions is the upload allow-list, checked case-insensitively.
var allowedExtensions = map[string]bool{
	"pdf":  true,
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"tiff": true,
	"bmp":  true,
}

// Upload is the user-provided file for one extraction request.
type Upload struct {
	Data      []byte
	MimeType  string
	Extension string
}

// Extractor calls the extraction API.
type Extractor interface {
	Extract(ctx context.Context, req docai.Request) (map[string]any, error)
}

// Ingester exchanges tokens and posts records to the ingestion endpoint.
type Ingester interface {
	ExchangeToken(ctx context.Context, primaryToken, host string) *datacloud.Credentials
	Ingest(ctx context.Context, cleaned map[string]any, creds *datacloud.Credentials, connectorName, objectName string) *datacloud.Outcome
}

// Service wires the stores and upstream clients into the extraction flow.
type Service struct {
	orgs      *orgstore.Store
	creds     *credstore.Store
	extractor Extractor
	ingester  Ingester
}

// NewService creates a Service.
func NewService(orgs *orgstore.Store, creds *credstore.Store, extractor Extractor, ingester Ingester) *Service {
	return &Service{orgs: orgs, creds: creds, extractor: extractor, ingester: ingester}
}

// Extract runs the full flow for orgName and returns the unwrapped extraction
// object, with an ingestion outcome merged in when ingestion was attempted.
// Ingestion failures never fail the extraction itself.
func (s *Service) Extract(ctx context.Context, orgName string, up Upload) (map[string]any, error) {
	if !s.creds.IsAuthenticated(orgName) {
		return nil, fmt.Errorf("org %q: %w", orgName, errors.ErrUnauthenticated)
	}

	ext := strings.ToLower(strings.TrimPrefix(up.Extension, "."))
	if !allowedExtensions[ext] {
		return nil, errors.NewAppError(http.StatusBadRequest,
			"Invalid file type. Allowed types are: PDF and images (PNG, JPG, JPEG, TIFF, BMP)",
			errors.ErrInvalidInput)
	}

	org, ok := s.orgs.Get(orgName)
	if !ok {
		return nil, fmt.Errorf("unknown org %q: %w", orgName, errors.ErrNotConfigured)
	}

	schema := org.Schema
	if len(schema) == 0 {
		schema = s.orgs.DefaultSchema()
	}
	if len(schema) == 0 {
		return nil, errors.NewAppError(http.StatusBadRequest,
			"No schema configured. Please configure a schema in the Configuration page.",
			errors.ErrNotConfigured)
	}

	mlModel := org.MLModel
	if mlModel == "" {
		mlModel = orgstore.DefaultMLModel
	}
	apiVersion := org.Auth.APIVersion
	if apiVersion == "" {
		apiVersion = orgstore.DefaultAPIVersion
	}

	creds, err := s.creds.Load(orgName)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", errors.ErrUnauthenticated)
	}

	raw, err := s.extractor.Extract(ctx, docai.Request{
		InstanceURL: creds.InstanceURL,
		AccessToken: creds.AccessToken,
		APIVersion:  apiVersion,
		MLModel:     mlModel,
		Schema:      schema,
		File:        docai.File{Data: up.Data, MimeType: up.MimeType},
	})
	if err != nil {
		return nil, err
	}

	cleaned := unwrap.Object(raw)

	if outcome := s.tryIngest(ctx, cleaned, creds, org); outcome != nil {
		cleaned[IngestionStatusKey] = outcome
	}
	return cleaned, nil
}

// tryIngest runs the ingestion side step. All failure modes reduce to an
// Outcome or nil; nothing propagates to the extraction result.
func (s *Service) tryIngest(ctx context.Context, cleaned map[string]any, creds *credstore.Credentials, org orgstore.Org) (outcome *datacloud.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingestion panicked", "panic", r)
			outcome = &datacloud.Outcome{Success: false, Error: fmt.Sprint(r)}
		}
	}()

	dcCreds := s.ingester.ExchangeToken(ctx, creds.AccessToken, credstore.Host(creds.InstanceURL))
	if dcCreds == nil {
		slog.Warn("could not obtain Data Cloud token, skipping ingestion")
		return nil
	}

	connector := org.ConnectorName
	if connector == "" {
		connector = orgstore.DefaultConnectorName
	}
	object := org.ObjectName
	if object == "" {
		object = orgstore.DefaultObjectName
	}

	outcome = s.ingester.Ingest(ctx, cleaned, dcCreds, connector, object)
	if outcome != nil && !outcome.Success {
		slog.Warn("Data Cloud ingestion failed", "error", outcome.Error, "status", outcome.StatusCode)
	}
	return outcome
}
