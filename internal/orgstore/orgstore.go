// Package orgstore persists named organization configurations and tracks
// which organization is current. The whole document is read and rewritten on
// every mutation; single-writer deployment is assumed, with temp-file+rename
// writes so readers never see a truncated file.
package orgstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Defaults applied when an org or the environment leaves a field unset.
const (
	DefaultOrgName       = "default"
	DefaultMLModel       = "llmgateway__VertexAIGemini20Flash001"
	DefaultConnectorName = "ContactIngestion"
	DefaultObjectName    = "LeadRecord"
	DefaultAPIVersion    = "v62.0"

	configFileName = "user_config.json"
	schemaFileName = "schema.json"
)

// Auth holds the OAuth settings for one organization.
type Auth struct {
	LoginURL     string `json:"login_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	APIVersion   string `json:"api_version"`
}

// Org is one named tenant's configuration.
type Org struct {
	Auth          Auth           `json:"auth"`
	MLModel       string         `json:"ml_model"`
	ConnectorName string         `json:"datacloud_connector_name"`
	ObjectName    string         `json:"datacloud_object_name"`
	Schema        map[string]any `json:"schema"`
}

// document is the on-disk shape. JSON objects lose insertion order, so the
// stored order is carried in a parallel name list and reconciled on load.
type document struct {
	Orgs       map[string]Org `json:"orgs"`
	OrgOrder   []string       `json:"org_order,omitempty"`
	CurrentOrg string         `json:"current_org"`
}

// CredentialRemover removes the credential file of a deleted org.
type CredentialRemover interface {
	Delete(orgName string) error
}

// Store manages the org configuration document under a base directory.
type Store struct {
	baseDir string
	creds   CredentialRemover
}

// NewStore creates a Store rooted at baseDir. creds may be nil when credential
// cleanup on delete is not wanted (tests).
func NewStore(baseDir string, creds CredentialRemover) *Store {
	return &Store{baseDir: baseDir, creds: creds}
}

func (s *Store) configPath() string {
	return filepath.Join(s.baseDir, configFileName)
}

// load reads the whole document. Any read or parse failure degrades to an
// empty document; the store boundary never surfaces I/O errors to handlers.
func (s *Store) load() document {
	doc := document{Orgs: map[string]Org{}}
	data, err := os.ReadFile(s.configPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("reading org config", "path", s.configPath(), "error", err)
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Error("parsing org config", "path", s.configPath(), "error", err)
		return document{Orgs: map[string]Org{}}
	}
	if doc.Orgs == nil {
		doc.Orgs = map[string]Org{}
	}
	doc.OrgOrder = reconcileOrder(doc.OrgOrder, doc.Orgs)
	if _, ok := doc.Orgs[doc.CurrentOrg]; !ok {
		doc.CurrentOrg = ""
	}
	return doc
}

func (s *Store) save(doc document) bool {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Error("encoding org config", "error", err)
		return false
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		slog.Error("creating data dir", "dir", s.baseDir, "error", err)
		return false
	}
	if err := writeFileAtomic(s.configPath(), data, 0o644); err != nil {
		slog.Error("writing org config", "path", s.configPath(), "error", err)
		return false
	}
	return true
}

// reconcileOrder drops order entries whose org no longer exists and appends
// (name-sorted, for determinism) any orgs the order list missed.
func reconcileOrder(order []string, orgs map[string]Org) []string {
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(orgs))
	for _, name := range order {
		if _, ok := orgs[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var missing []string
	for name := range orgs {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return append(out, missing...)
}

// Get returns the org record for name. An empty name resolves through the
// current-org pointer rules.
func (s *Store) Get(name string) (Org, bool) {
	doc := s.load()
	if name == "" {
		name = resolve(doc, "")
	}
	org, ok := doc.Orgs[name]
	return org, ok
}

// List returns the org names in stored order.
func (s *Store) List() []string {
	return s.load().OrgOrder
}

// CurrentName returns the stored current-org pointer, which may be empty.
func (s *Store) CurrentName() string {
	return s.load().CurrentOrg
}

// Resolve returns the effective current org name for a request: the override
// if it names a known org, else the stored pointer, else the first org in
// stored order, else empty.
func (s *Store) Resolve(override string) string {
	return resolve(s.load(), override)
}

func resolve(doc document, override string) string {
	if override != "" {
		if _, ok := doc.Orgs[override]; ok {
			return override
		}
	}
	if doc.CurrentOrg != "" {
		if _, ok := doc.Orgs[doc.CurrentOrg]; ok {
			return doc.CurrentOrg
		}
	}
	if len(doc.OrgOrder) > 0 {
		return doc.OrgOrder[0]
	}
	return ""
}

// Upsert creates or replaces the org named name. An empty incoming client
// secret retains a previously stored one, so partial config saves cannot wipe
// a secret. The first org saved into an empty store becomes current.
func (s *Store) Upsert(name string, org Org) bool {
	doc := s.load()

	if existing, ok := doc.Orgs[name]; ok {
		if org.Auth.ClientSecret == "" && existing.Auth.ClientSecret != "" {
			org.Auth.ClientSecret = existing.Auth.ClientSecret
		}
	} else {
		doc.OrgOrder = append(doc.OrgOrder, name)
	}

	doc.Orgs[name] = org
	if doc.CurrentOrg == "" {
		doc.CurrentOrg = name
	}
	return s.save(doc)
}

// Delete removes the org named name along with its credential file. When the
// deleted org was current, the first remaining org takes over (or the pointer
// clears). Reports whether a record existed.
func (s *Store) Delete(name string) bool {
	doc := s.load()
	if _, ok := doc.Orgs[name]; !ok {
		return false
	}

	delete(doc.Orgs, name)
	doc.OrgOrder = reconcileOrder(doc.OrgOrder, doc.Orgs)
	if doc.CurrentOrg == name {
		if len(doc.OrgOrder) > 0 {
			doc.CurrentOrg = doc.OrgOrder[0]
		} else {
			doc.CurrentOrg = ""
		}
	}

	if s.creds != nil {
		if err := s.creds.Delete(name); err != nil {
			slog.Warn("removing credentials for deleted org", "org", name, "error", err)
		}
	}
	return s.save(doc)
}

// SetCurrent updates the current-org pointer. Unknown names are rejected.
func (s *Store) SetCurrent(name string) bool {
	doc := s.load()
	if _, ok := doc.Orgs[name]; !ok {
		return false
	}
	doc.CurrentOrg = name
	return s.save(doc)
}

// Initialize seeds the store on first start: when no orgs exist, a "default"
// org is synthesized from environment auth values and the default schema, and
// marked current. Idempotent and safe to call on every process start.
func (s *Store) Initialize() {
	doc := s.load()
	if len(doc.Orgs) > 0 {
		return
	}

	doc.Orgs[DefaultOrgName] = s.DefaultOrg()
	doc.OrgOrder = []string{DefaultOrgName}
	doc.CurrentOrg = DefaultOrgName
	if s.save(doc) {
		slog.Info("initialized org store with default org", "dir", s.baseDir)
	}
}

// DefaultOrg builds an org record from environment auth values, the stock
// model and ingestion targets, and the default schema template.
func (s *Store) DefaultOrg() Org {
	return Org{
		Auth: Auth{
			LoginURL:     os.Getenv("LOGIN_URL"),
			ClientID:     os.Getenv("CLIENT_ID"),
			ClientSecret: os.Getenv("CLIENT_SECRET"),
			APIVersion:   envOr("API_VERSION", DefaultAPIVersion),
		},
		MLModel:       DefaultMLModel,
		ConnectorName: DefaultConnectorName,
		ObjectName:    DefaultObjectName,
		Schema:        s.DefaultSchema(),
	}
}

// DefaultSchema loads the schema template shipped in the data dir. A missing
// or unreadable template yields an empty schema.
func (s *Store) DefaultSchema() map[string]any {
	data, err := os.ReadFile(filepath.Join(s.baseDir, schemaFileName))
	if err != nil {
		return map[string]any{}
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		slog.Error("parsing default schema", "error", err)
		return map[string]any{}
	}
	return schema
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
