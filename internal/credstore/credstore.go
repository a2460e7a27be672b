// Package credstore persists per-organization OAuth credentials. Tokens are
// kept outside the org config document because they are refreshed far more
// often and must never leak into config responses.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duynguyendang/docbroker/pkg/common/errors"
)

const (
	tokenFilePrefix = "access-token-"
	tokenFileSuffix = ".secret"
)

// Credentials is the stored token pair for one organization.
type Credentials struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

// Store manages one credential file per organization under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// PathFor returns the credential file path for the given org name.
func (s *Store) PathFor(orgName string) string {
	return filepath.Join(s.baseDir, tokenFilePrefix+orgName+tokenFileSuffix)
}

// Load reads the credential record for orgName. Returns ErrNotFound when no
// file exists.
func (s *Store) Load(orgName string) (*Credentials, error) {
	data, err := os.ReadFile(s.PathFor(orgName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no credentials for org %q: %w", orgName, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("reading credentials for org %q: %w", orgName, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials for org %q: %w", orgName, err)
	}
	return &creds, nil
}

// Save overwrites the credential record for orgName wholesale.
func (s *Store) Save(orgName string, creds Credentials) error {
	creds.AccessToken = strings.TrimSpace(creds.AccessToken)
	creds.InstanceURL = strings.TrimSpace(creds.InstanceURL)

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials for org %q: %w", orgName, err)
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("creating credential dir: %w", err)
	}
	return writeFileAtomic(s.PathFor(orgName), data, 0o600)
}

// SaveToken overwrites the stored access token for orgName, preserving any
// instance URL already on file. Whitespace is trimmed before persisting.
func (s *Store) SaveToken(orgName, accessToken string) error {
	creds := Credentials{AccessToken: strings.TrimSpace(accessToken)}
	if existing, err := s.Load(orgName); err == nil {
		creds.InstanceURL = existing.InstanceURL
	}
	return s.Save(orgName, creds)
}

// Delete removes the credential file for orgName. Missing files are not an error.
func (s *Store) Delete(orgName string) error {
	err := os.Remove(s.PathFor(orgName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Host strips any scheme and trailing slash from an instance or login URL;
// the token endpoints want a bare host.
func Host(raw string) string {
	host := strings.TrimPrefix(raw, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}

// IsAuthenticated reports whether orgName has a usable credential record:
// both access token and instance URL are non-empty. Any read failure counts
// as not authenticated.
func (s *Store) IsAuthenticated(orgName string) bool {
	creds, err := s.Load(orgName)
	if err != nil {
		return false
	}
	return creds.AccessToken != "" && creds.InstanceURL != ""
}

// writeFileAtomic writes via a temp file and rename so concurrent readers
// never observe a truncated document.
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
