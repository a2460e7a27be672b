// Package appconfig loads server settings from an optional YAML file with
// environment overrides.
package appconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the process-level knobs; per-org behavior lives in orgstore.
type Settings struct {
	Port    string `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// Outbound call timeouts, in seconds. Extraction is slow by nature.
	ExtractTimeoutSec  int `yaml:"extract_timeout_sec"`
	ExchangeTimeoutSec int `yaml:"exchange_timeout_sec"`
	IngestTimeoutSec   int `yaml:"ingest_timeout_sec"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Port:               "3000",
		DataDir:            "./data",
		ExtractTimeoutSec:  160,
		ExchangeTimeoutSec: 30,
		IngestTimeoutSec:   30,
	}
}

// Load reads settings from path (if it exists) on top of the defaults, then
// applies PORT and DATA_DIR env overrides. An empty path skips the file.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return s, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		s.Port = port
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		s.DataDir = dir
	}

	if s.ExtractTimeoutSec <= 0 {
		s.ExtractTimeoutSec = Defaults().ExtractTimeoutSec
	}
	if s.ExchangeTimeoutSec <= 0 {
		s.ExchangeTimeoutSec = Defaults().ExchangeTimeoutSec
	}
	if s.IngestTimeoutSec <= 0 {
		s.IngestTimeoutSec = Defaults().IngestTimeoutSec
	}
	return s, nil
}

// ExtractTimeout returns the extraction call timeout.
func (s Settings) ExtractTimeout() time.Duration {
	return time.Duration(s.ExtractTimeoutSec) * time.Second
}

// ExchangeTimeout returns the token exchange timeout.
func (s Settings) ExchangeTimeout() time.Duration {
	return time.Duration(s.ExchangeTimeoutSec) * time.Second
}

// IngestTimeout returns the ingestion POST timeout.
func (s Settings) IngestTimeout() time.Duration {
	return time.Duration(s.IngestTimeoutSec) * time.Second
}
