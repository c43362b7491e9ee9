package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/hyperifyio/secfilings/internal/edgar"
	"github.com/hyperifyio/secfilings/internal/fetch"
)

// FileConfig is the single-file configuration schema. Zero values leave the
// corresponding Config field untouched.
type FileConfig struct {
	Registry struct {
		UserAgent    string        `yaml:"userAgent" json:"userAgent"`
		RequestDelay time.Duration `yaml:"requestDelay" json:"requestDelay"`
		BaseURL      string        `yaml:"baseURL" json:"baseURL"`
		DataURL      string        `yaml:"dataURL" json:"dataURL"`
		Discovery    string        `yaml:"discovery" json:"discovery"`
	} `yaml:"registry" json:"registry"`

	Storage struct {
		DataDir  string `yaml:"dataDir" json:"dataDir"`
		Database string `yaml:"database" json:"database"`
	} `yaml:"storage" json:"storage"`

	Sync struct {
		FormType          string `yaml:"formType" json:"formType"`
		Limit             int    `yaml:"limit" json:"limit"`
		MaxAgeDays        int    `yaml:"maxAgeDays" json:"maxAgeDays"`
		IncludeAmendments bool   `yaml:"includeAmendments" json:"includeAmendments"`
		Workers           int    `yaml:"workers" json:"workers"`
	} `yaml:"sync" json:"sync"`

	Extraction struct {
		Vocabulary      string  `yaml:"vocabulary" json:"vocabulary"`
		ReviewThreshold float64 `yaml:"reviewThreshold" json:"reviewThreshold"`
	} `yaml:"extraction" json:"extraction"`

	Cache struct {
		MaxAge      time.Duration `yaml:"maxAge" json:"maxAge"`
		StrictPerms bool          `yaml:"strictPerms" json:"strictPerms"`
	} `yaml:"cache" json:"cache"`

	LLM struct {
		BaseURL string `yaml:"base" json:"base"`
		Model   string `yaml:"model" json:"model"`
		APIKey  string `yaml:"key" json:"key"`
	} `yaml:"llm" json:"llm"`

	Verbose bool `yaml:"verbose" json:"verbose"`
}

// LoadConfigFile reads YAML or JSON into FileConfig, choosing by extension
// and trying both when the extension is unknown.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays every value set in fc onto cfg.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}
	setString := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	setString(&cfg.UserAgent, fc.Registry.UserAgent)
	if fc.Registry.RequestDelay > 0 {
		cfg.RequestDelay = fc.Registry.RequestDelay
	}
	setString(&cfg.RegistryBaseURL, fc.Registry.BaseURL)
	setString(&cfg.RegistryDataURL, fc.Registry.DataURL)
	setString(&cfg.DiscoverySource, fc.Registry.Discovery)

	setString(&cfg.DataDir, fc.Storage.DataDir)
	setString(&cfg.DatabasePath, fc.Storage.Database)

	setString(&cfg.FormType, strings.ToUpper(fc.Sync.FormType))
	if fc.Sync.Limit > 0 {
		cfg.FilingLimit = fc.Sync.Limit
	}
	if fc.Sync.MaxAgeDays > 0 {
		cfg.MaxFilingAge = time.Duration(fc.Sync.MaxAgeDays) * 24 * time.Hour
	}
	if fc.Sync.IncludeAmendments {
		cfg.IncludeAmendments = true
	}
	if fc.Sync.Workers > 0 {
		cfg.Workers = fc.Sync.Workers
	}

	setString(&cfg.VocabularyPath, fc.Extraction.Vocabulary)
	if fc.Extraction.ReviewThreshold > 0 {
		cfg.ReviewThreshold = fc.Extraction.ReviewThreshold
	}

	if fc.Cache.MaxAge > 0 {
		cfg.CacheMaxAge = fc.Cache.MaxAge
	}
	if fc.Cache.StrictPerms {
		cfg.CacheStrictPerms = true
	}

	setString(&cfg.LLMBaseURL, fc.LLM.BaseURL)
	setString(&cfg.LLMModel, fc.LLM.Model)
	setString(&cfg.LLMAPIKey, fc.LLM.APIKey)
	if fc.Verbose {
		cfg.Verbose = true
	}
}

// ErrMissingIdentity is returned when no registry contact string is
// configured. The registry rejects anonymous traffic, so nothing is attempted.
var ErrMissingIdentity = fetch.ErrMissingIdentity

// ValidateConfig rejects configurations that would fail every filing.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return fmt.Errorf("config: %w (set SEC_USER_AGENT)", ErrMissingIdentity)
	}
	if strings.TrimSpace(cfg.DataDir) == "" && strings.TrimSpace(cfg.DatabasePath) == "" {
		return errors.New("config: data directory or database path is required")
	}
	if cfg.Workers < 0 || cfg.FilingLimit < 0 || cfg.RequestDelay < 0 || cfg.MaxFilingAge < 0 {
		return errors.New("config: negative limits are not allowed")
	}
	if _, err := edgar.ParseSource(cfg.DiscoverySource); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.ReviewThreshold < 0 || cfg.ReviewThreshold > 1 {
		return fmt.Errorf("config: review threshold %v outside 0..1", cfg.ReviewThreshold)
	}
	return nil
}
