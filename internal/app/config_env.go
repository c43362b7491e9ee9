package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envSetters maps each recognised variable onto cfg. Every setter ignores
// values that do not parse.
var envSetters = map[string]func(cfg *Config, v string){
	"SEC_USER_AGENT": func(cfg *Config, v string) { cfg.UserAgent = v },
	// Seconds, as a float ("0.1"), or a Go duration ("250ms").
	"SEC_REQUEST_DELAY": func(cfg *Config, v string) {
		if d, ok := parseDelay(v); ok {
			cfg.RequestDelay = d
		}
	},
	"SEC_BASE_URL":  func(cfg *Config, v string) { cfg.RegistryBaseURL = v },
	"SEC_DATA_URL":  func(cfg *Config, v string) { cfg.RegistryDataURL = v },
	"SEC_DISCOVERY": func(cfg *Config, v string) { cfg.DiscoverySource = v },
	"DATA_DIR":      func(cfg *Config, v string) { cfg.DataDir = v },
	"DATABASE_PATH": func(cfg *Config, v string) { cfg.DatabasePath = v },
	"FORM_TYPE":     func(cfg *Config, v string) { cfg.FormType = strings.ToUpper(v) },
	"WORKERS": func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	},
	"FILING_LIMIT": func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.FilingLimit = n
		}
	},
	"MAX_FILING_AGE_DAYS": func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxFilingAge = time.Duration(n) * 24 * time.Hour
		}
	},
	"INCLUDE_AMENDMENTS": func(cfg *Config, v string) { setBool(&cfg.IncludeAmendments, v) },
	"REVIEW_THRESHOLD": func(cfg *Config, v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReviewThreshold = f
		}
	},
	"VOCABULARY_PATH": func(cfg *Config, v string) { cfg.VocabularyPath = v },
	"CACHE_MAX_AGE": func(cfg *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheMaxAge = d
		}
	},
	"CACHE_STRICT_PERMS": func(cfg *Config, v string) { setBool(&cfg.CacheStrictPerms, v) },
	"LLM_BASE_URL":       func(cfg *Config, v string) { cfg.LLMBaseURL = v },
	"LLM_MODEL":          func(cfg *Config, v string) { cfg.LLMModel = v },
	"LLM_API_KEY":        func(cfg *Config, v string) { cfg.LLMAPIKey = v },
	"VERBOSE":            func(cfg *Config, v string) { setBool(&cfg.Verbose, v) },
}

// ApplyEnvOverrides overrides cfg fields whose environment variables are set
// and non-empty. Env sits above the config file and below command-line flags.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	for key, set := range envSetters {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			set(cfg, v)
		}
	}
}

func parseDelay(v string) (time.Duration, bool) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func setBool(dst *bool, v string) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
