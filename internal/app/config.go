package app

import "time"

// Config holds runtime configuration for the application.
type Config struct {
	// Registry access
	UserAgent    string
	RequestDelay time.Duration
	// Overridable for tests and mirrors; empty means the public registry.
	RegistryBaseURL string
	RegistryDataURL string
	// DiscoverySource is auto, submissions or atom.
	DiscoverySource string

	// Storage
	DataDir          string
	DatabasePath     string
	CacheMaxAge      time.Duration
	CacheStrictPerms bool

	// Discovery / processing
	FormType          string
	FilingLimit       int
	MaxFilingAge      time.Duration
	IncludeAmendments bool
	Workers           int
	ReviewThreshold   float64
	// VocabularyPath replaces the built-in heading vocabulary when set.
	VocabularyPath string

	// LLM
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	Verbose bool
}

const (
	defaultDataDir         = "data"
	defaultFormType        = "10-K"
	defaultRequestDelay    = 100 * time.Millisecond
	defaultWorkers         = 4
	defaultMaxFilingAge    = 90 * 24 * time.Hour
	defaultReviewThreshold = 0.7
)

// DefaultConfig returns the configuration every other layer overlays.
func DefaultConfig() Config {
	return Config{
		RequestDelay:    defaultRequestDelay,
		DataDir:         defaultDataDir,
		FormType:        defaultFormType,
		Workers:         defaultWorkers,
		MaxFilingAge:    defaultMaxFilingAge,
		ReviewThreshold: defaultReviewThreshold,
	}
}
