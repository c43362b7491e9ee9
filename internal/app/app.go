package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/secfilings/internal/cache"
	"github.com/hyperifyio/secfilings/internal/edgar"
	"github.com/hyperifyio/secfilings/internal/fetch"
	"github.com/hyperifyio/secfilings/internal/financials"
	"github.com/hyperifyio/secfilings/internal/insight"
	"github.com/hyperifyio/secfilings/internal/llm"
	"github.com/hyperifyio/secfilings/internal/orchestrator"
	"github.com/hyperifyio/secfilings/internal/sections"
	"github.com/hyperifyio/secfilings/internal/store"
)

// DefaultSearchLimit caps Search when the caller passes no limit.
const DefaultSearchLimit = 50

// App wires the pipeline components behind the operations callers use.
type App struct {
	cfg      Config
	store    *store.Store
	registry *edgar.Client
	orch     *orchestrator.Orchestrator
	analyzer *insight.Analyzer
}

// FilingSections is a filing with its sections in ordinal order.
type FilingSections struct {
	Filing   store.Filing
	Sections []store.Section
}

// New validates cfg and opens every resource. Configuration errors are
// returned before any network or database activity.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	paths := ResolvePaths(cfg)
	if err := os.MkdirAll(filepath.Dir(paths.Database), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.CacheMaxAge > 0 {
		// Purge failures only leave extra files behind.
		if n, err := cache.PurgeRawByAge(paths.Raw, cfg.CacheMaxAge); err != nil {
			log.Warn().Err(err).Msg("raw document purge failed")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("purged raw documents")
		}
		if _, err := cache.PurgeLLMCacheByAge(paths.LLMCache, cfg.CacheMaxAge); err != nil {
			log.Warn().Err(err).Msg("analysis cache purge failed")
		}
	}

	st, err := store.OpenWithOptions(paths.Database, store.Options{MaxOpenConns: cfg.Workers + 2})
	if err != nil {
		return nil, err
	}

	gate := fetch.NewGate(cfg.RequestDelay)
	fetcher := &fetch.Client{
		HTTPClient: newRegistryHTTPClient(cfg.Workers),
		UserAgent:  cfg.UserAgent,
		Gate:       gate,
	}
	source, _ := edgar.ParseSource(cfg.DiscoverySource)
	registry := &edgar.Client{Getter: fetcher, BaseURL: cfg.RegistryBaseURL, DataURL: cfg.RegistryDataURL, Source: source}

	a := &App{
		cfg:      cfg,
		store:    st,
		registry: registry,
		orch: &orchestrator.Orchestrator{
			Identity:  cfg.UserAgent,
			Fetcher:   fetcher,
			Registry:  registry,
			Store:     st,
			Raw:       &cache.RawStore{Dir: paths.Raw, StrictPerms: cfg.CacheStrictPerms},
			Extractor: extractor,
			Workers:   cfg.Workers,
			Discover: edgar.DiscoverOptions{
				Limit:             cfg.FilingLimit,
				MaxAge:            cfg.MaxFilingAge,
				IncludeAmendments: cfg.IncludeAmendments,
			},
			ReviewThreshold: cfg.ReviewThreshold,
		},
	}
	if strings.TrimSpace(cfg.LLMModel) != "" {
		a.analyzer = &insight.Analyzer{
			Client: llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, newLLMHTTPClient()),
			Model:  cfg.LLMModel,
			Cache:  &cache.LLMCache{Dir: paths.LLMCache, StrictPerms: cfg.CacheStrictPerms},
		}
	}
	if v, err := extractor.Version(); err == nil {
		log.Debug().Str("db", paths.Database).Str("extractor", v).Dur("delay", gate.Interval()).Msg("app ready")
	}
	return a, nil
}

func newExtractor(cfg Config) (*sections.Extractor, error) {
	if strings.TrimSpace(cfg.VocabularyPath) == "" {
		v, err := sections.DefaultVocabulary()
		if err != nil {
			return nil, err
		}
		return sections.NewExtractor(v), nil
	}
	data, err := os.ReadFile(cfg.VocabularyPath)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	v, err := sections.LoadVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.VocabularyPath, err)
	}
	return sections.NewExtractor(v), nil
}

// Close releases the database.
func (a *App) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Sync discovers and processes a company's filings. company is a CIK or a
// ticker symbol; an empty formType uses the configured default.
func (a *App) Sync(ctx context.Context, company, formType string) (orchestrator.Report, error) {
	cik, err := a.resolveCompany(ctx, company)
	if err != nil {
		return orchestrator.Report{}, err
	}
	if strings.TrimSpace(formType) == "" {
		formType = a.cfg.FormType
	}
	report, err := a.orch.Sync(ctx, cik, strings.ToUpper(strings.TrimSpace(formType)))
	if err != nil {
		return report, err
	}
	counts := report.Counts()
	log.Info().
		Str("cik", cik).
		Int("extracted", counts[orchestrator.StateExtracted]).
		Int("fetch_failed", counts[orchestrator.StateFetchFailed]).
		Int("extract_failed", counts[orchestrator.StateExtractFailed]).
		Msg("sync finished")
	return report, nil
}

func (a *App) resolveCompany(ctx context.Context, company string) (string, error) {
	company = strings.TrimSpace(company)
	if company == "" {
		return "", errors.New("company identifier required")
	}
	if cik, err := edgar.PadCIK(company); err == nil {
		return cik, nil
	}
	co, err := a.registry.LookupTicker(ctx, company)
	if err != nil {
		return "", err
	}
	if _, err := a.store.UpsertCompany(ctx, store.Company{CIK: co.CIK, Name: co.Name, Ticker: co.Ticker}); err != nil {
		return "", err
	}
	return co.CIK, nil
}

// GetSections returns a filing's sections in order. The accession may be
// given with or without dashes.
func (a *App) GetSections(ctx context.Context, accession string) (FilingSections, error) {
	f, err := a.store.FilingByAccession(ctx, edgar.FormatAccession(accession))
	if err != nil {
		return FilingSections{}, err
	}
	secs, err := a.store.LoadSections(ctx, f.ID)
	if err != nil {
		return FilingSections{}, err
	}
	return FilingSections{Filing: f, Sections: secs}, nil
}

// FilingFinancials is a filing's statement tables, inline XBRL facts and the
// headline metrics picked from them.
type FilingFinancials struct {
	Filing  store.Filing
	Tables  []store.FinancialTable
	Facts   []store.Fact
	Metrics []financials.Metric
}

// GetFinancials returns the financial data stored for a filing.
func (a *App) GetFinancials(ctx context.Context, accession string) (FilingFinancials, error) {
	f, err := a.store.FilingByAccession(ctx, edgar.FormatAccession(accession))
	if err != nil {
		return FilingFinancials{}, err
	}
	tables, facts, err := a.store.LoadFinancials(ctx, f.ID)
	if err != nil {
		return FilingFinancials{}, err
	}
	parsed := make([]financials.Fact, len(facts))
	for i, x := range facts {
		parsed[i] = financials.Fact{
			Name:        x.Concept,
			Value:       x.Value,
			Raw:         x.RawValue,
			ContextRef:  x.ContextRef,
			UnitRef:     x.UnitRef,
			Scale:       x.Scale,
			Decimals:    x.Decimals,
			PeriodEnd:   x.PeriodEnd,
			Dimensional: x.Dimensional,
		}
	}
	return FilingFinancials{Filing: f, Tables: tables, Facts: facts, Metrics: financials.KeyMetrics(parsed)}, nil
}

// Search finds filings whose section text contains query.
func (a *App) Search(ctx context.Context, query, formType string, limit int) ([]store.SearchHit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return a.store.Search(ctx, query, strings.ToUpper(strings.TrimSpace(formType)), limit)
}

// Reextract re-runs extraction for filings produced by an older extractor.
func (a *App) Reextract(ctx context.Context) ([]orchestrator.Outcome, error) {
	return a.orch.Reextract(ctx)
}

// RetryFailed re-processes filings left in a failed state.
func (a *App) RetryFailed(ctx context.Context) ([]orchestrator.Outcome, error) {
	return a.orch.RetryFailed(ctx)
}

// Analyze runs an analysis over a stored filing's sections.
func (a *App) Analyze(ctx context.Context, accession string, kind insight.Kind) (insight.Result, error) {
	if a.analyzer == nil {
		return insight.Result{}, fmt.Errorf("%w: set LLM_MODEL", insight.ErrNotConfigured)
	}
	fs, err := a.GetSections(ctx, accession)
	if err != nil {
		return insight.Result{}, err
	}
	return a.analyzer.Analyze(ctx, fs.Filing.Accession, kind, fs.Sections)
}

// UpdateCompany applies an administrative edit of a company's name or ticker.
func (a *App) UpdateCompany(ctx context.Context, cik, name, ticker string) error {
	padded, err := edgar.PadCIK(cik)
	if err != nil {
		return err
	}
	return a.store.UpdateCompany(ctx, padded, name, ticker)
}
