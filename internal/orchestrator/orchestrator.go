// Package orchestrator drives filings through discovery, fetch, extraction
// and storage, recording each state transition and isolating per-filing
// failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/secfilings/internal/cache"
	"github.com/hyperifyio/secfilings/internal/edgar"
	"github.com/hyperifyio/secfilings/internal/fetch"
	"github.com/hyperifyio/secfilings/internal/financials"
	"github.com/hyperifyio/secfilings/internal/normalize"
	"github.com/hyperifyio/secfilings/internal/sections"
	"github.com/hyperifyio/secfilings/internal/store"
)

// State is a filing's position in the processing lifecycle.
type State string

const (
	StateDiscovered    State = "DISCOVERED"
	StateFetching      State = "FETCHING"
	StateFetched       State = "FETCHED"
	StateExtracting    State = "EXTRACTING"
	StateExtracted     State = "EXTRACTED"
	StateFetchFailed   State = "FETCH_FAILED"
	StateExtractFailed State = "EXTRACT_FAILED"
)

// Terminal reports whether no further automatic transition follows s.
func (s State) Terminal() bool {
	return s == StateExtracted || s == StateFetchFailed || s == StateExtractFailed
}

// Failed reports whether s is a terminal failure eligible for manual retry.
func (s State) Failed() bool {
	return s == StateFetchFailed || s == StateExtractFailed
}

const DefaultWorkers = 4

// Fetcher retrieves a document body and its content type.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, string, error)
}

// Registry discovers filings and resolves index pages.
type Registry interface {
	Discover(ctx context.Context, cik string, formType string, opts edgar.DiscoverOptions) (edgar.Company, []edgar.Filing, error)
	ResolveDocument(ctx context.Context, indexURL string, formType string) (string, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	UpsertCompany(ctx context.Context, c store.Company) (store.Company, error)
	UpsertFiling(ctx context.Context, f store.Filing) (store.Filing, error)
	SetStatus(ctx context.Context, id int64, status, errMsg string) error
	SetDocument(ctx context.Context, id int64, documentURL, rawDigest string) error
	SaveSections(ctx context.Context, filingID int64, version string, expectedRevision int64, secs []store.Section) (store.SaveResult, error)
	SaveFinancials(ctx context.Context, filingID int64, tables []store.FinancialTable, facts []store.Fact) error
	AccessionsWithVersion(ctx context.Context, accessions []string, version string) (map[string]bool, error)
	Stale(ctx context.Context, version string) ([]store.Filing, error)
	FilingsByStatus(ctx context.Context, status string) ([]store.Filing, error)
}

// Outcome is the per-filing result reported to callers.
type Outcome struct {
	Accession string
	FormType  string
	FilingID  int64
	State     State
	// Skipped marks filings already extracted by the current extractor.
	Skipped  bool
	Sections int
	// LowConfidence counts sections below the review threshold.
	LowConfidence int
	// Tables and Facts count the financial statement tables and inline XBRL
	// facts stored alongside the sections.
	Tables int
	Facts  int
	Err    error
}

// Report is the result of one Sync call.
type Report struct {
	Company  edgar.Company
	Outcomes []Outcome
}

// Counts tallies outcomes by state.
func (r Report) Counts() map[State]int {
	out := make(map[State]int)
	for _, o := range r.Outcomes {
		out[o.State]++
	}
	return out
}

// Orchestrator composes the pipeline components.
type Orchestrator struct {
	// Identity is the registry contact string; Sync refuses to start without it.
	Identity  string
	Fetcher   Fetcher
	Registry  Registry
	Store     Store
	Raw       *cache.RawStore
	Extractor *sections.Extractor
	// Workers bounds concurrent filings. Zero means DefaultWorkers.
	Workers  int
	Discover edgar.DiscoverOptions
	// ReviewThreshold flags sections whose confidence falls below it.
	ReviewThreshold float64
}

// ErrNotConfigured is returned when a required component is missing.
var ErrNotConfigured = errors.New("orchestrator not configured")

func (o *Orchestrator) validate() error {
	if strings.TrimSpace(o.Identity) == "" {
		return fetch.ErrMissingIdentity
	}
	if o.Fetcher == nil || o.Store == nil {
		return fmt.Errorf("%w: fetcher and store are required", ErrNotConfigured)
	}
	return nil
}

func (o *Orchestrator) extractor() *sections.Extractor {
	if o.Extractor != nil {
		return o.Extractor
	}
	return &sections.Extractor{}
}

// Sync discovers a company's filings of formType and processes every one not
// already extracted by the current extractor version. Only configuration and
// discovery failures return an error; per-filing failures are in the report.
func (o *Orchestrator) Sync(ctx context.Context, cik string, formType string) (Report, error) {
	if err := o.validate(); err != nil {
		return Report{}, err
	}
	if o.Registry == nil {
		return Report{}, fmt.Errorf("%w: registry is required", ErrNotConfigured)
	}
	version, err := o.extractor().Version()
	if err != nil {
		return Report{}, fmt.Errorf("extractor version: %w", err)
	}
	company, filings, err := o.Registry.Discover(ctx, cik, formType, o.Discover)
	if err != nil {
		return Report{}, fmt.Errorf("discover filings: %w", err)
	}
	log.Info().Str("cik", company.CIK).Str("company", company.Name).Str("form", formType).Int("discovered", len(filings)).Msg("discovered filings")
	if _, err := o.Store.UpsertCompany(ctx, store.Company{CIK: company.CIK, Name: company.Name, Ticker: company.Ticker}); err != nil {
		return Report{}, fmt.Errorf("record company: %w", err)
	}

	filings = uniqueByAccession(filings)
	accessions := make([]string, len(filings))
	for i, f := range filings {
		accessions[i] = f.Accession
	}
	done, err := o.Store.AccessionsWithVersion(ctx, accessions, version)
	if err != nil {
		return Report{}, fmt.Errorf("dedupe filings: %w", err)
	}

	report := Report{Company: company, Outcomes: make([]Outcome, len(filings))}
	var pending []edgar.Filing
	var slots []int
	for i, f := range filings {
		if done[f.Accession] {
			report.Outcomes[i] = Outcome{Accession: f.Accession, FormType: f.FormType, State: StateExtracted, Skipped: true}
			continue
		}
		pending = append(pending, f)
		slots = append(slots, i)
	}
	for j, out := range o.Process(ctx, pending) {
		report.Outcomes[slots[j]] = out
	}
	return report, nil
}

// Process runs each filing through the pipeline with bounded concurrency.
// Outcomes are returned in input order. Filings not started before ctx is
// cancelled are reported in DISCOVERED with the context error.
func (o *Orchestrator) Process(ctx context.Context, filings []edgar.Filing) []Outcome {
	outcomes := make([]Outcome, len(filings))
	if len(filings) == 0 {
		return outcomes
	}
	if err := o.validate(); err != nil {
		for i, f := range filings {
			outcomes[i] = Outcome{Accession: f.Accession, FormType: f.FormType, State: StateDiscovered, Err: err}
		}
		return outcomes
	}
	version, err := o.extractor().Version()
	if err != nil {
		for i, f := range filings {
			outcomes[i] = Outcome{Accession: f.Accession, FormType: f.FormType, State: StateDiscovered, Err: err}
		}
		return outcomes
	}

	companies := make(map[string]int64)
	workers := o.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, f := range filings {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{Accession: f.Accession, FormType: f.FormType, State: StateDiscovered, Err: err}
			continue
		}
		companyID, ok := companies[f.CIK]
		if !ok {
			c, err := o.Store.UpsertCompany(ctx, store.Company{CIK: f.CIK, Name: f.CompanyName})
			if err != nil {
				outcomes[i] = Outcome{Accession: f.Accession, FormType: f.FormType, State: StateDiscovered, Err: fmt.Errorf("record company: %w", err)}
				continue
			}
			companyID = c.ID
			companies[f.CIK] = companyID
		}
		g.Go(func() error {
			outcomes[i] = o.discoverAndRun(ctx, companyID, f, version)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) discoverAndRun(ctx context.Context, companyID int64, f edgar.Filing, version string) Outcome {
	out := Outcome{Accession: f.Accession, FormType: f.FormType, State: StateDiscovered}
	row, err := o.Store.UpsertFiling(ctx, store.Filing{
		CompanyID:   companyID,
		FormType:    f.FormType,
		FilingDate:  dateString(f),
		Accession:   f.Accession,
		DocumentURL: f.DocumentURL,
		IndexURL:    f.IndexURL,
		Status:      string(StateDiscovered),
	})
	if err != nil {
		out.Err = fmt.Errorf("record filing: %w", err)
		return out
	}
	return o.run(ctx, row, version)
}

// run moves one stored filing from its current state to a terminal one. A
// verified raw document from an earlier fetch is reused instead of fetching.
func (o *Orchestrator) run(ctx context.Context, row store.Filing, version string) Outcome {
	out := Outcome{Accession: row.Accession, FormType: row.FormType, FilingID: row.ID, State: State(row.Status)}
	logger := log.With().Str("accession", row.Accession).Str("form", row.FormType).Logger()

	var body []byte
	var contentType string
	if o.Raw != nil && o.Raw.Has(row.Accession) {
		b, meta, err := o.Raw.Load(ctx, row.Accession)
		if err == nil {
			body, contentType = b, meta.ContentType
		} else {
			logger.Warn().Err(err).Msg("stored raw document unusable; fetching again")
		}
	}

	if body != nil {
		logger.Info().Msg("reusing stored raw document")
		if !o.transition(ctx, &out, StateFetched, nil) {
			return out
		}
	} else {
		if !o.transition(ctx, &out, StateFetching, nil) {
			return out
		}
		docURL := row.DocumentURL
		if docURL == "" && row.IndexURL != "" {
			if o.Registry == nil {
				return o.fail(ctx, out, StateFetchFailed, fmt.Errorf("%w: registry is required to resolve %s", ErrNotConfigured, row.IndexURL))
			}
			resolved, err := o.Registry.ResolveDocument(ctx, row.IndexURL, row.FormType)
			if err != nil {
				return o.fail(ctx, out, StateFetchFailed, fmt.Errorf("resolve document: %w", err))
			}
			docURL = resolved
		}
		if docURL == "" {
			return o.fail(ctx, out, StateFetchFailed, errors.New("filing has no document or index URL"))
		}
		if o.Fetcher == nil {
			return o.fail(ctx, out, StateFetchFailed, fmt.Errorf("%w: fetcher is required", ErrNotConfigured))
		}
		b, ct, err := o.Fetcher.Get(ctx, docURL)
		if err != nil {
			return o.fail(ctx, out, StateFetchFailed, err)
		}
		body, contentType = b, ct
		digest := cache.Digest(body)
		if o.Raw != nil {
			if _, err := o.Raw.Save(ctx, row.Accession, docURL, contentType, body); err != nil {
				logger.Warn().Err(err).Msg("raw document not persisted")
			}
		}
		if err := o.Store.SetDocument(ctx, row.ID, docURL, digest); err != nil {
			logger.Warn().Err(err).Msg("document metadata not recorded")
		}
		if !o.transition(ctx, &out, StateFetched, nil) {
			return out
		}
	}

	if !o.transition(ctx, &out, StateExtracting, nil) {
		return out
	}
	doc, err := normalize.Normalize(body, contentType)
	if err != nil {
		return o.fail(ctx, out, StateExtractFailed, err)
	}
	if detected := doc.DetectFormType(); detected != "" && !strings.EqualFold(detected, row.FormType) {
		logger.Debug().Str("detected", detected).Msg("document declares a different form type")
	}
	secs, err := o.extractor().Extract(doc)
	if err != nil {
		return o.fail(ctx, out, StateExtractFailed, err)
	}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	res, err := o.Store.SaveSections(ctx, row.ID, version, row.Revision, toStoreSections(row.ID, secs))
	if err != nil {
		return o.fail(ctx, out, StateExtractFailed, err)
	}
	if res.Conflict != nil {
		logger.Warn().Err(res.Conflict).Msg("sections replaced concurrently; last writer wins")
	}
	out.Sections = len(secs)
	if o.ReviewThreshold > 0 {
		out.LowConfidence = len(sections.LowConfidence(secs, o.ReviewThreshold))
	}
	out.Tables, out.Facts = o.saveFinancials(ctx, logger, row.ID, body, contentType)
	if !o.transition(ctx, &out, StateExtracted, nil) {
		return out
	}
	logger.Info().Int("sections", out.Sections).Int("low_confidence", out.LowConfidence).
		Int("tables", out.Tables).Int("facts", out.Facts).Bool("unchanged", res.Unchanged).Msg("filing extracted")
	return out
}

// saveFinancials stores the statement tables and inline facts of body. They
// supplement the sections, so failures are logged and counted as zero.
func (o *Orchestrator) saveFinancials(ctx context.Context, logger zerolog.Logger, filingID int64, body []byte, contentType string) (int, int) {
	rep, err := financials.Extract(body, contentType)
	if err != nil {
		logger.Warn().Err(err).Msg("financial data not extracted")
		return 0, 0
	}
	tables := make([]store.FinancialTable, len(rep.Tables))
	for i, t := range rep.Tables {
		tables[i] = store.FinancialTable{FilingID: filingID, Ordinal: t.Ordinal, Kind: string(t.Kind), Content: t.Text()}
	}
	facts := make([]store.Fact, len(rep.Facts))
	for i, f := range rep.Facts {
		facts[i] = store.Fact{
			FilingID:    filingID,
			Ordinal:     i,
			Concept:     f.Name,
			Value:       f.Value,
			RawValue:    f.Raw,
			ContextRef:  f.ContextRef,
			UnitRef:     f.UnitRef,
			Scale:       f.Scale,
			Decimals:    f.Decimals,
			PeriodEnd:   f.PeriodEnd,
			Dimensional: f.Dimensional,
		}
	}
	if err := o.Store.SaveFinancials(ctx, filingID, tables, facts); err != nil {
		logger.Warn().Err(err).Msg("financial data not stored")
		return 0, 0
	}
	return len(tables), len(facts)
}

// transition records a new state. It returns false when the context was
// cancelled or the state could not be stored, leaving the filing where it was.
func (o *Orchestrator) transition(ctx context.Context, out *Outcome, to State, cause error) bool {
	if err := ctx.Err(); err != nil {
		out.Err = err
		return false
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.Store.SetStatus(ctx, out.FilingID, string(to), msg); err != nil {
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return false
		}
		// The outcome stays at the last recorded state.
		log.Warn().Err(err).Str("accession", out.Accession).Str("state", string(to)).Msg("status not persisted")
		if cause == nil {
			out.Err = fmt.Errorf("record %s: %w", to, err)
		}
		return false
	}
	log.Debug().Str("accession", out.Accession).Str("from", string(out.State)).Str("to", string(to)).Msg("filing state")
	out.State = to
	return true
}

// fail records a terminal failure unless the error came from cancellation,
// in which case the filing is abandoned as is.
func (o *Orchestrator) fail(ctx context.Context, out Outcome, to State, err error) Outcome {
	if ctx.Err() != nil {
		out.Err = ctx.Err()
		return out
	}
	out.Err = err
	o.transition(ctx, &out, to, err)
	log.Warn().Err(err).Str("accession", out.Accession).Str("state", string(to)).Msg("filing failed")
	return out
}

// Reextract re-runs extraction for every filing whose stored sections came
// from another extractor version, reusing stored raw documents.
func (o *Orchestrator) Reextract(ctx context.Context) ([]Outcome, error) {
	if o.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrNotConfigured)
	}
	version, err := o.extractor().Version()
	if err != nil {
		return nil, fmt.Errorf("extractor version: %w", err)
	}
	rows, err := o.Store.Stale(ctx, version)
	if err != nil {
		return nil, err
	}
	log.Info().Int("stale", len(rows)).Str("version", version).Msg("re-extracting stale filings")
	return o.runRows(ctx, rows, version), nil
}

// RetryFailed re-processes filings left in FETCH_FAILED or EXTRACT_FAILED.
func (o *Orchestrator) RetryFailed(ctx context.Context) ([]Outcome, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	version, err := o.extractor().Version()
	if err != nil {
		return nil, fmt.Errorf("extractor version: %w", err)
	}
	var rows []store.Filing
	for _, s := range []State{StateFetchFailed, StateExtractFailed} {
		r, err := o.Store.FilingsByStatus(ctx, string(s))
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
	}
	return o.runRows(ctx, rows, version), nil
}

func (o *Orchestrator) runRows(ctx context.Context, rows []store.Filing, version string) []Outcome {
	outcomes := make([]Outcome, len(rows))
	workers := o.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{Accession: row.Accession, FormType: row.FormType, FilingID: row.ID, State: State(row.Status), Err: err}
			continue
		}
		g.Go(func() error {
			outcomes[i] = o.run(ctx, row, version)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func toStoreSections(filingID int64, secs []sections.Section) []store.Section {
	out := make([]store.Section, len(secs))
	for i, s := range secs {
		out[i] = store.Section{
			FilingID:   filingID,
			Ordinal:    s.Ordinal,
			Label:      string(s.Label),
			Heading:    s.Heading,
			Content:    s.Text,
			Confidence: s.Confidence,
		}
	}
	return out
}

func uniqueByAccession(in []edgar.Filing) []edgar.Filing {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, f := range in {
		if f.Accession == "" || seen[f.Accession] {
			continue
		}
		seen[f.Accession] = true
		out = append(out, f)
	}
	return out
}

func dateString(f edgar.Filing) string {
	if f.FilingDate.IsZero() {
		return ""
	}
	return f.FilingDate.Format("2006-01-02")
}
