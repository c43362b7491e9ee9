// Package edgar talks to the SEC EDGAR filings registry: company discovery,
// filing enumeration, and resolution of filing index pages to their primary
// document. All requests go through a caller-supplied Getter so that they
// share the fetch layer's throttle and retry policy.
package edgar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://www.sec.gov"
	DefaultDataURL = "https://data.sec.gov"
)

// Getter is the slice of fetch.Client the registry client needs.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, string, error)
}

// Company identifies a registrant.
type Company struct {
	CIK    string
	Name   string
	Ticker string
}

// Filing is one discovered submission. DocumentURL points at the primary
// document when known; otherwise IndexURL points at the filing index page and
// ResolveDocument must be called before fetching.
type Filing struct {
	CIK         string
	CompanyName string
	FormType    string
	FilingDate  time.Time
	Accession   string
	DocumentURL string
	IndexURL    string
}

// DiscoverOptions narrows a discovery query.
type DiscoverOptions struct {
	// Limit caps the number of filings returned. Zero means no cap.
	Limit int
	// MaxAge drops filings older than now-MaxAge. Zero disables the filter.
	MaxAge time.Duration
	// IncludeAmendments also matches "<form>/A" submissions.
	IncludeAmendments bool
	Now               func() time.Time
}

// ErrNotFound is returned when the registry has no record for a lookup.
var ErrNotFound = errors.New("edgar: not found")

// Source selects how Discover enumerates filings.
type Source string

const (
	// SourceAuto reads the submissions API and falls back to the Atom feed
	// when it cannot be read.
	SourceAuto        Source = "auto"
	SourceSubmissions Source = "submissions"
	SourceAtom        Source = "atom"
)

// ParseSource validates a discovery source name. Empty means SourceAuto.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case "":
		return SourceAuto, nil
	case SourceAuto, SourceSubmissions, SourceAtom:
		return src, nil
	default:
		return "", fmt.Errorf("unknown discovery source %q (want auto, submissions or atom)", s)
	}
}

// Client queries the registry.
type Client struct {
	Getter  Getter
	BaseURL string
	DataURL string
	// Source picks the discovery endpoint. Empty means SourceAuto.
	Source Source
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (c *Client) dataURL() string {
	if c.DataURL != "" {
		return strings.TrimRight(c.DataURL, "/")
	}
	return DefaultDataURL
}

type submissionsResponse struct {
	CIK     string   `json:"cik"`
	Name    string   `json:"name"`
	Tickers []string `json:"tickers"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			Form            []string `json:"form"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// Submissions enumerates a company's recent filings of formType from the JSON
// submissions API.
func (c *Client) Submissions(ctx context.Context, cik string, formType string, opts DiscoverOptions) (Company, []Filing, error) {
	padded, err := PadCIK(cik)
	if err != nil {
		return Company{}, nil, err
	}
	body, _, err := c.Getter.Get(ctx, fmt.Sprintf("%s/submissions/CIK%s.json", c.dataURL(), padded))
	if err != nil {
		return Company{}, nil, fmt.Errorf("submissions for %s: %w", padded, err)
	}
	var resp submissionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Company{}, nil, fmt.Errorf("parse submissions for %s: %w", padded, err)
	}
	co := Company{CIK: padded, Name: strings.TrimSpace(resp.Name)}
	if len(resp.Tickers) > 0 {
		co.Ticker = strings.ToUpper(resp.Tickers[0])
	}

	recent := resp.Filings.Recent
	var out []Filing
	for i := range recent.AccessionNumber {
		if i >= len(recent.Form) || i >= len(recent.FilingDate) || i >= len(recent.PrimaryDocument) {
			break
		}
		if !formMatches(recent.Form[i], formType, opts.IncludeAmendments) {
			continue
		}
		date, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			continue
		}
		f := Filing{
			CIK:         padded,
			CompanyName: co.Name,
			FormType:    recent.Form[i],
			FilingDate:  date,
			Accession:   FormatAccession(recent.AccessionNumber[i]),
		}
		if doc := strings.TrimSpace(recent.PrimaryDocument[i]); doc != "" {
			f.DocumentURL = ArchiveURL(c.baseURL(), padded, f.Accession, doc)
		} else {
			f.IndexURL = ArchiveURL(c.baseURL(), padded, f.Accession, f.Accession+"-index.htm")
		}
		out = append(out, f)
	}
	return co, applyOptions(out, opts), nil
}

// Discover enumerates a company's filings of formType from the configured
// source.
func (c *Client) Discover(ctx context.Context, cik string, formType string, opts DiscoverOptions) (Company, []Filing, error) {
	switch c.Source {
	case SourceSubmissions:
		return c.Submissions(ctx, cik, formType, opts)
	case SourceAtom:
		return c.AtomFilings(ctx, cik, formType, opts)
	case "", SourceAuto:
	default:
		return Company{}, nil, fmt.Errorf("unknown discovery source %q", c.Source)
	}
	if _, err := PadCIK(cik); err != nil {
		return Company{}, nil, err
	}
	co, filings, err := c.Submissions(ctx, cik, formType, opts)
	if err == nil || ctx.Err() != nil {
		return co, filings, err
	}
	log.Warn().Err(err).Str("cik", cik).Msg("submissions unavailable; falling back to atom feed")
	co, filings, atomErr := c.AtomFilings(ctx, cik, formType, opts)
	if atomErr != nil {
		return Company{}, nil, errors.Join(err, atomErr)
	}
	return co, filings, nil
}

// AtomFilings enumerates filings through the browse-edgar Atom feed. Entries
// only carry the filing index URL; callers resolve the primary document.
func (c *Client) AtomFilings(ctx context.Context, cik string, formType string, opts DiscoverOptions) (Company, []Filing, error) {
	padded, err := PadCIK(cik)
	if err != nil {
		return Company{}, nil, err
	}
	q := url.Values{}
	q.Set("action", "getcompany")
	q.Set("CIK", padded)
	q.Set("type", formType)
	q.Set("dateb", "")
	q.Set("owner", "include")
	count := opts.Limit
	if count <= 0 {
		count = 40
	}
	q.Set("count", strconv.Itoa(count))
	q.Set("output", "atom")
	body, _, err := c.Getter.Get(ctx, c.baseURL()+"/cgi-bin/browse-edgar?"+q.Encode())
	if err != nil {
		return Company{}, nil, fmt.Errorf("atom feed for %s: %w", padded, err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return Company{}, nil, fmt.Errorf("parse atom feed for %s: %w", padded, err)
	}

	co := Company{CIK: padded, Name: companyFromFeedTitle(feed.Title)}
	var out []Filing
	for _, item := range feed.Items {
		form := atomForm(item)
		if !formMatches(form, formType, opts.IncludeAmendments) {
			continue
		}
		acc := accessionFromID(item.GUID)
		if acc == "" {
			acc = accessionFromID(item.Link)
		}
		if acc == "" {
			continue
		}
		f := Filing{
			CIK:         padded,
			CompanyName: co.Name,
			FormType:    form,
			Accession:   acc,
			IndexURL:    item.Link,
		}
		switch {
		case item.UpdatedParsed != nil:
			f.FilingDate = item.UpdatedParsed.UTC().Truncate(24 * time.Hour)
		case item.PublishedParsed != nil:
			f.FilingDate = item.PublishedParsed.UTC().Truncate(24 * time.Hour)
		}
		out = append(out, f)
	}
	return co, applyOptions(out, opts), nil
}

// ResolveDocument reads a filing index page and returns the URL of the
// document whose type matches formType, falling back to the first
// non-index document listed.
func (c *Client) ResolveDocument(ctx context.Context, indexURL string, formType string) (string, error) {
	body, _, err := c.Getter.Get(ctx, indexURL)
	if err != nil {
		return "", fmt.Errorf("filing index: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse filing index: %w", err)
	}
	base, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("parse index url: %w", err)
	}

	var match, fallback string
	want := strings.ToUpper(strings.TrimSpace(formType))
	doc.Find("table.tableFile tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 4 {
			return true
		}
		href, ok := cells.Eq(2).Find("a").Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return true
		}
		href = strings.TrimPrefix(strings.TrimSpace(href), "/ix?doc=")
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		desc := strings.ToUpper(strings.TrimSpace(cells.Eq(1).Text()))
		typ := strings.ToUpper(strings.TrimSpace(cells.Eq(3).Text()))
		if want != "" && (typ == want || strings.Contains(desc, want)) {
			match = abs
			return false
		}
		if fallback == "" && !strings.Contains(strings.ToLower(abs), "index") {
			fallback = abs
		}
		return true
	})
	if match != "" {
		return match, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("resolve %s: %w", indexURL, ErrNotFound)
}

// LookupTicker maps a ticker symbol to a company via the registry's ticker
// file.
func (c *Client) LookupTicker(ctx context.Context, ticker string) (Company, error) {
	body, _, err := c.Getter.Get(ctx, c.baseURL()+"/files/company_tickers.json")
	if err != nil {
		return Company{}, fmt.Errorf("ticker map: %w", err)
	}
	var entries map[string]struct {
		CIK    int64  `json:"cik_str"`
		Ticker string `json:"ticker"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return Company{}, fmt.Errorf("parse ticker map: %w", err)
	}
	want := strings.ToUpper(strings.TrimSpace(ticker))
	for _, e := range entries {
		if strings.ToUpper(e.Ticker) != want {
			continue
		}
		padded, err := PadCIK(strconv.FormatInt(e.CIK, 10))
		if err != nil {
			return Company{}, err
		}
		return Company{CIK: padded, Name: e.Title, Ticker: want}, nil
	}
	return Company{}, fmt.Errorf("ticker %s: %w", want, ErrNotFound)
}

func formMatches(got, want string, amendments bool) bool {
	got = strings.ToUpper(strings.TrimSpace(got))
	want = strings.ToUpper(strings.TrimSpace(want))
	if want == "" {
		return got != ""
	}
	return got == want || (amendments && got == want+"/A")
}

func applyOptions(in []Filing, opts DiscoverOptions) []Filing {
	if opts.MaxAge > 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		cutoff := now().Add(-opts.MaxAge)
		kept := in[:0]
		for _, f := range in {
			if !f.FilingDate.Before(cutoff) {
				kept = append(kept, f)
			}
		}
		in = kept
	}
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in
}

func atomForm(item *gofeed.Item) string {
	for _, cat := range item.Categories {
		if s := strings.TrimSpace(cat); s != "" {
			return s
		}
	}
	// Titles look like "10-K - Annual report [Section 13 and 15(d)...]".
	if i := strings.Index(item.Title, " - "); i > 0 {
		return strings.TrimSpace(item.Title[:i])
	}
	return ""
}

func accessionFromID(s string) string {
	const marker = "accession-number="
	if i := strings.Index(s, marker); i >= 0 {
		return FormatAccession(s[i+len(marker):])
	}
	// Index links embed the dashed accession before "-index.htm".
	if i := strings.LastIndex(s, "/"); i >= 0 {
		name := strings.TrimSuffix(strings.TrimSuffix(s[i+1:], ".html"), ".htm")
		name = strings.TrimSuffix(name, "-index")
		if len(onlyDigits(name)) == 18 {
			return FormatAccession(name)
		}
	}
	return ""
}

func companyFromFeedTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.LastIndex(title, "("); i > 0 {
		title = strings.TrimSpace(title[:i])
	}
	return title
}
