package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperifyio/secfilings/internal/fetch"
	"github.com/hyperifyio/secfilings/internal/insight"
	"github.com/hyperifyio/secfilings/internal/orchestrator"
)

const submissionsJSON = `{
  "cik": "320193",
  "name": "Apple Inc.",
  "tickers": ["AAPL"],
  "filings": {"recent": {
    "accessionNumber": ["0000320193-24-000123", "0000320193-24-000081"],
    "filingDate": ["2024-11-01", "2024-08-02"],
    "form": ["10-K", "10-Q"],
    "primaryDocument": ["aapl-20240928.htm", "aapl-20240629.htm"]
  }}
}`

const annualReport = `<html><head><title>aapl-20240928</title></head><body>
<p>UNITED STATES SECURITIES AND EXCHANGE COMMISSION FORM 10-K</p>
<h2>Item 1A. Risk Factors</h2>
<p>The Company faces intense competition in every market in which it operates, and
new entrants may reduce demand for its products. Global supply chains expose the
Company to disruption from trade restrictions, natural disasters and public health
events that could materially affect its results.</p>
<h2>Item 7. Management's Discussion and Analysis of Financial Condition and Results of Operations</h2>
<p>Total net sales increased two percent compared to the prior year, driven by growth
in services. Gross margin percentage improved as a result of a favorable mix and cost
savings across the product portfolio during the fiscal year.</p>
<table>
<tr><td>Total net sales</td><td>$</td><td><ix:nonFraction name="us-gaap:Revenues" contextRef="FY2024" unitRef="usd" scale="6">391,035</ix:nonFraction></td></tr>
<tr><td>Net income</td><td>$</td><td><ix:nonFraction name="us-gaap:NetIncomeLoss" contextRef="FY2024" unitRef="usd" scale="6">93,736</ix:nonFraction></td></tr>
</table>
</body></html>`

const companyFeed = `<?xml version="1.0" encoding="UTF-8" ?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>APPLE INC.  (0000320193)</title>
  <id>urn:tag:sec.gov,2008:company=0000320193</id>
  <updated>2024-11-01T06:01:36-04:00</updated>
  <entry>
    <category label="form type" scheme="https://www.sec.gov/" term="10-K" />
    <id>urn:tag:sec.gov,2008:accession-number=0000320193-24-000123</id>
    <link href="%s/Archives/edgar/data/320193/000032019324000123/0000320193-24-000123-index.htm" rel="alternate" type="text/html" />
    <title>10-K  - Annual report [Section 13 and 15(d), not S-K Item 405]</title>
    <updated>2024-11-01T06:01:36-04:00</updated>
  </entry>
</feed>`

const filingIndex = `<html><body><table class="tableFile" summary="Document Format Files">
<tr><th>Seq</th><th>Description</th><th>Document</th><th>Type</th><th>Size</th></tr>
<tr><td>1</td><td>10-K</td><td><a href="/ix?doc=/Archives/edgar/data/320193/000032019324000123/aapl-20240928.htm">aapl-20240928.htm</a></td><td>10-K</td><td>1234</td></tr>
</table></body></html>`

type registryServer struct {
	*httptest.Server
	documents       atomic.Int32
	llmCalls        atomic.Int32
	feedCalls       atomic.Int32
	failSubmissions atomic.Bool
}

func newRegistryServer(t *testing.T) *registryServer {
	t.Helper()
	rs := &registryServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/CIK0000320193.json", func(w http.ResponseWriter, r *http.Request) {
		if rs.failSubmissions.Load() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(submissionsJSON))
	})
	mux.HandleFunc("/files/company_tickers.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."}}`))
	})
	mux.HandleFunc("/Archives/edgar/data/320193/000032019324000123/aapl-20240928.htm", func(w http.ResponseWriter, r *http.Request) {
		rs.documents.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(annualReport))
	})
	mux.HandleFunc("/cgi-bin/browse-edgar", func(w http.ResponseWriter, r *http.Request) {
		rs.feedCalls.Add(1)
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = fmt.Fprintf(w, companyFeed, "http://"+r.Host)
	})
	mux.HandleFunc("/Archives/edgar/data/320193/000032019324000123/0000320193-24-000123-index.htm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(filingIndex))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		rs.llmCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","model":"test-model","choices":[{"index":0,"message":{"role":"assistant","content":"1. Competition"},"finish_reason":"stop"}]}`))
	})
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") && r.Header.Get("User-Agent") == "" {
			http.Error(w, "identify yourself", http.StatusForbidden)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func testConfig(t *testing.T, rs *registryServer) Config {
	cfg := DefaultConfig()
	cfg.UserAgent = "Research Desk research@example.com"
	cfg.RequestDelay = time.Millisecond
	cfg.RegistryBaseURL = rs.URL
	cfg.RegistryDataURL = rs.URL
	cfg.DataDir = t.TempDir()
	cfg.MaxFilingAge = 0
	return cfg
}

func TestNew_RequiresIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	_, err := New(context.Background(), cfg)
	if !errors.Is(err, fetch.ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(cfg.DataDir, "filings.db")); !os.IsNotExist(statErr) {
		t.Fatalf("no database should be created on configuration error")
	}
}

func TestApp_SyncGetSectionsSearch(t *testing.T) {
	rs := newRegistryServer(t)
	a, err := New(context.Background(), testConfig(t, rs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	report, err := a.Sync(ctx, "aapl", "10-K")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].State != orchestrator.StateExtracted {
		t.Fatalf("unexpected report %+v", report.Outcomes)
	}

	fs, err := a.GetSections(ctx, "000032019324000123")
	if err != nil {
		t.Fatalf("get sections: %v", err)
	}
	if fs.Filing.FormType != "10-K" || len(fs.Sections) != 3 {
		t.Fatalf("unexpected filing sections %+v", fs)
	}
	if fs.Sections[1].Label != "risk_factors" || fs.Sections[2].Label != "md_and_a" {
		t.Fatalf("unexpected labels %q %q", fs.Sections[1].Label, fs.Sections[2].Label)
	}

	hits, err := a.Search(ctx, "INTENSE COMPETITION", "10-k", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Accession != "0000320193-24-000123" || hits[0].Label != "risk_factors" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if hits, _ := a.Search(ctx, "intense competition", "10-Q", 0); len(hits) != 0 {
		t.Fatalf("form filter ignored: %+v", hits)
	}

	again, err := a.Sync(ctx, "0000320193", "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !again.Outcomes[0].Skipped || rs.documents.Load() != 1 {
		t.Fatalf("expected skip without refetch, fetched %d times", rs.documents.Load())
	}
	if outs, err := a.Reextract(ctx); err != nil || len(outs) != 0 {
		t.Fatalf("nothing should be stale: %v %v", outs, err)
	}
	if _, err := a.Analyze(ctx, "0000320193-24-000123", insight.KindRiskSummary); !errors.Is(err, insight.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without a model, got %v", err)
	}
}

func TestApp_AnalyzeUsesModelAndCache(t *testing.T) {
	rs := newRegistryServer(t)
	cfg := testConfig(t, rs)
	cfg.LLMBaseURL = rs.URL + "/v1"
	cfg.LLMModel = "test-model"
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	if _, err := a.Sync(ctx, "320193", "10-K"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := a.Analyze(ctx, "0000320193-24-000123", insight.KindRiskSummary)
		if err != nil {
			t.Fatalf("analyze %d: %v", i, err)
		}
		if res.Text != "1. Competition" {
			t.Fatalf("unexpected analysis %q", res.Text)
		}
	}
	if got := rs.llmCalls.Load(); got != 1 {
		t.Fatalf("expected one model call, got %d", got)
	}
	if _, err := a.Analyze(ctx, "0000320193-24-999999", insight.KindRiskSummary); err == nil {
		t.Fatalf("expected error for unknown filing")
	}
}

func TestApp_VocabularyOverride(t *testing.T) {
	rs := newRegistryServer(t)
	cfg := testConfig(t, rs)
	vocab := filepath.Join(t.TempDir(), "vocab.yaml")
	if err := os.WriteFile(vocab, []byte("version: 1\nsections:\n  - label: bogus\n    aliases: [x]\n"), 0o600); err != nil {
		t.Fatalf("write vocabulary: %v", err)
	}
	cfg.VocabularyPath = vocab
	if _, err := New(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), vocab) {
		t.Fatalf("expected vocabulary error naming the file, got %v", err)
	}
}

func TestApp_UpdateCompany(t *testing.T) {
	rs := newRegistryServer(t)
	a, err := New(context.Background(), testConfig(t, rs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	if _, err := a.Sync(ctx, "320193", "10-K"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := a.UpdateCompany(ctx, "320193", "Apple", "AAPL"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := a.UpdateCompany(ctx, "1", "Nobody", ""); err == nil {
		t.Fatalf("expected error for unknown company")
	}
}

func TestApp_SyncFallsBackToAtomDiscovery(t *testing.T) {
	rs := newRegistryServer(t)
	rs.failSubmissions.Store(true)
	a, err := New(context.Background(), testConfig(t, rs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	report, err := a.Sync(ctx, "320193", "10-K")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].State != orchestrator.StateExtracted {
		t.Fatalf("unexpected report %+v", report.Outcomes)
	}
	if rs.feedCalls.Load() != 1 || rs.documents.Load() != 1 {
		t.Fatalf("expected feed discovery and one document fetch, got %d and %d", rs.feedCalls.Load(), rs.documents.Load())
	}
	fs, err := a.GetSections(ctx, "0000320193-24-000123")
	if err != nil {
		t.Fatalf("get sections: %v", err)
	}
	if !strings.HasSuffix(fs.Filing.DocumentURL, "/aapl-20240928.htm") || strings.Contains(fs.Filing.DocumentURL, "/ix?doc=") {
		t.Fatalf("index page not resolved to the primary document: %q", fs.Filing.DocumentURL)
	}
}

func TestNew_RejectsUnknownDiscoverySource(t *testing.T) {
	rs := newRegistryServer(t)
	cfg := testConfig(t, rs)
	cfg.DiscoverySource = "rss"
	if _, err := New(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "discovery source") {
		t.Fatalf("expected discovery source error, got %v", err)
	}
}

func TestApp_GetFinancials(t *testing.T) {
	rs := newRegistryServer(t)
	a, err := New(context.Background(), testConfig(t, rs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	if _, err := a.Sync(ctx, "320193", "10-K"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	fin, err := a.GetFinancials(ctx, "0000320193-24-000123")
	if err != nil {
		t.Fatalf("get financials: %v", err)
	}
	if len(fin.Tables) != 1 || fin.Tables[0].Kind != "income_statement" || len(fin.Facts) != 2 {
		t.Fatalf("unexpected financials %+v", fin)
	}
	if len(fin.Metrics) != 2 || fin.Metrics[0].Name != "revenue" || fin.Metrics[0].Value != 391035e6 || fin.Metrics[1].Name != "net_income" {
		t.Fatalf("unexpected metrics %+v", fin.Metrics)
	}
}
