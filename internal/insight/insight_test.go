package insight

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/secfilings/internal/cache"
	"github.com/hyperifyio/secfilings/internal/store"
)

type capturingClient struct {
	calls   int
	lastReq openai.ChatCompletionRequest
	reply   string
	err     error
}

func (c *capturingClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.calls++
	c.lastReq = req
	if c.err != nil {
		return openai.ChatCompletionResponse{}, c.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: c.reply},
		}},
	}, nil
}

func filingSections() []store.Section {
	return []store.Section{
		{Ordinal: 2, Label: "md_and_a", Content: "Revenue grew 8% on services."},
		{Ordinal: 0, Label: "business", Content: "We design smartphones and invest in machine learning."},
		{Ordinal: 1, Label: "risk_factors", Content: "Supply chain disruption may harm results."},
	}
}

func TestBuildPrompt_SelectsLabels(t *testing.T) {
	got, err := BuildPrompt(KindRiskSummary, filingSections(), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(got, "Supply chain disruption") || strings.Contains(got, "Revenue grew") {
		t.Fatalf("risk prompt should carry only risk factors:\n%s", got)
	}
	if !strings.Contains(got, "Overall risk assessment (Low/Medium/High)") {
		t.Fatalf("missing instructions:\n%s", got)
	}

	all, err := BuildPrompt(KindTechnologyMentions, filingSections(), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, r, m := strings.Index(all, "smartphones"), strings.Index(all, "Supply chain"), strings.Index(all, "Revenue grew")
	if b < 0 || r < b || m < r {
		t.Fatalf("whole-filing prompt must follow ordinal order:\n%s", all)
	}
}

func TestBuildPrompt_Errors(t *testing.T) {
	if _, err := BuildPrompt("bogus", filingSections(), 0); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	only := []store.Section{{Label: "business", Content: "x"}}
	if _, err := BuildPrompt(KindFinancialSummary, only, 0); !errors.Is(err, ErrNoSections) {
		t.Fatalf("expected ErrNoSections, got %v", err)
	}
}

func TestBuildPrompt_Truncates(t *testing.T) {
	secs := []store.Section{{Label: "risk_factors", Content: strings.Repeat("é", 500)}}
	got, err := BuildPrompt(KindRiskSummary, secs, 100)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Count(got, "é") != 100 || !strings.Contains(got, "[truncated]") {
		t.Fatalf("expected truncation at 100 runes")
	}
}

func TestAnalyze_CallsModelAndCaches(t *testing.T) {
	cc := &capturingClient{reply: "  1. Supply chain risk  "}
	a := &Analyzer{Client: cc, Model: "test-model", Cache: &cache.LLMCache{Dir: t.TempDir()}}
	ctx := context.Background()

	res, err := a.Analyze(ctx, "0000320193-24-000123", KindRiskSummary, filingSections())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Text != "1. Supply chain risk" || res.Cached {
		t.Fatalf("unexpected result %+v", res)
	}
	if cc.lastReq.Model != "test-model" || len(cc.lastReq.Messages) != 2 || cc.lastReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("unexpected request %+v", cc.lastReq)
	}

	again, err := a.Analyze(ctx, "0000320193-24-000123", KindRiskSummary, filingSections())
	if err != nil {
		t.Fatalf("analyze again: %v", err)
	}
	if !again.Cached || again.Text != res.Text || cc.calls != 1 {
		t.Fatalf("expected cached answer without a second call, calls=%d %+v", cc.calls, again)
	}
}

func TestAnalyze_Failures(t *testing.T) {
	if _, err := (&Analyzer{}).Analyze(context.Background(), "a", KindRiskSummary, filingSections()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	empty := &Analyzer{Client: &capturingClient{reply: "   "}, Model: "m"}
	if _, err := empty.Analyze(context.Background(), "a", KindRiskSummary, filingSections()); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	boom := errors.New("upstream down")
	failing := &Analyzer{Client: &capturingClient{err: boom}, Model: "m"}
	if _, err := failing.Analyze(context.Background(), "a", KindRiskSummary, filingSections()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Risk_Summary "); err != nil || k != KindRiskSummary {
		t.Fatalf("got %q %v", k, err)
	}
	if _, err := ParseKind("sentiment"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestAnalyze_SizesInputFromModelContext(t *testing.T) {
	cc := &capturingClient{reply: "ok"}
	a := &Analyzer{Client: cc, Model: "gpt-oss-20b"}
	secs := []store.Section{{Label: "risk_factors", Content: strings.Repeat("risk ", 20000)}}
	if _, err := a.Analyze(context.Background(), "a", KindRiskSummary, secs); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	user := cc.lastReq.Messages[1].Content
	if !strings.Contains(user, "[truncated]") || len(user) > 4096*4 {
		t.Fatalf("prompt not sized to a 4k-token model: %d chars", len(user))
	}
}
