// Package insight turns stored filing sections into model-written analyses.
// It depends only on section labels and text, never on how they were
// extracted.
package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/secfilings/internal/budget"
	"github.com/hyperifyio/secfilings/internal/cache"
	"github.com/hyperifyio/secfilings/internal/llm"
	"github.com/hyperifyio/secfilings/internal/sections"
	"github.com/hyperifyio/secfilings/internal/store"
)

// Kind selects an analysis prompt.
type Kind string

const (
	KindRiskSummary        Kind = "risk_summary"
	KindFinancialSummary   Kind = "financial_summary"
	KindTechnologyMentions Kind = "technology_mentions"
)

// Kinds lists the supported analyses in display order.
func Kinds() []Kind {
	return []Kind{KindRiskSummary, KindFinancialSummary, KindTechnologyMentions}
}

const DefaultMaxInputChars = 24000

var (
	ErrUnknownKind   = errors.New("unknown analysis kind")
	ErrNoSections    = errors.New("filing has no sections for this analysis")
	ErrEmptyResponse = errors.New("model returned no content")
	ErrNotConfigured = errors.New("analyzer not configured")
)

type prompt struct {
	labels   []sections.Label
	template string
}

// Each analysis reads the labels it needs; an empty label list means the
// whole filing.
var prompts = map[Kind]prompt{
	KindRiskSummary: {
		labels: []sections.Label{sections.LabelRiskFactors},
		template: `Analyze the following risk factors from an SEC filing and provide a concise summary:

Risk Factors Text:
%s

Please provide:
1. Top 3 most significant risks
2. Any new risks compared to previous filings
3. Overall risk assessment (Low/Medium/High)`,
	},
	KindFinancialSummary: {
		labels: []sections.Label{sections.LabelFinancialStatements, sections.LabelMDA, sections.LabelMarketRisk},
		template: `Analyze the following financial data and provide insights:

Financial Data:
%s

Please provide:
1. Key financial metrics and trends
2. Notable changes from previous periods
3. Overall financial health assessment`,
	},
	KindTechnologyMentions: {
		template: `Extract and analyze technology-related mentions from this SEC filing text:

Text:
%s

Please identify:
1. AI/ML technology mentions
2. Other significant technology investments
3. Technology-related risks or opportunities`,
	},
}

const systemMessage = "You are a careful financial analyst. Use ONLY the provided filing text. Do not invent figures. Keep the answer concise and factual."

// Result is one completed analysis.
type Result struct {
	Kind      Kind
	Model     string
	Accession string
	Text      string
	Cached    bool
}

// Analyzer calls an OpenAI-compatible model over a filing's sections.
type Analyzer struct {
	Client llm.Client
	Model  string
	// Cache, when set, answers repeated prompts without a model call.
	Cache *cache.LLMCache
	// MaxInputChars truncates the section text placed in the prompt. Zero
	// sizes it from the model's context window.
	MaxInputChars int
	// ReservedOutputTokens is kept free for the answer. Zero means
	// DefaultReservedOutputTokens.
	ReservedOutputTokens int
}

const DefaultReservedOutputTokens = 1024

func (a *Analyzer) inputLimit(kind Kind) int {
	if a.MaxInputChars > 0 {
		return a.MaxInputChars
	}
	reserved := a.ReservedOutputTokens
	if reserved <= 0 {
		reserved = DefaultReservedOutputTokens
	}
	n := budget.InputChars(a.Model, reserved, systemMessage, prompts[kind].template)
	if n <= 0 {
		return 1
	}
	return n
}

// BuildPrompt renders the user message for kind from secs.
func BuildPrompt(kind Kind, secs []store.Section, maxChars int) (string, error) {
	p, ok := prompts[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	want := make(map[string]bool, len(p.labels))
	for _, l := range p.labels {
		want[string(l)] = true
	}
	ordered := append([]store.Section(nil), secs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	var b strings.Builder
	for _, s := range ordered {
		if len(want) > 0 && !want[s.Label] {
			continue
		}
		text := strings.TrimSpace(s.Content)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSections, kind)
	}
	return fmt.Sprintf(p.template, truncate(b.String(), maxChars)), nil
}

// Analyze runs kind over the sections of the filing identified by accession.
func (a *Analyzer) Analyze(ctx context.Context, accession string, kind Kind, secs []store.Section) (Result, error) {
	if a == nil || a.Client == nil || strings.TrimSpace(a.Model) == "" {
		return Result{}, ErrNotConfigured
	}
	user, err := BuildPrompt(kind, secs, a.inputLimit(kind))
	if err != nil {
		return Result{}, err
	}
	res := Result{Kind: kind, Model: a.Model, Accession: accession}
	key := cache.KeyFrom(a.Model, systemMessage+"\n\n"+user)
	if a.Cache != nil {
		if e, ok, _ := a.Cache.Get(ctx, key); ok && strings.TrimSpace(e.Response) != "" {
			res.Text, res.Cached = e.Response, true
			return res, nil
		}
	}

	resp, err := a.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s for %s: %w", kind, accession, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, ErrEmptyResponse
	}
	res.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	if res.Text == "" {
		return Result{}, ErrEmptyResponse
	}
	if a.Cache != nil {
		entry := cache.LLMEntry{Model: a.Model, Kind: string(kind), Accession: accession, Response: res.Text}
		if err := a.Cache.Save(ctx, key, entry); err != nil {
			log.Warn().Err(err).Str("accession", accession).Msg("analysis not cached")
		}
	}
	return res, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "\n[truncated]"
		}
		n++
	}
	return s
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := prompts[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}
