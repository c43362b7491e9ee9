// Package budget sizes model prompts against a model's context window using a
// conservative characters-per-token estimate.
package budget

import (
	"math"
	"strings"
)

// CharsPerToken is the assumed average for English filing prose.
const CharsPerToken = 4

// DefaultContextTokens applies to models this package does not recognise.
const DefaultContextTokens = 8192

// EstimateTokensFromChars converts a character count into an estimated token
// count, rounding up. The result is at least 1 when chars > 0.
func EstimateTokensFromChars(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(charCount) / CharsPerToken))
}

// EstimateTokens returns the estimated token count of s.
func EstimateTokens(s string) int {
	return EstimateTokensFromChars(len(s))
}

// ModelContextTokens returns an estimated context window for modelName.
func ModelContextTokens(modelName string) int {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name == "" {
		return DefaultContextTokens
	}
	if v, ok := knownModelMax[name]; ok {
		return v
	}
	for _, s := range sizeSuffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.tokens
		}
	}
	if strings.Contains(name, "-mini") {
		return 128_000
	}
	return DefaultContextTokens
}

// HeadroomTokens is kept free for tokenizer error and message framing: 5% of
// the context, at least 512 tokens.
func HeadroomTokens(modelName string) int {
	dyn := int(math.Ceil(float64(ModelContextTokens(modelName)) * 0.05))
	if dyn < 512 {
		return 512
	}
	return dyn
}

// RemainingContext returns the input tokens left after reserving output and
// headroom and spending promptTokens. Never negative.
func RemainingContext(modelName string, reservedForOutput, promptTokens int) int {
	if reservedForOutput < 0 {
		reservedForOutput = 0
	}
	remaining := ModelContextTokens(modelName) - HeadroomTokens(modelName) - reservedForOutput - promptTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InputChars returns how many characters of variable input fit alongside the
// fixed prompt parts.
func InputChars(modelName string, reservedForOutput int, fixed ...string) int {
	spent := 0
	for _, f := range fixed {
		spent += EstimateTokens(f)
	}
	return RemainingContext(modelName, reservedForOutput, spent) * CharsPerToken
}

var sizeSuffixes = []struct {
	suffix string
	tokens int
}{
	{"1m", 1_000_000},
	{"512k", 512_000},
	{"200k", 200_000},
	{"128k", 128_000},
	{"32k", 32_768},
}

// knownModelMax holds rough context sizes for common model identifiers.
var knownModelMax = map[string]int{
	"gpt-4o":            128_000,
	"gpt-4o-mini":       128_000,
	"gpt-4-turbo":       128_000,
	"gpt-4.1":           1_000_000,
	"gpt-4.1-mini":      1_000_000,
	"gpt-3.5-turbo":     16_384,
	"claude-3-5-sonnet": 200_000,
	"claude-3-haiku":    200_000,
	"llama-3":           8_192,
	"llama-3.1":         128_000,
	"gpt-oss-20b":       4_096,
}
