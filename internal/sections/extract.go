// Package sections segments a normalized filing into labeled, ordered
// sections using a declarative heading vocabulary.
package sections

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperifyio/secfilings/internal/normalize"
)

// Version tags the extraction logic. Bump it whenever boundary detection
// changes in a way that alters stored results.
const Version = "sections/v3"

const (
	DefaultThreshold       = 0.6
	DefaultHintBonus       = 0.1
	DefaultMaxHeadingRunes = 160
	DefaultMinSectionRunes = 200
)

// Section is one contiguous labeled span of a filing's text.
type Section struct {
	Label   Label
	Ordinal int
	// Heading is the boundary text that opened the section; empty for a
	// leading unlabeled span.
	Heading    string
	Text       string
	Confidence float64
}

// ExtractionError is returned when a document has no text at all.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string { return "extract sections: " + e.Reason }

// Extractor finds section boundaries. The zero value uses the embedded
// vocabulary and default thresholds.
type Extractor struct {
	Vocabulary *Vocabulary
	// Threshold is the minimum score for a heading candidate.
	Threshold float64
	// HintBonus lowers Threshold for nodes marked by a heading tag or a
	// large font.
	HintBonus       float64
	MaxHeadingRunes int
	// MinSectionRunes is the body text required between two boundaries.
	// Candidates closer than this to the previous boundary are treated as
	// restatements (a table of contents) and absorbed.
	MinSectionRunes int
}

// NewExtractor returns an extractor over v with default settings.
func NewExtractor(v *Vocabulary) *Extractor {
	return &Extractor{
		Vocabulary:      v,
		Threshold:       DefaultThreshold,
		HintBonus:       DefaultHintBonus,
		MaxHeadingRunes: DefaultMaxHeadingRunes,
		MinSectionRunes: DefaultMinSectionRunes,
	}
}

// Version combines the logic version with the vocabulary digest, so an edit to
// either marks stored results stale.
func (e *Extractor) Version() (string, error) {
	v, err := e.vocabulary()
	if err != nil {
		return "", err
	}
	return Version + "+" + v.Digest(), nil
}

func (e *Extractor) vocabulary() (*Vocabulary, error) {
	if e != nil && e.Vocabulary != nil {
		return e.Vocabulary, nil
	}
	return DefaultVocabulary()
}

type boundary struct {
	node  int
	label Label
	score float64
}

// Extract segments doc. The result is never empty, sections are contiguous
// in document order, and joining their texts with "\n" reproduces
// doc.Text().
func (e *Extractor) Extract(doc *normalize.Document) ([]Section, error) {
	if doc == nil || strings.TrimSpace(doc.Text()) == "" {
		return nil, &ExtractionError{Reason: "document has no text"}
	}
	vocab, err := e.vocabulary()
	if err != nil {
		return nil, err
	}
	threshold, bonus := e.Threshold, e.HintBonus
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if bonus <= 0 {
		bonus = DefaultHintBonus
	}
	maxHeading := e.MaxHeadingRunes
	if maxHeading <= 0 {
		maxHeading = DefaultMaxHeadingRunes
	}
	minSection := e.MinSectionRunes
	if minSection <= 0 {
		minSection = DefaultMinSectionRunes
	}

	var bounds []boundary
	body := 0
	for i, n := range doc.Nodes {
		m, ok := vocab.Match(n.Text)
		candidate := ok && m.Runes <= maxHeading && m.Score >= threshold-hintBonus(n.Hint, bonus)
		if !candidate {
			body += utf8.RuneCountInString(n.Text)
			continue
		}
		if len(bounds) > 0 && body < minSection {
			continue
		}
		bounds = append(bounds, boundary{node: i, label: m.Label, score: m.Score})
		body = 0
	}

	var out []Section
	if len(bounds) == 0 || bounds[0].node > 0 {
		end := len(doc.Nodes)
		if len(bounds) > 0 {
			end = bounds[0].node
		}
		out = append(out, Section{Label: LabelOther, Text: joinNodes(doc.Nodes[:end])})
	}
	for i, b := range bounds {
		end := len(doc.Nodes)
		if i+1 < len(bounds) {
			end = bounds[i+1].node
		}
		out = append(out, Section{
			Label:      b.label,
			Ordinal:    len(out),
			Heading:    doc.Nodes[b.node].Text,
			Text:       joinNodes(doc.Nodes[b.node:end]),
			Confidence: b.score,
		})
	}
	return out, nil
}

func hintBonus(h normalize.Hint, bonus float64) float64 {
	if h == normalize.HintTag || h == normalize.HintFontSize {
		return bonus
	}
	return 0
}

func joinNodes(nodes []normalize.Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.Text
	}
	return strings.Join(parts, "\n")
}

// LowConfidence returns the labeled sections whose confidence is below
// threshold, for manual review.
func LowConfidence(secs []Section, threshold float64) []Section {
	var out []Section
	for _, s := range secs {
		if s.Heading != "" && s.Confidence < threshold {
			out = append(out, s)
		}
	}
	return out
}
