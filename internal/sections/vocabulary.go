package sections

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Label is a canonical section name from the controlled vocabulary.
type Label string

const (
	LabelBusiness            Label = "business"
	LabelRiskFactors         Label = "risk_factors"
	LabelLegalProceedings    Label = "legal_proceedings"
	LabelMDA                 Label = "md_and_a"
	LabelMarketRisk          Label = "market_risk"
	LabelFinancialStatements Label = "financial_statements"
	LabelControls            Label = "controls"
	LabelOther               Label = "other"
)

var knownLabels = map[Label]bool{
	LabelBusiness: true, LabelRiskFactors: true, LabelLegalProceedings: true,
	LabelMDA: true, LabelMarketRisk: true, LabelFinancialStatements: true,
	LabelControls: true, LabelOther: true,
}

// Valid reports whether l belongs to the controlled vocabulary.
func (l Label) Valid() bool { return knownLabels[l] }

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

type vocabularyFile struct {
	Version  int `yaml:"version"`
	Sections []struct {
		Label    string   `yaml:"label"`
		Aliases  []string `yaml:"aliases"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"sections"`
}

type entry struct {
	label    Label
	aliases  []string
	patterns []*regexp.Regexp
}

// Vocabulary maps heading phrasings to canonical labels. It is immutable
// after LoadVocabulary returns and safe for concurrent use.
type Vocabulary struct {
	entries []entry
	digest  string
}

// LoadVocabulary parses a YAML vocabulary table.
func LoadVocabulary(data []byte) (*Vocabulary, error) {
	var f vocabularyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(f.Sections) == 0 {
		return nil, fmt.Errorf("vocabulary has no sections")
	}
	v := &Vocabulary{}
	h := sha256.New()
	fmt.Fprintf(h, "v%d\n", f.Version)
	for _, s := range f.Sections {
		label := Label(strings.TrimSpace(s.Label))
		if !label.Valid() {
			return nil, fmt.Errorf("vocabulary: unknown label %q", s.Label)
		}
		e := entry{label: label}
		for _, a := range s.Aliases {
			folded := fold(a)
			if folded == "" {
				return nil, fmt.Errorf("vocabulary: empty alias under %s", label)
			}
			e.aliases = append(e.aliases, folded)
			fmt.Fprintf(h, "%s a %s\n", label, folded)
		}
		for _, p := range s.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("vocabulary: pattern %q under %s: %w", p, label, err)
			}
			e.patterns = append(e.patterns, re)
			fmt.Fprintf(h, "%s p %s\n", label, p)
		}
		v.entries = append(v.entries, e)
	}
	v.digest = hex.EncodeToString(h.Sum(nil))[:12]
	return v, nil
}

var (
	defaultOnce  sync.Once
	defaultVocab *Vocabulary
	defaultErr   error
)

// DefaultVocabulary returns the embedded vocabulary, parsed once.
func DefaultVocabulary() (*Vocabulary, error) {
	defaultOnce.Do(func() {
		defaultVocab, defaultErr = LoadVocabulary(defaultVocabularyYAML)
	})
	return defaultVocab, defaultErr
}

// Digest identifies the vocabulary contents; it changes whenever an alias or
// pattern does.
func (v *Vocabulary) Digest() string { return v.digest }

// Match is the result of scoring one heading candidate.
type Match struct {
	Label Label
	// Score is matched length over total folded length, in 0..1.
	Score float64
	// Runes is the folded length of the candidate text.
	Runes int
}

var numberingPrefix = regexp.MustCompile(`^(?:part [ivx]+ )?(?:item \d+[a-z]? )?`)

// Match scores text against every phrasing and returns the best match. The
// longest matched span wins; ties go to the entry listed first.
func (v *Vocabulary) Match(text string) (Match, bool) {
	folded := fold(text)
	total := utf8.RuneCountInString(folded)
	if total == 0 {
		return Match{}, false
	}
	prefix := numberingPrefix.FindString(folded + " ")
	if len(prefix) > len(folded) {
		prefix = folded
	}
	rest := strings.TrimSpace(folded[len(prefix):])
	prefixRunes := total - utf8.RuneCountInString(rest)

	best := Match{Runes: total}
	bestLen := 0
	for _, e := range v.entries {
		for _, a := range e.aliases {
			if hasWordPrefix(rest, a) && len(a) > bestLen {
				best.Label, bestLen = e.label, len(a)
			}
		}
		for _, re := range e.patterns {
			loc := re.FindStringIndex(rest)
			if loc == nil || loc[0] != 0 {
				continue
			}
			if n := loc[1]; n > bestLen && (n == len(rest) || rest[n] == ' ') {
				best.Label, bestLen = e.label, n
			}
		}
	}
	if bestLen == 0 {
		return Match{Runes: total}, false
	}
	matched := prefixRunes + utf8.RuneCountInString(rest[:bestLen])
	best.Score = float64(matched) / float64(total)
	if best.Score > 1 {
		best.Score = 1
	}
	return best, true
}

func hasWordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	return len(s) == len(prefix) || s[len(prefix)] == ' '
}

// fold canonicalizes heading text for matching: NFKC, lower case, quotes and
// apostrophes removed, every other run of non-alphanumerics collapsed to one
// space.
func fold(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r == '\'' || r == '’' || r == '‘' || r == '`' || r == '´' || r == 'ʼ':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}
