package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"modernc.org/sqlite"
)

// SQLite's lower() folds ASCII only; fold_lower folds every script the way
// the snippet matcher does.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("fold_lower", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return strings.ToLower(v), nil
		case []byte:
			return strings.ToLower(string(v)), nil
		default:
			return v, nil
		}
	})
}

// SearchHit is one filing whose section text matched a query.
type SearchHit struct {
	FilingID    int64  `db:"filing_id"`
	Accession   string `db:"accession"`
	FormType    string `db:"form_type"`
	FilingDate  string `db:"filing_date"`
	CIK         string `db:"cik"`
	CompanyName string `db:"company_name"`
	// Label is the first section, in document order, that matched.
	Label   string `db:"label"`
	Content string `db:"content"`
	Snippet string `db:"-"`
}

const snippetRadius = 80

// Search finds filings whose section text contains query, case-insensitively.
// formType narrows the result when non-empty. Hits are newest first, at most
// limit of them (all when limit <= 0).
func (s *Store) Search(ctx context.Context, query, formType string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query required")
	}
	rows := []SearchHit{}
	err := s.db.SelectContext(ctx, &rows, `SELECT f.id AS filing_id, f.accession, f.form_type, f.filing_date,
			c.cik, c.name AS company_name, s.label, s.content
		FROM sections s
		JOIN filings f ON f.id = s.filing_id
		JOIN companies c ON c.id = f.company_id
		WHERE instr(fold_lower(s.content), fold_lower(?)) > 0 AND (? = '' OR f.form_type = ?)
		ORDER BY f.filing_date DESC, f.id, s.ordinal`, query, formType, formType)
	if err != nil {
		return nil, fmt.Errorf("search sections: %w", err)
	}
	seen := make(map[int64]bool)
	var hits []SearchHit
	for _, r := range rows {
		if seen[r.FilingID] {
			continue
		}
		seen[r.FilingID] = true
		r.Snippet = snippet(r.Content, query)
		r.Content = ""
		hits = append(hits, r)
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func snippet(content, query string) string {
	i, n := indexFold(content, query)
	if i < 0 {
		i, n = 0, 0
	}
	start, end := i-snippetRadius, i+n+snippetRadius
	if start < 0 {
		start = 0
	}
	if end > len(content) {
		end = len(content)
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	out := strings.Join(strings.Fields(content[start:end]), " ")
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}

// indexFold returns the byte offset and length of the first case-insensitive
// match of sub in s, or -1.
func indexFold(s, sub string) (int, int) {
	for i := range s {
		if n, ok := prefixFold(s[i:], sub); ok {
			return i, n
		}
	}
	return -1, 0
}

func prefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, want := range prefix {
		if n >= len(s) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(s[n:])
		if got != want && unicode.ToLower(got) != unicode.ToLower(want) {
			return 0, false
		}
		n += size
	}
	return n, true
}
