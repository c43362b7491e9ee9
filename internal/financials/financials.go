// Package financials pulls financial statement tables and inline XBRL facts
// out of filing markup. It reads the same raw bytes as the section
// extractor and is independent of it.
package financials

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hyperifyio/secfilings/internal/normalize"
)

// StatementKind classifies a financial table.
type StatementKind string

const (
	KindBalanceSheet    StatementKind = "balance_sheet"
	KindIncomeStatement StatementKind = "income_statement"
	KindCashFlow        StatementKind = "cash_flow_statement"
	KindEquity          StatementKind = "stockholders_equity"
)

// Table is one classified financial table. Rows hold non-empty cells with
// currency and parenthesis fragments merged into their numbers.
type Table struct {
	Ordinal int
	Kind    StatementKind
	Rows    [][]string
}

// Text renders rows tab-separated, one row per line.
func (t Table) Text() string {
	lines := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		lines[i] = strings.Join(r, "\t")
	}
	return strings.Join(lines, "\n")
}

// Fact is a numeric inline XBRL fact (ix:nonFraction) with scale and sign
// applied to Value.
type Fact struct {
	// Name is the prefixed concept, e.g. "us-gaap:Revenues".
	Name       string
	Value      float64
	Raw        string
	ContextRef string
	UnitRef    string
	Scale      int
	Decimals   string
	// PeriodEnd is the context's instant or end date, YYYY-MM-DD when the
	// context was found.
	PeriodEnd string
	// Dimensional marks contexts with a segment, i.e. a breakdown rather
	// than the entity total.
	Dimensional bool
}

// Concept is Name without its taxonomy prefix.
func (f Fact) Concept() string {
	if i := strings.LastIndex(f.Name, ":"); i >= 0 {
		return f.Name[i+1:]
	}
	return f.Name
}

// Monetary reports whether the fact is measured in US dollars.
func (f Fact) Monetary() bool {
	return strings.Contains(strings.ToLower(f.UnitRef), "usd")
}

// Report is everything found in one document.
type Report struct {
	Tables []Table
	Facts  []Fact
}

// Extract decodes raw the way the normalizer does and collects statement
// tables and facts. Non-markup documents yield an empty report.
func Extract(raw []byte, contentType string) (*Report, error) {
	text, _ := normalize.Decode(raw, contentType)
	if !normalize.IsHTML(contentType, text) {
		return &Report{}, nil
	}
	root, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("financials: parse markup: %w", err)
	}
	return &Report{Tables: tables(root), Facts: facts(root)}, nil
}

type rule struct {
	kind    StatementKind
	phrases []string
}

var titleRules = []rule{
	{KindCashFlow, []string{"statement of cash flows", "statements of cash flows", "cash flow statement"}},
	{KindIncomeStatement, []string{"statement of operations", "statements of operations", "income statement", "statement of income", "statements of income", "statements of comprehensive income"}},
	{KindEquity, []string{"statement of equity", "statements of equity", "statement of stockholders equity", "statements of stockholders equity", "statement of shareholders equity", "statements of shareholders equity", "changes in equity"}},
	{KindBalanceSheet, []string{"balance sheet", "statement of financial position", "statements of financial position"}},
}

var lineItemRules = []rule{
	{KindBalanceSheet, []string{"total assets", "total liabilities", "total current assets", "total current liabilities", "stockholders equity", "shareholders equity", "liabilities"}},
	{KindIncomeStatement, []string{"revenues", "net sales", "gross margin", "gross profit", "operating income", "net income", "earnings per share", "income before"}},
	{KindCashFlow, []string{"cash flow", "operating activities", "investing activities", "financing activities", "cash equivalents, beginning", "cash equivalents, end"}},
	{KindEquity, []string{"retained earnings", "beginning balance", "ending balance", "balances at", "dividends declared", "common stock issued"}},
}

// Classify names the statement a table belongs to. A statement title in
// title or body decides; otherwise the kind with the most matching line
// items wins, earlier kinds breaking ties.
func Classify(title, body string) (StatementKind, bool) {
	t, b := foldText(title), foldText(body)
	for _, text := range []string{t, b} {
		for _, r := range titleRules {
			for _, p := range r.phrases {
				if strings.Contains(text, p) {
					return r.kind, true
				}
			}
		}
	}
	var best StatementKind
	bestScore := 0
	for _, r := range lineItemRules {
		score := 0
		for _, p := range r.phrases {
			if strings.Contains(b, p) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = r.kind, score
		}
	}
	return best, bestScore > 0
}

func foldText(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "", "'", "", "\u00a0", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func tables(root *html.Node) []Table {
	doc := goquery.NewDocumentFromNode(root)
	var out []Table
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		rows := tableRows(tbl)
		if len(rows) < 2 || !hasDigit(rows) {
			return
		}
		var b strings.Builder
		for _, r := range rows {
			b.WriteString(strings.Join(r, " "))
			b.WriteByte('\n')
		}
		kind, ok := Classify(titleOf(tbl), b.String())
		if !ok {
			return
		}
		out = append(out, Table{Ordinal: len(out), Kind: kind, Rows: rows})
	})
	return out
}

const maxTitleRunes = 200

// titleOf gathers the caption and the short text blocks just before the
// table, where filings put statement titles. An earlier table ends the search.
func titleOf(tbl *goquery.Selection) string {
	parts := []string{tbl.ChildrenFiltered("caption").Text()}
	anchor := tbl
	for anchor.Prev().Length() == 0 && anchor.Parent().Length() > 0 && !anchor.Parent().Is("body") {
		anchor = anchor.Parent()
	}
	anchor.PrevAll().EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= 3 || s.Is("table") || s.Find("table").Length() > 0 {
			return false
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" && utf8.RuneCountInString(text) <= maxTitleRunes {
			parts = append(parts, text)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func tableRows(tbl *goquery.Selection) [][]string {
	var rows [][]string
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if !tr.Closest("table").IsSelection(tbl) {
			return
		}
		var cells []string
		tr.ChildrenFiltered("td, th").Each(func(_ int, c *goquery.Selection) {
			cells = appendCell(cells, strings.Join(strings.Fields(c.Text()), " "))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows
}

// appendCell drops spacer cells and joins the "$", "(" and ")" fragments
// filings put in cells of their own.
func appendCell(cells []string, c string) []string {
	n := len(cells)
	switch {
	case c == "":
		return cells
	case n > 0 && (c == ")" || c == "%" || c == ")%"):
		cells[n-1] += c
		return cells
	case n > 0 && (cells[n-1] == "$" || cells[n-1] == "(" || cells[n-1] == "($" || cells[n-1] == "$("):
		cells[n-1] += c
		return cells
	}
	return append(cells, c)
}

func hasDigit(rows [][]string) bool {
	for _, r := range rows {
		for _, c := range r {
			if strings.IndexFunc(c, unicode.IsDigit) >= 0 {
				return true
			}
		}
	}
	return false
}

type contextInfo struct {
	end         string
	dimensional bool
}

func facts(root *html.Node) []Fact {
	contexts := make(map[string]contextInfo)
	var candidates []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "ix:nonfraction":
				candidates = append(candidates, n)
			case localName(n.Data) == "context":
				if id := attr(n, "id"); id != "" {
					contexts[id] = readContext(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	out := make([]Fact, 0, len(candidates))
	for _, n := range candidates {
		f, ok := parseFact(n)
		if !ok {
			continue
		}
		if ctx, ok := contexts[f.ContextRef]; ok {
			f.PeriodEnd, f.Dimensional = ctx.end, ctx.dimensional
		}
		out = append(out, f)
	}
	return out
}

func readContext(n *html.Node) contextInfo {
	var info contextInfo
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch localName(n.Data) {
			case "instant", "enddate":
				info.end = strings.TrimSpace(textOf(n))
			case "segment", "explicitmember", "typedmember":
				info.dimensional = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return info
}

func parseFact(n *html.Node) (Fact, bool) {
	f := Fact{
		Name:       strings.TrimSpace(attr(n, "name")),
		ContextRef: strings.TrimSpace(attr(n, "contextref")),
		UnitRef:    strings.TrimSpace(attr(n, "unitref")),
		Decimals:   strings.TrimSpace(attr(n, "decimals")),
		Raw:        strings.Join(strings.Fields(textOf(n)), " "),
	}
	if f.Name == "" || f.ContextRef == "" || strings.EqualFold(attr(n, "xsi:nil"), "true") {
		return Fact{}, false
	}
	format := strings.ToLower(attr(n, "format"))
	var v float64
	switch {
	case strings.Contains(format, "zero") || isDash(f.Raw):
		v = 0
	default:
		parsed, ok := parseNumber(f.Raw, format)
		if !ok {
			return Fact{}, false
		}
		v = parsed
	}
	if s := strings.TrimSpace(attr(n, "scale")); s != "" {
		scale, err := strconv.Atoi(s)
		if err != nil {
			return Fact{}, false
		}
		f.Scale = scale
		v *= math.Pow10(scale)
	}
	if attr(n, "sign") == "-" {
		v = -v
	}
	f.Value = v
	return f, true
}

func parseNumber(s, format string) (float64, bool) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '$', '(', ')', ' ', '\u00a0':
			return -1
		}
		return r
	}, s)
	if strings.Contains(format, "commadecimal") || strings.Contains(format, "comma-decimal") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func isDash(s string) bool {
	switch strings.TrimSpace(s) {
	case "-", "–", "—":
		return true
	}
	return false
}

func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Metric is a headline figure picked from the facts.
type Metric struct {
	Name       string
	Concept    string
	Value      float64
	Unit       string
	PeriodEnd  string
	ContextRef string
}

var keyConcepts = []struct {
	name     string
	concepts []string
}{
	{"revenue", []string{"Revenues", "RevenueFromContractWithCustomerExcludingAssessedTax", "SalesRevenueNet", "Revenue"}},
	{"net_income", []string{"NetIncomeLoss", "ProfitLoss", "NetIncome"}},
	{"total_assets", []string{"Assets"}},
	{"total_liabilities", []string{"Liabilities"}},
	{"stockholders_equity", []string{"StockholdersEquity", "ShareholdersEquity"}},
	{"cash", []string{"CashAndCashEquivalentsAtCarryingValue", "CashAndCashEquivalents", "Cash"}},
}

// KeyMetrics picks one fact per headline metric. Concepts match exactly in
// preference order; among matches an entity-wide context beats a
// dimensional one, then the latest period wins.
func KeyMetrics(facts []Fact) []Metric {
	var out []Metric
	for _, k := range keyConcepts {
		f, ok := bestFact(facts, k.concepts)
		if !ok {
			continue
		}
		out = append(out, Metric{
			Name:       k.name,
			Concept:    f.Name,
			Value:      f.Value,
			Unit:       f.UnitRef,
			PeriodEnd:  f.PeriodEnd,
			ContextRef: f.ContextRef,
		})
	}
	return out
}

func bestFact(facts []Fact, concepts []string) (Fact, bool) {
	for _, c := range concepts {
		var best Fact
		found := false
		for _, f := range facts {
			if !strings.EqualFold(f.Concept(), c) {
				continue
			}
			if !found || better(f, best) {
				best, found = f, true
			}
		}
		if found {
			return best, true
		}
	}
	return Fact{}, false
}

func better(a, b Fact) bool {
	if a.Dimensional != b.Dimensional {
		return !a.Dimensional
	}
	return a.PeriodEnd > b.PeriodEnd
}
