// Package normalize turns raw filing bytes into an ordered sequence of text
// nodes carrying heading metadata. The section extractor depends only on
// Document and Node; the markup parser stays an implementation detail here.
package normalize

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// Hint records which signal marked a node as a probable heading.
type Hint int

const (
	HintNone Hint = iota
	HintTag
	HintFontSize
	HintBold
	HintNumbering
)

func (h Hint) String() string {
	switch h {
	case HintTag:
		return "tag"
	case HintFontSize:
		return "font-size"
	case HintBold:
		return "bold"
	case HintNumbering:
		return "numbering"
	default:
		return "none"
	}
}

// Node is one block of visible text in reading order. Level is 0 for body
// text and 1..6 for heading-like blocks, lower meaning more prominent.
type Node struct {
	Text    string
	Level   int
	Hint    Hint
	InTable bool
}

// Document is the normalized form of a filing.
type Document struct {
	Encoding string
	Title    string
	Nodes    []Node
}

// Text joins all node texts with newlines.
func (d *Document) Text() string {
	if d == nil || len(d.Nodes) == 0 {
		return ""
	}
	parts := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		parts[i] = n.Text
	}
	return strings.Join(parts, "\n")
}

var formTypeRe = regexp.MustCompile(`(?i)(?:\bFORM\s+|CONFORMED SUBMISSION TYPE:\s*)(10-K|10-Q|8-K)(/A)?\b`)

// DetectFormType looks for a form designation such as "FORM 10-K" near the
// top of the document. It returns "" when none is found.
func (d *Document) DetectFormType() string {
	if d == nil {
		return ""
	}
	limit := len(d.Nodes)
	if limit > 60 {
		limit = 60
	}
	for _, n := range d.Nodes[:limit] {
		if m := formTypeRe.FindStringSubmatch(n.Text); m != nil {
			return strings.ToUpper(m[1] + m[2])
		}
	}
	return ""
}

// NormalizationError reports input that produced no usable text.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return "normalize: " + e.Reason + ": " + e.Err.Error()
	}
	return "normalize: " + e.Reason
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Normalize decodes raw according to contentType and any in-document charset
// declaration, then produces text nodes. HTML is walked as a tree; anything
// else goes through the plain-text path.
func Normalize(raw []byte, contentType string) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &NormalizationError{Reason: "empty input"}
	}
	text, encName := Decode(raw, contentType)

	var doc *Document
	if IsHTML(contentType, text) {
		root, err := html.Parse(strings.NewReader(text))
		if err != nil {
			return nil, &NormalizationError{Reason: "parse markup", Err: err}
		}
		doc = fromTree(root)
	} else {
		doc = fromPlainText(text)
	}
	doc.Encoding = encName
	if len(doc.Nodes) == 0 {
		return nil, &NormalizationError{Reason: "no text content"}
	}
	return doc, nil
}

// Decode converts raw to UTF-8 using contentType and any charset declared in
// the document, returning the text and the encoding name used.
func Decode(raw []byte, contentType string) (string, string) {
	enc, name, _ := charset.DetermineEncoding(raw, contentType)
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		out = bytes.ToValidUTF8(raw, []byte("\uFFFD"))
		name = "utf-8"
	}
	s := strings.TrimPrefix(string(out), "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return s, name
}

// IsHTML reports whether decoded text should be parsed as markup.
func IsHTML(contentType, text string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return true
	case strings.HasPrefix(ct, "text/plain"):
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"<html", "<body", "<p>", "<p ", "<div", "<table"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// run is a stretch of inline text with the styling that applied to it.
type run struct {
	text  string
	bold  bool
	large bool
	sep   bool
}

type style struct {
	bold  bool
	large bool
}

type walker struct {
	nodes      []Node
	runs       []run
	heading    int
	tableDepth int
	inRow      bool
}

func fromTree(root *html.Node) *Document {
	w := &walker{}
	body := findFirst(root, "body")
	if body == nil {
		body = root
	}
	w.walk(body, style{})
	w.flush()
	return &Document{Title: collapseSpaces(strings.TrimSpace(findTitle(root))), Nodes: w.nodes}
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true, "dl": true,
	"dt": true, "dd": true, "section": true, "article": true, "main": true,
	"header": true, "footer": true, "blockquote": true, "pre": true,
	"center": true, "form": true, "hr": true, "br": true, "table": true,
	"caption": true, "body": true, "address": true, "figure": true,
}

func (w *walker) walk(n *html.Node, st style) {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			if len(w.runs) > 0 {
				w.runs = append(w.runs, run{text: " ", sep: true})
			}
			return
		}
		w.runs = append(w.runs, run{text: n.Data, bold: st.bold, large: st.large})
		return
	case html.ElementNode:
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, st)
		}
		return
	default:
		return
	}

	name := strings.ToLower(n.Data)
	switch name {
	case "script", "style", "noscript", "head", "template", "title", "nav", "iframe", "ix:header":
		return
	}
	if isHidden(n) {
		return
	}
	st = applyStyle(n, name, st)

	switch {
	case len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6':
		w.block()
		prev := w.heading
		w.heading = int(name[1] - '0')
		w.children(n, st)
		w.block()
		w.heading = prev
		return
	case name == "tr":
		w.flush()
		prevRow := w.inRow
		w.inRow = true
		w.tableDepth++
		w.children(n, st)
		w.flush()
		w.tableDepth--
		w.inRow = prevRow
		return
	case name == "td" || name == "th":
		if w.inRow && w.hasText() {
			w.runs = append(w.runs, run{text: " | ", sep: true})
		}
		w.children(n, st)
		return
	case name == "table":
		w.flush()
		w.children(n, st)
		w.flush()
		return
	case blockTags[name]:
		w.block()
		w.children(n, st)
		w.block()
		return
	}
	w.children(n, st)
}

func (w *walker) children(n *html.Node, st style) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, st)
	}
}

// block ends the current node unless we are inside a table row, where
// nested blocks stay part of the row text.
func (w *walker) block() {
	if w.inRow {
		if w.hasText() {
			w.runs = append(w.runs, run{text: " ", sep: true})
		}
		return
	}
	w.flush()
}

func (w *walker) hasText() bool {
	for _, r := range w.runs {
		if !r.sep && strings.TrimSpace(r.text) != "" {
			return true
		}
	}
	return false
}

func (w *walker) flush() {
	runs := w.runs
	w.runs = w.runs[:0:0]
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.text)
	}
	text := collapseSpaces(strings.TrimSpace(b.String()))
	text = strings.Trim(text, " |")
	if text == "" || isPageNumber(text) {
		return
	}
	node := Node{Text: text, InTable: w.tableDepth > 0}
	node.Level, node.Hint = classify(text, runs, w.heading)
	w.nodes = append(w.nodes, node)
}

// classify applies the heading signals in fixed priority order: heading tag,
// font size, bold, numbering.
func classify(text string, runs []run, heading int) (int, Hint) {
	if heading > 0 {
		return heading, HintTag
	}
	allLarge, allBold, seen := true, true, false
	for _, r := range runs {
		if r.sep || strings.TrimSpace(r.text) == "" {
			continue
		}
		seen = true
		allLarge = allLarge && r.large
		allBold = allBold && r.bold
	}
	switch {
	case seen && allLarge:
		return 2, HintFontSize
	case seen && allBold:
		return 3, HintBold
	case looksNumbered(text):
		return 4, HintNumbering
	}
	return 0, HintNone
}

var numberingRe = regexp.MustCompile(`(?i)^(PART\s+[IVX]+|ITEM\s+\d+[A-Z]?)\b`)

const maxNumberedRunes = 120

func looksNumbered(text string) bool {
	return utf8.RuneCountInString(text) <= maxNumberedRunes && numberingRe.MatchString(text)
}

var pageNumberRe = regexp.MustCompile(`(?i)^(page\s+)?[-–—]?\s*([A-Z]-)?\d{1,4}\s*[-–—]?$`)

func isPageNumber(text string) bool {
	return len(text) <= 16 && pageNumberRe.MatchString(text)
}

func isHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "style":
			s := strings.ToLower(strings.ReplaceAll(a.Val, " ", ""))
			if strings.Contains(s, "display:none") {
				return true
			}
		}
	}
	return false
}

func applyStyle(n *html.Node, name string, st style) style {
	switch name {
	case "b", "strong":
		st.bold = true
	case "font":
		if size, ok := attr(n, "size"); ok {
			st.large = fontTagLarge(size)
		}
	}
	css, ok := attr(n, "style")
	if !ok {
		return st
	}
	for _, decl := range strings.Split(css, ";") {
		k, v, found := strings.Cut(decl, ":")
		if !found {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important")))
		switch k {
		case "font-weight":
			st.bold = boldWeight(v)
		case "font-size":
			st.large = largeSize(v)
		case "font":
			if strings.Contains(v, "bold") {
				st.bold = true
			}
			for _, f := range strings.Fields(v) {
				if l, ok := parseSize(f); ok {
					st.large = l
					break
				}
			}
		}
	}
	return st
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func boldWeight(v string) bool {
	switch v {
	case "bold", "bolder":
		return true
	}
	if w, err := strconv.Atoi(v); err == nil {
		return w >= 600
	}
	return false
}

func largeSize(v string) bool {
	l, _ := parseSize(v)
	return l
}

// parseSize reports whether a CSS size value is heading-sized (12pt, 16px,
// or a larger keyword), and whether v was recognized as a size at all.
func parseSize(v string) (bool, bool) {
	v = strings.TrimSpace(v)
	switch v {
	case "large", "larger", "x-large", "xx-large", "xxx-large":
		return true, true
	case "small", "smaller", "x-small", "xx-small", "medium":
		return false, true
	}
	for _, unit := range []struct {
		suffix string
		min    float64
	}{{"pt", 12}, {"px", 16}, {"rem", 1.2}, {"em", 1.2}, {"%", 120}} {
		if !strings.HasSuffix(v, unit.suffix) {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, unit.suffix), 64)
		if err != nil {
			return false, false
		}
		return f >= unit.min, true
	}
	return false, false
}

func fontTagLarge(size string) bool {
	size = strings.TrimSpace(size)
	if strings.HasPrefix(size, "+") {
		return size != "+0"
	}
	n, err := strconv.Atoi(size)
	return err == nil && n >= 4
}

func findTitle(n *html.Node) string {
	head := findFirst(n, "head")
	if head == nil {
		return ""
	}
	t := findFirst(head, "title")
	if t == nil || t.FirstChild == nil {
		return ""
	}
	return t.FirstChild.Data
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if res := findFirst(c, tag); res != nil {
			return res
		}
	}
	return nil
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}

var sgmlTagRe = regexp.MustCompile(`</?[A-Z][A-Z0-9-]*>`)

// fromPlainText splits legacy text filings into paragraphs on blank lines.
// Short lines that look numbered or are fully upper case stand alone so that
// headings are not merged into the paragraph that follows them. A short
// title-case line stands alone too when it starts a paragraph or follows a
// finished sentence.
func fromPlainText(text string) *Document {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	doc := &Document{}
	var para []string
	emit := func() {
		if len(para) == 0 {
			return
		}
		s := collapseSpaces(strings.Join(para, " "))
		para = para[:0]
		if s == "" || isPageNumber(s) {
			return
		}
		level, hint := 0, HintNone
		if looksNumbered(s) {
			level, hint = 4, HintNumbering
		}
		doc.Nodes = append(doc.Nodes, Node{Text: s, Level: level, Hint: hint})
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(sgmlTagRe.ReplaceAllString(line, " "))
		if line == "" {
			emit()
			continue
		}
		if standalone(line) || (titleCased(line) && sentenceEnded(para)) {
			emit()
			para = append(para, line)
			emit()
			continue
		}
		para = append(para, line)
	}
	emit()
	if doc.Title == "" && len(doc.Nodes) > 0 {
		doc.Title = doc.Nodes[0].Text
	}
	return doc
}

func standalone(line string) bool {
	if utf8.RuneCountInString(line) > maxNumberedRunes {
		return false
	}
	if numberingRe.MatchString(line) {
		return true
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if unicode.IsLower(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

const maxTitleWords = 8

var minorWords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "by": true,
	"for": true, "from": true, "in": true, "of": true, "on": true, "or": true,
	"the": true, "to": true, "with": true,
}

// titleCased reports whether line reads like "Risk Factors": a few words,
// each significant one capitalized, and no sentence punctuation at the end.
func titleCased(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > maxTitleWords {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(line)
	if strings.ContainsRune(".,;!?", last) {
		return false
	}
	significant := 0
	for i, w := range words {
		r, _ := utf8.DecodeRuneInString(w)
		if !unicode.IsLetter(r) {
			continue
		}
		if i > 0 && minorWords[strings.ToLower(w)] {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		significant++
	}
	return significant > 0
}

// sentenceEnded reports whether the pending paragraph is empty or its last
// line closes a sentence, so a wrapped line is not taken for a heading.
func sentenceEnded(para []string) bool {
	if len(para) == 0 {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(para[len(para)-1])
	return strings.ContainsRune(".:;!?)", last)
}

// String is handy in logs and test failures.
func (n Node) String() string {
	return fmt.Sprintf("[%d %s] %s", n.Level, n.Hint, n.Text)
}
