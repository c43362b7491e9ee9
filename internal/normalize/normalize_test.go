package normalize

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize_HeadingSignals(t *testing.T) {
	page := `<!doctype html>
<html><head><title>Annual Report</title><style>p{color:red}</style></head>
<body>
  <script>var x = 1;</script>
  <h2>Item 1. Business</h2>
  <p>We design and sell things.</p>
  <p style="font-size:14pt">Risk Factors</p>
  <p><b>Legal Proceedings</b></p>
  <p><span style="font-weight:700">Controls</span> <span style="font-weight:bold">and Procedures</span></p>
  <p>ITEM 7. Management's Discussion</p>
  <p>Plain body text that is not a heading.</p>
</body></html>`
	doc, err := Normalize([]byte(page), "text/html; charset=utf-8")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if doc.Title != "Annual Report" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
	want := []struct {
		text  string
		level int
		hint  Hint
	}{
		{"Item 1. Business", 2, HintTag},
		{"We design and sell things.", 0, HintNone},
		{"Risk Factors", 2, HintFontSize},
		{"Legal Proceedings", 3, HintBold},
		{"Controls and Procedures", 3, HintBold},
		{"ITEM 7. Management's Discussion", 4, HintNumbering},
		{"Plain body text that is not a heading.", 0, HintNone},
	}
	if len(doc.Nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %d: %v", len(want), len(doc.Nodes), doc.Nodes)
	}
	for i, w := range want {
		n := doc.Nodes[i]
		if n.Text != w.text || n.Level != w.level || n.Hint != w.hint {
			t.Fatalf("node %d: got %v, want [%d %s] %s", i, n, w.level, w.hint, w.text)
		}
	}
	if strings.Contains(doc.Text(), "var x") || strings.Contains(doc.Text(), "color:red") {
		t.Fatalf("script or style leaked into text")
	}
}

func TestNormalize_MixedBoldIsNotHeading(t *testing.T) {
	doc, err := Normalize([]byte(`<html><body><p><b>Note:</b> this paragraph has a bold lead.</p></body></html>`), "text/html")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if doc.Nodes[0].Hint != HintNone {
		t.Fatalf("expected no hint for partially bold text, got %v", doc.Nodes[0])
	}
}

func TestNormalize_TablesHiddenAndPageNumbers(t *testing.T) {
	page := `<html><body>
<div style="display: none"><ix:header><ix:hidden>dei:EntityCentralIndexKey 0000320193</ix:hidden></ix:header></div>
<ix:header>hidden facts</ix:header>
<table>
  <tr><td><p>Net sales</p></td><td>$</td><td>391,035</td></tr>
  <tr><td></td><td>Total</td></tr>
</table>
<p>Operating results follow.</p>
<p>12</p>
<p>- 13 -</p>
<p>F-4</p>
<p>Page 7</p>
<div>Closing paragraph</div>
</body></html>`
	doc, err := Normalize([]byte(page), "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	got := make([]string, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		got = append(got, n.Text)
	}
	want := []string{"Net sales | $ | 391,035", "Total", "Operating results follow.", "Closing paragraph"}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected nodes:\n%s", strings.Join(got, "\n"))
	}
	if !doc.Nodes[0].InTable || doc.Nodes[2].InTable {
		t.Fatalf("unexpected table flags: %v", doc.Nodes)
	}
}

func TestNormalize_UnclosedTagsAndEntities(t *testing.T) {
	doc, err := Normalize([]byte(`<html><body><p>First &amp; second<p>Third &nbsp; part<div>Fourth &bogus; entity`), "text/html")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if doc.Text() != "First & second\nThird part\nFourth &bogus; entity" {
		t.Fatalf("unexpected text %q", doc.Text())
	}
}

func TestNormalize_DecodesDeclaredCharset(t *testing.T) {
	// 0xE9 is "é" in windows-1252.
	raw := []byte("<html><head><meta charset=\"windows-1252\"></head><body><p>Soci\xe9t\xe9 G\xe9n\xe9rale</p></body></html>")
	doc, err := Normalize(raw, "text/html")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if doc.Nodes[0].Text != "Société Générale" {
		t.Fatalf("unexpected decode %q", doc.Nodes[0].Text)
	}
	if doc.Encoding != "windows-1252" {
		t.Fatalf("unexpected encoding %q", doc.Encoding)
	}
}

func TestNormalize_PlainTextPath(t *testing.T) {
	raw := `<SEC-DOCUMENT>
CONFORMED SUBMISSION TYPE: 10-K

ITEM 1A. RISK FACTORS
Our business is subject to risks
that span several lines.

ITEM 7. MANAGEMENT'S DISCUSSION AND ANALYSIS

Revenue grew.
</SEC-DOCUMENT>`
	doc, err := Normalize([]byte(raw), "text/plain")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []Node{
		{Text: "CONFORMED SUBMISSION TYPE: 10-K"},
		{Text: "ITEM 1A. RISK FACTORS", Level: 4, Hint: HintNumbering},
		{Text: "Our business is subject to risks that span several lines."},
		{Text: "ITEM 7. MANAGEMENT'S DISCUSSION AND ANALYSIS", Level: 4, Hint: HintNumbering},
		{Text: "Revenue grew."},
	}
	if len(doc.Nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), doc.Nodes)
	}
	for i := range want {
		if doc.Nodes[i] != want[i] {
			t.Fatalf("node %d: got %v, want %v", i, doc.Nodes[i], want[i])
		}
	}
	if got := doc.DetectFormType(); got != "10-K" {
		t.Fatalf("expected 10-K, got %q", got)
	}
}

func TestNormalize_PlainTextTitleCaseHeadings(t *testing.T) {
	raw := `Risk Factors
The Company faces intense competition.
Quantitative and Qualitative Disclosures About Market Risk
Interest rates affect the Company's
Investment Portfolio and its borrowings.
`
	doc, err := Normalize([]byte(raw), "text/plain")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{
		"Risk Factors",
		"The Company faces intense competition.",
		"Quantitative and Qualitative Disclosures About Market Risk",
		"Interest rates affect the Company's Investment Portfolio and its borrowings.",
	}
	if len(doc.Nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), doc.Nodes)
	}
	for i, w := range want {
		if doc.Nodes[i].Text != w {
			t.Fatalf("node %d: got %q, want %q", i, doc.Nodes[i].Text, w)
		}
	}
}

func TestNormalize_NoTextFails(t *testing.T) {
	for _, in := range []string{"", "   ", "<html><body><script>x()</script><p>  </p></body></html>"} {
		_, err := Normalize([]byte(in), "text/html")
		var ne *NormalizationError
		if !errors.As(err, &ne) {
			t.Fatalf("input %q: expected NormalizationError, got %v", in, err)
		}
	}
}

func TestDetectFormType(t *testing.T) {
	doc, err := Normalize([]byte(`<html><body><p>UNITED STATES SECURITIES AND EXCHANGE COMMISSION</p><p>FORM 10-Q/A</p></body></html>`), "text/html")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := doc.DetectFormType(); got != "10-Q/A" {
		t.Fatalf("expected 10-Q/A, got %q", got)
	}
	empty := &Document{Nodes: []Node{{Text: "nothing here"}}}
	if got := empty.DetectFormType(); got != "" {
		t.Fatalf("expected no form type, got %q", got)
	}
}
