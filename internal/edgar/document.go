package edgar

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

// Document is one downloaded file of a submission.
type Document struct {
	// Type is the EDGAR document type, e.g. "8-K" or "EX-99.1".
	Type     string
	Filename string
	Path     string
}

// Extension returns the lowercased file extension including the dot.
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Extension returns the document's lowercased file extension.
func (d *Document) Extension() string {
	return Extension(d.Filename)
}

// Text returns the document as plain text, one block element per line.
func (d *Document) Text() (string, error) {
	raw, err := os.ReadFile(d.Path)
	if err != nil {
		return "", eris.Wrapf(err, "edgar: read document %s", d.Filename)
	}

	switch d.Extension() {
	case ".htm", ".html":
		return HTMLToText(raw)
	default:
		return cleanText(string(raw)), nil
	}
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"center": true, "blockquote": true, "pre": true, "hr": true, "title": true,
}

// HTMLToText decodes a filing's HTML, honoring its declared charset, and
// renders visible text with a line break after every block element.
func HTMLToText(raw []byte) (string, error) {
	enc, _, _ := charset.DetermineEncoding(raw, "text/html")
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", eris.Wrap(err, "edgar: decode charset")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return "", eris.Wrap(err, "edgar: parse html")
	}
	doc.Find("script, style, noscript, head").Remove()
	// Inline XBRL hidden facts are not part of the visible filing.
	doc.Find("ix\\:header").Remove()

	var b strings.Builder
	for _, n := range doc.Selection.Nodes {
		render(n, &b)
	}
	return cleanText(b.String()), nil
}

func render(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.Data == "td" || n.Data == "th" {
			defer b.WriteByte(' ')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(c, b)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		b.WriteByte('\n')
	}
}

var (
	spaceRun = regexp.MustCompile(`[ \t\f\v]+`)
	blankRun = regexp.MustCompile(`\n{3,}`)
)

// cleanText applies NFKC (folding non-breaking spaces and full-width digits),
// collapses horizontal whitespace and trims every line.
func cleanText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRun.ReplaceAllString(s, "\n\n"))
}
