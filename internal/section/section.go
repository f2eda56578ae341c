// Package section locates numbered 8-K items in plain filing text.
package section

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// headerPattern matches 8-K item headers at the start of a line.
// Handles variants like:
//   - "Item 5.07 Submission of Matters to a Vote of Security Holders."
//   - "ITEM 5.07. SUBMISSION OF MATTERS"
//   - "Item 8.01: Other Events"
//   - "Item 7.01 – Regulation FD Disclosure"
var headerPattern = regexp.MustCompile(
	`(?im)^[ \t]*item[ \t]+(\d{1,2})[ \t]*\.[ \t]*(\d{2})\b[^\n]*$`,
)

// signaturePattern marks the end of the last item in an 8-K body.
var signaturePattern = regexp.MustCompile(`(?im)^[ \t]*signatures?[ \t]*\.?[ \t]*$`)

var itemPattern = regexp.MustCompile(`^(\d{1,2})\.(\d{2})$`)

// ValidItem reports whether item looks like an 8-K item number ("5.07").
func ValidItem(item string) bool {
	return itemPattern.MatchString(item)
}

// Locate returns the text of every occurrence of the given item in text, in
// document order. Each section starts at its header line and ends at the
// next item header or the signature block. Occurrences with no body after
// the header (table-of-contents entries) are skipped.
func Locate(text, item string) ([]string, error) {
	m := itemPattern.FindStringSubmatch(item)
	if m == nil {
		return nil, eris.Errorf("section: invalid item %q", item)
	}
	want := normalizeItem(m[1], m[2])

	headers := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(headers) == 0 {
		return nil, nil
	}

	var sections []string
	for i, h := range headers {
		if normalizeItem(text[h[2]:h[3]], text[h[4]:h[5]]) != want {
			continue
		}

		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		if loc := signaturePattern.FindStringIndex(text[h[1]:end]); loc != nil {
			end = h[1] + loc[0]
		}

		body := strings.TrimSpace(text[h[1]:end])
		if body == "" {
			continue
		}
		header := strings.TrimSpace(text[h[0]:h[1]])
		sections = append(sections, header+"\n"+body)
	}

	return sections, nil
}

// normalizeItem strips leading zeros from the major number so "05.07" and "5.07" compare equal.
func normalizeItem(major, minor string) string {
	major = strings.TrimLeft(major, "0")
	if major == "" {
		major = "0"
	}
	return major + "." + minor
}
