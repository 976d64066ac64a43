// Package textutil normalizes world text before it is compared or relayed.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
)

// MaxSummaryLength bounds the rune length of a collapsed markup payload.
const MaxSummaryLength = 600

var (
	formatCode = regexp.MustCompile(`§[0-9a-fk-orA-FK-OR]`)
	errorCode  = regexp.MustCompile(`(?i)\b(?:error|code)\s*[:#]?\s*(\d{3,4})\b`)
	spaceRun   = regexp.MustCompile(`\s+`)
)

// Fold returns the case-insensitive lookup key for a world identity.
//
// Postcondition: Fold(a) == Fold(b) iff a and b differ only in case and
// surrounding whitespace.
func Fold(identity string) string {
	// A Caser is stateful; never share one between goroutines.
	return cases.Fold().String(strings.TrimSpace(identity))
}

// StripFormatting removes "§x" formatting codes, ANSI escape sequences, and
// control characters other than tab.
//
// Postcondition: The result contains no rune for which unicode.IsControl is
// true except '\t'.
func StripFormatting(s string) string {
	s = formatCode.ReplaceAllString(s, "")
	s = stripANSI(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
}

// stripANSI removes CSI escape sequences: ESC '[' parameters, then one final
// byte in 0x40-0x7E.
func stripANSI(s string) string {
	if !strings.ContainsRune(s, '\033') {
		return s
	}
	result := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i] == '\033' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			if j < len(s) {
				i = j + 1
				continue
			}
		}
		result = append(result, s[i])
		i++
	}
	return string(result)
}

// Normalize produces the canonical form of a world line: formatting removed,
// markup payloads collapsed, surrounding whitespace trimmed.
func Normalize(s string) string {
	s = strings.TrimSpace(StripFormatting(s))
	if LooksLikeMarkup(s) {
		if summary, ok := SummarizeMarkup(s); ok {
			return summary
		}
	}
	return s
}

// LooksLikeMarkup reports whether s appears to be an HTML document, such as
// a proxy error page pasted into chat.
func LooksLikeMarkup(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<!doctype html") ||
		strings.Contains(lower, "<body")
}

// SummarizeMarkup collapses an HTML payload into a short human summary:
// heading, first paragraph, and error code when present. Without a heading
// or paragraph the flattened text is used instead.
//
// Postcondition: ok is false when s cannot be parsed; otherwise summary is
// non-empty and at most MaxSummaryLength runes.
func SummarizeMarkup(s string) (summary string, ok bool) {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return "", false
	}

	var title, heading, paragraph string
	var flat strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "title":
				if title == "" {
					title = nodeText(n)
				}
			case "h1", "h2":
				if heading == "" {
					heading = nodeText(n)
				}
			case "p":
				if paragraph == "" {
					paragraph = nodeText(n)
				}
			}
		}
		if n.Type == html.TextNode {
			flat.WriteString(n.Data)
			flat.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	flattened := collapseSpace(flat.String())
	if heading == "" {
		heading = title
	}

	var parts []string
	if heading != "" {
		parts = append(parts, heading)
	}
	if paragraph != "" && paragraph != heading {
		parts = append(parts, paragraph)
	}
	if len(parts) == 0 {
		if flattened == "" {
			return "", false
		}
		return Truncate(flattened, MaxSummaryLength), true
	}

	summary = strings.Join(parts, " | ")
	if m := errorCode.FindStringSubmatch(flattened); m != nil && !strings.Contains(summary, m[1]) {
		summary += " (code " + m[1] + ")"
	}
	return Truncate(summary, MaxSummaryLength), true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseSpace(b.String())
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// Truncate shortens s to at most max runes, marking the cut with "...".
//
// Precondition: max > 3.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
