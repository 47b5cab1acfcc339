// Package patch turns free-form model output into a validated unified diff.
//
// The pipeline is Extract -> Sanitize -> Parse -> Validate. Extract and
// Sanitize are total string functions; Parse builds a structured Diff over
// a small line grammar; Validate is the hard gate that rejects unsafe or
// inconsistent file entries before anything touches the working tree.
package patch

import (
	"regexp"
	"strings"
)

const gitHeaderPrefix = "diff --git "

var fileHeaderPair = regexp.MustCompile(`(?m)^--- .*\n\+\+\+ `)

// Extract strips code fences and byte-order marks and returns the text from
// the first plausible diff start, or "" when there is none.
func Extract(raw string) string {
	text := raw
	if strings.Contains(text, "```") {
		text = strings.ReplaceAll(text, "```diff", "")
		text = strings.ReplaceAll(text, "```", "")
	}
	text = strings.ReplaceAll(text, "\ufeff", "")

	if idx := strings.Index(text, gitHeaderPrefix); idx >= 0 {
		return strings.TrimSpace(text[idx:])
	}

	text = strings.TrimLeft(text, " \t\r\n")
	loc := fileHeaderPair.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(text[loc[0]:])
}
