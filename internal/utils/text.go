package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// escapeRegex matches CSI sequences and OSC sequences terminated by BEL or ST.
// Commands and URLs quoted in verdict reasons come from the agent, so both
// are stripped before anything reaches the operator's terminal.
var escapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// StripANSI removes terminal escape sequences from a string.
func StripANSI(s string) string {
	return escapeRegex.ReplaceAllString(s, "")
}

// SanitizeInput strips escape sequences and drops control characters other
// than newline and tab.
func SanitizeInput(s string) string {
	s = StripANSI(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Cell sanitizes s for a single table cell: newlines and tabs become spaces
// and the result is clipped to n runes.
func Cell(s string, n int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, SanitizeInput(s))
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
