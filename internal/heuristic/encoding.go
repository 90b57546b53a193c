package heuristic

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	decodeRe = regexp.MustCompile(`(?i)\bbase(?:64|32)\s+(?:-\w*d\w*|--decode)\b` +
		`|\bxxd\s+(?:-\w+\s+)*-r\b` +
		`|\bopenssl\s+(?:enc\s+)?-?(?:base64|a)\b[^|;]*\s-d\b` +
		`|\bopenssl\s+(?:enc\s+)?-d\s+-?(?:base64|a)\b` +
		`|\bprintf\s+(?:-v\s+\w+\s+)?['"]?(?:\\x[0-9a-f]{2}|\\[0-7]{3})` +
		`|\becho\s+-\w*e\w*\s+['"]?(?:\\x[0-9a-f]{2}|\\[0-7]{3})` +
		`|\|\s*rev\s`)
	sinkRe      = regexp.MustCompile(`(?i)` + shellSink)
	execWrapRe  = regexp.MustCompile("(?i)\\beval\\b|\\$\\(|`|\\b(?:ba|z|da)?sh\\s+-c\\b|\\bexec\\b")
	longBlobRe  = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
	shortBlobRe = regexp.MustCompile(`[A-Za-z0-9+/]{8,}={0,2}`)
)

// EncodingDetector flags decoded content that reaches a shell.
type EncodingDetector struct{}

func NewEncodingDetector() *EncodingDetector { return &EncodingDetector{} }

func (d *EncodingDetector) Name() string { return "encoding" }

func (d *EncodingDetector) Category() Category { return CategoryEncoding }

func (d *EncodingDetector) Detect(text string) *Finding {
	loc := decodeRe.FindStringIndex(text)
	if loc == nil {
		return nil
	}
	decoder := text[loc[0]:loc[1]]
	hint := decodedHint(text)

	if sink := sinkRe.FindString(text[loc[1]:]); sink != "" {
		return newFinding(d, 90, "decoded content piped to a shell"+hint, decoder+" ... "+strings.TrimSpace(sink))
	}
	if wrap := execWrapRe.FindString(text); wrap != "" {
		return newFinding(d, 75, "decoded content reaches an exec sink ("+wrap+")"+hint, decoder)
	}
	if blob := longBlobRe.FindString(text); blob != "" {
		return newFinding(d, 45, "long encoded blob decoded inline"+hint, blob)
	}
	return nil
}

// decodedHint tries to show what an inline base64 literal decodes to.
func decodedHint(text string) string {
	for _, blob := range shortBlobRe.FindAllString(text, 8) {
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil || len(raw) == 0 || !printable(raw) {
			continue
		}
		return fmt.Sprintf(" (decodes to %q)", truncate(string(raw), 60))
	}
	return ""
}

func printable(b []byte) bool {
	for _, r := range string(b) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return false
		}
	}
	return true
}
