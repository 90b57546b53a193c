// Package heuristic scores shell text for evasion techniques that hide a
// dangerous command from literal pattern matching.
package heuristic

import (
	"regexp"
)

// Category is the evasion family a finding belongs to.
type Category string

const (
	CategoryEncoding             Category = "encoding evasion"
	CategoryVariableSubstitution Category = "variable substitution"
	CategoryObfuscation          Category = "obfuscation"
	CategoryIndirectExecution    Category = "indirect execution"
	CategoryNetworkEvasion       Category = "network evasion"
)

// Finding is one detector hit.
type Finding struct {
	Detector   string   `json:"detector"`
	Category   Category `json:"category"`
	Confidence int      `json:"confidence"`
	Reason     string   `json:"reason"`
	Match      string   `json:"match,omitempty"`
}

// Detector is implemented by every evasion detector. Detect returns nil when
// nothing suspicious was found.
type Detector interface {
	// Name returns the detector's identifier (e.g. "encoding").
	Name() string
	// Category returns the evasion family the detector covers.
	Category() Category
	// Detect inspects already-normalized text.
	Detect(text string) *Finding
}

// DefaultDetectors returns the built-in detector set.
func DefaultDetectors() []Detector {
	return []Detector{
		NewEncodingDetector(),
		NewSubstitutionDetector(),
		NewObfuscationDetector(),
		NewIndirectDetector(),
		NewNetworkDetector(),
	}
}

// EnabledDetectors returns the built-in detectors minus those named in
// disabled.
func EnabledDetectors(disabled []string) []Detector {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}
	var out []Detector
	for _, d := range DefaultDetectors() {
		if !off[d.Name()] {
			out = append(out, d)
		}
	}
	return out
}

type rule struct {
	re         *regexp.Regexp
	confidence int
	detail     string
}

// bestRule returns the highest-confidence rule matching text.
func bestRule(rules []rule, text string) (rule, string, bool) {
	var best rule
	var match string
	found := false
	for _, r := range rules {
		m := r.re.FindString(text)
		if m == "" {
			continue
		}
		if !found || r.confidence > best.confidence {
			best, match, found = r, m, true
		}
	}
	return best, match, found
}

func newFinding(d Detector, confidence int, reason, match string) *Finding {
	return &Finding{
		Detector:   d.Name(),
		Category:   d.Category(),
		Confidence: confidence,
		Reason:     reason,
		Match:      truncate(match, 120),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// shellSink matches a pipe into an interpreter.
const shellSink = `\|\s*(?:sudo\s+)?(?:/usr)?(?:/bin/)?(?:env\s+)?(?:ba|z|k|da|fi|c|tc)?sh\b|\|\s*(?:python[0-9.]*|perl|ruby|node|php)\b|\|\s*(?:source|eval)\b`
