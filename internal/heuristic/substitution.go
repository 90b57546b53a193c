package heuristic

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Two or more variables concatenated where a command name belongs.
	assembledRe = regexp.MustCompile(`(?m)(?:^|[;&|({]\s*|\$\(\s*|\b(?:eval|exec|sudo|command)\s+)\$\{?[A-Za-z_][A-Za-z0-9_]*\}?(?:['"]*\$\{?[A-Za-z_][A-Za-z0-9_]*\}?)+`)
	// A short assignment of a command fragment, as a whole statement.
	fragmentAssignRe = regexp.MustCompile(`^\s*(?:export\s+)?[A-Za-z_][A-Za-z0-9_]{0,15}=['"]?[^\s;&|'"$]{1,12}['"]?\s*$`)
	indirectRe       = regexp.MustCompile(`\$\{![A-Za-z_][A-Za-z0-9_]*[@*]?\}`)
	ansiCQuoteRe     = regexp.MustCompile(`\$'(?:[^']*\\(?:x[0-9a-fA-F]{1,2}|[0-7]{1,3}|u[0-9a-fA-F]{1,4}))+`)
)

// SubstitutionDetector flags commands assembled from variables at run time.
type SubstitutionDetector struct{}

func NewSubstitutionDetector() *SubstitutionDetector { return &SubstitutionDetector{} }

func (d *SubstitutionDetector) Name() string { return "variable_substitution" }

func (d *SubstitutionDetector) Category() Category { return CategoryVariableSubstitution }

func (d *SubstitutionDetector) Detect(text string) *Finding {
	var best *Finding
	keep := func(f *Finding) {
		if best == nil || f.Confidence > best.Confidence {
			best = f
		}
	}

	if m := assembledRe.FindString(text); m != "" {
		assigns := countFragmentAssignments(text)
		switch {
		case assigns >= 2:
			keep(newFinding(d, 80, fmt.Sprintf("command name assembled from %d variable fragments", assigns), m))
		default:
			keep(newFinding(d, 55, "command name built from concatenated variables", m))
		}
	}
	if m := ansiCQuoteRe.FindString(text); m != "" {
		keep(newFinding(d, 75, "ANSI-C quoted escapes hide literal text", m))
	}
	if m := indirectRe.FindString(text); m != "" {
		keep(newFinding(d, 60, "indirect variable expansion", m))
	}
	return best
}

func countFragmentAssignments(text string) int {
	n := 0
	for _, stmt := range strings.FieldsFunc(text, func(r rune) bool { return r == ';' || r == '&' || r == '\n' }) {
		if fragmentAssignRe.MatchString(stmt) {
			n++
		}
	}
	return n
}
