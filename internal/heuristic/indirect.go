package heuristic

import (
	"regexp"
)

var indirectRules = []rule{
	{regexp.MustCompile(`(?i)(?:^|[;&|(]\s*|\s)(?:source|\.)\s+['"]?/(?:tmp|dev/shm|var/tmp)/`), 75, "sources a script from a world-writable directory"},
	{regexp.MustCompile(`(?i)\bpython[0-9.]*\s+(?:-\w+\s+)*-c\s+.*(?:os\.system|subprocess|os\.popen|exec\(|__import__|pty\.spawn)`), 70, "python one-liner spawns commands"},
	{regexp.MustCompile(`(?i)\bperl\s+(?:-\w+\s+)*-e\s+.*(?:system|exec|` + "`" + `|qx)`), 70, "perl one-liner spawns commands"},
	{regexp.MustCompile(`(?i)\bruby\s+(?:-\w+\s+)*-e\s+.*(?:system|exec|` + "`" + `|%x)`), 70, "ruby one-liner spawns commands"},
	{regexp.MustCompile(`(?i)\bnode\s+(?:-\w+\s+)*-e\s+.*child_process`), 70, "node one-liner spawns commands"},
	{regexp.MustCompile(`(?i)\beval\s+["']?\$`), 65, "eval of expanded text"},
	{regexp.MustCompile("(?i)\\beval\\s+[\"']?(?:`|\\$\\()"), 65, "eval of command output"},
	{regexp.MustCompile(`(?i)\b(?:ba|z|da|k)?sh\s+-c\s+["']?\$`), 60, "shell -c runs expanded text"},
	{regexp.MustCompile(`(?:^|[;&|(]\s*)['"]?/(?:tmp|dev/shm|var/tmp)/\S+`), 55, "executes a file from a world-writable directory"},
	{regexp.MustCompile(`(?i)\beval\b`), 45, "eval"},
	{regexp.MustCompile(`(?i)\b(?:ba|z|da|k)?sh\s+-c\b`), 35, "nested shell -c"},
	{regexp.MustCompile("`[^`]+`"), 25, "backtick command substitution"},
	{regexp.MustCompile(`\$\([^)]+\)`), 20, "command substitution"},
}

// IndirectDetector flags commands that run other text as code.
type IndirectDetector struct{}

func NewIndirectDetector() *IndirectDetector { return &IndirectDetector{} }

func (d *IndirectDetector) Name() string { return "indirect_execution" }

func (d *IndirectDetector) Category() Category { return CategoryIndirectExecution }

func (d *IndirectDetector) Detect(text string) *Finding {
	r, m, ok := bestRule(indirectRules, text)
	if !ok {
		return nil
	}
	return newFinding(d, r.confidence, r.detail, m)
}
