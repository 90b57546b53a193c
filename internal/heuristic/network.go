package heuristic

import (
	"regexp"
)

var networkRules = []rule{
	{regexp.MustCompile(`/dev/(?:tcp|udp)/[^/\s]+/\d+`), 90, "shell redirection to a raw socket"},
	{regexp.MustCompile(`(?i)\b(?:nc|ncat|netcat)\b[^|;&]*\s-\w*[ec]\w*\s+\S*(?:sh|bash|cmd)\b`), 90, "netcat hands a shell to the network"},
	{regexp.MustCompile(`(?i)\b(?:curl|wget|fetch)\b[^|;&]*(?:` + shellSink + `)`), 85, "downloaded content piped to a shell"},
	{regexp.MustCompile(`(?i)\b(?:ba|z|k)?sh\s+<\(\s*(?:curl|wget)\b`), 85, "shell reads a download through process substitution"},
	{regexp.MustCompile(`(?i)\b(?:source|\.)\s+<\(\s*(?:curl|wget)\b`), 85, "sources a download through process substitution"},
	{regexp.MustCompile("(?i)\\b(?:ba|z)?sh\\s+-c\\s+[\"']?(?:\\$\\(|`)\\s*(?:curl|wget)\\b"), 85, "shell -c runs downloaded content"},
	{regexp.MustCompile(`(?i)\bsocat\b.*\bexec:`), 85, "socat spawns a process for a socket"},
	{regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://(?:[^/@\s]*@)?(?:0x[0-9a-f]+|\d{8,10}|0[0-7]+(?:\.[0-7]+){0,3})(?:[:/\s'"]|$)`), 70, "URL host written as an encoded integer"},
	{regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^/\s?#]*%[0-9a-f]{2}`), 65, "percent-encoded URL host"},
	{regexp.MustCompile(`(?i)\b(?:curl|wget)\b.*(?:--resolve|--connect-to)\b`), 50, "download overrides name resolution"},
}

// NetworkDetector flags downloads executed directly and disguised hosts.
type NetworkDetector struct{}

func NewNetworkDetector() *NetworkDetector { return &NetworkDetector{} }

func (d *NetworkDetector) Name() string { return "network_evasion" }

func (d *NetworkDetector) Category() Category { return CategoryNetworkEvasion }

func (d *NetworkDetector) Detect(text string) *Finding {
	r, m, ok := bestRule(networkRules, text)
	if !ok {
		return nil
	}
	return newFinding(d, r.confidence, r.detail, m)
}
