package heuristic

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Dicklesworthstone/warden/internal/core"
)

var obfuscationRules = []rule{
	{regexp.MustCompile(`\$\{?IFS\}?`), 70, "$IFS used as a word separator"},
	{regexp.MustCompile(`(?:^|[\s;&|(])[a-z]*(?:''|"")[a-z]+`), 65, "empty quotes split a word"},
	{regexp.MustCompile(`(?:^|[\s;&|(])"[a-z]{1,3}"[a-z]+\b`), 60, "quoted fragment glued to a word"},
	{regexp.MustCompile(`(?:^|[\s;&|(])'[a-z]{1,3}'[a-z]+\b`), 60, "quoted fragment glued to a word"},
	{regexp.MustCompile(`(?:^|[;&|(]\s*)[a-z]+\\[a-z]+\b`), 60, "backslash splits a command name"},
}

// sensitiveBinaries are commands whose case-varied spelling is suspicious.
var sensitiveBinaries = map[string]bool{
	"rm": true, "dd": true, "mkfs": true, "chmod": true, "chown": true,
	"curl": true, "wget": true, "nc": true, "ncat": true, "bash": true,
	"sh": true, "sudo": true, "eval": true, "python": true, "perl": true,
	"base64": true, "shred": true, "kill": true,
}

// ObfuscationDetector flags text spelled so literal matching misses it.
type ObfuscationDetector struct{}

func NewObfuscationDetector() *ObfuscationDetector { return &ObfuscationDetector{} }

func (d *ObfuscationDetector) Name() string { return "obfuscation" }

func (d *ObfuscationDetector) Category() Category { return CategoryObfuscation }

func (d *ObfuscationDetector) Detect(text string) *Finding {
	var best *Finding
	if r, m, ok := bestRule(obfuscationRules, text); ok {
		best = newFinding(d, r.confidence, r.detail, strings.TrimSpace(m))
	}
	if name := caseVariedCommand(text); name != "" {
		if best == nil || best.Confidence < 60 {
			best = newFinding(d, 60, fmt.Sprintf("case-varied spelling of %s", strings.ToLower(name)), name)
		}
	}
	return best
}

// caseVariedCommand returns the first command name that is a sensitive binary
// written with upper-case letters.
func caseVariedCommand(text string) string {
	segments, _ := core.SplitSegments(text)
	for _, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		lower := strings.ToLower(name)
		if name != lower && sensitiveBinaries[lower] {
			return name
		}
	}
	return ""
}

// zeroWidth are invisible code points that split words without changing how
// they render.
var zeroWidth = []rune{'\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad', '\u180e'}

func isZeroWidth(r rune) bool {
	for _, z := range zeroWidth {
		if r == z {
			return true
		}
	}
	return false
}

func stripZeroWidth(s string) string {
	return strings.Map(func(r rune) rune {
		if isZeroWidth(r) {
			return -1
		}
		return r
	}, s)
}

// unicodeFinding reports invisible characters, compatibility forms that NFKC
// folds to ASCII command text, and words mixing Latin with Cyrillic or Greek
// letters.
func unicodeFinding(raw, normalized string) *Finding {
	f := &Finding{Detector: "unicode", Category: CategoryObfuscation}
	for _, r := range raw {
		if isZeroWidth(r) {
			f.Confidence = 70
			f.Reason = fmt.Sprintf("invisible character U+%04X inside the text", r)
			return f
		}
	}
	for _, word := range strings.Fields(normalized) {
		if mixedScript(word) {
			f.Confidence = 70
			f.Reason = "word mixes Latin with look-alike letters"
			f.Match = truncate(word, 60)
			return f
		}
	}
	if r, folded, ok := foldsToShellText(raw); ok {
		f.Confidence = 50
		f.Reason = fmt.Sprintf("compatibility character U+%04X folds to %q", r, folded)
		f.Match = string(r)
		return f
	}
	return nil
}

// shellFoldTargets are the ASCII punctuation marks that change how a shell
// reads a line. Prose punctuation such as full-width commas or brackets is
// left out.
const shellFoldTargets = "|&;<>$`\\/"

// foldsToShellText returns the first non-ASCII rune whose NFKC form contains
// an ASCII letter, digit or shell metacharacter.
func foldsToShellText(raw string) (rune, string, bool) {
	for _, r := range raw {
		if r < utf8.RuneSelf {
			continue
		}
		folded := norm.NFKC.String(string(r))
		if folded == string(r) {
			continue
		}
		for _, c := range folded {
			if c < utf8.RuneSelf && (unicode.IsLetter(c) || unicode.IsDigit(c) || strings.ContainsRune(shellFoldTargets, c)) {
				return r, folded, true
			}
		}
	}
	return 0, "", false
}

func mixedScript(word string) bool {
	var latin, other bool
	for _, r := range word {
		switch {
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin = true
		case unicode.In(r, unicode.Cyrillic, unicode.Greek, unicode.Armenian, unicode.Cherokee):
			other = true
		}
	}
	return latin && other
}
