package core

import (
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// NormalizedCommand is a shell command split into its segments.
type NormalizedCommand struct {
	// Raw is the original command text.
	Raw string
	// Segments holds each simple command with wrappers and leading env
	// assignments stripped.
	Segments []string
	// Argv holds the tokenized form of each segment (nil when tokenizing failed).
	Argv [][]string
	// Primary is the first segment.
	Primary string
	// IsCompound is set when the command chains several segments.
	IsCompound bool
	// Privileged is set when any segment was wrapped in sudo/doas.
	Privileged bool
	// ParseError reports unbalanced quoting or other tokenizer failures.
	ParseError bool
}

// wrappers are prefixes that run the following command unchanged.
var wrappers = map[string]bool{
	"env":     true,
	"command": true,
	"builtin": true,
	"nohup":   true,
	"time":    true,
	"nice":    true,
	"ionice":  true,
	"exec":    true,
	"stdbuf":  true,
	"xargs":   true,
	"timeout": true,
}

var privilegeWrappers = map[string]bool{
	"sudo": true,
	"doas": true,
}

// NormalizeCommand splits cmd on unquoted control operators and strips
// wrapper commands so patterns can be anchored at the real program name.
func NormalizeCommand(cmd string) *NormalizedCommand {
	n := &NormalizedCommand{Raw: cmd}

	parts, balanced := SplitSegments(cmd)
	if !balanced {
		n.ParseError = true
	}

	for _, part := range parts {
		argv, err := shellwords.Parse(part)
		if err != nil {
			n.ParseError = true
			n.Segments = append(n.Segments, part)
			n.Argv = append(n.Argv, nil)
			continue
		}
		stripped, privileged := stripWrappers(argv)
		if privileged {
			n.Privileged = true
		}
		if len(stripped) == 0 {
			continue
		}
		n.Segments = append(n.Segments, rebuildSegment(part, argv, stripped))
		n.Argv = append(n.Argv, stripped)
	}

	if len(n.Segments) > 0 {
		n.Primary = n.Segments[0]
	}
	n.IsCompound = len(n.Segments) > 1
	return n
}

// SplitSegments splits on unquoted ;, &&, ||, |, & and newlines. The second
// return value is false when quotes or a backslash were left unterminated.
func SplitSegments(cmd string) ([]string, bool) {
	var (
		segments []string
		buf      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		depth    int
	)
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			segments = append(segments, s)
		}
		buf.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if escaped {
			buf.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
			buf.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			buf.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			buf.WriteByte(c)
		case inSingle || inDouble:
			buf.WriteByte(c)
		case c == '(':
			depth++
			buf.WriteByte(c)
		case c == ')':
			if depth > 0 {
				depth--
			}
			buf.WriteByte(c)
		case depth > 0:
			buf.WriteByte(c)
		case c == ';' || c == '\n':
			flush()
		case c == '&' || c == '|':
			// Redirections such as 2>&1 and >| are not separators.
			if i > 0 && (cmd[i-1] == '>' || cmd[i-1] == '<') {
				buf.WriteByte(c)
				continue
			}
			if c == '&' && i+1 < len(cmd) && cmd[i+1] == '>' {
				buf.WriteByte(c)
				continue
			}
			flush()
			if i+1 < len(cmd) && cmd[i+1] == c {
				i++
			}
		default:
			buf.WriteByte(c)
		}
	}
	flush()

	return segments, !(inSingle || inDouble || escaped)
}

func stripWrappers(argv []string) ([]string, bool) {
	privileged := false
	i := 0
	for i < len(argv) {
		tok := argv[i]
		base := filepath.Base(tok)
		switch {
		case isAssignment(tok):
			i++
		case privilegeWrappers[base]:
			privileged = true
			i++
			// Skip sudo/doas options such as -u root or -E.
			for i < len(argv) && strings.HasPrefix(argv[i], "-") {
				if argv[i] == "-u" || argv[i] == "-g" {
					i++
				}
				i++
			}
		case wrappers[base]:
			i++
			for i < len(argv) && strings.HasPrefix(argv[i], "-") {
				i++
			}
			// timeout takes a duration before the command.
			if base == "timeout" && i < len(argv) {
				i++
			}
		default:
			return argv[i:], privileged
		}
	}
	return nil, privileged
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for j, r := range tok[:eq] {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (j > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// rebuildSegment keeps the original text of the segment (so redirections and
// quoting survive for regex matching) minus the stripped wrapper prefix.
func rebuildSegment(part string, argv, stripped []string) string {
	if len(stripped) == len(argv) {
		return part
	}
	head := stripped[0]
	if idx := strings.Index(part, head); idx >= 0 {
		return strings.TrimSpace(part[idx:])
	}
	return strings.Join(stripped, " ")
}
