package correlator

import (
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// EventKind is the effect of an operation that matters for correlation.
type EventKind string

const (
	EventExec       EventKind = "exec"
	EventWrite      EventKind = "write"
	EventChmodExec  EventKind = "chmod_x"
	EventDownload   EventKind = "download"
	EventAssign     EventKind = "assign"
	EventConfigEdit EventKind = "config_edit"
)

// Event is one effect extracted from an operation.
type Event struct {
	Kind EventKind `json:"kind"`
	Path string    `json:"path,omitempty"`
	// Name is the program name for exec events or the variable for assign.
	Name string `json:"name,omitempty"`
	// Dynamic marks an exec whose program name comes from expansions.
	Dynamic bool   `json:"dynamic,omitempty"`
	Source  string `json:"source,omitempty"`
}

var interpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"source": true, ".": true, "python": true, "python3": true,
	"perl": true, "ruby": true, "node": true, "php": true,
}

var downloaders = map[string]bool{"curl": true, "wget": true}

// ExtractEvents derives correlation events from op. Write and edit tools
// produce write events on their target; bash payloads are parsed as shell.
func ExtractEvents(op core.Operation) []Event {
	switch op.Tool {
	case core.ToolWrite, core.ToolEdit:
		if op.Target == "" {
			return nil
		}
		return withConfigEdits([]Event{{Kind: EventWrite, Path: resolve(op.Target, op.Cwd)}})
	case core.ToolBash:
		return withConfigEdits(shellEvents(op.Command(), op.Cwd))
	default:
		return nil
	}
}

func withConfigEdits(events []Event) []Event {
	out := events
	for _, ev := range events {
		if (ev.Kind == EventWrite || ev.Kind == EventDownload) && IsStartupConfig(ev.Path) {
			out = append(out, Event{Kind: EventConfigEdit, Path: ev.Path, Source: string(ev.Kind)})
		}
	}
	return out
}

func shellEvents(cmd, cwd string) []Event {
	if strings.TrimSpace(cmd) == "" {
		return nil
	}
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return fallbackEvents(cmd, cwd)
	}

	var events []Event
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			events = append(events, redirectEvents(n, cwd)...)
		case *syntax.CallExpr:
			events = append(events, callEvents(n, cwd)...)
		case *syntax.DeclClause:
			for _, a := range n.Args {
				if a.Name != nil {
					events = append(events, Event{Kind: EventAssign, Name: a.Name.Value})
				}
			}
		}
		return true
	})
	return events
}

// redirectEvents turns output redirections into write events, or download
// events when the statement runs a downloader.
func redirectEvents(stmt *syntax.Stmt, cwd string) []Event {
	kind := EventWrite
	var source string
	if call, ok := stmt.Cmd.(*syntax.CallExpr); ok && len(call.Args) > 0 {
		if name, _ := wordText(call.Args[0]); downloaders[path.Base(name)] {
			kind = EventDownload
			source = firstURL(call.Args[1:])
		}
	}
	var events []Event
	for _, r := range stmt.Redirs {
		switch r.Op {
		case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.RdrInOut:
		default:
			continue
		}
		if r.Word == nil {
			continue
		}
		target, _ := wordText(r.Word)
		if target == "" || strings.HasPrefix(target, "&") || (strings.HasPrefix(target, "/dev/") && !IsTempPath(target)) {
			continue
		}
		events = append(events, Event{Kind: kind, Path: resolve(target, cwd), Source: source})
	}
	return events
}

func callEvents(call *syntax.CallExpr, cwd string) []Event {
	if len(call.Args) == 0 {
		var events []Event
		for _, a := range call.Assigns {
			if a.Name != nil {
				events = append(events, Event{Kind: EventAssign, Name: a.Name.Value})
			}
		}
		return events
	}

	name, dynamic := wordText(call.Args[0])
	args := make([]string, 0, len(call.Args)-1)
	for _, w := range call.Args[1:] {
		s, _ := wordText(w)
		args = append(args, s)
	}
	base := path.Base(name)

	exec := Event{Kind: EventExec, Name: name, Dynamic: dynamic}
	switch {
	case dynamic:
	case interpreters[base]:
		if script := scriptArg(args); script != "" {
			exec.Path = resolve(script, cwd)
		}
	case strings.Contains(name, "/"):
		exec.Path = resolve(name, cwd)
	}
	events := []Event{exec}

	switch base {
	case "chmod":
		events = append(events, chmodEvents(args, cwd)...)
	case "curl", "wget":
		events = append(events, downloadEvents(base, args, cwd)...)
	case "cp", "mv", "install", "ln":
		if paths := positional(args); len(paths) >= 2 {
			events = append(events, Event{Kind: EventWrite, Path: resolve(paths[len(paths)-1], cwd)})
		}
	case "tee":
		for _, p := range positional(args) {
			events = append(events, Event{Kind: EventWrite, Path: resolve(p, cwd)})
		}
	case "dd":
		for _, a := range args {
			if of, ok := strings.CutPrefix(a, "of="); ok {
				events = append(events, Event{Kind: EventWrite, Path: resolve(of, cwd)})
			}
		}
	case "sed", "perl":
		if hasInPlace(args) {
			if paths := positional(args); len(paths) >= 2 {
				events = append(events, Event{Kind: EventWrite, Path: resolve(paths[len(paths)-1], cwd)})
			}
		}
	}
	return events
}

// scriptArg returns the script an interpreter runs, or "" for -c/-e forms and
// stdin.
func scriptArg(args []string) string {
	for _, a := range args {
		switch {
		case a == "-c" || a == "-e" || a == "-m":
			return ""
		case a == "-" || a == "":
			return ""
		case strings.HasPrefix(a, "-"):
			continue
		default:
			return a
		}
	}
	return ""
}

func chmodEvents(args []string, cwd string) []Event {
	pos := positional(args)
	if len(pos) < 2 || !grantsExec(pos[0]) {
		return nil
	}
	events := make([]Event, 0, len(pos)-1)
	for _, p := range pos[1:] {
		events = append(events, Event{Kind: EventChmodExec, Path: resolve(p, cwd)})
	}
	return events
}

// grantsExec reports whether a chmod mode adds an execute bit.
func grantsExec(mode string) bool {
	if _, perms, ok := strings.Cut(mode, "+"); ok {
		return strings.ContainsAny(perms, "xX")
	}
	if _, perms, ok := strings.Cut(mode, "="); ok {
		return strings.ContainsAny(perms, "xX")
	}
	if len(mode) < 3 || len(mode) > 4 {
		return false
	}
	for _, c := range mode {
		if c < '0' || c > '7' {
			return false
		}
	}
	for _, c := range mode[len(mode)-3:] {
		if (c-'0')&1 == 1 {
			return true
		}
	}
	return false
}

func downloadEvents(tool string, args []string, cwd string) []Event {
	url := firstURLString(args)
	var out string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case tool == "curl" && (a == "-o" || a == "--output"), tool == "wget" && (a == "-O" || a == "--output-document"):
			if i+1 < len(args) {
				out = args[i+1]
				i++
			}
		case tool == "curl" && strings.HasPrefix(a, "-o") && len(a) > 2, tool == "wget" && strings.HasPrefix(a, "-O") && len(a) > 2:
			out = a[2:]
		case strings.HasPrefix(a, "--output="), strings.HasPrefix(a, "--output-document="):
			_, out, _ = strings.Cut(a, "=")
		case tool == "curl" && (a == "-O" || a == "--remote-name"):
			out = remoteName(url)
		}
	}
	if tool == "wget" && out == "" && url != "" {
		out = remoteName(url)
	}
	if out == "" || out == "-" {
		return nil
	}
	return []Event{{Kind: EventDownload, Path: resolve(out, cwd), Source: url}}
}

func remoteName(url string) string {
	u := url
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[i:]
	} else {
		return "index.html"
	}
	name := path.Base(u)
	if name == "/" || name == "." {
		return "index.html"
	}
	return name
}

func firstURL(words []*syntax.Word) string {
	args := make([]string, 0, len(words))
	for _, w := range words {
		s, _ := wordText(w)
		args = append(args, s)
	}
	return firstURLString(args)
}

func firstURLString(args []string) string {
	for _, a := range args {
		if strings.Contains(a, "://") {
			return a
		}
	}
	return ""
}

func hasInPlace(args []string) bool {
	for _, a := range args {
		if a == "-i" || strings.HasPrefix(a, "-i") || a == "--in-place" || strings.HasPrefix(a, "-pi") {
			return true
		}
	}
	return false
}

// positional returns arguments that are not flags.
func positional(args []string) []string {
	var out []string
	for _, a := range args {
		if a == "" || strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// wordText renders a word's literal text. dynamic is set when any part is a
// parameter expansion or substitution.
func wordText(w *syntax.Word) (text string, dynamic bool) {
	var b strings.Builder
	var walk func(parts []syntax.WordPart)
	walk = func(parts []syntax.WordPart) {
		for _, part := range parts {
			switch p := part.(type) {
			case *syntax.Lit:
				b.WriteString(p.Value)
			case *syntax.SglQuoted:
				b.WriteString(p.Value)
			case *syntax.DblQuoted:
				walk(p.Parts)
			case *syntax.ParamExp:
				dynamic = true
				if p.Param != nil {
					b.WriteString("$" + p.Param.Value)
				}
			default:
				dynamic = true
			}
		}
	}
	walk(w.Parts)
	return b.String(), dynamic
}

// fallbackEvents is used when the shell parser rejects the text: every
// whitespace-separated word that looks like a path is treated as executed.
func fallbackEvents(cmd, cwd string) []Event {
	var events []Event
	for _, f := range strings.Fields(cmd) {
		f = strings.Trim(f, `"';&|()`)
		if strings.HasPrefix(f, "/") || strings.HasPrefix(f, "./") {
			events = append(events, Event{Kind: EventExec, Name: f, Path: resolve(f, cwd)})
		}
	}
	return events
}

// resolve makes p absolute against cwd. Home-relative paths are kept as
// written.
func resolve(p, cwd string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return ""
	case strings.HasPrefix(p, "~") || strings.HasPrefix(p, "$HOME"):
		return path.Clean(strings.Replace(p, "$HOME", "~", 1))
	case path.IsAbs(p):
		return path.Clean(p)
	case cwd != "":
		return path.Join(cwd, p)
	default:
		return path.Clean(p)
	}
}

var startupSuffixes = []string{
	"/.ssh/authorized_keys", "/.ssh/authorized_keys2", "/.ssh/config", "/.ssh/rc",
	"/.config/fish/config.fish",
}

var startupNames = map[string]bool{
	".bashrc": true, ".bash_profile": true, ".bash_login": true, ".bash_logout": true,
	".profile": true, ".zshrc": true, ".zprofile": true, ".zshenv": true, ".zlogin": true,
	".kshrc": true, ".inputrc": true,
}

var startupSystem = map[string]bool{
	"/etc/profile": true, "/etc/bash.bashrc": true, "/etc/environment": true,
	"/etc/zsh/zshrc": true, "/etc/zshrc": true,
}

// IsStartupConfig reports whether p is a shell startup file or SSH access
// file.
func IsStartupConfig(p string) bool {
	if p == "" {
		return false
	}
	if startupNames[path.Base(p)] || startupSystem[p] || strings.HasPrefix(p, "/etc/profile.d/") {
		return true
	}
	for _, s := range startupSuffixes {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}

// IsTempPath reports whether p is in a world-writable scratch directory.
func IsTempPath(p string) bool {
	for _, dir := range []string{"/tmp/", "/var/tmp/", "/dev/shm/"} {
		if strings.HasPrefix(p, dir) {
			return true
		}
	}
	return false
}

// IsSystemBinary reports whether p is under a standard binary directory.
func IsSystemBinary(p string) bool {
	for _, dir := range []string{"/usr/bin/", "/bin/", "/usr/sbin/", "/sbin/", "/usr/local/bin/"} {
		if strings.HasPrefix(p, dir) {
			return true
		}
	}
	return false
}
