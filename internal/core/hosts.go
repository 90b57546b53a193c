package core

import (
	"net/netip"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

type remoteArgs int

const (
	// everyArg: each positional argument is a URL (curl, wget).
	everyArg remoteArgs = iota
	// firstArg: the first positional argument is the host (ssh, nc).
	firstArg
	// remoteSpec: arguments written as [user@]host:path (scp, rsync).
	remoteSpec
	// requestLine: optional METHOD, then the URL (httpie).
	requestLine
)

// networkClient describes how a network tool names its remote end.
type networkClient struct {
	args remoteArgs
	// values are flags that consume the following argument.
	values map[string]bool
	// remotes are flags whose value is itself a host or URL.
	remotes map[string]bool
	// plainFlags tools only take boolean flags, often multi-letter with a
	// single dash (lynx -dump).
	plainFlags bool
}

func flagSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var (
	curlClient = networkClient{
		args: everyArg,
		values: flagSet("-o", "--output", "-H", "--header", "-d", "--data", "--data-raw", "--data-binary",
			"--data-urlencode", "--data-ascii", "--json", "-X", "--request", "-u", "--user", "-A", "--user-agent",
			"-e", "--referer", "-b", "--cookie", "-c", "--cookie-jar", "-F", "--form", "-T", "--upload-file",
			"-w", "--write-out", "-m", "--max-time", "--connect-timeout", "--retry", "--retry-delay",
			"--retry-max-time", "-K", "--config", "-r", "--range", "-C", "--continue-at", "-E", "--cert",
			"--key", "--cacert", "--capath", "--resolve", "--connect-to", "--limit-rate", "-Y", "-y",
			"--max-filesize", "--interface", "--dns-servers", "--oauth2-bearer", "-Q", "--quote",
			"--output-dir", "--trace", "--trace-ascii", "-D", "--dump-header", "-U", "--proxy-user"),
		remotes: flagSet("-x", "--proxy", "--preproxy", "--url", "--socks4", "--socks4a", "--socks5", "--socks5-hostname"),
	}
	wgetClient = networkClient{
		args: everyArg,
		values: flagSet("-O", "--output-document", "-o", "--output-file", "-a", "--append-output", "-P",
			"--directory-prefix", "-U", "--user-agent", "--header", "-e", "--execute", "-t", "--tries", "-T",
			"--timeout", "-w", "--wait", "-Q", "--quota", "-i", "--input-file", "-B", "--base", "--user",
			"--password", "--post-data", "--post-file", "--body-data", "--body-file", "--method",
			"--load-cookies", "--save-cookies", "-l", "--level", "-A", "--accept", "-R", "--reject", "-D",
			"--domains", "--exclude-domains", "-I", "-X", "--bind-address", "--limit-rate", "--referer",
			"--ca-certificate", "--certificate", "--private-key"),
	}
	aria2Client = networkClient{
		args:    everyArg,
		values:  flagSet("-o", "--out", "-d", "--dir", "-x", "--max-connection-per-server", "-s", "--split", "-j", "-i", "--input-file", "-k"),
		remotes: flagSet("--all-proxy", "--http-proxy", "--https-proxy"),
	}
	browserClient = networkClient{args: everyArg, plainFlags: true}
	httpieClient  = networkClient{
		args:   requestLine,
		values: flagSet("-a", "--auth", "-A", "--auth-type", "-o", "--output", "--session", "--session-read-only", "--verify", "--cert", "--cert-key", "--timeout", "--proxy", "-p", "--print"),
	}
	ncClient = networkClient{
		args: firstArg,
		values: flagSet("-p", "-s", "-w", "-i", "-q", "-O", "-I", "-T", "-V", "-e", "-c", "-X", "-P", "-g", "-G",
			"--source", "--source-port", "--wait", "--exec", "--sh-exec", "--proxy-type", "--proxy-auth"),
		remotes: flagSet("-x", "--proxy"),
	}
	telnetClient = networkClient{args: firstArg, values: flagSet("-l", "-b", "-n", "-e", "-k", "-X")}
	ftpClient    = networkClient{args: firstArg}
	sshClient    = networkClient{
		args:    firstArg,
		values:  flagSet("-b", "-B", "-c", "-D", "-E", "-e", "-F", "-I", "-i", "-L", "-l", "-m", "-O", "-o", "-p", "-Q", "-R", "-S", "-W", "-w"),
		remotes: flagSet("-J"),
	}
	sftpClient = networkClient{
		args:    firstArg,
		values:  flagSet("-P", "-i", "-o", "-F", "-b", "-B", "-c", "-D", "-l", "-R", "-S", "-s"),
		remotes: flagSet("-J"),
	}
	scpClient = networkClient{
		args:    remoteSpec,
		values:  flagSet("-P", "-i", "-o", "-F", "-c", "-l", "-S", "-D", "-X"),
		remotes: flagSet("-J"),
	}
	rsyncClient = networkClient{
		args: remoteSpec,
		values: flagSet("-e", "--rsh", "--port", "-f", "--filter", "--exclude", "--include", "-T", "--temp-dir",
			"--password-file", "--log-file", "-B", "--block-size", "--timeout"),
	}
)

var networkClients = map[string]networkClient{
	"curl": curlClient, "wget": wgetClient, "aria2c": aria2Client,
	"lynx": browserClient, "w3m": browserClient, "links": browserClient, "elinks": browserClient,
	"http": httpieClient, "https": httpieClient, "xh": httpieClient, "xhs": httpieClient,
	"nc": ncClient, "ncat": ncClient, "netcat": ncClient,
	"telnet": telnetClient, "ftp": ftpClient,
	"ssh": sshClient, "sftp": sftpClient, "scp": scpClient, "rsync": rsyncClient,
}

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true}

// maxShellDepth bounds recursion into sh -c scripts.
const maxShellDepth = 4

// NetworkHosts returns the remote hosts and URLs named by network clients in
// a shell command, including ones written without a scheme
// (curl 10.0.0.5/admin, ssh user@host, scp f host:/tmp). Arguments built
// from expansions are skipped.
func NetworkHosts(cmd string) []string {
	return networkHosts(cmd, 0)
}

func networkHosts(cmd string, depth int) []string {
	if depth > maxShellDepth || strings.TrimSpace(cmd) == "" {
		return nil
	}
	var out []string
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		n := NormalizeCommand(cmd)
		for i, seg := range n.Segments {
			argv := n.Argv[i]
			if argv == nil {
				argv = strings.Fields(seg)
			}
			out = append(out, argvHosts(argv, depth)...)
		}
		return out
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		argv := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			argv = append(argv, literal(w))
		}
		out = append(out, argvHosts(argv, depth)...)
		return true
	})
	return out
}

// literal renders a word, keeping a "$" wherever an expansion sits so the
// result is never mistaken for a host.
func literal(w *syntax.Word) string {
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
			default:
				b.WriteString("$")
			}
		}
	}
	walk(w.Parts)
	return b.String()
}

func argvHosts(argv []string, depth int) []string {
	argv, _ = stripWrappers(argv)
	if len(argv) == 0 {
		return nil
	}
	name := strings.ToLower(filepath.Base(argv[0]))
	if shells[name] {
		if script := shellScript(argv[1:]); script != "" {
			return networkHosts(script, depth+1)
		}
		return nil
	}
	client, ok := networkClients[name]
	if !ok {
		return nil
	}
	return client.hosts(argv[1:])
}

// shellScript returns the -c script of a shell invocation.
func shellScript(args []string) string {
	for i, a := range args {
		switch {
		case a == "--" || !strings.HasPrefix(a, "-"):
			return ""
		case !strings.HasPrefix(a, "--") && strings.Contains(a[1:], "c"):
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
	}
	return ""
}

func (c networkClient) hosts(args []string) []string {
	var out, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case len(a) > 1 && a[0] == '-':
			if c.plainFlags {
				continue
			}
			name, val, next := c.flag(a)
			if next && i+1 < len(args) {
				i++
				val = args[i]
			}
			if c.remotes[name] && plausibleHost(hostPart(val)) && !dynamic(val) {
				out = append(out, val)
			}
		default:
			positional = append(positional, a)
		}
	}

	switch c.args {
	case everyArg:
		for _, p := range positional {
			if !dynamic(p) && (strings.Contains(p, "://") || plausibleHost(hostPart(p))) {
				out = append(out, p)
			}
		}
	case requestLine:
		for _, p := range positional {
			if isMethod(p) {
				continue
			}
			if !dynamic(p) && (strings.Contains(p, "://") || plausibleHost(hostPart(p))) {
				out = append(out, p)
			}
			break
		}
	case firstArg:
		if len(positional) > 0 && !dynamic(positional[0]) {
			// A bare number here is a port (nc -l 8080), not an inet_aton address.
			if h := hostPart(positional[0]); plausibleHost(h) && strings.Trim(h, "0123456789") != "" {
				out = append(out, h)
			}
		}
	case remoteSpec:
		for _, p := range positional {
			if h, ok := remoteHost(p); ok {
				out = append(out, h)
			}
		}
	}
	return out
}

// flag splits a flag argument. next is set when its value is the following
// argument; attached values (--opt=v, -ofile) come back in val.
func (c networkClient) flag(a string) (name, val string, next bool) {
	takes := func(f string) bool { return c.values[f] || c.remotes[f] }
	if strings.HasPrefix(a, "--") {
		n, v, ok := strings.Cut(a, "=")
		if ok {
			return n, v, false
		}
		return n, "", takes(n)
	}
	// In a bundle such as -sSLo the first flag taking a value ends it.
	for j := 1; j < len(a); j++ {
		f := "-" + a[j:j+1]
		if takes(f) {
			if j+1 < len(a) {
				return f, a[j+1:], false
			}
			return f, "", true
		}
	}
	return a, "", false
}

func dynamic(s string) bool {
	return s == "" || strings.ContainsAny(s, "$`")
}

func isMethod(s string) bool {
	switch s {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return true
	}
	return false
}

// hostPart strips scheme, userinfo, port and path from a URL-ish argument.
func hostPart(a string) string {
	s := strings.TrimSpace(a)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasPrefix(s, "[") {
		if j := strings.IndexByte(s, ']'); j > 0 {
			return s[1:j]
		}
		return ""
	}
	if strings.Count(s, ":") == 1 {
		s = s[:strings.IndexByte(s, ':')]
	}
	return strings.TrimSuffix(s, ".")
}

// remoteHost parses [user@]host:path and rsync's host::module.
func remoteHost(p string) (string, bool) {
	if dynamic(p) || strings.Contains(p, "://") {
		return "", false
	}
	s := p
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	var host string
	if strings.HasPrefix(s, "[") {
		j := strings.IndexByte(s, ']')
		if j < 0 || j+1 >= len(s) || s[j+1] != ':' {
			return "", false
		}
		host = s[1:j]
	} else {
		colon := strings.IndexByte(s, ':')
		if colon <= 0 || strings.Contains(s[:colon], "/") {
			return "", false
		}
		host = s[:colon]
	}
	if !plausibleHost(host) && !singleLabel(host) {
		return "", false
	}
	return host, true
}

// plausibleHost accepts IP literals (including inet_aton forms such as
// 2130706433 or 0x7f.1), localhost and dotted hostnames.
func plausibleHost(h string) bool {
	if h == "" {
		return false
	}
	if _, err := netip.ParseAddr(h); err == nil {
		return true
	}
	if strings.EqualFold(h, "localhost") || strings.HasSuffix(strings.ToLower(h), ".localhost") {
		return true
	}
	if looseIPv4(h) {
		return true
	}
	if !strings.Contains(h, ".") {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

// singleLabel accepts bare names such as "db" that only scp/rsync treat as
// hosts.
func singleLabel(h string) bool {
	return validLabel(h) && !strings.Contains(h, ".")
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func looseIPv4(h string) bool {
	if h[0] < '0' || h[0] > '9' {
		return false
	}
	for _, r := range strings.ToLower(h) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r == 'x', r == '.':
		default:
			return false
		}
	}
	return strings.Count(h, ".") <= 3
}
