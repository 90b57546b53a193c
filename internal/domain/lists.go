package domain

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// ListName identifies one of the editable list files.
type ListName string

const (
	ListSystemSafe    ListName = "system-safe"
	ListSystemBlocked ListName = "system-blocked"
	ListCustomSafe    ListName = "custom-safe"
	ListCustomBlocked ListName = "custom-blocked"
)

// AllLists is the evaluation order of the file-backed lists.
var AllLists = []ListName{ListSystemSafe, ListCustomSafe, ListCustomBlocked, ListSystemBlocked}

// ParseListName accepts a list name with or without the .txt suffix.
func ParseListName(s string) (ListName, error) {
	name := ListName(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".txt"))
	for _, l := range AllLists {
		if l == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown list %q (want system-safe, system-blocked, custom-safe or custom-blocked)", s)
}

// File returns the file name of the list.
func (l ListName) File() string { return string(l) + ".txt" }

// Tier returns 2 for operator lists and 3 for user lists.
func (l ListName) Tier() int {
	if strings.HasPrefix(string(l), "system") {
		return 2
	}
	return 3
}

// Blocks reports whether the list is a block list.
func (l ListName) Blocks() bool { return strings.HasSuffix(string(l), "blocked") }

// builtinBlocked is Tier 1. It is compiled in and cannot be overridden.
var builtinBlocked = []string{
	// Cloud metadata endpoints.
	"169.254.169.254",
	"169.254.170.2",
	"100.100.100.200",
	"fd00:ec2::254",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
	// Loopback names.
	"localhost",
	"*.localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
	// Kubernetes and cluster-internal names.
	"kubernetes",
	"kubernetes.default",
	"kubernetes.default.svc",
	"*.svc",
	"*.cluster.local",
	"*.internal",
	"*.local",
	// Private ranges written as names or partial literals.
	"0.0.0.0",
	"127.*",
	"10.*",
	"192.168.*",
	"169.254.*",
	"172.16.*", "172.17.*", "172.18.*", "172.19.*",
	"172.20.*", "172.21.*", "172.22.*", "172.23.*",
	"172.24.*", "172.25.*", "172.26.*", "172.27.*",
	"172.28.*", "172.29.*", "172.30.*", "172.31.*",
}

// BuiltinBlocked returns a copy of the Tier 1 list.
func BuiltinBlocked() []string {
	return append([]string(nil), builtinBlocked...)
}

// privateRanges are blocked whenever the host is an IP literal.
var privateRanges = []struct {
	prefix netip.Prefix
	name   string
}{
	{netip.MustParsePrefix("0.0.0.0/8"), "unspecified"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private"},
	{netip.MustParsePrefix("100.64.0.0/10"), "carrier-grade NAT"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private"},
	{netip.MustParsePrefix("192.0.0.0/24"), "IETF protocol assignment"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private"},
	{netip.MustParsePrefix("198.18.0.0/15"), "benchmarking"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved"},
	{netip.MustParsePrefix("::/128"), "unspecified"},
	{netip.MustParsePrefix("::1/128"), "loopback"},
	{netip.MustParsePrefix("64:ff9b::/96"), "NAT64"},
	{netip.MustParsePrefix("fc00::/7"), "unique local"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
	{netip.MustParsePrefix("ff00::/8"), "multicast"},
}

// PrivateRange reports the name of the private range addr falls in.
func PrivateRange(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	for _, r := range privateRanges {
		if r.prefix.Contains(addr) {
			return r.name, true
		}
	}
	return "", false
}

var validLine = regexp.MustCompile(`^[a-z0-9*.:\-\[\]]+$`)

// NormalizePattern validates one list entry and returns its canonical form.
func NormalizePattern(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return "", fmt.Errorf("empty pattern")
	}
	if !validLine.MatchString(p) {
		return "", fmt.Errorf("contains characters outside [a-z0-9*.:-[]]")
	}
	p = strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(p, "["), "."), "]")

	stars := strings.Count(p, "*")
	switch {
	case stars == 0:
	case stars > 1:
		return "", fmt.Errorf("at most one wildcard allowed")
	case strings.HasPrefix(p, "*."):
		if len(p) <= 2 {
			return "", fmt.Errorf("wildcard needs a suffix")
		}
	case strings.HasSuffix(p, "*"):
		if len(p) == 1 {
			return "", fmt.Errorf("bare wildcard matches everything")
		}
	default:
		return "", fmt.Errorf("wildcard must be a leading *. or a trailing *")
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("empty label")
	}
	return p, nil
}

// MatchPattern matches host against an exact, *.suffix or prefix* pattern.
// *.example.com matches strict subdomains only.
func MatchPattern(pattern, host string) bool {
	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(host, pattern[:len(pattern)-1])
	default:
		return host == pattern
	}
}

func matchAny(patterns []string, host string) (string, bool) {
	for _, p := range patterns {
		if MatchPattern(p, host) {
			return p, true
		}
	}
	return "", false
}

// Store reads and edits the list files in a config directory. Files are read
// on every call so edits take effect immediately.
type Store struct {
	dir    string
	logger *log.Logger
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, logger *log.Logger) *Store {
	return &Store{dir: dir, logger: utils.LoggerOrDefault(logger, "domains")}
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file backing list.
func (s *Store) Path(list ListName) string {
	return filepath.Join(s.dir, list.File())
}

// Load reads a list. Invalid lines are skipped and returned as validation
// errors; a rejected file (symlink or traversal) is a ConfigurationError.
func (s *Store) Load(list ListName) ([]string, []*core.ValidationError, error) {
	path := s.Path(list)
	if err := fsutil.CheckRegular(s.dir); err != nil {
		return nil, nil, &core.ConfigurationError{Component: "domains", Err: err}
	}
	if err := fsutil.CheckRegular(path); err != nil {
		return nil, nil, &core.ConfigurationError{Component: "domains", Err: err}
	}
	lines, err := fsutil.ReadLines(path)
	if err != nil {
		return nil, nil, &core.ConfigurationError{Component: "domains", Err: err}
	}

	var patterns []string
	var invalid []*core.ValidationError
	for i, line := range lines {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := NormalizePattern(line)
		if err != nil {
			verr := &core.ValidationError{File: path, Line: i + 1, Value: line, Reason: err.Error()}
			s.logger.Warn("skipping invalid domain entry", "file", list.File(), "line", i+1, "value", line, "reason", err)
			invalid = append(invalid, verr)
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns, invalid, nil
}

// Add appends pattern to list. It returns false when the pattern was already
// present.
func (s *Store) Add(list ListName, pattern string) (bool, error) {
	p, err := NormalizePattern(pattern)
	if err != nil {
		return false, &core.ValidationError{File: list.File(), Value: pattern, Reason: err.Error()}
	}
	path := s.Path(list)
	added := false
	err = fsutil.WithLock(path, func() error {
		existing, _, err := s.Load(list)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e == p {
				return nil
			}
		}
		if err := os.MkdirAll(s.dir, 0700); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.WriteString(p + "\n"); err != nil {
			return err
		}
		added = true
		return f.Sync()
	})
	if err == nil && added {
		s.logger.Info("domain pattern added", "list", list, "pattern", p)
	}
	return added, err
}

// Remove deletes every line of list whose pattern equals pattern. Comments
// and other lines are preserved.
func (s *Store) Remove(list ListName, pattern string) (bool, error) {
	p, err := NormalizePattern(pattern)
	if err != nil {
		return false, &core.ValidationError{File: list.File(), Value: pattern, Reason: err.Error()}
	}
	path := s.Path(list)
	removed := false
	err = fsutil.WithLock(path, func() error {
		if err := fsutil.CheckRegular(path); err != nil {
			return &core.ConfigurationError{Component: "domains", Err: err}
		}
		lines, err := fsutil.ReadLines(path)
		if err != nil {
			return err
		}
		var b strings.Builder
		for _, line := range lines {
			entry := line
			if idx := strings.IndexByte(entry, '#'); idx >= 0 {
				entry = entry[:idx]
			}
			if got, err := NormalizePattern(entry); err == nil && got == p {
				removed = true
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if !removed {
			return nil
		}
		return fsutil.AtomicWrite(path, []byte(b.String()), 0600)
	})
	if err == nil && removed {
		s.logger.Info("domain pattern removed", "list", list, "pattern", p)
	}
	return removed, err
}
