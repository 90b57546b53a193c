package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Tier is the class of a hardcoded pattern.
type Tier string

const (
	// TierCritical patterns always block. No token overrides them.
	TierCritical Tier = "critical"
	// TierSuperAdmin patterns require a valid SuperAdmin token.
	TierSuperAdmin Tier = "superadmin"
)

// Pattern is one compiled deny pattern.
type Pattern struct {
	// Tier is the tier this pattern belongs to.
	Tier Tier
	// Category groups related patterns (e.g. "filesystem", "ssrf").
	Category string
	// Pattern is the regex source.
	Pattern string
	// Compiled is the compiled regex.
	Compiled *regexp.Regexp
	// Description explains why the pattern is denied.
	Description string
	// Paths says whether the pattern also applies to file tool targets.
	Paths PathScope
}

// PathScope controls which file tool targets a pattern is checked against.
type PathScope int

const (
	// PathNone patterns only apply to command text.
	PathNone PathScope = iota
	// PathWrite patterns also apply to write and edit targets.
	PathWrite
	// PathAny patterns also apply to read targets.
	PathAny
)

type patternDef struct {
	category    string
	pattern     string
	description string
	paths       PathScope
}

// MatchResult describes the first pattern that matched an operation.
type MatchResult struct {
	Tier        Tier
	Category    string
	Pattern     string
	Description string
	// Segment is the command segment (or raw text) that matched.
	Segment string
	// ParseError is set when the command could not be tokenized cleanly.
	ParseError bool
}

// Matcher holds the immutable critical and superadmin pattern sets. It has no
// mutators: the lists are compiled in and cannot be weakened at runtime.
type Matcher struct {
	critical   []*Pattern
	superadmin []*Pattern
}

// NewMatcher compiles the builtin pattern sets. Each protected path adds a
// critical self-protection pattern covering that file or directory, for
// state that lives outside a .warden directory.
func NewMatcher(protected ...string) *Matcher {
	defs := criticalPatterns
	seen := map[string]bool{}
	for _, p := range protected {
		p = filepath.Clean(strings.TrimSpace(p))
		if p == "." || p == "/" || seen[p] {
			continue
		}
		seen[p] = true
		defs = append(defs[:len(defs):len(defs)], patternDef{
			"self_protection",
			regexp.QuoteMeta(p) + `(/|\s|$|['"])`,
			"warden state path " + p,
			PathWrite,
		})
	}
	return &Matcher{
		critical:   compilePatterns(TierCritical, defs),
		superadmin: compilePatterns(TierSuperAdmin, superAdminPatterns),
	}
}

var criticalPatterns = []patternDef{
	// Destructive filesystem operations.
	{"filesystem", `^rm\s+(-{1,2}[\w-]+\s+)+/\*?(\s|$)`, "recursive delete of the filesystem root", PathNone},
	{"filesystem", `^rm\s+(-{1,2}[\w-]+\s+)+(~|\$HOME|\$\{HOME\})/?\*?(\s|$)`, "recursive delete of the home directory", PathNone},
	{"filesystem", `^rm\s+(-{1,2}[\w-]+\s+)+/(bin|boot|dev|etc|lib|lib64|opt|proc|root|sbin|srv|sys|usr|var)/?\*?(\s|$)`, "recursive delete of a system directory", PathNone},
	{"filesystem", `--no-preserve-root`, "root protection explicitly disabled", PathNone},
	{"filesystem", `^(chmod|chown)\s+(-{1,2}[\w-]+\s+)*-R\s+\S+\s+/(\s|$)`, "recursive permission change on the filesystem root", PathNone},
	{"filesystem", `^find\s+/\s.*-delete\b`, "recursive delete from the filesystem root", PathNone},
	{"filesystem", `^mv\s+(-{1,2}[\w-]+\s+)*/\s`, "moving the filesystem root", PathNone},

	// Boot and disk corruption.
	{"disk", `\bdd\b.*\bof=/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk|mapper/)`, "raw write to a block device", PathNone},
	{"disk", `>\s*/dev/(sd[a-z]|hd[a-z]|vd[a-z]|xvd[a-z]|nvme\d|mmcblk\d|disk\d)`, "redirect onto a block device", PathNone},
	{"disk", `^mkfs(\.\w+)?(\s|$)`, "filesystem creation", PathNone},
	{"disk", `^(fdisk|sfdisk|gdisk|parted|wipefs)\s+.*?/dev/`, "partition table manipulation", PathNone},
	{"disk", `^shred\s+.*?/dev/`, "device shredding", PathNone},
	{"disk", `^(rm|mv|cp|dd|tee|truncate|shred)\b.*\s/boot/`, "modification of boot files", PathNone},
	{"disk", `>\s*/boot/`, "redirect into /boot", PathNone},
	{"disk", `^/boot/`, "boot file target", PathWrite},

	// Fork bombs.
	{"fork_bomb", `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "classic shell fork bomb", PathNone},
	{"fork_bomb", `(^|\s|;)(\w+)\s*\(\s*\)\s*\{\s*\w+\s*\|\s*\w+\s*&\s*\}\s*;`, "self-replicating shell function", PathNone},
	{"fork_bomb", `\bfork\s+while\s+fork\b`, "perl fork bomb", PathNone},
	{"fork_bomb", `while\s*\(\s*1\s*\)\s*fork\s*\(`, "fork loop", PathNone},

	// Cloud metadata SSRF.
	{"ssrf", `169\.254\.169\.254`, "cloud instance metadata endpoint", PathNone},
	{"ssrf", `169\.254\.170\.2\b`, "container credentials endpoint", PathNone},
	{"ssrf", `\bmetadata\.google\.internal\b`, "GCP metadata endpoint", PathNone},
	{"ssrf", `\bmetadata\.goog\b`, "GCP metadata endpoint", PathNone},
	{"ssrf", `\b100\.100\.100\.200\b`, "Alibaba Cloud metadata endpoint", PathNone},
	{"ssrf", `\[?fd00:ec2::254\]?`, "AWS IPv6 metadata endpoint", PathNone},
	{"ssrf", `\bmetadata\.azure\.com\b`, "Azure metadata endpoint", PathNone},

	// warden's own state.
	{"self_protection", `\.warden/auth(/|\s|$|['"])`, "warden authentication state", PathAny},
	{"self_protection", `\.warden(/|\s|$|['"])`, "warden configuration or state directory", PathWrite},
	{"self_protection", `\b(bypass|superadmin)\.(hash|token|activity|failures)\b`, "warden credential or token file", PathAny},
	{"self_protection", `\bintegrity\.(sha256|key)\b`, "warden integrity manifest or its key", PathAny},

	// Core system authentication files.
	{"system_auth", `/etc/(g?shadow|master\.passwd)\b`, "system password database", PathAny},
	{"system_auth", `/etc/sudoers(\.d)?\b`, "sudo policy", PathAny},
	{"system_auth", `/etc/pam\.d\b`, "PAM configuration", PathWrite},
	{"system_auth", `(>|\btee\s+(-a\s+)?|\bcp\s+\S+\s+|\bmv\s+\S+\s+|\bsed\s+-i\S*\s+.*)\s*/etc/(passwd|group)\b`, "write to the system account database", PathNone},
	{"system_auth", `^/etc/(passwd|group)$`, "system account database target", PathWrite},
}

var superAdminPatterns = []patternDef{
	{"privilege", `^(sudo|doas)(\s|$)`, "privilege escalation", PathNone},
	{"privilege", `^su(\s|$)`, "user switch", PathNone},
	{"accounts", `^(passwd|chpasswd|usermod|useradd|userdel|adduser|deluser|groupadd|groupdel|groupmod|visudo|vipw)(\s|$)`, "account management", PathNone},
	{"services", `^systemctl\s+(stop|disable|mask|kill|isolate)\b`, "system service control", PathNone},
	{"services", `^(shutdown|reboot|halt|poweroff)(\s|$)`, "host power state change", PathNone},
	{"services", `^init\s+[06](\s|$)`, "runlevel change", PathNone},
	{"services", `^kill\s+(-\S+\s+)*1(\s|$)`, "signal to init", PathNone},
	{"services", `^launchctl\s+(unload|remove|bootout)\b`, "launchd service removal", PathNone},
	{"firewall", `^(iptables|ip6tables)\s+(-F|--flush|-X|-P\s+\w+\s+ACCEPT)`, "firewall flush", PathNone},
	{"firewall", `^nft\s+flush\b`, "firewall flush", PathNone},
	{"firewall", `^ufw\s+(disable|reset)\b`, "firewall disable", PathNone},
	{"kernel", `^(insmod|rmmod|modprobe)(\s|$)`, "kernel module change", PathNone},
	{"kernel", `^sysctl\s+-w\b`, "kernel parameter change", PathNone},
	{"kernel", `^setenforce\s+0\b`, "SELinux disabled", PathNone},
	{"filesystem", `^(mount|umount)(\s|$)`, "mount table change", PathNone},
	{"filesystem", `^(chmod|chown|chgrp)\s+.*\s/(etc|usr|bin|sbin|lib|lib64|boot|var)(/|\s|$)`, "ownership/permission change on system path", PathNone},
	{"filesystem", `(>|\btee\s+(-a\s+)?)\s*/etc/`, "write into /etc", PathNone},
	{"filesystem", `^/etc/`, "system configuration target", PathWrite},
	{"vcs", `^git\s+push\b.*\s(--force|-f)(\s.*)?\s(origin\s+)?(main|master)(\s|$)`, "force push to the default branch", PathNone},
	{"vcs", `^git\s+push\b.*\s(main|master)\s+.*(--force|-f)(\s|$)`, "force push to the default branch", PathNone},
	{"scheduler", `^crontab\s+(-\S+\s+)*-r\b`, "crontab removal", PathNone},
}

func compilePatterns(tier Tier, defs []patternDef) []*Pattern {
	result := make([]*Pattern, 0, len(defs))
	for _, d := range defs {
		compiled, err := regexp.Compile("(?im)" + d.pattern)
		if err != nil {
			// Built-in patterns must always be valid.
			panic(fmt.Sprintf("invalid builtin pattern %q: %v", d.pattern, err))
		}
		result = append(result, &Pattern{
			Tier:        tier,
			Category:    d.category,
			Pattern:     d.pattern,
			Compiled:    compiled,
			Description: d.description,
			Paths:       d.paths,
		})
	}
	return result
}

// Match checks op against the critical set, then the superadmin set. It
// returns nil when nothing matched.
func (m *Matcher) Match(op Operation) *MatchResult {
	if res := m.matchTier(op, m.critical); res != nil {
		return res
	}
	return m.matchTier(op, m.superadmin)
}

// MatchCritical checks only the critical set.
func (m *Matcher) MatchCritical(op Operation) *MatchResult {
	return m.matchTier(op, m.critical)
}

// MatchSuperAdmin checks only the superadmin set.
func (m *Matcher) MatchSuperAdmin(op Operation) *MatchResult {
	return m.matchTier(op, m.superadmin)
}

func (m *Matcher) matchTier(op Operation, patterns []*Pattern) *MatchResult {
	candidates, parseErr := candidateTexts(op)
	for _, c := range candidates {
		for _, p := range patterns {
			if c.scope > p.Paths {
				continue
			}
			if p.Compiled.MatchString(c.text) {
				return &MatchResult{
					Tier:        p.Tier,
					Category:    p.Category,
					Pattern:     p.Pattern,
					Description: p.Description,
					Segment:     c.text,
					ParseError:  parseErr,
				}
			}
		}
	}
	return nil
}

type candidate struct {
	text string
	// scope is PathNone for command text, PathWrite for write/edit targets
	// and PathAny for read targets.
	scope PathScope
}

// candidateTexts lists the strings a tier is matched against. Commands are
// checked per normalized segment and as raw text, so a tokenizer failure
// never hides a match.
func candidateTexts(op Operation) ([]candidate, bool) {
	var out []candidate
	parseErr := false

	switch {
	case op.Tool.IsCommandLike():
		cmd := op.Command()
		norm := NormalizeCommand(cmd)
		parseErr = norm.ParseError
		for _, seg := range norm.Segments {
			out = append(out, candidate{text: seg})
		}
		// Unstripped segments keep sudo/doas visible to the superadmin tier.
		parts, _ := SplitSegments(cmd)
		for _, part := range parts {
			out = append(out, candidate{text: part})
		}
		out = append(out, candidate{text: cmd})
	case op.Tool == ToolWrite || op.Tool == ToolEdit:
		// File contents are data, not commands; only the path is checked.
		out = append(out, candidate{text: strings.TrimSpace(op.Target), scope: PathWrite})
	case op.Tool == ToolRead:
		out = append(out, candidate{text: strings.TrimSpace(op.Target), scope: PathAny})
	default:
		if op.Target != "" {
			out = append(out, candidate{text: op.Target})
		}
		if op.Payload != "" && op.Payload != op.Target {
			out = append(out, candidate{text: op.Payload})
		}
	}
	return out, parseErr
}

// ListPatterns returns all patterns for a tier.
func (m *Matcher) ListPatterns(tier Tier) []*Pattern {
	if tier == TierCritical {
		return m.critical
	}
	return m.superadmin
}

// PatternExport is the exported pattern set for `warden patterns list`.
type PatternExport struct {
	Version     string                `json:"version"`
	GeneratedAt time.Time             `json:"generated_at"`
	SHA256      string                `json:"sha256"`
	Tiers       map[string]TierExport `json:"tiers"`
}

// TierExport is a single tier's patterns for export.
type TierExport struct {
	Description string           `json:"description"`
	Patterns    []PatternDetails `json:"patterns"`
}

// PatternDetails is a single exported pattern.
type PatternDetails struct {
	Category    string `json:"category"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

// Export returns both tiers in a deterministic order.
func (m *Matcher) Export() *PatternExport {
	export := &PatternExport{
		Version:     "1.0.0",
		GeneratedAt: time.Now().UTC(),
		Tiers:       make(map[string]TierExport),
		SHA256:      m.ComputeHash(),
	}

	tiers := []struct {
		name        string
		patterns    []*Pattern
		description string
	}{
		{string(TierCritical), m.critical, "Always blocked, no token overrides"},
		{string(TierSuperAdmin), m.superadmin, "Requires a valid SuperAdmin token"},
	}
	for _, tier := range tiers {
		patterns := make([]PatternDetails, 0, len(tier.patterns))
		for _, p := range tier.patterns {
			patterns = append(patterns, PatternDetails{
				Category:    p.Category,
				Pattern:     p.Pattern,
				Description: p.Description,
			})
		}
		sort.Slice(patterns, func(i, j int) bool {
			if patterns[i].Category != patterns[j].Category {
				return patterns[i].Category < patterns[j].Category
			}
			return patterns[i].Pattern < patterns[j].Pattern
		})
		export.Tiers[tier.name] = TierExport{Description: tier.description, Patterns: patterns}
	}
	return export
}

// ComputeHash returns a deterministic hash of all patterns.
func (m *Matcher) ComputeHash() string {
	var all []string
	for _, p := range m.critical {
		all = append(all, "critical:"+p.Pattern)
	}
	for _, p := range m.superadmin {
		all = append(all, "superadmin:"+p.Pattern)
	}
	sort.Strings(all)

	h := sha256.New()
	for _, p := range all {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ExportJSON returns the patterns as indented JSON.
func (m *Matcher) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(m.Export(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
