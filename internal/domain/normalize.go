// Package domain classifies URLs and hostnames against three tiers of allow
// and block lists. It never resolves names: every decision is made on the
// literal text.
package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Kind is the syntactic class of a normalized host.
type Kind int

const (
	KindHostname Kind = iota
	KindIPv4
	KindIPv6
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	default:
		return "hostname"
	}
}

// Host is a normalized URL host.
type Host struct {
	Input string
	// Name is the lowercase host without scheme, port, path or trailing dot.
	// IP literals are in canonical form.
	Name string
	Kind Kind
	IP   netip.Addr
}

var errEmptyHost = errors.New("empty host")

// Normalize extracts and canonicalizes the host of a URL or bare domain.
// IPv4 addresses written as integers or with hex/octal parts are decoded.
func Normalize(input string) (Host, error) {
	h := Host{Input: input}
	s := strings.ToLower(strings.TrimSpace(input))

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	} else if strings.HasPrefix(s, "//") {
		s = s[2:]
	}
	if i := strings.IndexAny(s, "/?#\\"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if unescaped, err := url.PathUnescape(s); err == nil {
		s = unescaped
	}

	switch {
	case strings.HasPrefix(s, "["):
		end := strings.Index(s, "]")
		if end < 0 {
			return h, fmt.Errorf("unterminated IPv6 literal in %q", input)
		}
		s = s[1:end]
	case strings.Count(s, ":") == 1:
		host, port, _ := strings.Cut(s, ":")
		if _, err := strconv.Atoi(port); err == nil || port == "" {
			s = host
		}
	}
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return h, errEmptyHost
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return withAddr(h, addr.WithZone("")), nil
	}
	if addr, ok := parseLooseIPv4(s); ok {
		return withAddr(h, addr), nil
	}

	if !validHostname(s) {
		return h, fmt.Errorf("invalid hostname %q", s)
	}
	h.Name = strings.TrimSuffix(dns.CanonicalName(s), ".")
	h.Kind = KindHostname
	return h, nil
}

func withAddr(h Host, addr netip.Addr) Host {
	addr = addr.Unmap()
	h.IP = addr
	h.Name = addr.String()
	if addr.Is4() {
		h.Kind = KindIPv4
	} else {
		h.Kind = KindIPv6
	}
	return h
}

func validHostname(s string) bool {
	if _, ok := dns.IsDomainName(s); !ok {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// parseLooseIPv4 accepts the inet_aton forms that resolvers and HTTP clients
// still honour: 1 to 4 dot-separated parts, each decimal, 0x-hex or 0-octal,
// with the last part filling the remaining bytes.
func parseLooseIPv4(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseIPv4Part(p)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	var n uint64
	last := len(vals) - 1
	for i := 0; i < last; i++ {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
		n |= vals[i] << (8 * uint(3-i))
	}
	if vals[last] >= 1<<(8*uint(4-last)) {
		return netip.Addr{}, false
	}
	n |= vals[last]

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(p, "0x"):
		base, p = 16, p[2:]
		if p == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		base, p = 8, p[1:]
	}
	v, err := strconv.ParseUint(p, base, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}
