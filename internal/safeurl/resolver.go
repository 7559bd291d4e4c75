package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// UnsafeURLError reports a URL rejected by the resolver, with the reason the
// validation failed.
type UnsafeURLError struct {
	URL    string
	Reason string
}

func (e *UnsafeURLError) Error() string {
	return fmt.Sprintf("unsafe external url %q: %s", e.URL, e.Reason)
}

// LookupFunc resolves a hostname to all of its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver validates operator- and tenant-supplied URLs before the server
// dereferences them, and pins the address the subsequent connection must
// use. Pinning closes the validate-then-use gap a DNS-rebinding attacker
// would otherwise exploit: the name that passed validation cannot resolve to
// something private by the time the connection opens.
type Resolver struct {
	// Production enables the stricter policy: https only, standard ports
	// unless allowlisted.
	Production bool

	// AllowedHosts optionally restricts hostnames to exact entries or
	// "*.suffix" wildcards. Empty means any public hostname.
	AllowedHosts []string

	// AllowedPorts lists non-standard ports permitted in production.
	AllowedPorts []string

	// Lookup is the DNS hook; defaults to the system resolver.
	Lookup LookupFunc
}

func New(production bool, allowedHosts, allowedPorts []string) *Resolver {
	return &Resolver{
		Production:   production,
		AllowedHosts: allowedHosts,
		AllowedPorts: allowedPorts,
		Lookup:       systemLookup,
	}
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Resolved carries a validated URL together with the pinned address the
// connection must be opened against.
type Resolved struct {
	URL  *url.URL
	Host string
	Port string
	Addr netip.Addr
}

// DialAddr is the address:port the pinned connection dials.
func (r *Resolved) DialAddr() string {
	return net.JoinHostPort(r.Addr.String(), r.Port)
}

// Client returns an HTTP client whose transport dials the pinned address
// while the request keeps the original hostname for the Host header and TLS
// server name. Redirects are never followed; a redirect target would bypass
// validation.
func (r *Resolved) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	pinned := r.DialAddr()
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Resolve validates raw and returns it with a pinned address. Every rejected
// URL yields an *UnsafeURLError naming the failed check.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Resolved, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, &UnsafeURLError{URL: raw, Reason: "malformed url"}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
	case "http":
		if r.Production {
			return nil, &UnsafeURLError{URL: raw, Reason: "plain http not allowed in production"}
		}
	default:
		return nil, &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("unsupported protocol %q", scheme)}
	}

	if u.User != nil {
		return nil, &UnsafeURLError{URL: raw, Reason: "embedded credentials not allowed"}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, &UnsafeURLError{URL: raw, Reason: "missing hostname"}
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	} else if r.Production && port != defaultPort(scheme) && !contains(r.AllowedPorts, port) {
		return nil, &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("non-standard port %s", port)}
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return nil, &UnsafeURLError{URL: raw, Reason: "loopback hostname"}
	}

	if len(r.AllowedHosts) > 0 && !r.hostAllowed(host) {
		return nil, &UnsafeURLError{URL: raw, Reason: "hostname not in allowlist"}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := disallowedAddr(addr); reason != "" {
			return nil, &UnsafeURLError{URL: raw, Reason: reason}
		}
		return &Resolved{URL: u, Host: host, Port: port, Addr: addr.Unmap()}, nil
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = systemLookup
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return nil, &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return nil, &UnsafeURLError{URL: raw, Reason: "hostname has no addresses"}
	}
	// A single private answer poisons the whole name: a rebinding attacker
	// only needs one record the client might pick.
	for _, addr := range addrs {
		if reason := disallowedAddr(addr); reason != "" {
			return nil, &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("%s (%s)", reason, addr)}
		}
	}

	return &Resolved{URL: u, Host: host, Port: port, Addr: addrs[0].Unmap()}, nil
}

func (r *Resolver) hostAllowed(host string) bool {
	for _, entry := range r.AllowedHosts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

var blockedV4 = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/19",
	"224.0.0.0/3", // multicast and everything reserved above it
)

var blockedV6 = mustPrefixes(
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"2001:db8::/32",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// disallowedAddr returns a non-empty reason when addr must not be dialed.
// IPv4-mapped IPv6 addresses are judged by their embedded IPv4 address.
func disallowedAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range blockedV4 {
			if p.Contains(addr) {
				return fmt.Sprintf("address in blocked range %s", p)
			}
		}
		return ""
	}
	for _, p := range blockedV6 {
		if p.Contains(addr) {
			return fmt.Sprintf("address in blocked range %s", p)
		}
	}
	return ""
}
