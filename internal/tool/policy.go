package tool

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy restricts which URLs network tools may fetch.
type Policy struct {
	AllowedSchemes []string
	DenyPrivate    bool
	DeniedHosts    []string

	// lookup resolves host names; net.DefaultResolver when nil.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// NewPolicy builds a policy from a comma-separated host denylist.
func NewPolicy(denyPrivate bool, deniedHostsCSV string) *Policy {
	return &Policy{
		AllowedSchemes: []string{"http", "https"},
		DenyPrivate:    denyPrivate,
		DeniedHosts:    parseCSV(deniedHostsCSV),
	}
}

// CheckURL parses raw and rejects URLs the policy does not allow.
func (p *Policy) CheckURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if !p.schemeAllowed(u.Scheme) {
		return nil, fmt.Errorf("%w: url scheme %q", ErrDenied, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url has no host: %s", raw)
	}
	for _, denied := range p.DeniedHosts {
		if strings.EqualFold(host, denied) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(denied)) {
			return nil, fmt.Errorf("%w: host %s", ErrDenied, host)
		}
	}
	if !p.DenyPrivate {
		return u, nil
	}
	ips, err := p.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivate(ip) {
			return nil, fmt.Errorf("%w: private address %s -> %s", ErrDenied, host, ip)
		}
	}
	return u, nil
}

func (p *Policy) schemeAllowed(scheme string) bool {
	for _, s := range p.AllowedSchemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

func (p *Policy) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if p.lookup != nil {
		return p.lookup(ctx, host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.IP)
	}
	return out, nil
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		item := strings.TrimSpace(p)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
