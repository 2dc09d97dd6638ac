package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

const (
	defaultDNSTimeout   = 500 * time.Millisecond
	defaultMaxRedirects = 3
)

var (
	ErrEgressBlocked     = errors.New("egress: destination is in a blocked range")
	ErrEgressDNS         = errors.New("egress: DNS resolution failed")
	ErrEgressDNSTimeout  = errors.New("egress: DNS resolution timed out")
	ErrEgressTooManyHops = errors.New("egress: too many redirects")
	ErrEgressInvalidURL  = errors.New("egress: invalid URL")
)

// blockedPrefixes are never dialled by outbound webhook deliveries.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // instance metadata
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsBlocked reports whether addr falls in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EgressPolicy decides which destinations outbound HTTP may reach. Every
// address a host resolves to must be allowed before any is dialled.
type EgressPolicy struct {
	Resolver     Resolver
	DNSTimeout   time.Duration
	MaxRedirects int
	// AllowPrivate disables the range checks. Local runs only.
	AllowPrivate bool
}

// NewEgressClient returns an http.Client that dials and follows redirects
// under p.
func NewEgressClient(timeout time.Duration, p EgressPolicy) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           p.dialer(dialer),
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: p.CheckRedirect,
	}
}

// ValidateURL checks rawURL's scheme and host. It resolves the host so a
// misconfigured target fails at startup rather than on first delivery.
func (p EgressPolicy) ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEgressInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", ErrEgressInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrEgressInvalidURL)
	}
	_, err = p.resolve(ctx, u.Hostname())
	return err
}

// CheckRedirect is an http.Client CheckRedirect hook.
func (p EgressPolicy) CheckRedirect(req *http.Request, via []*http.Request) error {
	limit := p.MaxRedirects
	if limit <= 0 {
		limit = defaultMaxRedirects
	}
	if len(via) >= limit {
		return fmt.Errorf("%w: limit is %d", ErrEgressTooManyHops, limit)
	}
	if req.URL.Hostname() == "" {
		return fmt.Errorf("%w: redirect without host", ErrEgressBlocked)
	}
	_, err := p.resolve(req.Context(), req.URL.Hostname())
	return err
}

func (p EgressPolicy) dialer(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrEgressInvalidURL, addr)
		}
		addrs, err := p.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		// Dial the vetted address, not the name.
		return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
	}
}

// resolve returns host's addresses, failing if any is blocked.
func (p EgressPolicy) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if literal, err := netip.ParseAddr(host); err == nil {
		if !p.AllowPrivate && IsBlocked(literal) {
			return nil, fmt.Errorf("%w: %s", ErrEgressBlocked, literal)
		}
		return []netip.Addr{literal}, nil
	}

	timeout := p.DNSTimeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	dnsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupNetIP(dnsCtx, "ip", host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrEgressDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrEgressDNS, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q has no addresses", ErrEgressDNS, host)
	}
	if !p.AllowPrivate {
		for _, a := range addrs {
			if IsBlocked(a) {
				return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrEgressBlocked, a, host)
			}
		}
	}
	return addrs, nil
}
