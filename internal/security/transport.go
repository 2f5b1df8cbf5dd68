// Package security provides SSRF protection for outbound webhook attempts.
//
// SafeTransport wraps http.Transport and validates every resolved address at
// dial time, so the gate holds on every attempt rather than only when the
// trigger was created. Customer-controlled URLs must never reach loopback,
// private ranges, link-local addresses or cloud metadata services.
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

// blockedCIDRs covers documentation, benchmarking and carrier-grade NAT
// ranges that net.IP's own predicates do not classify.
var blockedCIDRs = mustParseCIDRs([]string{
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved
	"2001:db8::/32",   // documentation
	"100::/64",        // discard-only
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			panic("security: bad builtin CIDR " + c)
		}
		out = append(out, ipNet)
	}
	return out
}

// IsPublicUnicast reports whether the address is a plain, publicly routable
// unicast address. Everything else is refused at egress.
func IsPublicUnicast(ip net.IP) bool {
	switch {
	case ip == nil,
		ip.IsUnspecified(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast():
		return false
	}
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return false
	}
	// Unique-local IPv6 (fc00::/7).
	if ip.To4() == nil && len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return false
	}
	for _, ipNet := range blockedCIDRs {
		if ipNet.Contains(ip) {
			return false
		}
	}
	return true
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type netResolver struct {
	r *net.Resolver
}

func (nr *netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nr.r.LookupIPAddr(ctx, host)
}

// Config tunes the transport beyond the builtin address gate.
type Config struct {
	// BlockedPorts lets the operator refuse destination ports outright.
	BlockedPorts []int

	// ProxyURL routes every attempt through an isolation proxy when set.
	ProxyURL string
}

// SafeTransport wraps http.Transport with an SSRF gate on DialContext.
type SafeTransport struct {
	Base     *http.Transport
	Resolver Resolver

	blockedPorts map[int]bool
}

// NewSafeTransport builds a transport whose every dial resolves the host and
// refuses non-public addresses. If cfg.ProxyURL is set, connections egress
// through it; the proxy itself is exempt from the gate since the operator
// controls it.
func NewSafeTransport(cfg Config) (*SafeTransport, error) {
	base := &http.Transport{
		MaxIdleConns:          32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, domain.WrapError(domain.ErrValidation, "invalid proxy url", err)
		}
		base.Proxy = http.ProxyURL(proxyURL)
	}

	st := &SafeTransport{
		Base:         base,
		blockedPorts: make(map[int]bool, len(cfg.BlockedPorts)),
	}
	for _, p := range cfg.BlockedPorts {
		st.blockedPorts[p] = true
	}

	// The proxy handles isolation when configured; otherwise the dial hook
	// enforces the gate.
	if cfg.ProxyURL == "" {
		base.DialContext = st.safeDialContext
	}
	return st, nil
}

func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

// safeDialContext resolves the host, validates every resolved address, and
// only then dials. Validating all addresses (not just the one dialed)
// defends against DNS answers that mix a public and a private address.
func (st *SafeTransport) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, domain.Errorf(domain.ErrAttemptTransport, "invalid address %q", addr)
	}
	if err := st.checkPort(port); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}

	if ip := net.ParseIP(host); ip != nil {
		if !IsPublicUnicast(ip) {
			return nil, domain.Errorf(domain.ErrBlockedPrivateIP, "destination %s is not a public address", ip)
		}
		return dialer.DialContext(ctx, network, addr)
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := st.resolver().LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, domain.WrapError(domain.ErrAttemptTransport, fmt.Sprintf("dns resolution for %q failed", host), err)
	}
	if len(addrs) == 0 {
		return nil, domain.Errorf(domain.ErrAttemptTransport, "host %q resolved to no addresses", host)
	}
	for _, ipAddr := range addrs {
		if !IsPublicUnicast(ipAddr.IP) {
			return nil, domain.Errorf(domain.ErrBlockedPrivateIP, "host %q resolved to non-public address %s", host, ipAddr.IP)
		}
	}

	return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
}

func (st *SafeTransport) checkPort(port string) error {
	if len(st.blockedPorts) == 0 {
		return nil
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return domain.Errorf(domain.ErrAttemptTransport, "invalid port %q", port)
	}
	if st.blockedPorts[p] {
		return domain.Errorf(domain.ErrBlockedPrivateIP, "destination port %d is blocklisted", p)
	}
	return nil
}

func (st *SafeTransport) resolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return &netResolver{r: net.DefaultResolver}
}

// ValidateURLScheme refuses anything but http and https. Applied both at
// trigger creation and per attempt.
func ValidateURLScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.Errorf(domain.ErrValidation, "invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Errorf(domain.ErrUnsafeScheme, "scheme %q is not allowed", u.Scheme)
	}
	if u.Host == "" {
		return domain.Errorf(domain.ErrValidation, "invalid url %q", rawURL)
	}
	return nil
}
