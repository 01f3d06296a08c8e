// -----------------------------------------------------------------------
// URL Policy - Scheme and address-range validation for crawl targets.
// Applied to the top-level navigation and to every browser sub-request.
// -----------------------------------------------------------------------

package crawler

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrURLBlocked is a policy rejection. Fatal to the job, never retried.
var ErrURLBlocked = fmt.Errorf("url blocked by policy")

// URLPolicy validates crawl targets. Only http/https schemes are allowed and
// hosts must not resolve into private, loopback, or link-local ranges, which
// keeps the crawler from being used to probe the internal network.
type URLPolicy struct {
	// lookupIP is swappable for tests
	lookupIP func(host string) ([]net.IP, error)
}

// NewURLPolicy creates the default policy
func NewURLPolicy() *URLPolicy {
	return &URLPolicy{lookupIP: net.LookupIP}
}

// Validate checks a raw URL against the policy
func (p *URLPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: does not parse: %v", ErrURLBlocked, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrURLBlocked, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLBlocked)
	}

	// Literal IP: check directly without DNS
	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivateAddr(addr) {
			return fmt.Errorf("%w: address %s is in a private range", ErrURLBlocked, host)
		}
		return nil
	}

	ips, err := p.lookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: host %s does not resolve: %v", ErrURLBlocked, host, err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if isPrivateAddr(addr.Unmap()) {
			return fmt.Errorf("%w: host %s resolves to private address %s", ErrURLBlocked, host, ip)
		}
	}
	return nil
}

func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
