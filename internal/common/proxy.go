package common

import (
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ProxySelector picks an outbound proxy for a target URL. Each configured
// entry may be a comma-separated list; a random member is chosen per call so
// load spreads across the pool.
type ProxySelector struct {
	httpProxies  []string
	httpsProxies []string
	noProxy      []string
}

// NewProxySelector builds a selector from configuration
func NewProxySelector(cfg ProxyConfig) *ProxySelector {
	return &ProxySelector{
		httpProxies:  splitProxyList(cfg.HTTPProxy),
		httpsProxies: splitProxyList(cfg.HTTPSProxy),
		noProxy:      splitProxyList(cfg.NoProxy),
	}
}

func splitProxyList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ProxyFunc returns a http.Transport-compatible proxy function
func (s *ProxySelector) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		return s.Pick(req.URL)
	}
}

// Pick selects a proxy URL for the target, or nil for a direct connection
func (s *ProxySelector) Pick(target *url.URL) (*url.URL, error) {
	if target == nil {
		return nil, nil
	}
	host := target.Hostname()
	for _, skip := range s.noProxy {
		if skip == "*" || host == skip || strings.HasSuffix(host, "."+strings.TrimPrefix(skip, ".")) {
			return nil, nil
		}
	}

	var pool []string
	if target.Scheme == "https" {
		pool = s.httpsProxies
	}
	if len(pool) == 0 {
		pool = s.httpProxies
	}
	if len(pool) == 0 {
		return nil, nil
	}

	raw := pool[rand.Intn(len(pool))]
	return url.Parse(raw)
}

// Env returns HTTP_PROXY/HTTPS_PROXY/NO_PROXY environment entries with a
// randomly selected proxy per scheme, suitable for passing to subprocesses.
func (s *ProxySelector) Env() []string {
	env := os.Environ()
	if len(s.httpProxies) > 0 {
		env = append(env, "HTTP_PROXY="+s.httpProxies[rand.Intn(len(s.httpProxies))])
	}
	if len(s.httpsProxies) > 0 {
		env = append(env, "HTTPS_PROXY="+s.httpsProxies[rand.Intn(len(s.httpsProxies))])
	}
	if len(s.noProxy) > 0 {
		env = append(env, "NO_PROXY="+strings.Join(s.noProxy, ","))
	}
	return env
}

// HasProxies reports whether any proxy is configured
func (s *ProxySelector) HasProxies() bool {
	return len(s.httpProxies) > 0 || len(s.httpsProxies) > 0
}
