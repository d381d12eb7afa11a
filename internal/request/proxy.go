package request

import (
	"net/url"
	"strings"
	"sync"
)

// ProxyConfig describes the proxy to use for a request; a zero value
// means direct connection.
type ProxyConfig struct {
	Address  string // host:port, empty = direct
	Username string
	Password string
}

// ProxyRules resolves the proxy for a URL: one configured proxy plus a
// bypass list of host patterns.
type ProxyRules struct {
	mu         sync.RWMutex
	config     ProxyConfig
	exceptions []string
}

func NewProxyRules() *ProxyRules {
	return &ProxyRules{}
}

// SetProxy configures the proxy used for all non-excepted hosts.
func (p *ProxyRules) SetProxy(cfg ProxyConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.config = cfg
}

// SetExceptions replaces the bypass list. Entries may use wildcards,
// e.g. "*.internal.example.com" or "localhost".
func (p *ProxyRules) SetExceptions(hosts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exceptions = append([]string(nil), hosts...)
}

// ForURL returns the proxy for the URL, or a zero config for excepted
// hosts and unparseable URLs.
func (p *ProxyRules) ForURL(urlStr string) ProxyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.config.Address == "" {
		return ProxyConfig{}
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return ProxyConfig{}
	}
	host := strings.ToLower(u.Hostname())

	for _, pattern := range p.exceptions {
		if wildcardMatch(strings.ToLower(pattern), host) {
			return ProxyConfig{}
		}
	}
	return p.config
}
