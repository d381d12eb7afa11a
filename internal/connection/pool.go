// Package connection pools reusable protocol clients so segment workers
// and probes do not pay client construction on every request.
package connection

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

// Stats tracks pool behavior for diagnostics.
type Stats struct {
	Created  int64
	Reused   int64
	Acquired int64
	Idle     int
}

// Factory builds a client for a URL scheme ("http", "https", "ftp").
type Factory func(scheme string) (protocol.Client, error)

// Pool hands out protocol clients keyed by scheme, keeping a bounded
// number of idle instances per scheme for reuse.
type Pool struct {
	mu           sync.Mutex
	idle         map[string][]protocol.Client
	maxPerScheme int
	factory      Factory
	stats        Stats
}

// NewPool creates a pool. maxPerScheme bounds how many idle clients are
// retained per scheme; excess released clients are closed.
func NewPool(maxPerScheme int, factory Factory) *Pool {
	if maxPerScheme <= 0 {
		maxPerScheme = 8
	}

	return &Pool{
		idle:         make(map[string][]protocol.Client),
		maxPerScheme: maxPerScheme,
		factory:      factory,
	}
}

func schemeOf(urlStr string) (string, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("URL %q has no scheme", urlStr)
	}
	return scheme, nil
}

// Acquire returns a client able to serve urlStr, reusing an idle one when
// available.
func (p *Pool) Acquire(urlStr string) (protocol.Client, error) {
	scheme, err := schemeOf(urlStr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if clients := p.idle[scheme]; len(clients) > 0 {
		client := clients[len(clients)-1]
		p.idle[scheme] = clients[:len(clients)-1]
		p.stats.Reused++
		p.stats.Acquired++
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	client, err := p.factory(scheme)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.Created++
	p.stats.Acquired++
	p.mu.Unlock()

	logger.Debugf("Connection pool: created new %s client", scheme)
	return client, nil
}

// Release returns a client to the pool. Clients beyond the per-scheme
// bound are closed instead of retained.
func (p *Pool) Release(urlStr string, client protocol.Client) {
	if client == nil {
		return
	}

	scheme, err := schemeOf(urlStr)
	if err != nil {
		client.Close()
		return
	}

	p.mu.Lock()
	if len(p.idle[scheme]) < p.maxPerScheme {
		p.idle[scheme] = append(p.idle[scheme], client)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	client.Close()
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	for _, clients := range p.idle {
		stats.Idle += len(clients)
	}
	return stats
}

// CloseAll closes every idle client and empties the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for scheme, clients := range p.idle {
		for _, client := range clients {
			client.Close()
			closed++
		}
		delete(p.idle, scheme)
	}

	logger.Debugf("Connection pool: closed %d idle clients", closed)
}
