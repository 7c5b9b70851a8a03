package certs

import (
	"sync"

	"github.com/cloudhutch/hutch/pkg/log"
)

// HTTP01Provider implements the lego HTTP-01 challenge provider interface.
// Challenges are held in memory and served by the proxy on port 80 under
// /.well-known/acme-challenge/.
type HTTP01Provider struct {
	mu sync.RWMutex
	// Map of domain -> (token -> keyAuth)
	challenges map[string]map[string]string
}

func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{
		challenges: make(map[string]map[string]string),
	}
}

// Present stores the challenge for the proxy to serve
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth

	logger := log.WithComponent("certs")
	logger.Debug().
		Str("domain", domain).
		Str("token", token).
		Msg("Presenting ACME challenge")
	return nil
}

// CleanUp removes the challenge after verification
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		delete(domainChallenges, token)
		if len(domainChallenges) == 0 {
			delete(p.challenges, domain)
		}
	}
	return nil
}

// KeyAuth retrieves the key authorization for a domain and token
func (p *HTTP01Provider) KeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		keyAuth, ok := domainChallenges[token]
		return keyAuth, ok
	}
	return "", false
}
