package wikiapi

import (
	"context"
	"net/http"
	"sync"

	"dispatch/internal/domain"
	"dispatch/internal/ports"
)

// Pool hands out at most one client per wiki. Clients are lazily built and
// shared across concurrent callers.
type Pool struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool builds a pool whose clients authenticate with the given token.
func NewPool(token string) *Pool {
	return &Pool{
		httpClient: NewHTTPClient(token),
		clients:    map[string]*Client{},
	}
}

// For returns the shared client for the wiki, constructing it on first use.
func (p *Pool) For(wiki domain.Wiki) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[wiki.DBName]; ok {
		return client
	}
	client := NewClient(wiki, p.httpClient)
	p.clients[wiki.DBName] = client
	return client
}

// HTTPClient exposes the shared transport for components that talk to
// upstream endpoints outside the action API.
func (p *Pool) HTTPClient() *http.Client {
	return p.httpClient
}

var _ ports.HistorySource = (*Pool)(nil)

// UserTalkHistory implements the history walk port by delegating to the
// wiki's shared client.
func (p *Pool) UserTalkHistory(ctx context.Context, wiki domain.Wiki, title, cont string) (ports.HistoryPage, error) {
	return p.For(wiki).TalkHistory(ctx, title, cont)
}
