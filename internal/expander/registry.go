package expander

import (
	"log/slog"
	"sync"

	"dispatch/internal/domain"
)

// SourceFor resolves the per-wiki revision source, normally the wiki
// client pool.
type SourceFor func(wiki domain.Wiki) Source

// Registry keeps one expander per wiki so concurrent requests share the
// same batching queue. Entries are write-once per dbname.
type Registry struct {
	sources SourceFor
	logger  *slog.Logger

	mu        sync.Mutex
	expanders map[string]*Expander
}

// NewRegistry builds the per-wiki expander index.
func NewRegistry(sources SourceFor, logger *slog.Logger) *Registry {
	return &Registry{
		sources:   sources,
		logger:    logger,
		expanders: map[string]*Expander{},
	}
}

// For returns the shared expander for the wiki, constructing it on first
// use.
func (r *Registry) For(wiki domain.Wiki) *Expander {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.expanders[wiki.DBName]; ok {
		return e
	}
	e := New(r.sources(wiki), r.logger.With("component", "expander", "wiki", wiki.DBName))
	r.expanders[wiki.DBName] = e
	return e
}
