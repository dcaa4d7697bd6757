package titles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"dispatch/internal/domain"
	"dispatch/internal/ports"
)

// ErrBadTitle reports raw input that violates the wiki's legal title
// character set.
var ErrBadTitle = errors.New("titles: bad title")

// Source is the slice of the action API the titler needs.
type Source interface {
	Siteinfo(ctx context.Context) (*SiteinfoData, error)
}

// SourceFunc adapts a bare function to Source.
type SourceFunc func(ctx context.Context) (*SiteinfoData, error)

// Siteinfo calls the wrapped function.
func (f SourceFunc) Siteinfo(ctx context.Context) (*SiteinfoData, error) { return f(ctx) }

// SiteinfoData mirrors wikiapi.SiteinfoResult without importing it, so the
// service can be fed by fakes in tests.
type SiteinfoData struct {
	LegalTitleChars string
	Namespaces      []domain.Namespace
	Aliases         map[string]int
}

// ClientFactory resolves the siteinfo source for a wiki.
type ClientFactory func(wiki domain.Wiki) Source

// Service caches one Titler per wiki. Namespace metadata is fetched on
// first use and kept until Flush.
type Service struct {
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.Mutex
	titlers map[string]*Titler
	group   singleflight.Group
}

var _ ports.TitleService = (*Service)(nil)

// NewService builds the per-wiki titler cache.
func NewService(factory ClientFactory, logger *slog.Logger) *Service {
	return &Service{factory: factory, logger: logger, titlers: map[string]*Titler{}}
}

// ForWiki returns the cached titler for the wiki, fetching namespace
// metadata when absent. Concurrent first calls share one fetch.
func (s *Service) ForWiki(ctx context.Context, wiki domain.Wiki) (ports.Titler, error) {
	s.mu.Lock()
	titler, ok := s.titlers[wiki.DBName]
	s.mu.Unlock()
	if ok {
		return titler, nil
	}

	result, err, _ := s.group.Do(wiki.DBName, func() (any, error) {
		info, err := s.factory(wiki).Siteinfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch siteinfo for %s: %w", wiki.DBName, err)
		}
		titler := NewTitler(info)
		s.mu.Lock()
		s.titlers[wiki.DBName] = titler
		s.mu.Unlock()
		return titler, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Titler), nil
}

// Flush drops all cached titlers.
func (s *Service) Flush() {
	s.mu.Lock()
	s.titlers = map[string]*Titler{}
	s.mu.Unlock()
}

// Titler canonicalizes titles for a single wiki.
type Titler struct {
	namespaces map[int]domain.Namespace
	byName     map[string]int
	legal      *regexp.Regexp
}

var _ ports.Titler = (*Titler)(nil)

// defaultIllegal is the stand-in check when the advertised character class
// does not compile as a Go regexp.
var defaultIllegal = regexp.MustCompile(`[#<>\[\]{}|]`)

// NewTitler indexes namespace names and aliases for lookup.
func NewTitler(info *SiteinfoData) *Titler {
	t := &Titler{
		namespaces: map[int]domain.Namespace{},
		byName:     map[string]int{},
	}
	for _, ns := range info.Namespaces {
		t.namespaces[ns.ID] = ns
		if ns.Name != "" {
			t.byName[normalizeNSName(ns.Name)] = ns.ID
		}
		if ns.Canonical != "" {
			t.byName[normalizeNSName(ns.Canonical)] = ns.ID
		}
	}
	for alias, id := range info.Aliases {
		t.byName[normalizeNSName(alias)] = id
	}
	if info.LegalTitleChars != "" {
		if re, err := regexp.Compile("^[" + info.LegalTitleChars + "]+$"); err == nil {
			t.legal = re
		}
	}
	return t
}

// MakeTitle canonicalizes raw within namespace ns. A recognized namespace
// prefix inside raw overrides ns, matching the wiki's own title parsing.
func (t *Titler) MakeTitle(ns int, raw string) (domain.Title, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "_", " "))
	if text == "" {
		return domain.Title{}, fmt.Errorf("%w: empty title", ErrBadTitle)
	}

	if prefix, rest, found := strings.Cut(text, ":"); found {
		if id, ok := t.byName[normalizeNSName(prefix)]; ok {
			ns = id
			text = strings.TrimSpace(rest)
			if text == "" {
				return domain.Title{}, fmt.Errorf("%w: empty main text in %q", ErrBadTitle, raw)
			}
		}
	}

	if !t.legalText(text) {
		return domain.Title{}, fmt.Errorf("%w: %q", ErrBadTitle, raw)
	}

	nsInfo, ok := t.namespaces[ns]
	if !ok {
		return domain.Title{}, fmt.Errorf("%w: unknown namespace %d", ErrBadTitle, ns)
	}
	if !nsInfo.CaseSensitive {
		runes := []rune(text)
		text = strings.ToUpper(string(runes[0])) + string(runes[1:])
	}

	prefixed := text
	if nsInfo.Name != "" {
		prefixed = nsInfo.Name + ":" + text
	}
	return domain.Title{Namespace: ns, PrefixedText: prefixed, MainText: text}, nil
}

func (t *Titler) legalText(text string) bool {
	if t.legal != nil {
		return t.legal.MatchString(text)
	}
	return !defaultIllegal.MatchString(text)
}

func normalizeNSName(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "_", " ")))
}
