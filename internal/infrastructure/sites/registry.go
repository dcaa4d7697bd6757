package sites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"dispatch/internal/domain"
)

// ErrUpstreamUnavailable reports a failed catalogue download or parse. The
// previous snapshot, if any, stays in place.
var ErrUpstreamUnavailable = errors.New("sites: upstream unavailable")

// Registry downloads and indexes the catalogue of known wikis. Lookups
// lazily refresh when no snapshot is loaded; concurrent refreshes share a
// single network request.
type Registry struct {
	apiURL string
	client *http.Client
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot *snapshot

	group singleflight.Group
}

type snapshot struct {
	byDBName map[string]*domain.Wiki
	byHost   map[string]*domain.Wiki
}

// NewRegistry builds a registry reading the sitematrix from apiURL.
func NewRegistry(apiURL string, client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{apiURL: apiURL, client: client, logger: logger}
}

// Refresh fetches the full catalogue and atomically replaces the snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		snap, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.snapshot = snap
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// Flush drops the snapshot; the next lookup re-fetches.
func (r *Registry) Flush() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// ByDBName returns the wiki registered under dbname, or nil when unknown.
func (r *Registry) ByDBName(ctx context.Context, dbname string) (*domain.Wiki, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byDBName[dbname], nil
}

// ByHost returns the wiki served from the given hostname, or nil.
func (r *Registry) ByHost(ctx context.Context, host string) (*domain.Wiki, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byHost[strings.ToLower(host)], nil
}

// ByOrigin resolves a request Origin header to a wiki, or nil.
func (r *Registry) ByOrigin(ctx context.Context, origin string) (*domain.Wiki, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return nil, nil
	}
	return r.ByHost(ctx, u.Hostname())
}

func (r *Registry) current(ctx context.Context) (*snapshot, error) {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil, ErrUpstreamUnavailable
	}
	return r.snapshot, nil
}

type matrixSite struct {
	URL       string `json:"url"`
	DBName    string `json:"dbname"`
	Code      string `json:"code"`
	Lang      string `json:"lang"`
	Private   bool   `json:"private"`
	Closed    bool   `json:"closed"`
	Fishbowl  bool   `json:"fishbowl"`
	NonGlobal bool   `json:"nonglobal"`
}

type matrixGroup struct {
	Code string       `json:"code"`
	Site []matrixSite `json:"site"`
}

func (r *Registry) fetch(ctx context.Context) (*snapshot, error) {
	endpoint := r.apiURL + "?action=sitematrix&format=json&formatversion=2"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrUpstreamUnavailable, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrUpstreamUnavailable, resp.Status)
	}

	var payload struct {
		Sitematrix map[string]json.RawMessage `json:"sitematrix"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode sitematrix: %v", ErrUpstreamUnavailable, err)
	}

	snap := &snapshot{
		byDBName: map[string]*domain.Wiki{},
		byHost:   map[string]*domain.Wiki{},
	}

	for key, raw := range payload.Sitematrix {
		switch key {
		case "count":
			continue
		case "specials":
			var specials []matrixSite
			if err := json.Unmarshal(raw, &specials); err != nil {
				return nil, fmt.Errorf("%w: decode specials: %v", ErrUpstreamUnavailable, err)
			}
			for _, site := range specials {
				snap.add(site, "")
			}
		default:
			var group matrixGroup
			if err := json.Unmarshal(raw, &group); err != nil {
				return nil, fmt.Errorf("%w: decode group %s: %v", ErrUpstreamUnavailable, key, err)
			}
			for _, site := range group.Site {
				snap.add(site, group.Code)
			}
		}
	}

	if r.logger != nil {
		r.logger.Debug("site catalogue refreshed", "wikis", len(snap.byDBName))
	}
	return snap, nil
}

func (s *snapshot) add(site matrixSite, lang string) {
	if site.DBName == "" {
		return
	}
	if site.Lang != "" {
		lang = site.Lang
	}
	wiki := &domain.Wiki{
		DBName:    site.DBName,
		URL:       site.URL,
		Lang:      lang,
		Private:   site.Private,
		Closed:    site.Closed,
		Fishbowl:  site.Fishbowl,
		NonGlobal: site.NonGlobal,
	}
	s.byDBName[wiki.DBName] = wiki
	if host := wiki.Host(); host != "" {
		s.byHost[strings.ToLower(host)] = wiki
	}
}
