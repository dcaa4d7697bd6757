package wikiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/ports"
)

// Version is stamped into the outgoing user-agent.
const Version = "1.4.0"

// UserAgent identifies the tool on every upstream HTTP call.
func UserAgent() string {
	goVersion := strings.TrimPrefix(runtime.Version(), "go")
	return fmt.Sprintf("dispatch/%s go/%s net-http/%s", Version, goVersion, goVersion)
}

type authTransport struct {
	token string
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", UserAgent())
	if t.token != "" {
		clone.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// NewHTTPClient builds an http.Client that stamps the tool user-agent and,
// when token is non-empty, an OAuth bearer header on every request.
func NewHTTPClient(token string) *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &authTransport{token: token},
	}
}

// Client talks to the action API of one wiki.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient wires a client for the wiki's w/api.php endpoint.
func NewClient(wiki domain.Wiki, httpClient *http.Client) *Client {
	return &Client{
		apiURL: strings.TrimRight(wiki.URL, "/") + "/w/api.php",
		http:   httpClient,
	}
}

// APIRevision mirrors the action API revision shape (formatversion=2).
type APIRevision struct {
	RevID         int64    `json:"revid"`
	ParentID      int64    `json:"parentid"`
	Minor         bool     `json:"minor"`
	User          string   `json:"user"`
	UserHidden    bool     `json:"userhidden"`
	Timestamp     string   `json:"timestamp"`
	Size          int64    `json:"size"`
	Comment       string   `json:"comment"`
	CommentHidden bool     `json:"commenthidden"`
	ParsedComment string   `json:"parsedcomment"`
	Tags          []string `json:"tags"`
	TextHidden    bool     `json:"texthidden"`
	Suppressed    bool     `json:"suppressed"`
}

// APIPage groups revisions under their page as the query module returns
// them.
type APIPage struct {
	PageID    int64         `json:"pageid"`
	Namespace int           `json:"ns"`
	Title     string        `json:"title"`
	Revisions []APIRevision `json:"revisions"`
}

// RevisionsResult is the reshaped response of a revids query.
type RevisionsResult struct {
	Pages     []APIPage
	BadRevIDs []int64
}

// RevisionsByID fetches the given revisions with the requested rvprop set.
func (c *Client) RevisionsByID(ctx context.Context, ids []int64, props []string) (*RevisionsResult, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"revids":        {joinIDs(ids)},
		"prop":          {"revisions"},
		"rvprop":        {strings.Join(props, "|")},
	}

	var payload struct {
		Query struct {
			BadRevIDs map[string]struct {
				RevID int64 `json:"revid"`
			} `json:"badrevids"`
			Pages []APIPage `json:"pages"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	if err := c.get(ctx, params, &payload); err != nil {
		return nil, err
	}
	if payload.Error != nil {
		return nil, payload.Error
	}

	result := &RevisionsResult{Pages: payload.Query.Pages}
	for _, bad := range payload.Query.BadRevIDs {
		result.BadRevIDs = append(result.BadRevIDs, bad.RevID)
	}
	return result, nil
}

// SiteinfoResult carries the namespace metadata needed by the titler.
type SiteinfoResult struct {
	LegalTitleChars string
	Namespaces      []domain.Namespace
	Aliases         map[string]int
}

// Siteinfo fetches namespaces, their aliases, and the legal title
// character set.
func (c *Client) Siteinfo(ctx context.Context) (*SiteinfoResult, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"meta":          {"siteinfo"},
		"siprop":        {"general|namespaces|namespacealiases"},
	}

	var payload struct {
		Query struct {
			General struct {
				LegalTitleChars string `json:"legaltitlechars"`
			} `json:"general"`
			Namespaces map[string]struct {
				ID        int    `json:"id"`
				Canonical string `json:"canonical"`
				Name      string `json:"name"`
				Case      string `json:"case"`
				Content   bool   `json:"content"`
				Subpages  bool   `json:"subpages"`
				Right     string `json:"namespaceprotection"`
			} `json:"namespaces"`
			NamespaceAliases []struct {
				ID    int    `json:"id"`
				Alias string `json:"alias"`
			} `json:"namespacealiases"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	if err := c.get(ctx, params, &payload); err != nil {
		return nil, err
	}
	if payload.Error != nil {
		return nil, payload.Error
	}

	result := &SiteinfoResult{
		LegalTitleChars: payload.Query.General.LegalTitleChars,
		Aliases:         map[string]int{},
	}
	for _, ns := range payload.Query.Namespaces {
		result.Namespaces = append(result.Namespaces, domain.Namespace{
			ID:            ns.ID,
			Canonical:     ns.Canonical,
			Name:          ns.Name,
			CaseSensitive: ns.Case == "case-sensitive",
			Content:       ns.Content,
			Subpages:      ns.Subpages,
			Right:         ns.Right,
		})
	}
	for _, alias := range payload.Query.NamespaceAliases {
		result.Aliases[alias.Alias] = alias.ID
	}
	return result, nil
}

// TalkHistory walks one API page of a title's history, oldest first, with
// main-slot content included.
func (c *Client) TalkHistory(ctx context.Context, title, cont string) (ports.HistoryPage, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"titles":        {title},
		"prop":          {"revisions"},
		"rvprop":        {"ids|timestamp|user|content"},
		"rvslots":       {"main"},
		"rvdir":         {"newer"},
		"rvlimit":       {"50"},
	}
	if cont != "" {
		params.Set("rvcontinue", cont)
	}

	var payload struct {
		Continue struct {
			RvContinue string `json:"rvcontinue"`
		} `json:"continue"`
		Query struct {
			Pages []struct {
				Revisions []struct {
					RevID     int64  `json:"revid"`
					User      string `json:"user"`
					Timestamp string `json:"timestamp"`
					Slots     map[string]struct {
						Content *string `json:"content"`
					} `json:"slots"`
				} `json:"revisions"`
			} `json:"pages"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	if err := c.get(ctx, params, &payload); err != nil {
		return ports.HistoryPage{}, err
	}
	if payload.Error != nil {
		return ports.HistoryPage{}, payload.Error
	}

	page := ports.HistoryPage{Continue: payload.Continue.RvContinue}
	for _, p := range payload.Query.Pages {
		for _, rev := range p.Revisions {
			hr := ports.HistoryRevision{
				RevID:     rev.RevID,
				User:      rev.User,
				Timestamp: rev.Timestamp,
			}
			if slot, ok := rev.Slots["main"]; ok {
				hr.Content = slot.Content
			}
			page.Revisions = append(page.Revisions, hr)
		}
	}
	return page, nil
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Info)
}

func (c *Client) get(ctx context.Context, params url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, "|")
}
