package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/expander"
	"dispatch/internal/infrastructure/stream"
	"dispatch/internal/infrastructure/wikiapi"
	"dispatch/internal/ports"
	"dispatch/internal/revstore"
	"dispatch/internal/tasks"
	"dispatch/internal/usecase/deleted"
	"dispatch/internal/usecase/largest"
	"dispatch/internal/usecase/talkscan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSites serves a static catalogue.
type fakeSites struct {
	wikis map[string]*domain.Wiki
}

func (f *fakeSites) ByDBName(ctx context.Context, dbname string) (*domain.Wiki, error) {
	return f.wikis[dbname], nil
}

func (f *fakeSites) ByOrigin(ctx context.Context, origin string) (*domain.Wiki, error) {
	for _, wiki := range f.wikis {
		if strings.Contains(origin, wiki.Host()) {
			return wiki, nil
		}
	}
	return nil, nil
}

// openStream pretends the change stream is connected so store writes stick.
type openStream struct{}

func (openStream) Start(ctx context.Context)  {}
func (openStream) Stop()                      {}
func (openStream) CurrentState() stream.State { return stream.Open }

// apiSource serves canned revisions and counts upstream calls.
type apiSource struct {
	mu        sync.Mutex
	revisions map[int64]wikiapi.APIRevision
	calls     int
}

func (f *apiSource) RevisionsByID(ctx context.Context, ids []int64, props []string) (*wikiapi.RevisionsResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	result := &wikiapi.RevisionsResult{}
	page := wikiapi.APIPage{PageID: 1, Title: "Example"}
	for _, id := range ids {
		rev, ok := f.revisions[id]
		if !ok {
			result.BadRevIDs = append(result.BadRevIDs, id)
			continue
		}
		page.Revisions = append(page.Revisions, rev)
	}
	if len(page.Revisions) > 0 {
		result.Pages = []wikiapi.APIPage{page}
	}
	return result, nil
}

func (f *apiSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// downReplica fails every connection attempt.
type downReplica struct{}

func (downReplica) Connect(ctx context.Context, wiki domain.Wiki, kind ports.ReplicaKind) (*sql.DB, error) {
	return nil, fmt.Errorf("replica unavailable")
}

// gatedHistory blocks the talk page walk until released.
type gatedHistory struct {
	gate chan struct{}
}

func (g *gatedHistory) UserTalkHistory(ctx context.Context, wiki domain.Wiki, title, cont string) (ports.HistoryPage, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ports.HistoryPage{}, ctx.Err()
	}
	content := "nothing to see"
	return ports.HistoryPage{Revisions: []ports.HistoryRevision{
		{RevID: 1, User: "A", Timestamp: "2024-01-01T00:00:00Z", Content: &content},
	}}, nil
}

type staticTitler struct{}

func (staticTitler) MakeTitle(ns int, raw string) (domain.Title, error) {
	return domain.Title{Namespace: ns, PrefixedText: "User talk:" + raw, MainText: raw}, nil
}

type staticTitles struct{}

func (staticTitles) ForWiki(ctx context.Context, wiki domain.Wiki) (ports.Titler, error) {
	return staticTitler{}, nil
}

type testEnv struct {
	server  *httptest.Server
	source  *apiSource
	history *gatedHistory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sites := &fakeSites{wikis: map[string]*domain.Wiki{
		"enwiki":    {DBName: "enwiki", URL: "https://en.wikipedia.org"},
		"dewiki":    {DBName: "dewiki", URL: "https://de.wikipedia.org"},
		"boardwiki": {DBName: "boardwiki", URL: "https://board.wikimedia.org", Private: true},
	}}

	store, err := revstore.New(func(stream.Handlers) revstore.Stream {
		return openStream{}
	}, revstore.Options{}, testLogger())
	if err != nil {
		t.Fatalf("revstore.New: %v", err)
	}

	source := &apiSource{revisions: map[int64]wikiapi.APIRevision{
		100: {RevID: 100, User: "Alice", Size: 500, Timestamp: "2024-01-01T00:00:00Z"},
		101: {RevID: 101, User: "Bob", Size: 300, Timestamp: "2024-01-02T00:00:00Z"},
	}}
	expanders := expander.NewRegistry(func(wiki domain.Wiki) expander.Source {
		return source
	}, testLogger())

	history := &gatedHistory{gate: make(chan struct{})}

	srv := NewServer(Deps{
		Logger:    testLogger(),
		Sites:     sites,
		Store:     store,
		Expanders: expanders,
		Deleted:   deleted.New(downReplica{}, testLogger()),
		Largest: largest.New(downReplica{}, func(wiki domain.Wiki) ports.RevisionRequester {
			return expanders.For(wiki)
		}, testLogger()),
		TalkScan: talkscan.New(history, downReplica{}, staticTitles{}, testLogger()),
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, source: source, history: history}
}

func decodeErrorEnvelope(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
		DocRef string `json:"docref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if len(envelope.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", envelope.Errors)
	}
	if envelope.DocRef == "" {
		t.Fatal("docref missing from envelope")
	}
	return envelope.Errors[0].Code
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Service active" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestGetRevisions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/v1/revisions/enwiki?revisions=100|101|999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var payload struct {
		Version   int                        `json:"version"`
		Revisions map[string]domain.Revision `json:"revisions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != 1 {
		t.Fatalf("unexpected version: %d", payload.Version)
	}
	if payload.Revisions["100"].User != "Alice" {
		t.Fatalf("revision 100 wrong: %+v", payload.Revisions["100"])
	}
	if !payload.Revisions["999"].Missing {
		t.Fatalf("unknown id not marked missing: %+v", payload.Revisions["999"])
	}
}

func TestGetRevisionsServesWarmEntriesWithoutUpstream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(env.server.URL + "/v1/revisions/enwiki?revisions=100")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
	}

	// First request populates the store; the second is a pure cache hit.
	if got := env.source.callCount(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestWarmEntriesAreScopedToWiki(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, wiki := range []string{"enwiki", "dewiki"} {
		resp, err := http.Get(env.server.URL + "/v1/revisions/" + wiki + "?revisions=100")
		if err != nil {
			t.Fatalf("GET %s: %v", wiki, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status for %s: %d", wiki, resp.StatusCode)
		}
	}

	// The same revid on another wiki is a different revision; the warm
	// enwiki entry must not short-circuit the dewiki request.
	if got := env.source.callCount(); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
}

func TestGetRevisionsLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ids := make([]string, 51)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	resp, err := http.Get(env.server.URL + "/v1/revisions/enwiki?revisions=" + strings.Join(ids, "|"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if code := decodeErrorEnvelope(t, resp); code != CodeMethodLimited {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestGetRevisionsValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cases := []struct {
		query string
		code  string
	}{
		{"", CodeRevisionsMissing},
		{"?revisions=", CodeRevisionsMissing},
		{"?revisions=abc|123", CodeBadInteger},
		{"?revisions=0", CodeBadInteger},
		{"?revisions=-5", CodeBadInteger},
	}
	for _, tc := range cases {
		resp, err := http.Get(env.server.URL + "/v1/revisions/enwiki" + tc.query)
		if err != nil {
			t.Fatalf("GET %q: %v", tc.query, err)
		}
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("query %q: unexpected status %d", tc.query, resp.StatusCode)
		}
		if code := decodeErrorEnvelope(t, resp); code != tc.code {
			t.Fatalf("query %q: expected %q, got %q", tc.query, tc.code, code)
		}
		resp.Body.Close()
	}
}

func TestGetRevisionsUnsupportedWiki(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, dbname := range []string{"nosuchwiki", "boardwiki"} {
		resp, err := http.Get(env.server.URL + "/v1/revisions/" + dbname + "?revisions=100")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("wiki %q: unexpected status %d", dbname, resp.StatusCode)
		}
		if code := decodeErrorEnvelope(t, resp); code != CodeUnsupportedWiki {
			t.Fatalf("wiki %q: unexpected code %q", dbname, code)
		}
		resp.Body.Close()
	}
}

func TestErrorFormatBC(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/v1/revisions/enwiki?errorformat=bc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var flat struct {
		Code string `json:"code"`
		Info string `json:"info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&flat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flat.Code != CodeRevisionsMissing || flat.Info == "" {
		t.Fatalf("bc shape wrong: %+v", flat)
	}
}

func TestPostRevisionsShapes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bodies := []string{
		`{"revisions": 100}`,
		`{"revisions": [100, 101]}`,
		`{"revisions": "100|101"}`,
	}
	for _, body := range bodies {
		resp, err := http.Post(env.server.URL+"/v1/revisions/enwiki", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %q: %v", body, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("body %q: unexpected status %d", body, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Post(env.server.URL+"/v1/revisions/enwiki", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing field: unexpected status %d", resp.StatusCode)
	}
	if code := decodeErrorEnvelope(t, resp); code != CodeRevisionsMissing {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestTaskProtocol(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := `{"user": "Example", "wiki": "enwiki", "filter": "needle"}`

	resp, err := http.Post(env.server.URL+"/v1/user/search-talk", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasSuffix(loc, "/progress") {
		t.Fatalf("unexpected location: %q", loc)
	}

	var ticket tasks.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	resp.Body.Close()
	if ticket.ID == "" || ticket.Finished {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}

	// A second identical submission reuses the running task.
	resp, err = http.Post(env.server.URL+"/v1/user/search-talk", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var second tasks.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&second); err != nil {
		t.Fatalf("decode second ticket: %v", err)
	}
	resp.Body.Close()
	if second.ID != ticket.ID {
		t.Fatalf("dedup failed: %q vs %q", second.ID, ticket.ID)
	}

	// Result before completion: 409.
	resp, err = http.Get(env.server.URL + "/v1/user/search-talk/" + ticket.ID)
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unfinished result: unexpected status %d", resp.StatusCode)
	}
	if code := decodeErrorEnvelope(t, resp); code != CodeTaskUnfinished {
		t.Fatalf("unexpected code: %q", code)
	}
	resp.Body.Close()

	close(env.history.gate)

	deadline := time.Now().Add(5 * time.Second)
	var progress tasks.ProgressResponse
	for time.Now().Before(deadline) {
		resp, err = http.Get(env.server.URL + "/v1/user/search-talk/" + ticket.ID + "/progress")
		if err != nil {
			t.Fatalf("GET progress: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("progress: unexpected status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		location := resp.Header.Get("Location")
		resp.Body.Close()
		if progress.Finished {
			if location != ".." {
				t.Fatalf("finished poll must point at the result: %q", location)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !progress.Finished {
		t.Fatal("task never finished")
	}

	resp, err = http.Get(env.server.URL + "/v1/user/search-talk/" + ticket.ID)
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: unexpected status %d", resp.StatusCode)
	}
	var result talkscan.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Events) != 0 {
		t.Fatalf("clean page produced events: %+v", result.Events)
	}
}

func TestTaskMissing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, path := range []string{
		"/v1/user/search-talk/00000000-0000-0000-0000-000000000000/progress",
		"/v1/user/search-talk/00000000-0000-0000-0000-000000000000",
	} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
		if code := decodeErrorEnvelope(t, resp); code != CodeTaskMissing {
			t.Fatalf("%s: unexpected code %q", path, code)
		}
		resp.Body.Close()
	}
}

func TestSpawnInvalidFilter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := `{"user": "Example", "wiki": "enwiki", "filter": {"regex": "("}}`
	resp, err := http.Post(env.server.URL+"/v1/user/search-talk", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if code := decodeErrorEnvelope(t, resp); code != CodeInvalidFilter {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestSpawnUnsupportedWiki(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := `{"user": "Example", "wiki": "boardwiki"}`
	resp, err := http.Post(env.server.URL+"/v1/user/deleted-revisions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if code := decodeErrorEnvelope(t, resp); code != CodeUnsupportedWiki {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestFailedTaskResultMapsToGenericError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// The replica connector is down, so the reconstruction fails fast.
	body := `{"user": "Example", "wiki": "enwiki"}`
	resp, err := http.Post(env.server.URL+"/v1/user/deleted-revisions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var ticket tasks.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	resp.Body.Close()

	var status atomic.Int32
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(env.server.URL + "/v1/user/deleted-revisions/" + ticket.ID)
		if err != nil {
			t.Fatalf("GET result: %v", err)
		}
		status.Store(int32(resp.StatusCode))
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := status.Load(); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for failed task, got %d", got)
	}
}

func TestCORSOnlyForKnownOrigins(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://en.wikipedia.org")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("known origin not allowed: %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://attacker.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin allowed: %q", got)
	}
}
