package expander

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dispatch/internal/infrastructure/wikiapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource answers RevisionsByID from a canned revision table and records
// every batch it receives.
type fakeSource struct {
	mu        sync.Mutex
	revisions map[int64]wikiapi.APIRevision
	batches   [][]int64
	err       error
}

func (f *fakeSource) RevisionsByID(ctx context.Context, ids []int64, props []string) (*wikiapi.RevisionsResult, error) {
	f.mu.Lock()
	batch := make([]int64, len(ids))
	copy(batch, ids)
	f.batches = append(f.batches, batch)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	result := &wikiapi.RevisionsResult{}
	page := wikiapi.APIPage{PageID: 7, Namespace: 0, Title: "Example"}
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

func (f *fakeSource) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestRequestExpandsRevisions(t *testing.T) {
	t.Parallel()

	source := &fakeSource{revisions: map[int64]wikiapi.APIRevision{
		100: {RevID: 100, ParentID: 90, User: "Alice", Size: 500,
			Comment: "fix typo", ParsedComment: "fix typo",
			Timestamp: "2024-01-01T00:00:00Z", Tags: []string{"mobile edit"}},
		90: {RevID: 90, Size: 450},
	}}
	e := New(source, testLogger())

	revisions, err := e.Request(context.Background(), []int64{100})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}

	rev, ok := revisions[100]
	if !ok {
		t.Fatal("revision 100 not expanded")
	}
	if rev.User != "Alice" || rev.Size != 500 {
		t.Fatalf("unexpected expansion: %+v", rev)
	}
	if rev.Comment == nil || *rev.Comment != "fix typo" {
		t.Fatalf("comment lost: %+v", rev.Comment)
	}
	if rev.DiffSize == nil || *rev.DiffSize != 50 {
		t.Fatalf("diffsize wrong: %v", rev.DiffSize)
	}
	if rev.Page.Title != "Example" || rev.Page.PageID != 7 {
		t.Fatalf("page ref wrong: %+v", rev.Page)
	}
}

func TestRequestFirstRevisionDiffsAgainstNothing(t *testing.T) {
	t.Parallel()

	source := &fakeSource{revisions: map[int64]wikiapi.APIRevision{
		100: {RevID: 100, ParentID: 0, Size: 321},
	}}
	e := New(source, testLogger())

	revisions, err := e.Request(context.Background(), []int64{100})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	rev := revisions[100]
	if rev.DiffSize == nil || *rev.DiffSize != 321 {
		t.Fatalf("first revision diffsize should equal size: %v", rev.DiffSize)
	}
}

func TestRequestMarksBadIDsMissing(t *testing.T) {
	t.Parallel()

	source := &fakeSource{revisions: map[int64]wikiapi.APIRevision{}}
	e := New(source, testLogger())

	revisions, err := e.Request(context.Background(), []int64{999})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	rev, ok := revisions[999]
	if !ok || !rev.Missing {
		t.Fatalf("bad id not marked missing: %+v", rev)
	}
}

func TestRequestHidesSuppressedFields(t *testing.T) {
	t.Parallel()

	source := &fakeSource{revisions: map[int64]wikiapi.APIRevision{
		100: {RevID: 100, User: "Hidden", UserHidden: true,
			Comment: "secret", CommentHidden: true, Size: 10},
	}}
	e := New(source, testLogger())

	revisions, err := e.Request(context.Background(), []int64{100})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	rev := revisions[100]
	if rev.User != "" || !rev.UserHidden {
		t.Fatalf("hidden user leaked: %+v", rev)
	}
	if rev.Comment != nil || !rev.CommentHidden {
		t.Fatalf("hidden comment leaked: %+v", rev)
	}
}

func TestQueueDeduplicatesHandles(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	source := &blockingSource{release: release}
	e := New(source, testLogger())

	first := e.Queue([]int64{100})
	second := e.Queue([]int64{100})
	if first[100] != second[100] {
		t.Fatal("duplicate id got a second handle")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := first[100].Wait(ctx); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
}

// blockingSource parks the first call until released so queued ids pile up.
type blockingSource struct {
	release <-chan struct{}
	once    sync.Once
}

func (b *blockingSource) RevisionsByID(ctx context.Context, ids []int64, props []string) (*wikiapi.RevisionsResult, error) {
	b.once.Do(func() { <-b.release })
	result := &wikiapi.RevisionsResult{}
	for _, id := range ids {
		result.BadRevIDs = append(result.BadRevIDs, id)
	}
	return result, nil
}

func TestQueueSplitsLargeBatches(t *testing.T) {
	t.Parallel()

	source := &fakeSource{revisions: map[int64]wikiapi.APIRevision{}}
	e := New(source, testLogger())

	ids := make([]int64, PerBatch+10)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	handles := e.Queue(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, handle := range handles {
		if _, err := handle.Wait(ctx); err != nil {
			t.Fatalf("Wait error: %v", err)
		}
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.batches) < 2 {
		t.Fatalf("expected at least 2 batches, got %d", len(source.batches))
	}
	for _, batch := range source.batches {
		if len(batch) > PerBatch {
			t.Fatalf("batch exceeds limit: %d ids", len(batch))
		}
	}
}

func TestFailedBatchResolvesHandlesWithError(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: errors.New("api down")}
	e := New(source, testLogger())

	handles := e.Queue([]int64{1, 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, handle := range handles {
		if _, err := handle.Wait(ctx); !errors.Is(err, ErrUpstream) {
			t.Fatalf("handle %d: expected ErrUpstream, got %v", id, err)
		}
	}

	// The worker must have exited cleanly; a later queue starts it again.
	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()

	handles = e.Queue([]int64{3})
	if _, err := handles[3].Wait(ctx); err != nil {
		t.Fatalf("queue after failure: %v", err)
	}
	if source.batchCount() < 2 {
		t.Fatal("worker did not restart after a failed batch")
	}
}

func TestCommentTextStripsMarkup(t *testing.T) {
	t.Parallel()

	got := commentText(`moved <a href="/wiki/A">A</a> to <a href="/wiki/B">B</a>`)
	if got != "moved A to B" {
		t.Fatalf("unexpected text: %q", got)
	}
	if got := commentText("plain"); got != "plain" {
		t.Fatalf("plain comment changed: %q", got)
	}
}
