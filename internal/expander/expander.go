// Package expander turns individual revision-id lookups into bounded
// upstream batches. Ids queued while a flush is in flight join the next
// batch; duplicate ids share one pending handle.
package expander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/wikiapi"
	"dispatch/internal/ports"
)

// PerBatch bounds the number of ids per upstream call.
const PerBatch = 50

// batchTimeout bounds one background flush round trip.
const batchTimeout = 30 * time.Second

// ErrUpstream wraps an upstream API failure; every handle of the failed
// batch resolves with it.
var ErrUpstream = errors.New("expander: upstream error")

// firstPassProps is the rvprop set of the main expansion query.
var firstPassProps = []string{"ids", "timestamp", "flags", "comment", "parsedcomment", "user", "size", "tags"}

// Pending is a one-shot future for a single revision id, written exactly
// once by the expander.
type Pending struct {
	done chan struct{}
	rev  domain.Revision
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Wait blocks until the id resolves or ctx expires.
func (p *Pending) Wait(ctx context.Context) (domain.Revision, error) {
	select {
	case <-p.done:
		return p.rev, p.err
	case <-ctx.Done():
		return domain.Revision{}, ctx.Err()
	}
}

func (p *Pending) resolve(rev domain.Revision, err error) {
	p.rev = rev
	p.err = err
	close(p.done)
}

// Source is the slice of the action API the expander consumes.
type Source interface {
	RevisionsByID(ctx context.Context, ids []int64, props []string) (*wikiapi.RevisionsResult, error)
}

// Expander buffers revision ids for one wiki and flushes them in FIFO
// batches of at most PerBatch.
type Expander struct {
	source Source
	logger *slog.Logger

	mu      sync.Mutex
	order   []int64
	pending map[int64]*Pending
	running bool
}

var _ ports.RevisionRequester = (*Expander)(nil)

// New builds an expander over the given revision source.
func New(source Source, logger *slog.Logger) *Expander {
	return &Expander{
		source:  source,
		logger:  logger,
		pending: map[int64]*Pending{},
	}
}

// Queue registers ids for the next batches and returns their pending
// handles. An id already queued or in flight reuses its existing handle.
func (e *Expander) Queue(ids []int64) map[int64]*Pending {
	handles := make(map[int64]*Pending, len(ids))

	e.mu.Lock()
	for _, id := range ids {
		if handle, ok := e.pending[id]; ok {
			handles[id] = handle
			continue
		}
		handle := newPending()
		e.pending[id] = handle
		e.order = append(e.order, id)
		handles[id] = handle
	}
	kick := !e.running && len(e.order) > 0
	if kick {
		e.running = true
	}
	e.mu.Unlock()

	if kick {
		go e.run()
	}
	return handles
}

// run is the single flush worker: it drains FIFO batches until the queue
// is empty, then exits. Queue restarts it when new ids arrive.
func (e *Expander) run() {
	for {
		e.mu.Lock()
		if len(e.order) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		n := len(e.order)
		if n > PerBatch {
			n = PerBatch
		}
		batchIDs := make([]int64, n)
		copy(batchIDs, e.order[:n])
		e.order = e.order[n:]

		batch := make(map[int64]*Pending, n)
		for _, id := range batchIDs {
			batch[id] = e.pending[id]
		}
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
		revisions, err := e.Request(ctx, batchIDs)
		cancel()

		// In-flight ids stay pending until here so a concurrent Queue joins
		// the existing handle instead of minting a second one.
		e.mu.Lock()
		for _, id := range batchIDs {
			delete(e.pending, id)
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("revision batch failed", "ids", len(batchIDs), "error", err)
			for _, handle := range batch {
				handle.resolve(domain.Revision{}, err)
			}
			continue
		}
		for id, handle := range batch {
			handle.resolve(revisions[id], nil)
		}
	}
}

// Request synchronously expands ids: one query for the revision props and
// one for the collected parent sizes. Bad revids come back as missing
// markers; diffsize is size minus the parent size.
func (e *Expander) Request(ctx context.Context, ids []int64) (map[int64]domain.Revision, error) {
	if len(ids) == 0 {
		return map[int64]domain.Revision{}, nil
	}

	first, err := e.source.RevisionsByID(ctx, ids, firstPassProps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	revisions := make(map[int64]domain.Revision, len(ids))
	var parentIDs []int64
	parentSeen := map[int64]bool{}

	for _, page := range first.Pages {
		for _, api := range page.Revisions {
			rev := fromAPI(api, page)
			revisions[rev.RevID] = rev
			if api.ParentID > 0 && !parentSeen[api.ParentID] {
				parentSeen[api.ParentID] = true
				parentIDs = append(parentIDs, api.ParentID)
			}
		}
	}
	for _, bad := range first.BadRevIDs {
		revisions[bad] = domain.MissingRevision(bad)
	}

	if len(parentIDs) > 0 {
		second, err := e.source.RevisionsByID(ctx, parentIDs, []string{"ids", "size"})
		if err != nil {
			return nil, fmt.Errorf("%w: parent sizes: %v", ErrUpstream, err)
		}
		parentSizes := make(map[int64]int64, len(parentIDs))
		for _, page := range second.Pages {
			for _, api := range page.Revisions {
				parentSizes[api.RevID] = api.Size
			}
		}
		for id, rev := range revisions {
			if rev.Missing || rev.ParentID == 0 {
				continue
			}
			if parentSize, ok := parentSizes[rev.ParentID]; ok {
				diff := rev.Size - parentSize
				rev.DiffSize = &diff
				revisions[id] = rev
			}
		}
	}

	return revisions, nil
}

// fromAPI reshapes an action API revision into the expanded domain form.
func fromAPI(api wikiapi.APIRevision, page wikiapi.APIPage) domain.Revision {
	rev := domain.Revision{
		RevID:         api.RevID,
		ParentID:      api.ParentID,
		Minor:         api.Minor,
		Timestamp:     api.Timestamp,
		Size:          api.Size,
		ParsedComment: api.ParsedComment,
		Tags:          api.Tags,
		Page: domain.PageRef{
			PageID:    page.PageID,
			Namespace: page.Namespace,
			Title:     page.Title,
		},
		UserHidden:    api.UserHidden,
		CommentHidden: api.CommentHidden,
		TextHidden:    api.TextHidden,
	}
	if rev.Tags == nil {
		rev.Tags = []string{}
	}
	if !api.UserHidden {
		rev.User = api.User
	}
	if !api.CommentHidden {
		comment := api.Comment
		rev.Comment = &comment
		rev.CommentText = commentText(api.ParsedComment)
	}
	// A page's first revision diffs against nothing: the whole size counts.
	if api.ParentID == 0 {
		diff := api.Size
		rev.DiffSize = &diff
	}
	return rev
}

// commentText strips the parsed comment's markup down to plain text.
func commentText(parsed string) string {
	if parsed == "" || !strings.Contains(parsed, "<") {
		return parsed
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(parsed))
	if err != nil {
		return parsed
	}
	return strings.TrimSpace(doc.Text())
}
