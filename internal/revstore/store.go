// Package revstore keeps expanded revisions coherent with the live change
// stream. Membership is only valid while the stream is open: writes
// against a closed or connecting stream are dropped with a warning.
package revstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/stream"
)

// ErrUnconfirmedPrivilege rejects a privileged store whose caller has not
// acknowledged the safety implication: privileged stores skip
// visibility-change events and keep serving suppressed fields.
var ErrUnconfirmedPrivilege = errors.New("revstore: privileged store requires ConfirmSuppressedVisibility")

// Stream is the lifecycle surface of the change-stream subscription.
type Stream interface {
	Start(ctx context.Context)
	Stop()
	CurrentState() stream.State
}

// StreamFactory builds the subscription with the store's handlers wired
// in.
type StreamFactory func(stream.Handlers) Stream

// Options configure a store.
type Options struct {
	// Privileged stores subscribe only to tag changes; they are assumed
	// to be allowed to see suppressed data.
	Privileged bool
	// ConfirmSuppressedVisibility must accompany Privileged.
	ConfirmSuppressedVisibility bool
	Autostart                   bool
}

// key identifies one tracked revision. Revision ids are only unique per
// wiki, so the dbname is part of the identity.
type key struct {
	db string
	id int64
}

// Store is the (wiki, revision-id) to revision map shared across
// handlers.
type Store struct {
	logger *slog.Logger
	stream Stream

	mu        sync.RWMutex
	revisions map[key]domain.Revision
}

// New wires the store and its stream subscription. Autostart connects
// immediately with a background context.
func New(factory StreamFactory, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Privileged && !opts.ConfirmSuppressedVisibility {
		return nil, ErrUnconfirmedPrivilege
	}

	s := &Store{
		logger:    logger,
		revisions: map[key]domain.Revision{},
	}

	handlers := stream.Handlers{OnTags: s.handleTags}
	if !opts.Privileged {
		handlers.OnVisibility = s.handleVisibility
	}
	s.stream = factory(handlers)

	if opts.Autostart {
		s.StartStream(context.Background())
	}
	return s, nil
}

// StartStream connects the subscription; starting an already open or
// connecting stream is a no-op.
func (s *Store) StartStream(ctx context.Context) {
	s.stream.Start(ctx)
}

// StopStream closes the stream; Set degrades to a warning no-op until the
// next StartStream.
func (s *Store) StopStream() {
	s.stream.Stop()
}

// Set stores a revision of one wiki while the stream is open. When it is
// not, the entry would silently go stale, so the write is dropped instead.
func (s *Store) Set(dbname string, id int64, rev domain.Revision) {
	if s.stream.CurrentState() != stream.Open {
		s.logger.Warn("revision store write dropped, stream not open",
			"wiki", dbname, "revid", id, "state", s.stream.CurrentState().String())
		return
	}

	s.mu.Lock()
	s.revisions[key{db: dbname, id: id}] = rev
	s.mu.Unlock()
}

// Get returns the stored revision for the wiki's id, if any.
func (s *Store) Get(dbname string, id int64) (domain.Revision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revisions[key{db: dbname, id: id}]
	return rev, ok
}

// Len reports the number of tracked revisions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revisions)
}

// handleVisibility rewrites the tracked revision: hidden fields are
// blanked and a visibility snapshot attached. A fresh value replaces the
// old one; object identity is not preserved. Events address revisions by
// (database, revid), so a same-numbered revision on another wiki is left
// alone.
func (s *Store) handleVisibility(ev stream.VisibilityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, ok := s.revisions[key{db: ev.Database, id: ev.RevID}]
	if !ok {
		return
	}

	if ev.Hidden.Comment {
		rev.Comment = nil
		rev.CommentText = ""
		rev.ParsedComment = ""
		rev.CommentHidden = true
	}
	if ev.Hidden.User {
		rev.User = ""
		rev.UserHidden = true
	}
	if ev.Hidden.Text {
		rev.TextHidden = true
	}
	rev.Visibility = &domain.Visibility{
		Text:    ev.Hidden.Text,
		Comment: ev.Hidden.Comment,
		User:    ev.Hidden.User,
	}
	s.revisions[key{db: ev.Database, id: ev.RevID}] = rev
}

// handleTags replaces the tag set with the authoritative new value for
// the event's own wiki.
func (s *Store) handleTags(ev stream.TagsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{db: ev.Database, id: ev.RevID}
	rev, ok := s.revisions[k]
	if !ok {
		return
	}
	rev.Tags = ev.Tags
	s.revisions[k] = rev
}
