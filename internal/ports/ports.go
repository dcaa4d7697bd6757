package ports

import (
	"context"
	"database/sql"

	"dispatch/internal/domain"
)

// ReplicaKind selects which replica cluster section a connection targets.
type ReplicaKind string

const (
	ReplicaAnalytics ReplicaKind = "analytics"
	ReplicaWeb       ReplicaKind = "web"
)

// ReplicaConnector opens short-lived connections to a wiki replica. The
// caller owns the returned handle and must close it when the job is done.
type ReplicaConnector interface {
	Connect(ctx context.Context, wiki domain.Wiki, kind ReplicaKind) (*sql.DB, error)
}

// RevisionRequester resolves revision ids into fully expanded revisions.
type RevisionRequester interface {
	Request(ctx context.Context, ids []int64) (map[int64]domain.Revision, error)
}

// Titler canonicalizes raw titles for one wiki.
type Titler interface {
	MakeTitle(ns int, raw string) (domain.Title, error)
}

// TitleService hands out per-wiki titlers, fetching namespace metadata on
// first use.
type TitleService interface {
	ForWiki(ctx context.Context, wiki domain.Wiki) (Titler, error)
}

// SiteDirectory answers catalogue lookups against the current snapshot.
type SiteDirectory interface {
	ByDBName(ctx context.Context, dbname string) (*domain.Wiki, error)
	ByOrigin(ctx context.Context, origin string) (*domain.Wiki, error)
}

// HistoryRevision is one revision of a page history walk, content included
// when the slot is visible.
type HistoryRevision struct {
	RevID     int64
	User      string
	Timestamp string
	Content   *string
}

// HistoryPage is one API page of an oldest-first history walk. Continue is
// empty on the last page.
type HistoryPage struct {
	Revisions []HistoryRevision
	Continue  string
}

// HistorySource walks a page history through the action API.
type HistorySource interface {
	UserTalkHistory(ctx context.Context, wiki domain.Wiki, title, cont string) (HistoryPage, error)
}
