package sqlq

import "database/sql"

// Typed row records, one per query shape. Join methods correspond to the
// record extensions: a query that calls JoinActor scans ActorName, one
// that calls JoinComment scans Comment, and so on.

// RevisionRow is a revision joined with actor, comment, and page.
type RevisionRow struct {
	RevID     int64
	ParentID  sql.NullInt64
	Timestamp string
	Minor     bool
	Deleted   int
	Len       sql.NullInt64
	ActorName sql.NullString
	Comment   sql.NullString
	PageID    int64
	Namespace int
	Title     string
}

// ArchiveRow is an archived page-creation revision.
type ArchiveRow struct {
	PageID    sql.NullInt64
	Namespace int
	Title     string
	Timestamp string
	Len       sql.NullInt64
}

// LogRow is a logging row joined with actor and comment.
type LogRow struct {
	LogID     int64
	Type      string
	Action    string
	Timestamp string
	ActorName sql.NullString
	Comment   sql.NullString
	Params    []byte
	PageID    sql.NullInt64
	Namespace int
	Title     string
	Deleted   int
}
