// Package deleted reconstructs an actor's revisions hidden by
// revision-level deletion, attaching the log entry most likely to have
// caused each one. The replicas have no archive-to-log foreign keys, so
// attribution rests on timestamp and batch-membership heuristics and is
// best-effort by construction.
package deleted

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/sqlq"
	"dispatch/internal/phpserial"
	"dispatch/internal/ports"
	"dispatch/internal/tasks"
)

// likelyCauseWindow is the batch-position heuristic: a deletion batch
// typically names its primary targets within the first few ids.
const likelyCauseWindow = 3

// Options identify one reconstruction job; also the dedup fingerprint.
type Options struct {
	User string `json:"user"`
	Wiki string `json:"wiki"`
}

// Result is the stored task payload.
type Result struct {
	Revisions []domain.DeletedRevision `json:"revisions"`
	Pages     []domain.DeletedPage     `json:"pages"`
}

// Reconstructor runs the deleted-revision queries against the replica.
type Reconstructor struct {
	replica ports.ReplicaConnector
	logger  *slog.Logger
}

// New builds the reconstructor.
func New(replica ports.ReplicaConnector, logger *slog.Logger) *Reconstructor {
	return &Reconstructor{replica: replica, logger: logger}
}

// Run executes the full reconstruction for one actor, reporting progress
// through the task.
func (r *Reconstructor) Run(ctx context.Context, wiki domain.Wiki, user string, task *tasks.Task) (*Result, error) {
	db, err := r.replica.Connect(ctx, wiki, ports.ReplicaAnalytics)
	if err != nil {
		return nil, fmt.Errorf("connect replica: %w", err)
	}
	defer db.Close()
	task.SetProgress(0.1)

	rows, err := r.queryDeletedRevisions(ctx, db, user)
	if err != nil {
		return nil, err
	}
	task.SetProgress(0.35)

	index, err := r.buildLogIndex(ctx, db, revIDs(rows))
	if err != nil {
		return nil, err
	}
	task.SetProgress(0.6)

	result := &Result{Revisions: attach(rows, index, user)}

	pages, err := r.reconstructPages(ctx, db, user)
	if err != nil {
		return nil, err
	}
	result.Pages = pages
	task.SetProgress(0.95)

	return result, nil
}

type deletedRow struct {
	sqlq.RevisionRow
}

func (r *Reconstructor) queryDeletedRevisions(ctx context.Context, db *sql.DB, user string) ([]deletedRow, error) {
	query, args, err := sqlq.For(sqlq.RevisionUserIndex).As(sqlq.BaseAlias).
		Columns("id", "parent_id", "timestamp", "minor_edit", "deleted", "len").
		JoinActor().
		JoinComment().
		JoinPage().
		RawColumns("comment_text", "page_id", "page_namespace", "page_title").
		Where(sq.Eq{"actor_name": user}).
		Where(sq.Gt{"base.rev_deleted": 0}).
		OrderByCol("timestamp", "DESC").
		Build()
	if err != nil {
		return nil, fmt.Errorf("compose deleted revision query: %w", err)
	}

	result, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deleted revisions: %w", err)
	}
	defer result.Close()

	var rows []deletedRow
	for result.Next() {
		var row deletedRow
		err := result.Scan(
			&row.RevID, &row.ParentID, &row.Timestamp, &row.Minor, &row.Deleted,
			&row.Len, &row.Comment, &row.PageID, &row.Namespace, &row.Title,
		)
		if err != nil {
			return nil, fmt.Errorf("scan deleted revision: %w", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted revisions: %w", err)
	}
	return rows, nil
}

// logCandidate is one deletion log entry indexed under a revid.
type logCandidate struct {
	entry    domain.LogEntry
	firstFew []int64
}

// buildLogIndex loads delete/revision log rows naming any candidate revid
// and indexes them oldest-first: when two entries claim the same revid the
// later one wins, which is the correct latest cause.
func (r *Reconstructor) buildLogIndex(ctx context.Context, db *sql.DB, ids []int64) (map[int64]logCandidate, error) {
	index := map[int64]logCandidate{}
	if len(ids) == 0 {
		return index, nil
	}

	// The ids list is PHP-serialized in log_params, so membership is a
	// textual "i:<revid>;" probe. Index keys match the same pattern;
	// parsing the payload afterwards weeds those out.
	patterns := make(sq.Or, 0, len(ids))
	for _, id := range ids {
		patterns = append(patterns, sq.Like{"log_params": fmt.Sprintf("%%i:%d;%%", id)})
	}

	query, args, err := sqlq.For(sqlq.Logging).
		Columns("id", "timestamp", "params", "deleted").
		JoinActor().
		JoinComment().
		RawColumns("actor_name", "comment_text").
		Where(sq.Eq{"log_type": "delete"}).
		Where(sq.Eq{"log_action": "revision"}).
		Where(patterns).
		OrderByCol("timestamp", "ASC").
		Build()
	if err != nil {
		return nil, fmt.Errorf("compose deletion log query: %w", err)
	}

	result, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deletion log: %w", err)
	}
	defer result.Close()

	for result.Next() {
		var row sqlq.LogRow
		err := result.Scan(&row.LogID, &row.Timestamp, &row.Params, &row.Deleted, &row.ActorName, &row.Comment)
		if err != nil {
			return nil, fmt.Errorf("scan deletion log: %w", err)
		}

		params, err := phpserial.ParseDeletionParams(row.Params)
		if err != nil {
			r.logger.Debug("unparsable log_params", "logid", row.LogID, "error", err)
			continue
		}

		entry := logEntryFromRow(row, params)
		firstFew := headIDs(params.IDs, likelyCauseWindow)
		for _, revid := range params.IDs {
			index[revid] = logCandidate{entry: entry, firstFew: firstFew}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate deletion log: %w", err)
	}
	return index, nil
}

func logEntryFromRow(row sqlq.LogRow, params *domain.DeletionParams) domain.LogEntry {
	entry := domain.LogEntry{
		LogID:     row.LogID,
		Timestamp: isoTimestamp(row.Timestamp),
		Tags:      []string{},
		Params:    params,
	}
	if row.ActorName.Valid {
		entry.User = &row.ActorName.String
	}
	if row.Comment.Valid {
		entry.Comment = &row.Comment.String
	}
	return entry
}

// headIDs returns the n smallest ids of the batch.
func headIDs(ids []int64, n int) []int64 {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func attach(rows []deletedRow, index map[int64]logCandidate, user string) []domain.DeletedRevision {
	out := make([]domain.DeletedRevision, 0, len(rows))
	for _, row := range rows {
		rev := domain.DeletedRevision{Revision: revisionFromRow(row)}
		if !rev.UserHidden {
			rev.User = user
		}

		candidate, ok := index[row.RevID]
		if !ok {
			// Suppressed or otherwise unattributable: the causal log row
			// is scrubbed on the replicas.
			rev.Deleted = true
			out = append(out, rev)
			continue
		}

		entry := candidate.entry
		rev.Entry = &entry
		rev.IsLikelyCause = containsID(candidate.firstFew, row.RevID)
		out = append(out, rev)
	}
	return out
}

func revisionFromRow(row deletedRow) domain.Revision {
	rev := domain.Revision{
		RevID:     row.RevID,
		Minor:     row.Minor,
		Tags:      []string{},
		Page:      domain.PageRef{PageID: row.PageID, Namespace: row.Namespace, Title: row.Title},
		Timestamp: isoTimestamp(row.Timestamp),
	}
	if row.ParentID.Valid {
		rev.ParentID = row.ParentID.Int64
	}
	if row.Len.Valid {
		rev.Size = row.Len.Int64
	}

	flags := domain.DecodeDeletionFlags(row.Deleted)
	rev.CommentHidden = flags.Comment
	rev.UserHidden = flags.User
	rev.TextHidden = flags.Content
	if !flags.Comment && row.Comment.Valid {
		rev.Comment = &row.Comment.String
	}
	return rev
}

func isoTimestamp(binary string) string {
	ts, err := domain.ParseWikiTimestamp(binary)
	if err != nil {
		return binary
	}
	return ts.Format("2006-01-02T15:04:05Z")
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func revIDs(rows []deletedRow) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.RevID)
	}
	return ids
}
