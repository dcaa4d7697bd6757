package deleted

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/sqlq"
	"dispatch/internal/phpserial"
)

// archiveKey identifies one archived page creation across its candidate
// log rows.
type archiveKey struct {
	namespace int
	title     string
	timestamp string
}

type pageCandidate struct {
	logID     int64
	timestamp string
	pageID    sql.NullInt64
}

type archivedPage struct {
	sqlq.ArchiveRow
	candidates []pageCandidate
}

// reconstructPages joins the actor's archived page creations to their
// candidate deletion log rows. The schema predates stable archive-to-page
// ids, so the join is on (title, namespace) with the log row strictly
// after the archive timestamp; ties resolve to the log closest from above.
func (r *Reconstructor) reconstructPages(ctx context.Context, db *sql.DB, user string) ([]domain.DeletedPage, error) {
	query, args, err := sqlq.For(sqlq.ArchiveUserIndex).
		Columns("page_id", "namespace", "title", "timestamp", "len").
		JoinActor().
		JoinDeletionLog().
		RawColumns("log_id", "log_timestamp", "log_page").
		Where(sq.Eq{"actor_name": user}).
		Where(sq.Eq{"ar_parent_id": 0}).
		OrderByCol("timestamp", "DESC").
		Build()
	if err != nil {
		return nil, fmt.Errorf("compose deleted page query: %w", err)
	}

	result, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deleted pages: %w", err)
	}
	defer result.Close()

	var order []archiveKey
	grouped := map[archiveKey]*archivedPage{}

	for result.Next() {
		var (
			page      archivedPage
			logID     sql.NullInt64
			logTS     sql.NullString
			logPageID sql.NullInt64
		)
		err := result.Scan(&page.PageID, &page.Namespace, &page.Title, &page.Timestamp,
			&page.Len, &logID, &logTS, &logPageID)
		if err != nil {
			return nil, fmt.Errorf("scan deleted page: %w", err)
		}

		key := archiveKey{page.Namespace, page.Title, page.Timestamp}
		existing, ok := grouped[key]
		if !ok {
			existing = &page
			grouped[key] = existing
			order = append(order, key)
		}
		if logID.Valid {
			existing.candidates = append(existing.candidates, pageCandidate{
				logID:     logID.Int64,
				timestamp: logTS.String,
				pageID:    logPageID,
			})
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted pages: %w", err)
	}

	chosen := map[archiveKey]pageCandidate{}
	var logIDs []int64
	for _, key := range order {
		page := grouped[key]
		best, ok := closestFromAbove(page.candidates)
		if !ok {
			continue
		}
		chosen[key] = best
		logIDs = append(logIDs, best.logID)
	}

	entries, err := r.fetchLogEntries(ctx, db, logIDs)
	if err != nil {
		return nil, err
	}

	pages := make([]domain.DeletedPage, 0, len(order))
	for _, key := range order {
		page := grouped[key]
		out := domain.DeletedPage{
			Namespace: page.Namespace,
			Title:     page.Title,
			Created:   isoTimestamp(page.Timestamp),
		}
		if page.PageID.Valid && page.PageID.Int64 > 0 {
			id := page.PageID.Int64
			out.PageID = &id
		}
		if page.Len.Valid {
			out.Length = page.Len.Int64
		}

		best, ok := chosen[key]
		if !ok {
			out.Deleted = true
			pages = append(pages, out)
			continue
		}
		if entry, found := entries[best.logID]; found {
			entryCopy := entry
			out.Entry = &entryCopy
		} else {
			out.Deleted = true
		}
		out.Guessed = !exactPageMatch(page, best)
		pages = append(pages, out)
	}
	return pages, nil
}

// closestFromAbove picks the candidate whose timestamp is smallest, i.e.
// the log row nearest after the archive timestamp. The join already
// guarantees every candidate is strictly after it.
func closestFromAbove(candidates []pageCandidate) (pageCandidate, bool) {
	if len(candidates) == 0 {
		return pageCandidate{}, false
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.timestamp < best.timestamp {
			best = candidate
		}
	}
	return best, true
}

func exactPageMatch(page *archivedPage, candidate pageCandidate) bool {
	return page.PageID.Valid && candidate.pageID.Valid &&
		page.PageID.Int64 == candidate.pageID.Int64
}

// fetchLogEntries loads the full entry rows, actor and comment included,
// for the chosen candidate log ids.
func (r *Reconstructor) fetchLogEntries(ctx context.Context, db *sql.DB, ids []int64) (map[int64]domain.LogEntry, error) {
	entries := map[int64]domain.LogEntry{}
	if len(ids) == 0 {
		return entries, nil
	}

	query, args, err := sqlq.For(sqlq.Logging).
		Columns("id", "timestamp", "params", "deleted").
		JoinActor().
		JoinComment().
		RawColumns("actor_name", "comment_text").
		Where(sq.Eq{"log_id": ids}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("compose log entry query: %w", err)
	}

	result, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer result.Close()

	for result.Next() {
		var row sqlq.LogRow
		err := result.Scan(&row.LogID, &row.Timestamp, &row.Params, &row.Deleted, &row.ActorName, &row.Comment)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}

		params, parseErr := phpserial.ParseDeletionParams(row.Params)
		if parseErr != nil {
			params = nil
		}
		entries[row.LogID] = logEntryFromRow(row, params)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}
