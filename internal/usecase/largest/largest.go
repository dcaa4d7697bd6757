// Package largest ranks a user's edits by absolute size delta against the
// parent revision, using the replica for ranking and the action API for
// full expansion of the winners.
package largest

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/sqlq"
	"dispatch/internal/ports"
	"dispatch/internal/tasks"
)

// pageSize bounds one ranking pass; Offset pages through the remainder.
const pageSize = 50

// Options identify one ranking job; also the dedup fingerprint.
type Options struct {
	Wiki        string   `json:"wiki"`
	User        string   `json:"user"`
	Offset      uint64   `json:"offset,omitempty"`
	Namespaces  []int    `json:"namespaces,omitempty"`
	WithReverts bool     `json:"withReverts,omitempty"`
	WithoutTags []string `json:"withoutTags,omitempty"`
}

// Result is the stored task payload, ordered by descending |diffsize|.
type Result struct {
	Revisions []domain.Revision `json:"revisions"`
}

// ExpanderFor resolves the per-wiki revision requester.
type ExpanderFor func(wiki domain.Wiki) ports.RevisionRequester

// Job runs the ranking.
type Job struct {
	replica   ports.ReplicaConnector
	expanders ExpanderFor
	logger    *slog.Logger
}

// New wires the job's collaborators.
func New(replica ports.ReplicaConnector, expanders ExpanderFor, logger *slog.Logger) *Job {
	return &Job{replica: replica, expanders: expanders, logger: logger}
}

// Run ranks on the replica, then expands the winners through the API.
func (j *Job) Run(ctx context.Context, wiki domain.Wiki, opts Options, task *tasks.Task) (*Result, error) {
	db, err := j.replica.Connect(ctx, wiki, ports.ReplicaAnalytics)
	if err != nil {
		return nil, fmt.Errorf("connect replica: %w", err)
	}
	defer db.Close()
	task.SetProgress(0.1)

	composer := sqlq.For(sqlq.RevisionUserIndex).As(sqlq.BaseAlias).
		Columns("id").
		RawColumns("(base.rev_len - COALESCE(parent.rev_len, 0)) AS diff").
		JoinParents().
		JoinActor().
		JoinPage().
		Where(sq.Eq{"actor_name": opts.User}).
		OrderBy("ABS(base.rev_len - COALESCE(parent.rev_len, 0)) DESC").
		Limit(pageSize).
		Offset(opts.Offset)

	if len(opts.Namespaces) > 0 {
		composer.Where(sq.Eq{"page_namespace": opts.Namespaces})
	}
	if !opts.WithReverts {
		composer.LacksTag("mw-reverted", "mw-rollback", "mw-undo")
	}
	if len(opts.WithoutTags) > 0 {
		composer.LacksTag(opts.WithoutTags...)
	}

	query, args, err := composer.Build()
	if err != nil {
		return nil, fmt.Errorf("compose ranking query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ranking: %w", err)
	}
	defer rows.Close()

	var ranked []int64
	for rows.Next() {
		var (
			id   int64
			diff int64
		)
		if err := rows.Scan(&id, &diff); err != nil {
			return nil, fmt.Errorf("scan ranking row: %w", err)
		}
		ranked = append(ranked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranking rows: %w", err)
	}
	task.SetProgress(0.5)

	expanded, err := j.expanders(wiki).Request(ctx, ranked)
	if err != nil {
		return nil, fmt.Errorf("expand ranked revisions: %w", err)
	}
	task.SetProgress(0.9)

	result := &Result{Revisions: make([]domain.Revision, 0, len(ranked))}
	for _, id := range ranked {
		if rev, ok := expanded[id]; ok && !rev.Missing {
			result.Revisions = append(result.Revisions, rev)
		}
	}
	return result, nil
}
