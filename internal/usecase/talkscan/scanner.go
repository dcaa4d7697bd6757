// Package talkscan walks a user's talk page history and reports when a
// filter starts or stops matching between adjacent revisions.
package talkscan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"dispatch/internal/domain"
	"dispatch/internal/infrastructure/sqlq"
	"dispatch/internal/ports"
	"dispatch/internal/tasks"
)

// Options identify one scan job; also the dedup fingerprint.
type Options struct {
	User   string `json:"user"`
	Wiki   string `json:"wiki"`
	Filter any    `json:"filter"`
}

// MatchEvent is emitted whenever a filter's match count changes between
// adjacent revisions. Matches carries the substrings matched in the
// current revision. Authorship of the change itself is not attributed
// beyond the revision's own user.
type MatchEvent struct {
	RevID     int64    `json:"revid"`
	User      string   `json:"user"`
	Timestamp string   `json:"timestamp"`
	Filter    string   `json:"filter"`
	Action    string   `json:"action"`
	Matches   []string `json:"matches"`
}

// Result is the stored task payload.
type Result struct {
	Events []MatchEvent `json:"events"`
}

// Scanner runs the linear history walk.
type Scanner struct {
	history ports.HistorySource
	replica ports.ReplicaConnector
	titles  ports.TitleService
	logger  *slog.Logger
}

// New wires the scanner's collaborators.
func New(history ports.HistorySource, replica ports.ReplicaConnector, titles ports.TitleService, logger *slog.Logger) *Scanner {
	return &Scanner{history: history, replica: replica, titles: titles, logger: logger}
}

// Run scans the user's talk page from the oldest revision forward.
func (s *Scanner) Run(ctx context.Context, wiki domain.Wiki, user string, filter *FilterSet, task *tasks.Task) (*Result, error) {
	titler, err := s.titles.ForWiki(ctx, wiki)
	if err != nil {
		return nil, fmt.Errorf("titler for %s: %w", wiki.DBName, err)
	}
	title, err := titler.MakeTitle(domain.NamespaceUserTalk, domain.NormalizeUsername(user))
	if err != nil {
		return nil, fmt.Errorf("talk page title: %w", err)
	}

	total := s.countRevisions(ctx, wiki, title)
	task.SetProgress(0.01)

	result := &Result{Events: []MatchEvent{}}
	previous := map[string]int{}
	processed := 0
	cont := ""

	for {
		page, err := s.history.UserTalkHistory(ctx, wiki, title.PrefixedText, cont)
		if err != nil {
			return nil, fmt.Errorf("walk talk history: %w", err)
		}

		for _, rev := range page.Revisions {
			processed++
			// A deleted slot has no content; skip without perturbing
			// counts.
			if rev.Content == nil {
				continue
			}

			current, matches := countMatches(filter, *rev.Content)
			emitDeltas(result, rev, filter, previous, current, matches)
			previous = current
		}

		if total > 0 {
			task.SetProgress(float64(processed) / float64(total))
		}
		if page.Continue == "" {
			break
		}
		cont = page.Continue
	}

	return result, nil
}

// countMatches computes the per-filter match multiset for one revision's
// content. The content is not retained past this call.
func countMatches(filter *FilterSet, content string) (map[string]int, map[string][]string) {
	counts := make(map[string]int, len(filter.matchers))
	matches := make(map[string][]string, len(filter.matchers))
	for _, m := range filter.matchers {
		found := m.Find(content)
		counts[m.Label()] = len(found)
		matches[m.Label()] = found
	}
	return counts, matches
}

// emitDeltas diffs the current multiset against the previous revision's
// and appends one event per unit of change.
func emitDeltas(result *Result, rev ports.HistoryRevision, filter *FilterSet,
	previous, current map[string]int, matches map[string][]string) {
	for _, label := range filter.Labels() {
		delta := current[label] - previous[label]
		action := "add"
		if delta < 0 {
			action = "remove"
			delta = -delta
		}
		for i := 0; i < delta; i++ {
			result.Events = append(result.Events, MatchEvent{
				RevID:     rev.RevID,
				User:      rev.User,
				Timestamp: rev.Timestamp,
				Filter:    label,
				Action:    action,
				Matches:   matches[label],
			})
		}
	}
}

// countRevisions asks the replica for the page's revision count so
// progress can be reported. Failure only disables progress.
func (s *Scanner) countRevisions(ctx context.Context, wiki domain.Wiki, title domain.Title) int64 {
	db, err := s.replica.Connect(ctx, wiki, ports.ReplicaWeb)
	if err != nil {
		s.logger.Debug("progress disabled, replica unavailable", "error", err)
		return 0
	}
	defer db.Close()

	dbTitle := strings.ReplaceAll(title.MainText, " ", "_")
	query, args, err := sqlq.For(sqlq.Revision).
		RawColumns("COUNT(*)").
		JoinPage().
		Where(sq.Eq{"page_namespace": title.Namespace}).
		Where(sq.Eq{"page_title": dbTitle}).
		Build()
	if err != nil {
		return 0
	}

	var total sql.NullInt64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		s.logger.Debug("progress disabled, count failed", "error", err)
		return 0
	}
	return total.Int64
}
