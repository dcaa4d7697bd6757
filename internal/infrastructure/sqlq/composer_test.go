package sqlq

import (
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func TestColumnsResolvePrefixAndAlias(t *testing.T) {
	t.Parallel()

	query, _, err := For(Revision).Columns("id", "timestamp").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "rev_id") || !strings.Contains(query, "rev_timestamp") {
		t.Fatalf("prefix not applied: %s", query)
	}
	if !strings.Contains(query, "FROM revision") {
		t.Fatalf("wrong table: %s", query)
	}

	query, _, err = For(ArchiveUserIndex).As(BaseAlias).Columns("id").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "base.ar_id") {
		t.Fatalf("alias not applied: %s", query)
	}
	if !strings.Contains(query, "FROM archive_userindex AS base") {
		t.Fatalf("aliased FROM missing: %s", query)
	}
}

func TestAsAfterCompositionFails(t *testing.T) {
	t.Parallel()

	// Aliasing restarts the statement, so a late As would silently drop
	// everything composed so far.
	_, _, err := For(Revision).Columns("id").As(BaseAlias).Build()
	if err == nil {
		t.Fatal("expected composition error for As after Columns")
	}

	_, _, err = For(Revision).JoinActor().As(BaseAlias).Build()
	if err == nil {
		t.Fatal("expected composition error for As after a join")
	}
}

func TestJoinParentsRequiresAlias(t *testing.T) {
	t.Parallel()

	_, _, err := For(Revision).Columns("id").JoinParents().Build()
	if err == nil {
		t.Fatal("expected composition error without alias")
	}

	query, _, err := For(RevisionUserIndex).As(BaseAlias).
		Columns("id").
		JoinParents().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "LEFT JOIN revision_userindex AS parent ON base.rev_parent_id = parent.rev_id"
	if !strings.Contains(query, want) {
		t.Fatalf("parent join missing:\n%s", query)
	}
}

func TestJoinParentsRejectsLogging(t *testing.T) {
	t.Parallel()

	_, _, err := For(Logging).As(BaseAlias).Columns("id").JoinParents().Build()
	if err == nil {
		t.Fatal("expected composition error for logging parent join")
	}
}

func TestJoinActorPicksFamilyView(t *testing.T) {
	t.Parallel()

	query, _, err := For(RevisionUserIndex).As(BaseAlias).Columns("id").JoinActor().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "JOIN actor_revision ON base.rev_actor = actor_id") {
		t.Fatalf("actor join wrong:\n%s", query)
	}

	query, _, err = For(Logging).Columns("id").JoinActor().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "JOIN actor_logging ON log_actor = actor_id") {
		t.Fatalf("logging actor join wrong:\n%s", query)
	}

	query, _, err = For(Archive).Columns("id").JoinActor().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "JOIN actor ON ar_actor = actor_id") {
		t.Fatalf("archive actor join wrong:\n%s", query)
	}
}

func TestJoinPageOnlyForRevision(t *testing.T) {
	t.Parallel()

	query, _, err := For(Revision).Columns("id").JoinPage().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "JOIN page ON rev_page = page_id") {
		t.Fatalf("page join wrong:\n%s", query)
	}

	if _, _, err := For(Archive).Columns("id").JoinPage().Build(); err == nil {
		t.Fatal("expected composition error for archive page join")
	}
}

func TestJoinDeletionLog(t *testing.T) {
	t.Parallel()

	query, _, err := For(ArchiveUserIndex).
		Columns("id", "timestamp").
		JoinDeletionLog().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, fragment := range []string{
		"LEFT JOIN logging_logindex",
		"log_type = 'delete'",
		"log_action LIKE 'delete%'",
		"log_timestamp > ar_timestamp",
		"log_namespace = ar_namespace",
		"log_title = ar_title",
	} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("deletion log join missing %q:\n%s", fragment, query)
		}
	}

	if _, _, err := For(Revision).Columns("id").JoinDeletionLog().Build(); err == nil {
		t.Fatal("expected composition error for revision deletion-log join")
	}
}

func TestTagPredicates(t *testing.T) {
	t.Parallel()

	query, args, err := For(RevisionUserIndex).As(BaseAlias).
		Columns("id").
		LacksTag("mw-reverted", "mw-undo").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "change_tag AS ct1") || !strings.Contains(query, "change_tag AS ct2") {
		t.Fatalf("tag joins not aliased distinctly:\n%s", query)
	}
	if !strings.Contains(query, "ct1.ct_id IS NULL") || !strings.Contains(query, "ct2.ct_id IS NULL") {
		t.Fatalf("lacks predicate missing:\n%s", query)
	}
	if len(args) != 2 || args[0] != "mw-reverted" || args[1] != "mw-undo" {
		t.Fatalf("unexpected args: %v", args)
	}

	query, _, err = For(Revision).Columns("id").HasTag("mobile edit").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(query, "ct1.ct_id IS NOT NULL") {
		t.Fatalf("has predicate missing:\n%s", query)
	}
}

func TestWhereAndOrdering(t *testing.T) {
	t.Parallel()

	query, args, err := For(RevisionUserIndex).As(BaseAlias).
		Columns("id").
		Where(sq.Eq{"actor_name": "Alice"}).
		WhereCol("deleted", 0).
		OrderByCol("timestamp", "DESC").
		Limit(50).
		Offset(100).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, fragment := range []string{
		"actor_name = ?",
		"base.rev_deleted = ?",
		"ORDER BY base.rev_timestamp DESC",
		"LIMIT 50",
		"OFFSET 100",
	} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("missing %q:\n%s", fragment, query)
		}
	}
	if len(args) != 2 || args[0] != "Alice" || args[1] != 0 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	if got := EscapeLike(`50%_done\`); got != `50\%\_done\\` {
		t.Fatalf("unexpected escape: %q", got)
	}
}
