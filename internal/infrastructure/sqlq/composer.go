// Package sqlq composes joins over the replica's revision, archive, and
// logging table family with predictable aliasing. The replicas lack
// archive-to-log foreign keys, so the deletion-log join produces candidate
// rows that callers disambiguate afterwards.
package sqlq

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Kind names a queryable table of the replica schema. The userindex
// variants are the actor-joined views required for by-user lookups.
type Kind string

const (
	Revision          Kind = "revision"
	RevisionUserIndex Kind = "revision_userindex"
	Archive           Kind = "archive"
	ArchiveUserIndex  Kind = "archive_userindex"
	Logging           Kind = "logging"
	LoggingUserIndex  Kind = "logging_userindex"
)

// ParentAlias and BaseAlias are the required alias pairing of a parent
// self-join.
const (
	BaseAlias   = "base"
	ParentAlias = "parent"
)

func (k Kind) prefix() string {
	switch k {
	case Revision, RevisionUserIndex:
		return "rev_"
	case Archive, ArchiveUserIndex:
		return "ar_"
	default:
		return "log_"
	}
}

// family picks the companion view for actor/comment joins, following the
// actor-revision / comment-revision naming convention.
func (k Kind) family() string {
	switch k {
	case Revision, RevisionUserIndex:
		return "revision"
	case Archive, ArchiveUserIndex:
		return ""
	default:
		return "logging"
	}
}

// Composer is a value type assembling one SELECT against a Kind.
type Composer struct {
	kind    Kind
	alias   string
	builder sq.SelectBuilder
	tags    int
	mutated bool
	err     error
}

// For starts a composition over the given table.
func For(kind Kind) *Composer {
	return &Composer{
		kind:    kind,
		builder: sq.Select().From(string(kind)),
	}
}

// set replaces the builder and records that composition has begun, which
// locks out a late As.
func (c *Composer) set(builder sq.SelectBuilder) *Composer {
	c.builder = builder
	c.mutated = true
	return c
}

// As aliases the base table. Required before JoinParents, and must come
// first: aliasing restarts the statement, so anything composed earlier
// would be dropped.
func (c *Composer) As(alias string) *Composer {
	if c.mutated {
		c.fail("As must precede columns, joins, and predicates")
		return c
	}
	c.alias = alias
	c.builder = sq.Select().From(fmt.Sprintf("%s AS %s", c.kind, alias))
	return c
}

// col resolves a bare column name against the kind prefix and base alias.
func (c *Composer) col(name string) string {
	full := c.kind.prefix() + name
	if c.alias != "" {
		return c.alias + "." + full
	}
	return full
}

// Columns selects bare column names, resolving the kind prefix and alias.
func (c *Composer) Columns(names ...string) *Composer {
	for _, name := range names {
		c.set(c.builder.Column(c.col(name)))
	}
	return c
}

// RawColumns selects fully qualified expressions untouched.
func (c *Composer) RawColumns(exprs ...string) *Composer {
	return c.set(c.builder.Columns(exprs...))
}

// JoinParents self-joins the table on the parent id. The base must be
// aliased; the parent copy is aliased "parent" to keep the two column sets
// apart.
func (c *Composer) JoinParents() *Composer {
	if c.alias == "" {
		c.fail("JoinParents requires an aliased base table")
		return c
	}
	switch c.kind {
	case Revision, RevisionUserIndex, Archive, ArchiveUserIndex:
	default:
		c.fail("JoinParents is only defined for revision and archive")
		return c
	}
	prefix := c.kind.prefix()
	return c.set(c.builder.LeftJoin(fmt.Sprintf(
		"%s AS %s ON %s.%sparent_id = %s.%sid",
		c.kind, ParentAlias, c.alias, prefix, ParentAlias, prefix,
	)))
}

// JoinActor joins the actor row behind the revision/archive/log actor id.
func (c *Composer) JoinActor() *Composer {
	table := "actor"
	if fam := c.kind.family(); fam != "" {
		table = "actor_" + fam
	}
	return c.set(c.builder.Join(fmt.Sprintf(
		"%s ON %s = actor_id", table, c.col("actor"),
	)))
}

// JoinComment joins the comment row behind the comment id.
func (c *Composer) JoinComment() *Composer {
	table := "comment"
	if fam := c.kind.family(); fam != "" {
		table = "comment_" + fam
	}
	return c.set(c.builder.Join(fmt.Sprintf(
		"%s ON %s = comment_id", table, c.col("comment_id"),
	)))
}

// JoinPage joins the owning page row. Only defined for revision kinds;
// archive rows keep namespace and title inline.
func (c *Composer) JoinPage() *Composer {
	switch c.kind {
	case Revision, RevisionUserIndex:
	default:
		c.fail("JoinPage is only defined for revision")
		return c
	}
	return c.set(c.builder.Join(fmt.Sprintf("page ON %s = page_id", c.col("page"))))
}

// JoinDeletionLog left-joins candidate deletion log rows onto archive
// rows: type delete, action starting with delete, log timestamp strictly
// after the archive timestamp, and matching namespace and title. Several
// log rows may qualify per archive row.
func (c *Composer) JoinDeletionLog() *Composer {
	switch c.kind {
	case Archive, ArchiveUserIndex:
	default:
		c.fail("JoinDeletionLog is only defined for archive")
		return c
	}
	return c.set(c.builder.LeftJoin(fmt.Sprintf(
		"logging_logindex ON log_type = 'delete'"+
			" AND log_action LIKE 'delete%%'"+
			" AND log_timestamp > %s"+
			" AND log_namespace = %s"+
			" AND log_title = %s",
		c.col("timestamp"), c.col("namespace"), c.col("title"),
	)))
}

func (c *Composer) tagJoin(tag string) string {
	c.tags++
	alias := fmt.Sprintf("ct%d", c.tags)
	c.set(c.builder.LeftJoin(fmt.Sprintf(
		"change_tag AS %s ON %s.ct_rev_id = %s"+
			" AND %s.ct_tag_id = (SELECT ctd_id FROM change_tag_def WHERE ctd_name = ?)",
		alias, alias, c.col("id"), alias,
	), tag))
	return alias
}

// HasTag keeps rows carrying every one of the given change tags.
func (c *Composer) HasTag(tags ...string) *Composer {
	for _, tag := range tags {
		alias := c.tagJoin(tag)
		c.set(c.builder.Where(alias + ".ct_id IS NOT NULL"))
	}
	return c
}

// LacksTag keeps rows carrying none of the given change tags.
func (c *Composer) LacksTag(tags ...string) *Composer {
	for _, tag := range tags {
		alias := c.tagJoin(tag)
		c.set(c.builder.Where(alias + ".ct_id IS NULL"))
	}
	return c
}

// Where adds a predicate; squirrel's vocabulary applies.
func (c *Composer) Where(pred any, args ...any) *Composer {
	return c.set(c.builder.Where(pred, args...))
}

// WhereCol adds an equality predicate on a bare column name.
func (c *Composer) WhereCol(name string, value any) *Composer {
	return c.set(c.builder.Where(sq.Eq{c.col(name): value}))
}

// OrderByCol orders by a bare column name; dir is ASC or DESC.
func (c *Composer) OrderByCol(name, dir string) *Composer {
	return c.set(c.builder.OrderBy(c.col(name) + " " + dir))
}

// OrderBy orders by a raw expression.
func (c *Composer) OrderBy(expr string) *Composer {
	return c.set(c.builder.OrderBy(expr))
}

// Limit bounds the result set.
func (c *Composer) Limit(n uint64) *Composer {
	return c.set(c.builder.Limit(n))
}

// Offset skips the first n rows.
func (c *Composer) Offset(n uint64) *Composer {
	return c.set(c.builder.Offset(n))
}

// Build renders the SQL and argument list.
func (c *Composer) Build() (string, []any, error) {
	if c.err != nil {
		return "", nil, c.err
	}
	return c.builder.ToSql()
}

func (c *Composer) fail(msg string) {
	if c.err == nil {
		c.err = fmt.Errorf("sqlq: %s", msg)
	}
}

// Col exposes the resolved column name for callers assembling raw
// expressions around the composer.
func (c *Composer) Col(name string) string {
	return c.col(name)
}

// HasErr reports a composition error without rendering.
func (c *Composer) HasErr() error { return c.err }

// EscapeLike escapes LIKE metacharacters in a literal fragment.
func EscapeLike(literal string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return replacer.Replace(literal)
}
