package domain

import "time"

// PageRef locates the page a revision belongs to.
type PageRef struct {
	PageID    int64  `json:"pageid"`
	Namespace int    `json:"ns"`
	Title     string `json:"title"`
}

// Visibility records which revision fields are hidden from unprivileged
// viewers. A set flag means the corresponding field has been suppressed.
type Visibility struct {
	Text    bool `json:"text"`
	Comment bool `json:"comment"`
	User    bool `json:"user"`
}

// Revision is the fully expanded form served to clients. A revision is
// either complete or carries Missing=true; partially populated revisions
// are never stored or returned.
type Revision struct {
	RevID    int64  `json:"revid"`
	Missing  bool   `json:"missing,omitempty"`
	ParentID int64  `json:"parentid,omitempty"`
	Minor    bool   `json:"minor,omitempty"`
	User     string `json:"user,omitempty"`
	// Timestamp is ISO-8601 UTC; empty when hidden.
	Timestamp     string      `json:"timestamp,omitempty"`
	Size          int64       `json:"size"`
	Comment       *string     `json:"comment"`
	ParsedComment string      `json:"parsedcomment,omitempty"`
	CommentText   string      `json:"commenttext,omitempty"`
	Tags          []string    `json:"tags"`
	Page          PageRef     `json:"page"`
	DiffSize      *int64      `json:"diffsize"`
	UserHidden    bool        `json:"userhidden,omitempty"`
	CommentHidden bool        `json:"commenthidden,omitempty"`
	TextHidden    bool        `json:"texthidden,omitempty"`
	Visibility    *Visibility `json:"visibility,omitempty"`
}

// MissingRevision builds the marker value for an id unknown upstream.
func MissingRevision(id int64) Revision {
	return Revision{RevID: id, Missing: true}
}

// HasTag reports whether the revision carries the given change tag.
func (r Revision) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// WikiTimestamp is the replica's 14-digit timestamp layout.
const WikiTimestamp = "20060102150405"

// ParseWikiTimestamp converts a replica binary timestamp to UTC time.
func ParseWikiTimestamp(value string) (time.Time, error) {
	return time.ParseInLocation(WikiTimestamp, value, time.UTC)
}
