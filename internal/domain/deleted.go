package domain

// DeletionFlags decodes the four-bit rev_deleted bitmask.
type DeletionFlags struct {
	Content    bool `json:"content"`
	Comment    bool `json:"comment"`
	User       bool `json:"user"`
	Restricted bool `json:"restricted"`
}

// DecodeDeletionFlags expands a deletion bitmask into named flags.
func DecodeDeletionFlags(mask int) DeletionFlags {
	return DeletionFlags{
		Content:    mask&1 != 0,
		Comment:    mask&2 != 0,
		User:       mask&4 != 0,
		Restricted: mask&8 != 0,
	}
}

// DeletionParams is the decoded log_params payload of a delete/revision
// log entry.
type DeletionParams struct {
	Type     string        `json:"type"`
	IDs      []int64       `json:"ids"`
	OldFlags DeletionFlags `json:"ofield"`
	NewFlags DeletionFlags `json:"nfield"`
}

// LogEntry is one row of the deletion log attached to a reconstructed
// revision or page.
type LogEntry struct {
	LogID     int64           `json:"logid"`
	Timestamp string          `json:"timestamp"`
	User      *string         `json:"user"`
	Comment   *string         `json:"comment"`
	Tags      []string        `json:"tags"`
	Params    *DeletionParams `json:"params,omitempty"`
}

// DeletedRevision is a revision hidden by revision-level deletion. Deleted
// is true when the causal log row was scrubbed (suppression) or never
// found; otherwise Entry holds the best candidate and IsLikelyCause the
// batch-position heuristic.
type DeletedRevision struct {
	Revision
	Deleted       bool      `json:"deleted"`
	Entry         *LogEntry `json:"logentry,omitempty"`
	IsLikelyCause bool      `json:"islikelycause"`
}

// DeletedPage is a page removed entirely, reconstructed from archive rows.
// PageID is nil for rows predating stable archive page ids.
type DeletedPage struct {
	PageID    *int64    `json:"pageid"`
	Namespace int       `json:"ns"`
	Title     string    `json:"title"`
	Created   string    `json:"created"`
	Length    int64     `json:"length"`
	Deleted   bool      `json:"deleted"`
	Entry     *LogEntry `json:"logentry,omitempty"`
	Guessed   bool      `json:"guessed"`
}
