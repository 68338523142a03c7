// Package record defines the file record model shared by the fileDB,
// the filesets, the ACM layer, and the search indexer. Records travel
// between pipeline steps as JSON lines.
package record

import (
	"encoding/json"
	"strings"
)

// Record statuses.
const (
	StatusPublished = "published"
	StatusDeleted   = "deleted"
)

// Control record categories. Control records are interleaved with file
// records in listing outputs and carry stream-level facts: the categories
// present, the commits referenced, the ACM group the listing was produced
// under, and the branch head. A "$control" record with Status "reset"
// tells the client to discard its local state.
const (
	ControlCategory = "$category"
	ControlCommit   = "$commit"
	ControlACM      = "$acm"
	ControlLatest   = "$latest"
	ControlReset    = "$control"
)

// Page holds metadata parsed from an HTML document by the html-rewrite
// processor.
type Page struct {
	Title string            `json:"title,omitempty"`
	Type  string            `json:"type,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// FileRecord describes one file of a branch, or a control record when
// Category starts with '$'.
type FileRecord struct {
	Path     string          `json:"path,omitempty"`
	Category string          `json:"category,omitempty"`
	Status   string          `json:"status,omitempty"`
	Commit   string          `json:"commit,omitempty"`
	Page     *Page           `json:"page,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Control-record fields.
	Name    string `json:"name,omitempty"`    // $category: the category name
	Group   string `json:"group,omitempty"`   // $acm: the auth group fingerprint
	Subject string `json:"subject,omitempty"` // $commit: commit subject
	Date    int64  `json:"date,omitempty"`    // $commit: committer unix time
}

// IsControl reports whether the record is a control record.
func (r *FileRecord) IsControl() bool {
	return strings.HasPrefix(r.Category, "$")
}

// Deleted reports whether the record marks a removal.
func (r *FileRecord) Deleted() bool { return r.Status == StatusDeleted }

// Clone returns a deep-enough copy for rewriters to mutate safely.
func (r *FileRecord) Clone() *FileRecord {
	out := *r
	if r.Page != nil {
		page := *r.Page
		if r.Page.Meta != nil {
			page.Meta = make(map[string]string, len(r.Page.Meta))
			for k, v := range r.Page.Meta {
				page.Meta[k] = v
			}
		}
		out.Page = &page
	}
	return &out
}

// CategoryControl builds a $category control record.
func CategoryControl(name, commit string) *FileRecord {
	return &FileRecord{Category: ControlCategory, Name: name, Commit: commit}
}

// CommitControl builds a $commit control record.
func CommitControl(commit, subject string, date int64) *FileRecord {
	return &FileRecord{Category: ControlCommit, Commit: commit, Subject: subject, Date: date}
}

// ACMControl builds an $acm group record.
func ACMControl(group string) *FileRecord {
	return &FileRecord{Category: ControlACM, Group: group}
}

// LatestControl builds a $latest control record carrying the branch head.
func LatestControl(commit string) *FileRecord {
	return &FileRecord{Category: ControlLatest, Commit: commit}
}

// ResetControl builds the control record instructing clients to discard
// their local state.
func ResetControl() *FileRecord {
	return &FileRecord{Category: ControlReset, Status: "reset"}
}
