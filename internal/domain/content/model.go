package content

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/vclock"
)

// Type is the kind of collaborative content a version holds.
type Type string

const (
	TypeDocument    Type = "document"
	TypeSearchQuery Type = "search_query"
	TypeFilter      Type = "filter"
	TypeAnnotation  Type = "annotation"
	TypeCursor      Type = "cursor"
	TypeBoard       Type = "board"
	TypeCanvas      Type = "canvas"
)

// EventVersionCreated is appended to the content stream for every version.
const EventVersionCreated = "version_created"

// Version is an immutable snapshot of content. Parent links form a DAG;
// merge versions carry a second parent.
type Version struct {
	ID              string        `json:"id"`
	ContentID       string        `json:"content_id"`
	ContentType     Type          `json:"content_type"`
	Content         string        `json:"content"`
	ContentHash     string        `json:"content_hash"`
	Clock           vclock.Clock  `json:"vector_clock"`
	ParentVersionID *string       `json:"parent_version_id,omitempty"`
	MergeParentID   *string       `json:"merge_parent_id,omitempty"`
	AuthorID        string        `json:"author_id"`
	SessionID       string        `json:"session_id,omitempty"`
	Operation       *ot.Operation `json:"operation,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Parents returns the ids of all direct parents.
func (v Version) Parents() []string {
	var ids []string
	if v.ParentVersionID != nil {
		ids = append(ids, *v.ParentVersionID)
	}
	if v.MergeParentID != nil {
		ids = append(ids, *v.MergeParentID)
	}
	return ids
}

// Intact reports whether the stored hash matches the content.
func (v Version) Intact() bool {
	return v.ContentHash == Hash(v.Content)
}

// Hash is the hex SHA-256 of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// StreamID is the event stream holding a content item's versions.
func StreamID(contentID string) string {
	return "content-" + contentID
}
