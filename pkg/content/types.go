package content

import (
	"time"

	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// Attachment is a reference to externally stored media
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Post is an organization feed entry
type Post struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	AuthorID       string          `json:"authorId"`
	Body           string          `json:"body"`
	Attachments    []Attachment    `json:"attachments"`
	Visibility     visibility.Rule `json:"visibility"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Comment belongs to a post and is visible exactly when the post is
type Comment struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organizationId"`
	PostID         string       `json:"postId"`
	AuthorID       string       `json:"authorId"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// NewPost is the payload of CreatePost
type NewPost struct {
	Body        string          `json:"body"`
	Attachments []Attachment    `json:"attachments"`
	Visibility  visibility.Rule `json:"visibility"`
}

// PostPatch changes only the fields that are set. A non-zero IfVersion
// makes the edit fail with errs.ErrConflictingEdit unless the stored post
// is still at that version.
type PostPatch struct {
	Body        *string          `json:"body,omitempty"`
	Attachments *[]Attachment    `json:"attachments,omitempty"`
	Visibility  *visibility.Rule `json:"visibility,omitempty"`
	IfVersion   int64            `json:"ifVersion,omitempty"`
}

// Empty reports whether the patch sets no field
func (p PostPatch) Empty() bool {
	return p.Body == nil && p.Attachments == nil && p.Visibility == nil
}

// NewComment is the payload of CreateComment
type NewComment struct {
	PostID      string       `json:"postId"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// CommentPatch changes only the fields that are set
type CommentPatch struct {
	Body        *string       `json:"body,omitempty"`
	Attachments *[]Attachment `json:"attachments,omitempty"`
	IfVersion   int64         `json:"ifVersion,omitempty"`
}

// Empty reports whether the patch sets no field
func (p CommentPatch) Empty() bool {
	return p.Body == nil && p.Attachments == nil
}

// Page limits
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest selects a page of the feed. Cursor is the NextCursor of a
// previous page, empty for the first page.
type PageRequest struct {
	Cursor string
	Limit  int
}

// Page is one page of visible posts, newest first
type Page struct {
	Posts      []Post `json:"posts"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func hasContent(body string, attachments []Attachment) bool {
	return body != "" || len(attachments) > 0
}
