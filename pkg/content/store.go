package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/storage"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// rowStore reads and writes post and comment rows through q, which is
// either the database or the surrounding transaction
type rowStore struct {
	q storage.Querier
}

const postColumns = `id, organization_id, author_id, body, attachments, target_role_ids, target_tier_ids, version, created_at, updated_at`

const commentColumns = `id, organization_id, post_id, author_id, body, attachments, version, created_at, updated_at`

func (s rowStore) insertPost(ctx context.Context, p *Post) error {
	attachments, roles, tiers, err := encodePostColumns(p)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`, audience_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.OrganizationID, p.AuthorID, p.Body, attachments, roles, tiers, p.Version, p.CreatedAt, p.UpdatedAt, p.Visibility.Size()); err != nil {
		return fmt.Errorf("failed to insert post: %w", storage.Classify(err))
	}
	return nil
}

// updatePost writes p if the stored row is still at version expected and
// reports whether it did
func (s rowStore) updatePost(ctx context.Context, p *Post, expected int64) (bool, error) {
	attachments, roles, tiers, err := encodePostColumns(p)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		SET body = $1, attachments = $2, target_role_ids = $3, target_tier_ids = $4,
			audience_size = $5, version = $6, updated_at = $7
		WHERE id = $8 AND version = $9
	`, p.Body, attachments, roles, tiers, p.Visibility.Size(), p.Version, p.UpdatedAt, p.ID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update post: %w", storage.Classify(err))
	}
	return storage.RowsAffected(res) == 1, nil
}

func (s rowStore) deletePost(ctx context.Context, postID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM comments WHERE post_id = $1`, postID); err != nil {
		return fmt.Errorf("failed to delete comments: %w", storage.Classify(err))
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, postID); err != nil {
		return fmt.Errorf("failed to delete post: %w", storage.Classify(err))
	}
	return nil
}

func (s rowStore) getPost(ctx context.Context, postID string) (*Post, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, postID)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", postID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", storage.Classify(err))
	}
	return p, nil
}

// listVisiblePosts runs the feed query for viewer: posts the viewer wrote,
// public posts, and posts whose audience contains the viewer's role or
// active tier
func (s rowStore) listVisiblePosts(ctx context.Context, viewer visibility.ViewerContext, after *feedCursor, limit int) ([]Post, error) {
	var b strings.Builder
	args := []any{viewer.OrganizationID, viewer.UserID, viewer.IsMember, viewer.RoleID, viewer.MembershipTierID}

	b.WriteString(`SELECT ` + postColumns + `
		FROM posts p
		WHERE p.organization_id = $1
		AND (
			p.author_id = $2
			OR p.audience_size = 0
			OR ($3 AND EXISTS (
				SELECT 1 FROM content_audience a
				WHERE a.content_id = p.id
				AND ((a.kind = 'role' AND a.target_id = $4) OR (a.kind = 'tier' AND a.target_id = $5))
			))
		)`)

	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		b.WriteString(`
		AND (p.created_at < $6 OR (p.created_at = $6 AND p.id < $7))`)
	}

	args = append(args, limit)
	b.WriteString(`
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $` + strconv.Itoa(len(args)))

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", storage.Classify(err))
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", storage.Classify(err))
	}
	return posts, nil
}

func (s rowStore) insertComment(ctx context.Context, c *Comment) error {
	attachments, err := encodeAttachments(c.Attachments)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.OrganizationID, c.PostID, c.AuthorID, c.Body, attachments, c.Version, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert comment: %w", storage.Classify(err))
	}
	return nil
}

func (s rowStore) updateComment(ctx context.Context, c *Comment, expected int64) (bool, error) {
	attachments, err := encodeAttachments(c.Attachments)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE comments
		SET body = $1, attachments = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`, c.Body, attachments, c.Version, c.UpdatedAt, c.ID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update comment: %w", storage.Classify(err))
	}
	return storage.RowsAffected(res) == 1, nil
}

func (s rowStore) deleteComment(ctx context.Context, commentID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID); err != nil {
		return fmt.Errorf("failed to delete comment: %w", storage.Classify(err))
	}
	return nil
}

func (s rowStore) getComment(ctx context.Context, commentID string) (*Comment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, commentID)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("comment %s: %w", commentID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", storage.Classify(err))
	}
	return c, nil
}

func (s rowStore) listComments(ctx context.Context, postID string) ([]Comment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE post_id = $1
		ORDER BY created_at ASC, id ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", storage.Classify(err))
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", storage.Classify(err))
	}
	return comments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var attachments, roles, tiers string
	if err := row.Scan(
		&p.ID,
		&p.OrganizationID,
		&p.AuthorID,
		&p.Body,
		&attachments,
		&roles,
		&tiers,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attachments), &p.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &p.Visibility.TargetRoleIDs); err != nil {
		return nil, fmt.Errorf("failed to decode target roles: %w", err)
	}
	if err := json.Unmarshal([]byte(tiers), &p.Visibility.TargetMembershipIDs); err != nil {
		return nil, fmt.Errorf("failed to decode target tiers: %w", err)
	}
	p.Visibility = p.Visibility.Normalize()
	normalizeTimes(&p.CreatedAt, &p.UpdatedAt)
	if p.Attachments == nil {
		p.Attachments = []Attachment{}
	}
	return &p, nil
}

func scanComment(row rowScanner) (*Comment, error) {
	var c Comment
	var attachments string
	if err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.PostID,
		&c.AuthorID,
		&c.Body,
		&attachments,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &c.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if c.Attachments == nil {
		c.Attachments = []Attachment{}
	}
	normalizeTimes(&c.CreatedAt, &c.UpdatedAt)
	return &c, nil
}

func encodePostColumns(p *Post) (attachments, roles, tiers string, err error) {
	if attachments, err = encodeAttachments(p.Attachments); err != nil {
		return "", "", "", err
	}
	rule := p.Visibility.Normalize()
	rb, err := json.Marshal(rule.TargetRoleIDs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode target roles: %w", err)
	}
	tb, err := json.Marshal(rule.TargetMembershipIDs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode target tiers: %w", err)
	}
	return attachments, string(rb), string(tb), nil
}

func encodeAttachments(a []Attachment) (string, error) {
	if a == nil {
		a = []Attachment{}
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(raw), nil
}

func normalizeTimes(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}
