package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
)

// CreateComment adds a comment to a post the actor can see. Requires
// comment_on_posts.
func (s *Service) CreateComment(ctx context.Context, actorID, orgID string, in NewComment) (comment *Comment, err error) {
	ctx, span := s.startSpan(ctx, "CreateComment", actorID, orgID)
	span.SetAttributes(attribute.String("post_id", in.PostID))
	defer func() { endSpan(span, err) }()

	var post *Post
	err = s.inTx(ctx, func(t *tx) error {
		if err := t.require(ctx, actorID, orgID, authz.PermCommentOnPosts); err != nil {
			return err
		}
		p, _, err := t.visiblePost(ctx, actorID, orgID, in.PostID)
		if err != nil {
			return err
		}
		if !hasContent(in.Body, in.Attachments) {
			return fmt.Errorf("%w: a comment needs a body or an attachment", errs.ErrInvalidInput)
		}

		now := t.authz.Now()
		c := &Comment{
			ID:             uuid.NewString(),
			OrganizationID: orgID,
			PostID:         p.ID,
			AuthorID:       actorID,
			Body:           in.Body,
			Attachments:    copyAttachments(in.Attachments),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := t.rows.insertComment(ctx, c); err != nil {
			return err
		}
		post, comment = p, c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, commentEvent(events.CommentCreated, actorID, comment, post))
	return comment, nil
}

// EditComment applies patch to a comment. The author may edit when the
// organization allows self edits; moderators need edit_posts.
func (s *Service) EditComment(ctx context.Context, actorID, orgID, commentID string, patch CommentPatch) (comment *Comment, err error) {
	ctx, span := s.startSpan(ctx, "EditComment", actorID, orgID)
	span.SetAttributes(attribute.String("comment_id", commentID))
	defer func() { endSpan(span, err) }()

	var post *Post
	var changed []string
	for attempt := 0; attempt < s.retries; attempt++ {
		err = s.inTx(ctx, func(t *tx) error {
			current, p, err := t.visibleComment(ctx, actorID, orgID, commentID)
			if err != nil {
				return err
			}
			post = p
			if err := t.authorizeOwnOrModerate(ctx, actorID, orgID, current.AuthorID, authz.PermEditPosts); err != nil {
				return err
			}
			if patch.IfVersion != 0 && patch.IfVersion != current.Version {
				return fmt.Errorf("%w: comment is at version %d", errs.ErrConflictingEdit, current.Version)
			}

			next := *current
			changed = changed[:0]
			if patch.Body != nil {
				next.Body = *patch.Body
				changed = append(changed, "body")
			}
			if patch.Attachments != nil {
				next.Attachments = copyAttachments(*patch.Attachments)
				changed = append(changed, "attachments")
			}
			if !hasContent(next.Body, next.Attachments) {
				return fmt.Errorf("%w: a comment needs a body or an attachment", errs.ErrInvalidInput)
			}
			if len(changed) == 0 {
				comment = current
				return nil
			}

			next.Version = current.Version + 1
			next.UpdatedAt = t.authz.Now()

			if s.beforeUpdate != nil {
				s.beforeUpdate(ctx, t.rows.q, commentID)
			}
			ok, err := t.rows.updateComment(ctx, &next, current.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			comment = &next
			return nil
		})
		if !errors.Is(err, errLostRace) {
			break
		}
		s.log.WithFields(logrus.Fields{"comment_id": commentID, "attempt": attempt + 1}).Debug("comment edit lost a race, retrying")
	}
	if errors.Is(err, errLostRace) {
		err = fmt.Errorf("%w: comment %s kept changing", errs.ErrConflictingEdit, commentID)
	}
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		s.emitter.Emit(ctx, commentEvent(events.CommentUpdated, actorID, comment, post).WithList(events.AttrChangedFields, changed))
	}
	return comment, nil
}

// DeleteComment removes a comment. The author may delete when the
// organization allows self edits; moderators need delete_posts.
func (s *Service) DeleteComment(ctx context.Context, actorID, orgID, commentID string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteComment", actorID, orgID)
	span.SetAttributes(attribute.String("comment_id", commentID))
	defer func() { endSpan(span, err) }()

	var comment *Comment
	var post *Post
	err = s.inTx(ctx, func(t *tx) error {
		c, p, err := t.visibleComment(ctx, actorID, orgID, commentID)
		if err != nil {
			return err
		}
		if err := t.authorizeOwnOrModerate(ctx, actorID, orgID, c.AuthorID, authz.PermDeletePosts); err != nil {
			return err
		}
		comment, post = c, p
		return t.rows.deleteComment(ctx, commentID)
	})
	if err != nil {
		return err
	}

	s.emitter.Emit(ctx, commentEvent(events.CommentDeleted, actorID, comment, post))
	return nil
}

// ListComments returns the comments of a post viewerID can see, oldest
// first. An invisible post is reported as not found.
func (s *Service) ListComments(ctx context.Context, viewerID, orgID, postID string) (comments []Comment, err error) {
	ctx, span := s.startSpan(ctx, "ListComments", viewerID, orgID)
	span.SetAttributes(attribute.String("post_id", postID))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, func(t *tx) error {
		if _, _, err := t.visiblePost(ctx, viewerID, orgID, postID); err != nil {
			return err
		}
		var err error
		comments, err = t.rows.listComments(ctx, postID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// visibleComment loads a comment and its parent post, hiding both unless
// the actor can see the post
func (t *tx) visibleComment(ctx context.Context, actorID, orgID, commentID string) (*Comment, *Post, error) {
	c, err := t.rows.getComment(ctx, commentID)
	if err != nil {
		return nil, nil, err
	}
	if c.OrganizationID != orgID {
		return nil, nil, fmt.Errorf("comment %s: %w", commentID, errs.ErrNotFound)
	}
	p, _, err := t.visiblePost(ctx, actorID, orgID, c.PostID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, fmt.Errorf("comment %s: %w", commentID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return c, p, nil
}

func commentEvent(typ events.Type, actorID string, c *Comment, p *Post) events.DomainEvent {
	evt := events.New(typ, c.OrganizationID, actorID, events.KindComment, c.ID).
		With(events.AttrPostID, c.PostID)
	if p != nil {
		evt = evt.With(events.AttrPostAuthorID, p.AuthorID).
			WithList(events.AttrTargetRoleIDs, p.Visibility.TargetRoleIDs).
			WithList(events.AttrTargetTierIDs, p.Visibility.TargetMembershipIDs)
	}
	return evt
}
