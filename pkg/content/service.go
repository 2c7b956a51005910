package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
	"github.com/platinummonkey/orgfeed/pkg/storage"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

var tracer = otel.Tracer("orgfeed/content")

// DefaultEditRetries bounds how often a field patch is re-applied after
// losing a race with a concurrent writer
const DefaultEditRetries = 3

// errLostRace marks an optimistic update that matched no row
var errLostRace = errors.New("content: version changed during edit")

// Service is the content repository
type Service struct {
	db      *sql.DB
	authz   *authz.Store
	emitter events.Emitter
	log     logrus.FieldLogger
	retries int

	// beforeUpdate runs inside the transaction right before an optimistic
	// update; tests use it to simulate a concurrent writer
	beforeUpdate func(ctx context.Context, q storage.Querier, id string)
}

// Option configures a Service
type Option func(*Service)

// WithEditRetries sets how many times a patch is retried after a lost race
func WithEditRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewService creates the content repository. The authorization store must
// share db.
func NewService(db *sql.DB, store *authz.Store, emitter events.Emitter, log logrus.FieldLogger, opts ...Option) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	if log == nil {
		log = logrus.New()
	}
	s := &Service{
		db:      db,
		authz:   store,
		emitter: emitter,
		log:     log,
		retries: DefaultEditRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tx is the per-transaction view of the service's stores
type tx struct {
	rows    rowStore
	authz   *authz.Store
	checker *authz.Checker
	log     logrus.FieldLogger
}

func (s *Service) inTx(ctx context.Context, fn func(t *tx) error) error {
	return s.authz.RunInTx(ctx, func(az *authz.Store) error {
		return fn(&tx{
			rows:    rowStore{q: az.Querier()},
			authz:   az,
			checker: authz.NewChecker(az, s.log),
			log:     s.log,
		})
	})
}

func (s *Service) startSpan(ctx context.Context, name, actorID, orgID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("actor_id", actorID),
		attribute.String("org_id", orgID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.PublicMessage(err))
	}
	span.End()
}

// require returns errs.ErrPermissionDenied unless actorID holds key in orgID.
// Lookup errors are returned as they are so transient failures stay
// retryable.
func (t *tx) require(ctx context.Context, actorID, orgID string, key authz.PermissionKey) error {
	ok, err := t.checker.CheckPermission(ctx, actorID, orgID, key)
	if err != nil {
		return err
	}
	if !ok {
		return t.deny(ctx, actorID, orgID, fmt.Sprintf("%s required", key))
	}
	return nil
}

// deny records the refusal in the request's audit trail and returns
// errs.ErrPermissionDenied
func (t *tx) deny(ctx context.Context, actorID, orgID, reason string) error {
	if err := audit.FromContext(ctx).LogAuthorization(ctx, actorID, orgID, audit.ResourceTypeOrganization, orgID, audit.EventStatusDenied, reason); err != nil {
		t.log.WithError(err).Warn("failed to write audit record")
	}
	return fmt.Errorf("%w: %s", errs.ErrPermissionDenied, reason)
}

// visiblePost loads postID for actorID in orgID. Posts of other
// organizations and posts the actor cannot see are reported as not found.
func (t *tx) visiblePost(ctx context.Context, actorID, orgID, postID string) (*Post, visibility.ViewerContext, error) {
	post, err := t.rows.getPost(ctx, postID)
	if err != nil {
		return nil, visibility.ViewerContext{}, err
	}
	if post.OrganizationID != orgID {
		return nil, visibility.ViewerContext{}, fmt.Errorf("post %s: %w", postID, errs.ErrNotFound)
	}
	viewer, err := t.checker.ResolveViewerContext(ctx, actorID, orgID)
	if err != nil {
		return nil, viewer, err
	}
	if !visibility.IsVisible(viewer, post.Visibility, post.AuthorID, actorID) {
		return nil, viewer, fmt.Errorf("post %s: %w", postID, errs.ErrNotFound)
	}
	return post, viewer, nil
}

// authorizeOwnOrModerate allows the author while they are still a member
// and the organization permits self edits, otherwise requires key
func (t *tx) authorizeOwnOrModerate(ctx context.Context, actorID, orgID, authorID string, key authz.PermissionKey) error {
	if actorID == authorID {
		org, err := t.authz.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		if org.AllowAuthorSelfEdit {
			viewer, err := t.checker.ResolveViewerContext(ctx, actorID, orgID)
			if err != nil {
				return err
			}
			if !viewer.IsMember {
				return t.deny(ctx, actorID, orgID, "author is no longer a member")
			}
			return nil
		}
	}
	return t.require(ctx, actorID, orgID, key)
}

// CreatePost publishes a post. Requires create_posts. An empty visibility
// rule makes the post public.
func (s *Service) CreatePost(ctx context.Context, actorID, orgID string, in NewPost) (post *Post, err error) {
	ctx, span := s.startSpan(ctx, "CreatePost", actorID, orgID)
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, func(t *tx) error {
		if err := t.require(ctx, actorID, orgID, authz.PermCreatePosts); err != nil {
			return err
		}
		if !hasContent(in.Body, in.Attachments) {
			return fmt.Errorf("%w: a post needs a body or an attachment", errs.ErrInvalidInput)
		}

		now := t.authz.Now()
		p := &Post{
			ID:             uuid.NewString(),
			OrganizationID: orgID,
			AuthorID:       actorID,
			Body:           in.Body,
			Attachments:    copyAttachments(in.Attachments),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		rule, err := t.authz.ReplaceAudience(ctx, orgID, p.ID, in.Visibility)
		if err != nil {
			return err
		}
		p.Visibility = rule

		if err := t.rows.insertPost(ctx, p); err != nil {
			return err
		}
		post = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, postEvent(events.PostCreated, actorID, post))
	return post, nil
}

// EditPost applies patch to a post the actor can see. The author may edit
// when the organization allows self edits, anyone else needs edit_posts.
func (s *Service) EditPost(ctx context.Context, actorID, orgID, postID string, patch PostPatch) (post *Post, err error) {
	ctx, span := s.startSpan(ctx, "EditPost", actorID, orgID)
	span.SetAttributes(attribute.String("post_id", postID))
	defer func() { endSpan(span, err) }()

	var changed []string
	for attempt := 0; attempt < s.retries; attempt++ {
		err = s.inTx(ctx, func(t *tx) error {
			current, _, err := t.visiblePost(ctx, actorID, orgID, postID)
			if err != nil {
				return err
			}
			if err := t.authorizeOwnOrModerate(ctx, actorID, orgID, current.AuthorID, authz.PermEditPosts); err != nil {
				return err
			}
			if patch.IfVersion != 0 && patch.IfVersion != current.Version {
				return fmt.Errorf("%w: post is at version %d", errs.ErrConflictingEdit, current.Version)
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
				return fmt.Errorf("%w: a post needs a body or an attachment", errs.ErrInvalidInput)
			}
			if patch.Visibility != nil {
				rule, err := t.authz.ReplaceAudience(ctx, orgID, postID, *patch.Visibility)
				if err != nil {
					return err
				}
				next.Visibility = rule
				changed = append(changed, "visibility")
			}
			if len(changed) == 0 {
				post = current
				return nil
			}

			next.Version = current.Version + 1
			next.UpdatedAt = t.authz.Now()

			if s.beforeUpdate != nil {
				s.beforeUpdate(ctx, t.rows.q, postID)
			}
			ok, err := t.rows.updatePost(ctx, &next, current.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			post = &next
			return nil
		})
		if !errors.Is(err, errLostRace) {
			break
		}
		s.log.WithFields(logrus.Fields{"post_id": postID, "attempt": attempt + 1}).Debug("post edit lost a race, retrying")
	}
	if errors.Is(err, errLostRace) {
		err = fmt.Errorf("%w: post %s kept changing", errs.ErrConflictingEdit, postID)
	}
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		s.emitter.Emit(ctx, postEvent(events.PostUpdated, actorID, post).WithList(events.AttrChangedFields, changed))
	}
	return post, nil
}

// DeletePost removes a post with its comments. The author may delete when
// the organization allows self edits, anyone else needs delete_posts.
func (s *Service) DeletePost(ctx context.Context, actorID, orgID, postID string) (err error) {
	ctx, span := s.startSpan(ctx, "DeletePost", actorID, orgID)
	span.SetAttributes(attribute.String("post_id", postID))
	defer func() { endSpan(span, err) }()

	var deleted *Post
	err = s.inTx(ctx, func(t *tx) error {
		post, _, err := t.visiblePost(ctx, actorID, orgID, postID)
		if err != nil {
			return err
		}
		if err := t.authorizeOwnOrModerate(ctx, actorID, orgID, post.AuthorID, authz.PermDeletePosts); err != nil {
			return err
		}
		if err := t.authz.DeleteAudience(ctx, postID); err != nil {
			return err
		}
		if err := t.rows.deletePost(ctx, postID); err != nil {
			return err
		}
		deleted = post
		return nil
	})
	if err != nil {
		return err
	}

	s.emitter.Emit(ctx, postEvent(events.PostDeleted, actorID, deleted))
	return nil
}

// GetPost returns a single post if viewerID can see it
func (s *Service) GetPost(ctx context.Context, viewerID, orgID, postID string) (post *Post, err error) {
	ctx, span := s.startSpan(ctx, "GetPost", viewerID, orgID)
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, func(t *tx) error {
		p, _, err := t.visiblePost(ctx, viewerID, orgID, postID)
		post = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// ListVisiblePosts returns the page of orgID's feed that viewerID is allowed
// to see, newest first. The viewer context and the rows are read in one
// transaction.
func (s *Service) ListVisiblePosts(ctx context.Context, viewerID, orgID string, req PageRequest) (page *Page, err error) {
	ctx, span := s.startSpan(ctx, "ListVisiblePosts", viewerID, orgID)
	defer func() { endSpan(span, err) }()

	after, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit)

	var rows []Post
	var viewer visibility.ViewerContext
	err = s.inTx(ctx, func(t *tx) error {
		var err error
		viewer, err = t.checker.ResolveViewerContext(ctx, viewerID, orgID)
		if err != nil {
			return err
		}
		rows, err = t.rows.listVisiblePosts(ctx, viewer, after, limit+1)
		return err
	})
	if err != nil {
		return nil, err
	}

	page = &Page{Posts: make([]Post, 0, min(len(rows), limit))}
	if len(rows) > limit {
		last := rows[limit-1]
		page.NextCursor = encodeCursor(feedCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		rows = rows[:limit]
	}
	for _, p := range rows {
		if !visibility.IsVisible(viewer, p.Visibility, p.AuthorID, viewerID) {
			s.log.WithFields(logrus.Fields{
				"post_id": p.ID,
				"viewer":  viewerID,
			}).Warn("feed query returned a post the viewer cannot see, dropping it")
			continue
		}
		page.Posts = append(page.Posts, p)
	}
	span.SetAttributes(attribute.Int("posts", len(page.Posts)))
	return page, nil
}

func postEvent(typ events.Type, actorID string, p *Post) events.DomainEvent {
	return events.New(typ, p.OrganizationID, actorID, events.KindPost, p.ID).
		With(events.AttrPostID, p.ID).
		With(events.AttrPostAuthorID, p.AuthorID).
		WithList(events.AttrTargetRoleIDs, p.Visibility.TargetRoleIDs).
		WithList(events.AttrTargetTierIDs, p.Visibility.TargetMembershipIDs)
}

func copyAttachments(in []Attachment) []Attachment {
	out := make([]Attachment, len(in))
	copy(out, in)
	return out
}
