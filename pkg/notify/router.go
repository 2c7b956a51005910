package notify

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/events"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// Metrics receives router counters. observability.Metrics implements it.
type Metrics interface {
	NotificationsCreated(typ string, n int)
}

type noopMetrics struct{}

func (noopMetrics) NotificationsCreated(string, int) {}

// selector picks the recipients of an event
type selector func(ctx context.Context, r *Router, evt events.DomainEvent) ([]string, error)

type route struct {
	typ        Type
	recipients selector
	title      *template.Template
	message    *template.Template
	path       *template.Template
}

func newRoute(typ Type, recipients selector, title, message, path string) route {
	return route{
		typ:        typ,
		recipients: recipients,
		title:      template.Must(template.New(string(typ) + ".title").Parse(title)),
		message:    template.Must(template.New(string(typ) + ".message").Parse(message)),
		path:       template.Must(template.New(string(typ) + ".path").Parse(path)),
	}
}

var routes = map[events.Type]route{
	events.PostCreated: newRoute(TypeNewPost, postAudience,
		`New post in {{.OrganizationName}}`,
		`{{.ActorID}} shared a new post.`,
		`/orgs/{{.OrganizationID}}/posts/{{.EntityID}}`),
	events.CommentCreated: newRoute(TypeNewComment, postAuthor,
		`New comment on your post`,
		`{{.ActorID}} commented on your post in {{.OrganizationName}}.`,
		`/orgs/{{.OrganizationID}}/posts/{{.PostID}}`),
	events.MemberJoined: newRoute(TypeMemberJoined, holders(authz.PermRemoveMember),
		`New member in {{.OrganizationName}}`,
		`{{.SubjectUserID}} joined {{.OrganizationName}}.`,
		`/orgs/{{.OrganizationID}}/members/{{.SubjectUserID}}`),
	events.MemberRemoved: newRoute(TypeRemoved, subject,
		`Removed from {{.OrganizationName}}`,
		`You are no longer a member of {{.OrganizationName}}.`,
		``),
	events.MemberRoleChanged: newRoute(TypeRoleChanged, subject,
		`Your role changed`,
		`Your role in {{.OrganizationName}} is now {{.RoleName}}.`,
		`/orgs/{{.OrganizationID}}`),
	events.MemberTierChanged: newRoute(TypeMembershipChanged, subject,
		`Your membership changed`,
		`{{if .TierName}}Your membership in {{.OrganizationName}} is now {{.TierName}}.{{else}}You no longer hold a membership tier in {{.OrganizationName}}.{{end}}`,
		`/orgs/{{.OrganizationID}}`),
	events.MembershipExpired: newRoute(TypeMembershipExpired, subject,
		`Your membership expired`,
		`Your {{.TierName}} membership in {{.OrganizationName}} has expired.`,
		`/orgs/{{.OrganizationID}}`),
}

// Routed reports whether events of typ produce notifications
func Routed(typ events.Type) bool {
	_, ok := routes[typ]
	return ok
}

// templateData is what message templates can reference
type templateData struct {
	OrganizationID   string
	OrganizationName string
	ActorID          string
	EntityID         string
	SubjectUserID    string
	PostID           string
	RoleName         string
	TierName         string
}

// Router routes domain events to recipients and persists the result
type Router struct {
	authz   *authz.Store
	store   *Store
	log     logrus.FieldLogger
	metrics Metrics
}

// NewRouter creates a router
func NewRouter(az *authz.Store, store *Store, log logrus.FieldLogger, metrics Metrics) *Router {
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Router{authz: az, store: store, log: log, metrics: metrics}
}

// Handle routes evt. It lets the router run as an events.Sink.
func (r *Router) Handle(ctx context.Context, evt events.DomainEvent) error {
	_, err := r.Route(ctx, evt)
	return err
}

// Route computes the notifications evt produces and stores them. Unrouted
// event types produce none. Routing the same event again is harmless.
func (r *Router) Route(ctx context.Context, evt events.DomainEvent) ([]Notification, error) {
	rt, ok := routes[evt.Type]
	if !ok {
		return nil, nil
	}

	recipients, err := rt.recipients(ctx, r, evt)
	if err != nil {
		return nil, fmt.Errorf("failed to select recipients for %s: %w", evt.Type, err)
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	data := r.templateData(ctx, evt)
	title, err := render(rt.title, data)
	if err != nil {
		return nil, err
	}
	message, err := render(rt.message, data)
	if err != nil {
		return nil, err
	}
	path, err := render(rt.path, data)
	if err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(recipients))
	for _, userID := range recipients {
		out = append(out, Notification{
			ID:              NotificationID(evt.ID, userID),
			RecipientUserID: userID,
			OrganizationID:  evt.OrganizationID,
			EventID:         evt.ID,
			Type:            rt.typ,
			Title:           title,
			Message:         message,
			RelatedPath:     path,
			CreatedAt:       evt.OccurredAt,
		})
	}

	inserted, err := r.store.Insert(ctx, out)
	if err != nil {
		return nil, err
	}
	r.metrics.NotificationsCreated(string(rt.typ), inserted)
	r.log.WithFields(logrus.Fields{
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"recipients": len(out),
		"inserted":   inserted,
	}).Debug("Routed notifications")
	return out, nil
}

func (r *Router) templateData(ctx context.Context, evt events.DomainEvent) templateData {
	data := templateData{
		OrganizationID:   evt.OrganizationID,
		OrganizationName: evt.Attr(events.AttrOrganizationName),
		ActorID:          evt.ActorID,
		EntityID:         evt.EntityID,
		SubjectUserID:    evt.SubjectUserID,
		PostID:           evt.Attr(events.AttrPostID),
		RoleName:         evt.Attr(events.AttrRoleName),
		TierName:         evt.Attr(events.AttrTierName),
	}
	if data.OrganizationName == "" {
		if org, err := r.authz.GetOrganization(ctx, evt.OrganizationID); err == nil {
			data.OrganizationName = org.Name
		} else {
			r.log.WithError(err).WithField("org_id", evt.OrganizationID).Warn("Failed to load organization name")
			data.OrganizationName = "your organization"
		}
	}
	return data
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// activeMembers returns every current member of orgID
func (r *Router) activeMembers(ctx context.Context, orgID string) ([]authz.Member, error) {
	return r.authz.ListMembers(ctx, orgID)
}

// postAudience is every member who can see the post, except the author and
// the actor
func postAudience(ctx context.Context, r *Router, evt events.DomainEvent) ([]string, error) {
	members, err := r.activeMembers(ctx, evt.OrganizationID)
	if err != nil {
		return nil, err
	}
	rule := visibility.Rule{
		TargetRoleIDs:       evt.List(events.AttrTargetRoleIDs),
		TargetMembershipIDs: evt.List(events.AttrTargetTierIDs),
	}.Normalize()
	authorID := evt.Attr(events.AttrPostAuthorID)
	now := r.authz.Now()

	var out []string
	for i := range members {
		m := &members[i]
		if m.UserID == authorID || m.UserID == evt.ActorID {
			continue
		}
		if visibility.IsVisible(m.ViewerContext(now), rule, authorID, m.UserID) {
			out = append(out, m.UserID)
		}
	}
	return sorted(out), nil
}

// postAuthor is the post's author unless they caused the event
func postAuthor(_ context.Context, _ *Router, evt events.DomainEvent) ([]string, error) {
	authorID := evt.Attr(events.AttrPostAuthorID)
	if authorID == "" || authorID == evt.ActorID {
		return nil, nil
	}
	return []string{authorID}, nil
}

// subject is the member the event is about, unless they caused it
func subject(_ context.Context, _ *Router, evt events.DomainEvent) ([]string, error) {
	if evt.SubjectUserID == "" || evt.SubjectUserID == evt.ActorID {
		return nil, nil
	}
	return []string{evt.SubjectUserID}, nil
}

// holders selects members whose role grants key, except the actor and the
// subject
func holders(key authz.PermissionKey) selector {
	return func(ctx context.Context, r *Router, evt events.DomainEvent) ([]string, error) {
		roles, err := r.authz.ListRoles(ctx, evt.OrganizationID)
		if err != nil {
			return nil, err
		}
		granted := make(map[string]bool, len(roles))
		for i := range roles {
			granted[roles[i].ID] = roles[i].Has(key)
		}

		members, err := r.activeMembers(ctx, evt.OrganizationID)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, m := range members {
			if m.UserID == evt.ActorID || m.UserID == evt.SubjectUserID {
				continue
			}
			if granted[m.RoleID] {
				out = append(out, m.UserID)
			}
		}
		return sorted(out), nil
	}
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}
