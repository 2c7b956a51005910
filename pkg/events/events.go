// Package events carries internal records of state changes from the
// mutating components (authz, content) to the fan-out consumers (change bus
// publisher, notification router, audit sinks).
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names a kind of domain event
type Type string

const (
	PostCreated Type = "post.created"
	PostUpdated Type = "post.updated"
	PostDeleted Type = "post.deleted"

	CommentCreated Type = "comment.created"
	CommentUpdated Type = "comment.updated"
	CommentDeleted Type = "comment.deleted"

	MemberJoined      Type = "member.joined"
	MemberRemoved     Type = "member.removed"
	MemberRoleChanged Type = "member.role_changed"
	MemberTierChanged Type = "member.tier_changed"
	MembershipExpired Type = "membership.expired"

	RoleCreated            Type = "role.created"
	RoleUpdated            Type = "role.updated"
	RoleDeleted            Type = "role.deleted"
	RolePermissionsChanged Type = "role.permissions_changed"

	TierCreated Type = "tier.created"
	TierDeleted Type = "tier.deleted"
)

// Entity kinds
const (
	KindPost    = "post"
	KindComment = "comment"
	KindMember  = "member"
	KindRole    = "role"
	KindTier    = "tier"
)

// Well known attribute keys
const (
	AttrPostID           = "post_id"
	AttrPostAuthorID     = "post_author_id"
	AttrTargetRoleIDs    = "target_role_ids"
	AttrTargetTierIDs    = "target_tier_ids"
	AttrRoleID           = "role_id"
	AttrPreviousRoleID   = "previous_role_id"
	AttrTierID           = "tier_id"
	AttrPreviousTierID   = "previous_tier_id"
	AttrPermission       = "permission"
	AttrChangedFields    = "changed_fields"
	AttrChange           = "change"
	AttrRoleName         = "role_name"
	AttrTierName         = "tier_name"
	AttrOrganizationName = "organization_name"
)

// DomainEvent is an internal record of one state change
type DomainEvent struct {
	ID             string            `json:"id"`
	Type           Type              `json:"type"`
	OrganizationID string            `json:"organizationId"`
	ActorID        string            `json:"actorId,omitempty"`
	EntityKind     string            `json:"entityKind"`
	EntityID       string            `json:"entityId"`
	SubjectUserID  string            `json:"subjectUserId,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
}

// New creates an event with a fresh id
func New(typ Type, orgID, actorID, kind, entityID string) DomainEvent {
	return DomainEvent{
		ID:             uuid.NewString(),
		Type:           typ,
		OrganizationID: orgID,
		ActorID:        actorID,
		EntityKind:     kind,
		EntityID:       entityID,
		Attributes:     map[string]string{},
		OccurredAt:     time.Now().UTC(),
	}
}

// With sets an attribute and returns the event for chaining
func (e DomainEvent) With(key, value string) DomainEvent {
	if e.Attributes == nil {
		e.Attributes = map[string]string{}
	}
	e.Attributes[key] = value
	return e
}

// WithList sets a comma separated list attribute
func (e DomainEvent) WithList(key string, values []string) DomainEvent {
	return e.With(key, strings.Join(values, ","))
}

// Attr returns an attribute value or ""
func (e DomainEvent) Attr(key string) string {
	return e.Attributes[key]
}

// List returns a list attribute written with WithList
func (e DomainEvent) List(key string) []string {
	v := e.Attributes[key]
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// Emitter accepts domain events after the originating write has committed.
// Emit never fails the caller: delivery problems are handled downstream.
type Emitter interface {
	Emit(ctx context.Context, evt DomainEvent)
}

// Sink consumes domain events
type Sink interface {
	Handle(ctx context.Context, evt DomainEvent) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, evt DomainEvent) error

// Handle calls f(ctx, evt)
func (f SinkFunc) Handle(ctx context.Context, evt DomainEvent) error {
	return f(ctx, evt)
}

// Discard is an Emitter that drops every event
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, DomainEvent) {}
