package audit

import (
	"context"
	"fmt"

	"github.com/platinummonkey/orgfeed/pkg/events"
)

var adminEventTypes = map[events.Type]EventType{
	events.MemberJoined:           EventTypeAdminMemberAdd,
	events.MemberRemoved:          EventTypeAdminMemberRemove,
	events.MemberRoleChanged:      EventTypeAuthzRoleChange,
	events.MemberTierChanged:      EventTypeAdminTierChange,
	events.MembershipExpired:      EventTypeMembershipExpired,
	events.RoleCreated:            EventTypeAdminRoleCreate,
	events.RoleUpdated:            EventTypeAdminRoleUpdate,
	events.RoleDeleted:            EventTypeAdminRoleDelete,
	events.RolePermissionsChanged: EventTypeAuthzPermissionGrant,
	events.TierCreated:            EventTypeAdminTierCreate,
	events.TierDeleted:            EventTypeAdminTierDelete,
	events.PostDeleted:            EventTypeDataPostDelete,
	events.CommentDeleted:         EventTypeDataCommentDelete,
}

// EventSink returns a domain event sink that writes admin actions and
// content deletions to logger. Other event types are ignored.
func EventSink(logger Logger) events.Sink {
	return events.SinkFunc(func(ctx context.Context, evt events.DomainEvent) error {
		typ, ok := adminEventTypes[evt.Type]
		if !ok {
			return nil
		}
		if evt.Type == events.RolePermissionsChanged && evt.Attr(events.AttrChange) == "revoke" {
			typ = EventTypeAuthzPermissionRevoke
		}

		event := buildBaseEvent(ctx, typ, EventStatusSuccess)
		event.ID = evt.ID
		event.Timestamp = evt.OccurredAt
		event.ActorID = evt.ActorID
		event.OrganizationID = evt.OrganizationID
		event.TargetUserID = evt.SubjectUserID
		event.ResourceType = ResourceType(evt.EntityKind)
		event.ResourceID = evt.EntityID
		event.Message = fmt.Sprintf("%s %s", evt.Type, evt.EntityID)
		event.Metadata = evt.Attributes
		return logger.Log(ctx, event)
	})
}
