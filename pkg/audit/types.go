package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization events
	EventTypeAuthzAccessDenied     EventType = "authz.access_denied"
	EventTypeAuthzPermissionGrant  EventType = "authz.permission_grant"
	EventTypeAuthzPermissionRevoke EventType = "authz.permission_revoke"
	EventTypeAuthzRoleChange       EventType = "authz.role_change"

	// Admin events
	EventTypeAdminMemberAdd    EventType = "admin.member_add"
	EventTypeAdminMemberRemove EventType = "admin.member_remove"
	EventTypeAdminTierChange   EventType = "admin.tier_change"
	EventTypeAdminRoleCreate   EventType = "admin.role_create"
	EventTypeAdminRoleUpdate   EventType = "admin.role_update"
	EventTypeAdminRoleDelete   EventType = "admin.role_delete"
	EventTypeAdminTierCreate   EventType = "admin.tier_create"
	EventTypeAdminTierDelete   EventType = "admin.tier_delete"
	EventTypeMembershipExpired EventType = "admin.membership_expired"

	// Content events
	EventTypeDataPostDelete    EventType = "data.post_delete"
	EventTypeDataCommentDelete EventType = "data.comment_delete"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being accessed
type ResourceType string

const (
	ResourceTypePost         ResourceType = "post"
	ResourceTypeComment      ResourceType = "comment"
	ResourceTypeMember       ResourceType = "member"
	ResourceTypeRole         ResourceType = "role"
	ResourceTypeTier         ResourceType = "tier"
	ResourceTypeOrganization ResourceType = "organization"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID        string `json:"actor_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	TargetUserID   string `json:"target_user_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
