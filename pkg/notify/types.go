package notify

import "time"

// Type names a kind of notification
type Type string

const (
	TypeNewPost           Type = "new_post"
	TypeNewComment        Type = "new_comment"
	TypeMemberJoined      Type = "member_joined"
	TypeRemoved           Type = "removed_from_organization"
	TypeRoleChanged       Type = "role_changed"
	TypeMembershipChanged Type = "membership_changed"
	TypeMembershipExpired Type = "membership_expired"
)

// Notification is one message for one recipient
type Notification struct {
	ID              string     `json:"id"`
	RecipientUserID string     `json:"recipientUserId"`
	OrganizationID  string     `json:"organizationId"`
	EventID         string     `json:"eventId"`
	Type            Type       `json:"type"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	RelatedPath     string     `json:"relatedPath,omitempty"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// DefaultListLimit and MaxListLimit bound List
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListOptions filters List
type ListOptions struct {
	UnreadOnly bool
	Limit      int
}
