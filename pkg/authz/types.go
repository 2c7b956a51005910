package authz

import (
	"time"

	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// PermissionKey is an enumerated capability granted to roles
type PermissionKey string

const (
	PermCreatePosts       PermissionKey = "create_posts"
	PermEditPosts         PermissionKey = "edit_posts"
	PermDeletePosts       PermissionKey = "delete_posts"
	PermCommentOnPosts    PermissionKey = "comment_on_posts"
	PermRemoveMember      PermissionKey = "remove_member"
	PermCreateEvents      PermissionKey = "create_events"
	PermEditEvents        PermissionKey = "edit_events"
	PermSendNewsletters   PermissionKey = "send_newsletters"
	PermManageRoles       PermissionKey = "manage_roles"
	PermManageMemberships PermissionKey = "manage_memberships"
)

var allPermissions = []PermissionKey{
	PermCreatePosts,
	PermEditPosts,
	PermDeletePosts,
	PermCommentOnPosts,
	PermRemoveMember,
	PermCreateEvents,
	PermEditEvents,
	PermSendNewsletters,
	PermManageRoles,
	PermManageMemberships,
}

// AllPermissions returns every known permission key
func AllPermissions() []PermissionKey {
	out := make([]PermissionKey, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// Valid reports whether k is a known permission key
func (k PermissionKey) Valid() bool {
	for _, p := range allPermissions {
		if p == k {
			return true
		}
	}
	return false
}

// Organization owns roles, tiers, members and content
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// AllowAuthorSelfEdit lets authors edit and delete their own posts and
	// comments without edit_posts/delete_posts
	AllowAuthorSelfEdit bool      `json:"allowAuthorSelfEdit"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Role is a named set of permission grants within one organization
type Role struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Name           string          `json:"name"`
	IsEditable     bool            `json:"isEditable"`
	IsDeletable    bool            `json:"isDeletable"`
	IsOwner        bool            `json:"isOwner"`
	IsDefault      bool            `json:"isDefault"`
	Permissions    []PermissionKey `json:"permissions"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Has reports whether the role grants key. The owner role holds every
// permission.
func (r *Role) Has(key PermissionKey) bool {
	if r.IsOwner {
		return true
	}
	for _, p := range r.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// BillingCycle is how often a membership tier is charged
type BillingCycle string

const (
	CycleMonthly  BillingCycle = "monthly"
	CycleYearly   BillingCycle = "yearly"
	CycleLifetime BillingCycle = "lifetime"
)

// Valid reports whether c is a known cycle
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleMonthly, CycleYearly, CycleLifetime:
		return true
	}
	return false
}

// MembershipTier is a paid or free membership level within an organization
type MembershipTier struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organizationId"`
	Name           string       `json:"name"`
	FeeCents       int64        `json:"feeCents"`
	Cycle          BillingCycle `json:"cycle"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Member binds a user to one organization
type Member struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	RoleID         string `json:"roleId"`

	// TierID is kept after expiry; use ActiveTierID for decisions
	TierID        string     `json:"membershipTierId,omitempty"`
	TierExpiresAt *time.Time `json:"tierExpiresAt,omitempty"`
	JoinedAt      time.Time  `json:"joinedAt"`
}

// ActiveTierID returns the member's tier, or "" when none is held or it
// expired at or before now
func (m *Member) ActiveTierID(now time.Time) string {
	if m.TierID == "" {
		return ""
	}
	if m.TierExpiresAt != nil && !m.TierExpiresAt.After(now) {
		return ""
	}
	return m.TierID
}

// ViewerContext returns the member's standing as used by the visibility
// evaluator
func (m *Member) ViewerContext(now time.Time) visibility.ViewerContext {
	return visibility.ViewerContext{
		UserID:           m.UserID,
		OrganizationID:   m.OrganizationID,
		IsMember:         true,
		RoleID:           m.RoleID,
		MembershipTierID: m.ActiveTierID(now),
	}
}
