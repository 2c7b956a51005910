// Package visibility decides whether a viewer may see a piece of content.
//
// IsVisible is pure: it reads nothing but its arguments, so the same function
// backs the SQL read path re-check, the notification router's audience
// selection and the tests.
package visibility

import "sort"

// ViewerContext is the viewer's standing within one organization
type ViewerContext struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	IsMember       bool   `json:"isMember"`

	// RoleID is empty for non-members
	RoleID string `json:"roleId,omitempty"`

	// MembershipTierID is empty when the viewer holds no tier or the tier
	// has expired
	MembershipTierID string `json:"membershipTierId,omitempty"`
}

// Rule targets content at roles and membership tiers. A Rule with both sets
// empty is public.
type Rule struct {
	TargetRoleIDs       []string `json:"targetRoleIds"`
	TargetMembershipIDs []string `json:"targetMembershipIds"`
}

// Public returns a rule visible to everyone
func Public() Rule {
	return Rule{TargetRoleIDs: []string{}, TargetMembershipIDs: []string{}}
}

// IsPublic reports whether the rule has no targets
func (r Rule) IsPublic() bool {
	return len(r.TargetRoleIDs) == 0 && len(r.TargetMembershipIDs) == 0
}

// Size is the total number of targets
func (r Rule) Size() int {
	return len(r.TargetRoleIDs) + len(r.TargetMembershipIDs)
}

// Normalize returns a copy with empty ids dropped and duplicates removed,
// each set sorted
func (r Rule) Normalize() Rule {
	return Rule{
		TargetRoleIDs:       normalizeSet(r.TargetRoleIDs),
		TargetMembershipIDs: normalizeSet(r.TargetMembershipIDs),
	}
}

// TargetsRole reports whether roleID is in the role target set
func (r Rule) TargetsRole(roleID string) bool {
	return roleID != "" && contains(r.TargetRoleIDs, roleID)
}

// TargetsMembership reports whether tierID is in the membership target set
func (r Rule) TargetsMembership(tierID string) bool {
	return tierID != "" && contains(r.TargetMembershipIDs, tierID)
}

// IsVisible reports whether viewerUserID, standing in the organization as
// described by viewer, may see content authored by authorID under rule.
//
// The author always sees their own content. Public content is visible to
// everyone including non-members. Targeted content is visible when the
// viewer's role or active membership tier is targeted; either one suffices.
func IsVisible(viewer ViewerContext, rule Rule, authorID, viewerUserID string) bool {
	if authorID != "" && authorID == viewerUserID {
		return true
	}
	if rule.IsPublic() {
		return true
	}
	if !viewer.IsMember {
		return false
	}
	return rule.TargetsRole(viewer.RoleID) || rule.TargetsMembership(viewer.MembershipTierID)
}

func contains(set []string, id string) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}

func normalizeSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
