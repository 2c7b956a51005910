// Package authz is the authorization store for organizations.
//
// # Model
//
// Each organization has exactly one Owner role, created with the
// organization, which holds every permission and can be neither edited nor
// deleted. A default Member role is created alongside it and is assigned to
// users who join without an explicit role. Further roles are custom and
// carry an explicit set of PermissionKey grants.
//
// Membership tiers are the paid or free levels a member may hold. A tier
// assignment may carry an expiry; an expired tier is kept on the member row
// but treated as absent by ActiveTierID and ResolveViewerContext.
//
// # Entry points
//
//	Store          - persistence, no permission checks
//	Checker        - HasPermission and ResolveViewerContext
//	Admin          - permission-checked mutations that emit domain events
//	ExpirySweeper  - cron driven membership.expired events
//
// The store also owns content_audience, the role and tier targets of
// content items, so that a role or tier still targeted by content cannot be
// deleted.
package authz
