package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
)

// Admin applies permission-checked administrative changes. Every operation
// checks and writes in one transaction and emits its domain event only after
// commit.
type Admin struct {
	store   *Store
	checker *Checker
	emitter events.Emitter
	audit   audit.Logger
	log     logrus.FieldLogger
}

// NewAdmin creates the admin service. A nil emitter or audit logger discards.
func NewAdmin(store *Store, emitter events.Emitter, auditLogger audit.Logger, log logrus.FieldLogger) *Admin {
	if emitter == nil {
		emitter = events.Discard
	}
	if auditLogger == nil {
		auditLogger = audit.NoOp()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Admin{
		store:   store,
		checker: NewChecker(store, log),
		emitter: emitter,
		audit:   auditLogger,
		log:     log,
	}
}

// Checker returns the admin's permission checker
func (a *Admin) Checker() *Checker {
	return a.checker
}

// Store returns the admin's store
func (a *Admin) Store() *Store {
	return a.store
}

// require fails with errs.ErrPermissionDenied unless actorID holds key in
// orgID, recording the denial
func (a *Admin) require(ctx context.Context, tx *Store, actorID, orgID string, key PermissionKey, resource audit.ResourceType, resourceID string) error {
	checker := &Checker{store: tx, log: a.log}
	ok, err := checker.CheckPermission(ctx, actorID, orgID, key)
	if err != nil {
		return err
	}
	if !ok {
		a.denied(ctx, actorID, orgID, resource, resourceID, fmt.Sprintf("missing %s", key))
		return fmt.Errorf("%w: %s required", errs.ErrPermissionDenied, key)
	}
	return nil
}

func (a *Admin) denied(ctx context.Context, actorID, orgID string, resource audit.ResourceType, resourceID, reason string) {
	if err := a.audit.LogAuthorization(ctx, actorID, orgID, resource, resourceID, audit.EventStatusDenied, reason); err != nil {
		a.log.WithError(err).Warn("failed to write audit record")
	}
}

// CreateOrganization creates an organization owned by ownerUserID
func (a *Admin) CreateOrganization(ctx context.Context, ownerUserID, name string, allowAuthorSelfEdit bool) (*Organization, error) {
	org := &Organization{Name: name, AllowAuthorSelfEdit: allowAuthorSelfEdit}
	if err := a.store.CreateOrganization(ctx, org, ownerUserID); err != nil {
		return nil, err
	}

	a.emitter.Emit(ctx, events.New(events.MemberJoined, org.ID, ownerUserID, events.KindMember, ownerUserID).
		With(events.AttrOrganizationName, org.Name))
	return org, nil
}

// Join adds userID to orgID with the default role
func (a *Admin) Join(ctx context.Context, userID, orgID string) (*Member, error) {
	member, err := a.store.AddMember(ctx, orgID, userID, "")
	if err != nil {
		return nil, err
	}
	a.emitMemberJoined(ctx, userID, member)
	return member, nil
}

// AddMember adds userID to orgID with roleID (default role when empty).
// Requires manage_memberships.
func (a *Admin) AddMember(ctx context.Context, actorID, orgID, userID, roleID string) (*Member, error) {
	var member *Member
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, orgID, PermManageMemberships, audit.ResourceTypeMember, userID); err != nil {
			return err
		}
		if roleID != "" {
			if err := a.guardOwnerRole(ctx, tx, roleID); err != nil {
				return err
			}
		}
		m, err := tx.AddMember(ctx, orgID, userID, roleID)
		member = m
		return err
	})
	if err != nil {
		return nil, err
	}
	a.emitMemberJoined(ctx, actorID, member)
	return member, nil
}

func (a *Admin) emitMemberJoined(ctx context.Context, actorID string, member *Member) {
	evt := events.New(events.MemberJoined, member.OrganizationID, actorID, events.KindMember, member.UserID).
		With(events.AttrRoleID, member.RoleID)
	evt.SubjectUserID = member.UserID
	if org, err := a.store.GetOrganization(ctx, member.OrganizationID); err == nil {
		evt = evt.With(events.AttrOrganizationName, org.Name)
	}
	a.emitter.Emit(ctx, evt)
}

// RemoveMember removes userID from orgID. Requires remove_member; members
// cannot remove themselves and the owner cannot be removed.
func (a *Admin) RemoveMember(ctx context.Context, actorID, orgID, userID string) error {
	var orgName string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if actorID == userID {
			a.denied(ctx, actorID, orgID, audit.ResourceTypeMember, userID, "cannot remove self")
			return fmt.Errorf("%w: members cannot remove themselves", errs.ErrPermissionDenied)
		}
		if err := a.require(ctx, tx, actorID, orgID, PermRemoveMember, audit.ResourceTypeMember, userID); err != nil {
			return err
		}
		member, err := tx.GetMember(ctx, orgID, userID)
		if err != nil {
			return err
		}
		if err := a.guardOwnerMember(ctx, tx, actorID, member); err != nil {
			return err
		}
		if org, err := tx.GetOrganization(ctx, orgID); err == nil {
			orgName = org.Name
		}
		return tx.RemoveMember(ctx, orgID, userID)
	})
	if err != nil {
		return err
	}

	evt := events.New(events.MemberRemoved, orgID, actorID, events.KindMember, userID).
		With(events.AttrOrganizationName, orgName)
	evt.SubjectUserID = userID
	a.emitter.Emit(ctx, evt)
	return nil
}

// AssignRole moves userID to roleID. Requires manage_roles. The owner role
// is never assigned and the owner is never reassigned.
func (a *Admin) AssignRole(ctx context.Context, actorID, orgID, userID, roleID string) error {
	var previous, roleName string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, orgID, PermManageRoles, audit.ResourceTypeMember, userID); err != nil {
			return err
		}
		member, err := tx.GetMember(ctx, orgID, userID)
		if err != nil {
			return err
		}
		if err := a.guardOwnerMember(ctx, tx, actorID, member); err != nil {
			return err
		}
		if err := a.guardOwnerRole(ctx, tx, roleID); err != nil {
			return err
		}
		role, err := tx.resolveAssignableRole(ctx, orgID, roleID)
		if err != nil {
			return err
		}
		roleName = role.Name
		previous, err = tx.AssignRole(ctx, orgID, userID, roleID)
		return err
	})
	if err != nil {
		return err
	}
	if previous == roleID {
		return nil
	}

	evt := events.New(events.MemberRoleChanged, orgID, actorID, events.KindMember, userID).
		With(events.AttrRoleID, roleID).
		With(events.AttrPreviousRoleID, previous).
		With(events.AttrRoleName, roleName)
	evt.SubjectUserID = userID
	a.emitter.Emit(ctx, evt)
	return nil
}

// AssignTier sets (or clears with tierID "") userID's membership tier.
// Requires manage_memberships.
func (a *Admin) AssignTier(ctx context.Context, actorID, orgID, userID, tierID string, expiresAt *time.Time) error {
	var previous, tierName string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, orgID, PermManageMemberships, audit.ResourceTypeMember, userID); err != nil {
			return err
		}
		var err error
		previous, err = tx.AssignTier(ctx, orgID, userID, tierID, expiresAt)
		if err != nil {
			return err
		}
		if tierID != "" {
			if tier, err := tx.GetTier(ctx, tierID); err == nil {
				tierName = tier.Name
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	evt := events.New(events.MemberTierChanged, orgID, actorID, events.KindMember, userID).
		With(events.AttrTierID, tierID).
		With(events.AttrPreviousTierID, previous).
		With(events.AttrTierName, tierName)
	evt.SubjectUserID = userID
	a.emitter.Emit(ctx, evt)
	return nil
}

// CreateRole creates a custom role. Requires manage_roles.
func (a *Admin) CreateRole(ctx context.Context, actorID string, role *Role) error {
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, role.OrganizationID, PermManageRoles, audit.ResourceTypeRole, ""); err != nil {
			return err
		}
		return tx.CreateRole(ctx, role)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.RoleCreated, role.OrganizationID, actorID, events.KindRole, role.ID).
		With(events.AttrRoleName, role.Name))
	return nil
}

// RenameRole renames an editable role. Requires manage_roles.
func (a *Admin) RenameRole(ctx context.Context, actorID, roleID, name string) error {
	var orgID string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		role, err := a.roleInScope(ctx, tx, actorID, roleID)
		if err != nil {
			return err
		}
		orgID = role.OrganizationID
		return tx.RenameRole(ctx, roleID, name)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.RoleUpdated, orgID, actorID, events.KindRole, roleID).
		With(events.AttrRoleName, name))
	return nil
}

// DeleteRole deletes an unreferenced deletable role. Requires manage_roles.
func (a *Admin) DeleteRole(ctx context.Context, actorID, roleID string) error {
	var orgID string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		role, err := a.roleInScope(ctx, tx, actorID, roleID)
		if err != nil {
			return err
		}
		orgID = role.OrganizationID
		return tx.DeleteRole(ctx, roleID)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.RoleDeleted, orgID, actorID, events.KindRole, roleID))
	return nil
}

// GrantPermission grants key to roleID. Requires manage_roles.
func (a *Admin) GrantPermission(ctx context.Context, actorID, roleID string, key PermissionKey) error {
	return a.changePermission(ctx, actorID, roleID, key, "grant")
}

// RevokePermission revokes key from roleID. Requires manage_roles.
func (a *Admin) RevokePermission(ctx context.Context, actorID, roleID string, key PermissionKey) error {
	return a.changePermission(ctx, actorID, roleID, key, "revoke")
}

func (a *Admin) changePermission(ctx context.Context, actorID, roleID string, key PermissionKey, change string) error {
	var orgID string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		role, err := a.roleInScope(ctx, tx, actorID, roleID)
		if err != nil {
			return err
		}
		orgID = role.OrganizationID
		if change == "grant" {
			return tx.GrantPermission(ctx, roleID, key)
		}
		return tx.RevokePermission(ctx, roleID, key)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.RolePermissionsChanged, orgID, actorID, events.KindRole, roleID).
		With(events.AttrPermission, string(key)).
		With(events.AttrChange, change))
	return nil
}

// CreateTier creates a membership tier. Requires manage_memberships.
func (a *Admin) CreateTier(ctx context.Context, actorID string, tier *MembershipTier) error {
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, tier.OrganizationID, PermManageMemberships, audit.ResourceTypeTier, ""); err != nil {
			return err
		}
		return tx.CreateTier(ctx, tier)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.TierCreated, tier.OrganizationID, actorID, events.KindTier, tier.ID).
		With(events.AttrTierName, tier.Name))
	return nil
}

// DeleteTier deletes an unreferenced tier. Requires manage_memberships.
func (a *Admin) DeleteTier(ctx context.Context, actorID, tierID string) error {
	var orgID string
	err := a.store.RunInTx(ctx, func(tx *Store) error {
		tier, err := tx.GetTier(ctx, tierID)
		if err != nil {
			return err
		}
		orgID = tier.OrganizationID
		if err := a.require(ctx, tx, actorID, orgID, PermManageMemberships, audit.ResourceTypeTier, tierID); err != nil {
			return err
		}
		return tx.DeleteTier(ctx, tierID)
	})
	if err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.New(events.TierDeleted, orgID, actorID, events.KindTier, tierID))
	return nil
}

// SetAuthorSelfEdit changes the organization's author self-edit policy.
// Requires manage_roles.
func (a *Admin) SetAuthorSelfEdit(ctx context.Context, actorID, orgID string, allowed bool) error {
	return a.store.RunInTx(ctx, func(tx *Store) error {
		if err := a.require(ctx, tx, actorID, orgID, PermManageRoles, audit.ResourceTypeOrganization, orgID); err != nil {
			return err
		}
		return tx.SetAuthorSelfEdit(ctx, orgID, allowed)
	})
}

// roleInScope loads roleID and checks manage_roles in the role's
// organization. A role the actor cannot see is reported as not found.
func (a *Admin) roleInScope(ctx context.Context, tx *Store, actorID, roleID string) (*Role, error) {
	role, err := tx.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.GetMember(ctx, role.OrganizationID, actorID); err != nil {
		return nil, fmt.Errorf("role %s: %w", roleID, errs.ErrNotFound)
	}
	if err := a.require(ctx, tx, actorID, role.OrganizationID, PermManageRoles, audit.ResourceTypeRole, roleID); err != nil {
		return nil, err
	}
	return role, nil
}

func (a *Admin) guardOwnerRole(ctx context.Context, tx *Store, roleID string) error {
	role, err := tx.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsOwner {
		return fmt.Errorf("%w: the owner role cannot be assigned", errs.ErrInvalidInput)
	}
	return nil
}

func (a *Admin) guardOwnerMember(ctx context.Context, tx *Store, actorID string, member *Member) error {
	role, err := tx.GetRole(ctx, member.RoleID)
	if err != nil {
		return err
	}
	if role.IsOwner {
		a.denied(ctx, actorID, member.OrganizationID, audit.ResourceTypeMember, member.UserID, "target is the owner")
		return fmt.Errorf("%w: the owner cannot be changed", errs.ErrPermissionDenied)
	}
	return nil
}
