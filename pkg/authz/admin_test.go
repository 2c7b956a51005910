package authz_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
	"github.com/platinummonkey/orgfeed/pkg/storage/storagetest"
)

type recordingAudit struct {
	audit.Logger
	denials []string
}

func (r *recordingAudit) LogAuthorization(_ context.Context, actorID, _ string, _ audit.ResourceType, _ string, status audit.EventStatus, _ string) error {
	if status == audit.EventStatusDenied {
		r.denials = append(r.denials, actorID)
	}
	return nil
}

type adminFixture struct {
	admin    *authz.Admin
	store    *authz.Store
	recorder *events.Recorder
	audit    *recordingAudit
	org      *authz.Organization
	editor   *authz.Role
	manager  *authz.Role
}

// newAdminFixture creates an org owned by "owner" with an Editor role
// (create/edit/delete posts) and a Manager role (manage_roles,
// manage_memberships, remove_member)
func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ctx := context.Background()

	db := storagetest.NewSQLite(t, authz.Migrations()...)
	store := authz.NewStore(db)
	recorder := events.NewRecorder()
	rec := &recordingAudit{Logger: audit.NoOp()}
	admin := authz.NewAdmin(store, recorder, rec, storagetest.QuietLogger())

	org, err := admin.CreateOrganization(ctx, "owner", "Chess Club", true)
	require.NoError(t, err)

	editor := &authz.Role{
		OrganizationID: org.ID,
		Name:           "Editor",
		Permissions:    []authz.PermissionKey{authz.PermCreatePosts, authz.PermEditPosts, authz.PermDeletePosts},
	}
	require.NoError(t, admin.CreateRole(ctx, "owner", editor))

	manager := &authz.Role{
		OrganizationID: org.ID,
		Name:           "Manager",
		Permissions:    []authz.PermissionKey{authz.PermManageRoles, authz.PermManageMemberships, authz.PermRemoveMember},
	}
	require.NoError(t, admin.CreateRole(ctx, "owner", manager))

	recorder.Reset()
	return &adminFixture{
		admin:    admin,
		store:    store,
		recorder: recorder,
		audit:    rec,
		org:      org,
		editor:   editor,
		manager:  manager,
	}
}

func TestAdmin_CreateOrganizationEmitsOwnerJoin(t *testing.T) {
	db := storagetest.NewSQLite(t, authz.Migrations()...)
	recorder := events.NewRecorder()
	admin := authz.NewAdmin(authz.NewStore(db), recorder, nil, storagetest.QuietLogger())

	org, err := admin.CreateOrganization(context.Background(), "owner", "Chess Club", false)
	require.NoError(t, err)

	joined := recorder.OfType(events.MemberJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, org.ID, joined[0].OrganizationID)
	assert.Equal(t, "Chess Club", joined[0].Attr(events.AttrOrganizationName))
}

func TestAdmin_JoinAssignsDefaultRole(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	member, err := f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)

	def, err := f.store.GetDefaultRole(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, member.RoleID)

	joined := f.recorder.OfType(events.MemberJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0].SubjectUserID)
}

func TestAdmin_HasPermission(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	checker := f.admin.Checker()

	_, err := f.admin.AddMember(ctx, "owner", f.org.ID, "ed", f.editor.ID)
	require.NoError(t, err)
	_, err = f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)

	tests := []struct {
		name string
		user string
		perm authz.PermissionKey
		want bool
	}{
		{"owner holds everything", "owner", authz.PermSendNewsletters, true},
		{"editor granted", "ed", authz.PermEditPosts, true},
		{"editor not granted", "ed", authz.PermManageRoles, false},
		{"default member", "bob", authz.PermCreatePosts, false},
		{"non member", "mallory", authz.PermCreatePosts, false},
		{"anonymous", "", authz.PermCreatePosts, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.HasPermission(ctx, tt.user, f.org.ID, tt.perm))
		})
	}

	assert.False(t, checker.HasPermission(ctx, "ed", "other-org", authz.PermEditPosts))
}

func TestAdmin_ResolveViewerContext(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	gold := &authz.MembershipTier{OrganizationID: f.org.ID, Name: "Gold"}
	require.NoError(t, f.admin.CreateTier(ctx, "owner", gold))

	_, err := f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)

	checker := f.admin.Checker()
	viewer, err := checker.ResolveViewerContext(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	assert.True(t, viewer.IsMember)
	assert.Empty(t, viewer.MembershipTierID)

	future := time.Now().Add(time.Hour)
	require.NoError(t, f.admin.AssignTier(ctx, "owner", f.org.ID, "bob", gold.ID, &future))
	viewer, err = checker.ResolveViewerContext(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, gold.ID, viewer.MembershipTierID)

	past := time.Now().Add(-time.Second)
	require.NoError(t, f.admin.AssignTier(ctx, "owner", f.org.ID, "bob", gold.ID, &past))
	viewer, err = checker.ResolveViewerContext(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	assert.Empty(t, viewer.MembershipTierID, "expired tier must not count")

	stranger, err := checker.ResolveViewerContext(ctx, "mallory", f.org.ID)
	require.NoError(t, err)
	assert.False(t, stranger.IsMember)
	assert.Equal(t, "mallory", stranger.UserID)
}

func TestAdmin_AddMemberRequiresPermission(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	_, err := f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	f.recorder.Reset()

	_, err = f.admin.AddMember(ctx, "bob", f.org.ID, "carol", "")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.Empty(t, f.recorder.Events())
	assert.Equal(t, []string{"bob"}, f.audit.denials)

	_, err = f.store.GetMember(ctx, f.org.ID, "carol")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAdmin_AddMemberCannotGrantOwner(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	owner, err := f.store.GetOwnerRole(ctx, f.org.ID)
	require.NoError(t, err)

	_, err = f.admin.AddMember(ctx, "owner", f.org.ID, "carol", owner.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestAdmin_RemoveMember(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	_, err := f.admin.AddMember(ctx, "owner", f.org.ID, "mgr", f.manager.ID)
	require.NoError(t, err)
	_, err = f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	f.recorder.Reset()

	t.Run("self removal denied", func(t *testing.T) {
		assert.ErrorIs(t, f.admin.RemoveMember(ctx, "mgr", f.org.ID, "mgr"), errs.ErrPermissionDenied)
	})

	t.Run("owner cannot be removed", func(t *testing.T) {
		assert.ErrorIs(t, f.admin.RemoveMember(ctx, "mgr", f.org.ID, "owner"), errs.ErrPermissionDenied)
	})

	t.Run("without permission", func(t *testing.T) {
		assert.ErrorIs(t, f.admin.RemoveMember(ctx, "bob", f.org.ID, "mgr"), errs.ErrPermissionDenied)
	})

	t.Run("unknown member", func(t *testing.T) {
		assert.ErrorIs(t, f.admin.RemoveMember(ctx, "mgr", f.org.ID, "ghost"), errs.ErrNotFound)
	})

	assert.Empty(t, f.recorder.Events())

	require.NoError(t, f.admin.RemoveMember(ctx, "mgr", f.org.ID, "bob"))
	removed := f.recorder.OfType(events.MemberRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "bob", removed[0].SubjectUserID)
	assert.Equal(t, "Chess Club", removed[0].Attr(events.AttrOrganizationName))
}

func TestAdmin_AssignRole(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	member, err := f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	f.recorder.Reset()

	require.NoError(t, f.admin.AssignRole(ctx, "owner", f.org.ID, "bob", f.editor.ID))

	changed := f.recorder.OfType(events.MemberRoleChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "bob", changed[0].SubjectUserID)
	assert.Equal(t, f.editor.ID, changed[0].Attr(events.AttrRoleID))
	assert.Equal(t, member.RoleID, changed[0].Attr(events.AttrPreviousRoleID))
	assert.Equal(t, "Editor", changed[0].Attr(events.AttrRoleName))

	assert.True(t, f.admin.Checker().HasPermission(ctx, "bob", f.org.ID, authz.PermEditPosts))

	// assigning the same role again is silent
	f.recorder.Reset()
	require.NoError(t, f.admin.AssignRole(ctx, "owner", f.org.ID, "bob", f.editor.ID))
	assert.Empty(t, f.recorder.Events())
}

func TestAdmin_AssignRoleGuards(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	owner, err := f.store.GetOwnerRole(ctx, f.org.ID)
	require.NoError(t, err)

	_, err = f.admin.AddMember(ctx, "owner", f.org.ID, "mgr", f.manager.ID)
	require.NoError(t, err)
	_, err = f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.admin.AssignRole(ctx, "mgr", f.org.ID, "bob", owner.ID), errs.ErrInvalidInput)
	assert.ErrorIs(t, f.admin.AssignRole(ctx, "mgr", f.org.ID, "owner", f.editor.ID), errs.ErrPermissionDenied)
	assert.ErrorIs(t, f.admin.AssignRole(ctx, "bob", f.org.ID, "bob", f.editor.ID), errs.ErrPermissionDenied)
	assert.ErrorIs(t, f.admin.AssignRole(ctx, "mgr", f.org.ID, "bob", "missing"), errs.ErrNotFound)
}

func TestAdmin_PermissionChangesEmitEvents(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	require.NoError(t, f.admin.GrantPermission(ctx, "owner", f.editor.ID, authz.PermCommentOnPosts))
	require.NoError(t, f.admin.RevokePermission(ctx, "owner", f.editor.ID, authz.PermDeletePosts))

	changes := f.recorder.OfType(events.RolePermissionsChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "grant", changes[0].Attr(events.AttrChange))
	assert.Equal(t, string(authz.PermCommentOnPosts), changes[0].Attr(events.AttrPermission))
	assert.Equal(t, "revoke", changes[1].Attr(events.AttrChange))

	role, err := f.store.GetRole(ctx, f.editor.ID)
	require.NoError(t, err)
	assert.True(t, role.Has(authz.PermCommentOnPosts))
	assert.False(t, role.Has(authz.PermDeletePosts))
}

func TestAdmin_RoleFromAnotherOrganizationIsHidden(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	other, err := f.admin.CreateOrganization(ctx, "intruder", "Other", true)
	require.NoError(t, err)
	require.NotEqual(t, f.org.ID, other.ID)

	assert.ErrorIs(t, f.admin.GrantPermission(ctx, "intruder", f.editor.ID, authz.PermManageRoles), errs.ErrNotFound)
	assert.ErrorIs(t, f.admin.DeleteRole(ctx, "intruder", f.editor.ID), errs.ErrNotFound)
	assert.ErrorIs(t, f.admin.RenameRole(ctx, "intruder", f.editor.ID, "Mine"), errs.ErrNotFound)
}

func TestAdmin_DeleteRoleAndTier(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	_, err := f.admin.AddMember(ctx, "owner", f.org.ID, "ed", f.editor.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.admin.DeleteRole(ctx, "owner", f.editor.ID), errs.ErrInvalidTarget)

	require.NoError(t, f.admin.RemoveMember(ctx, "owner", f.org.ID, "ed"))
	require.NoError(t, f.admin.DeleteRole(ctx, "owner", f.editor.ID))
	assert.Len(t, f.recorder.OfType(events.RoleDeleted), 1)

	tier := &authz.MembershipTier{OrganizationID: f.org.ID, Name: "Silver"}
	require.NoError(t, f.admin.CreateTier(ctx, "owner", tier))
	require.NoError(t, f.admin.DeleteTier(ctx, "owner", tier.ID))
	assert.Len(t, f.recorder.OfType(events.TierCreated), 1)
	assert.Len(t, f.recorder.OfType(events.TierDeleted), 1)
}

func TestAdmin_TierRequiresManageMemberships(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	_, err := f.admin.AddMember(ctx, "owner", f.org.ID, "ed", f.editor.ID)
	require.NoError(t, err)

	err = f.admin.CreateTier(ctx, "ed", &authz.MembershipTier{OrganizationID: f.org.ID, Name: "Gold"})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.ErrorIs(t, f.admin.AssignTier(ctx, "ed", f.org.ID, "ed", "", nil), errs.ErrPermissionDenied)
}

func TestAdmin_SetAuthorSelfEdit(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	require.NoError(t, f.admin.SetAuthorSelfEdit(ctx, "owner", f.org.ID, false))
	org, err := f.store.GetOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.False(t, org.AllowAuthorSelfEdit)

	_, err = f.admin.Join(ctx, "bob", f.org.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.admin.SetAuthorSelfEdit(ctx, "bob", f.org.ID, true), errs.ErrPermissionDenied)
}
