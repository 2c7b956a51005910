package authz_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/storage/storagetest"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

func setupStore(t *testing.T, opts ...authz.StoreOption) (*authz.Store, *sql.DB) {
	t.Helper()
	db := storagetest.NewSQLite(t, authz.Migrations()...)
	return authz.NewStore(db, opts...), db
}

func createOrg(t *testing.T, store *authz.Store, owner string) *authz.Organization {
	t.Helper()
	org := &authz.Organization{Name: "Chess Club", AllowAuthorSelfEdit: true}
	require.NoError(t, store.CreateOrganization(context.Background(), org, owner))
	return org
}

func TestStore_CreateOrganization(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	org := createOrg(t, store, "alice")
	assert.NotEmpty(t, org.ID)

	got, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Chess Club", got.Name)
	assert.True(t, got.AllowAuthorSelfEdit)

	owner, err := store.GetOwnerRole(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, owner.IsOwner)
	assert.False(t, owner.IsEditable)
	assert.False(t, owner.IsDeletable)
	for _, p := range authz.AllPermissions() {
		assert.True(t, owner.Has(p), "owner should hold %s", p)
	}

	def, err := store.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Member", def.Name)
	assert.Empty(t, def.Permissions)

	member, err := store.GetMember(ctx, org.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, member.RoleID)

	roles, err := store.ListRoles(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.True(t, roles[0].IsOwner)
}

func TestStore_CreateOrganizationRequiresName(t *testing.T) {
	store, _ := setupStore(t)
	err := store.CreateOrganization(context.Background(), &authz.Organization{}, "alice")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestStore_GetOrganizationNotFound(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.GetOrganization(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_RoleLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	role := &authz.Role{
		OrganizationID: org.ID,
		Name:           "Editor",
		Permissions:    []authz.PermissionKey{authz.PermCreatePosts, authz.PermCreatePosts, authz.PermEditPosts},
	}
	require.NoError(t, store.CreateRole(ctx, role))
	assert.True(t, role.IsEditable)
	assert.True(t, role.IsDeletable)

	got, err := store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []authz.PermissionKey{authz.PermCreatePosts, authz.PermEditPosts}, got.Permissions)

	require.NoError(t, store.GrantPermission(ctx, role.ID, authz.PermDeletePosts))
	require.NoError(t, store.GrantPermission(ctx, role.ID, authz.PermDeletePosts))
	require.NoError(t, store.RevokePermission(ctx, role.ID, authz.PermCreatePosts))

	got, err = store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []authz.PermissionKey{authz.PermEditPosts, authz.PermDeletePosts}, got.Permissions)

	require.NoError(t, store.RenameRole(ctx, role.ID, "Moderator"))
	got, err = store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "Moderator", got.Name)

	require.NoError(t, store.DeleteRole(ctx, role.ID))
	_, err = store.GetRole(ctx, role.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_CreateRoleValidation(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	tests := []struct {
		name string
		role authz.Role
		want error
	}{
		{"missing name", authz.Role{OrganizationID: org.ID}, errs.ErrInvalidInput},
		{"unknown permission", authz.Role{OrganizationID: org.ID, Name: "x", Permissions: []authz.PermissionKey{"fly"}}, errs.ErrInvalidInput},
		{"second owner", authz.Role{OrganizationID: org.ID, Name: "Boss", IsOwner: true}, errs.ErrInvalidInput},
		{"unknown organization", authz.Role{OrganizationID: "nope", Name: "x"}, errs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := tt.role
			assert.ErrorIs(t, store.CreateRole(ctx, &role), tt.want)
		})
	}
}

func TestStore_CreateRoleDuplicateName(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	require.NoError(t, store.CreateRole(ctx, &authz.Role{OrganizationID: org.ID, Name: "Editor"}))
	assert.Error(t, store.CreateRole(ctx, &authz.Role{OrganizationID: org.ID, Name: "Editor"}))
}

func TestStore_DefaultRoleMoves(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	guest := &authz.Role{OrganizationID: org.ID, Name: "Guest", IsDefault: true}
	require.NoError(t, store.CreateRole(ctx, guest))

	def, err := store.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, guest.ID, def.ID)

	m, err := store.AddMember(ctx, org.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, guest.ID, m.RoleID)
}

func TestStore_OwnerRoleIsImmutable(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	owner, err := store.GetOwnerRole(ctx, org.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, store.RenameRole(ctx, owner.ID, "Boss"), errs.ErrInvalidInput)
	assert.ErrorIs(t, store.GrantPermission(ctx, owner.ID, authz.PermCreatePosts), errs.ErrInvalidInput)
	assert.ErrorIs(t, store.RevokePermission(ctx, owner.ID, authz.PermCreatePosts), errs.ErrInvalidInput)
	assert.ErrorIs(t, store.DeleteRole(ctx, owner.ID), errs.ErrInvalidInput)
}

func TestStore_GrantUnknownPermission(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")
	def, err := store.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, store.GrantPermission(ctx, def.ID, "launch_rockets"), errs.ErrInvalidInput)
}

func TestStore_DeleteReferencedRole(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	role := &authz.Role{OrganizationID: org.ID, Name: "Editor"}
	require.NoError(t, store.CreateRole(ctx, role))

	_, err := store.AddMember(ctx, org.ID, "bob", role.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, store.DeleteRole(ctx, role.ID), errs.ErrInvalidTarget)

	require.NoError(t, store.RemoveMember(ctx, org.ID, "bob"))

	_, err = store.ReplaceAudience(ctx, org.ID, "post-1", visibility.Rule{TargetRoleIDs: []string{role.ID}})
	require.NoError(t, err)
	assert.ErrorIs(t, store.DeleteRole(ctx, role.ID), errs.ErrInvalidTarget)

	require.NoError(t, store.DeleteAudience(ctx, "post-1"))
	assert.NoError(t, store.DeleteRole(ctx, role.ID))
}

func TestStore_TierLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	gold := &authz.MembershipTier{OrganizationID: org.ID, Name: "Gold", FeeCents: 1500, Cycle: authz.CycleYearly}
	require.NoError(t, store.CreateTier(ctx, gold))

	free := &authz.MembershipTier{OrganizationID: org.ID, Name: "Free"}
	require.NoError(t, store.CreateTier(ctx, free))
	assert.Equal(t, authz.CycleMonthly, free.Cycle)

	tiers, err := store.ListTiers(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, tiers, 2)

	got, err := store.GetTier(ctx, gold.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.FeeCents)
	assert.Equal(t, authz.CycleYearly, got.Cycle)

	assert.ErrorIs(t, store.CreateTier(ctx, &authz.MembershipTier{OrganizationID: org.ID, Name: "Bad", Cycle: "weekly"}), errs.ErrInvalidInput)
	assert.ErrorIs(t, store.CreateTier(ctx, &authz.MembershipTier{OrganizationID: org.ID, Name: "Neg", FeeCents: -1}), errs.ErrInvalidInput)

	require.NoError(t, store.DeleteTier(ctx, free.ID))
	_, err = store.GetTier(ctx, free.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_DeleteReferencedTier(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	gold := &authz.MembershipTier{OrganizationID: org.ID, Name: "Gold"}
	require.NoError(t, store.CreateTier(ctx, gold))

	_, err := store.AddMember(ctx, org.ID, "bob", "")
	require.NoError(t, err)

	// an expired assignment still references the tier
	past := time.Now().Add(-time.Hour)
	_, err = store.AssignTier(ctx, org.ID, "bob", gold.ID, &past)
	require.NoError(t, err)
	assert.ErrorIs(t, store.DeleteTier(ctx, gold.ID), errs.ErrInvalidTarget)

	_, err = store.AssignTier(ctx, org.ID, "bob", "", nil)
	require.NoError(t, err)
	assert.NoError(t, store.DeleteTier(ctx, gold.ID))
}

func TestStore_MemberLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	editor := &authz.Role{OrganizationID: org.ID, Name: "Editor"}
	require.NoError(t, store.CreateRole(ctx, editor))
	gold := &authz.MembershipTier{OrganizationID: org.ID, Name: "Gold"}
	require.NoError(t, store.CreateTier(ctx, gold))

	m, err := store.AddMember(ctx, org.ID, "bob", "")
	require.NoError(t, err)

	_, err = store.AddMember(ctx, org.ID, "bob", "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	prev, err := store.AssignRole(ctx, org.ID, "bob", editor.ID)
	require.NoError(t, err)
	assert.Equal(t, m.RoleID, prev)

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Microsecond)
	prevTier, err := store.AssignTier(ctx, org.ID, "bob", gold.ID, &expires)
	require.NoError(t, err)
	assert.Empty(t, prevTier)

	got, err := store.GetMember(ctx, org.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, editor.ID, got.RoleID)
	assert.Equal(t, gold.ID, got.TierID)
	require.NotNil(t, got.TierExpiresAt)
	assert.True(t, expires.Equal(*got.TierExpiresAt))

	members, err := store.ListMembers(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, store.RemoveMember(ctx, org.ID, "bob"))
	_, err = store.GetMember(ctx, org.ID, "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, store.RemoveMember(ctx, org.ID, "bob"), errs.ErrNotFound)
}

func TestStore_CrossOrganizationTargets(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	orgA := createOrg(t, store, "alice")
	orgB := &authz.Organization{Name: "Book Club"}
	require.NoError(t, store.CreateOrganization(ctx, orgB, "carol"))

	roleB := &authz.Role{OrganizationID: orgB.ID, Name: "Reader"}
	require.NoError(t, store.CreateRole(ctx, roleB))
	tierB := &authz.MembershipTier{OrganizationID: orgB.ID, Name: "Gold"}
	require.NoError(t, store.CreateTier(ctx, tierB))

	_, err := store.AddMember(ctx, orgA.ID, "bob", roleB.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTarget)

	_, err = store.AddMember(ctx, orgA.ID, "bob", "")
	require.NoError(t, err)
	_, err = store.AssignTier(ctx, orgA.ID, "bob", tierB.ID, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidTarget)

	_, err = store.ValidateRule(ctx, orgA.ID, visibility.Rule{TargetRoleIDs: []string{roleB.ID}})
	assert.ErrorIs(t, err, errs.ErrInvalidTarget)
	_, err = store.ValidateRule(ctx, orgA.ID, visibility.Rule{TargetMembershipIDs: []string{"missing"}})
	assert.ErrorIs(t, err, errs.ErrInvalidTarget)
}

func TestStore_ReplaceAudienceNormalizes(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")
	def, err := store.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)

	rule, err := store.ReplaceAudience(ctx, org.ID, "post-1", visibility.Rule{
		TargetRoleIDs: []string{def.ID, "", def.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{def.ID}, rule.TargetRoleIDs)
	assert.Equal(t, []string{}, rule.TargetMembershipIDs)

	// replacing with public clears the targets
	rule, err = store.ReplaceAudience(ctx, org.ID, "post-1", visibility.Public())
	require.NoError(t, err)
	assert.True(t, rule.IsPublic())
	assert.NoError(t, store.DeleteRole(ctx, def.ID))
}

func TestStore_ListExpiredTiers(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")
	gold := &authz.MembershipTier{OrganizationID: org.ID, Name: "Gold"}
	require.NoError(t, store.CreateTier(ctx, gold))

	now := time.Now().UTC()
	for user, offset := range map[string]time.Duration{
		"bob":   -30 * time.Minute,
		"carol": -3 * time.Hour,
		"dave":  time.Hour,
	} {
		_, err := store.AddMember(ctx, org.ID, user, "")
		require.NoError(t, err)
		at := now.Add(offset)
		_, err = store.AssignTier(ctx, org.ID, user, gold.ID, &at)
		require.NoError(t, err)
	}

	expired, err := store.ListExpiredTiers(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "bob", expired[0].UserID)
}

func TestStore_RoleCacheInvalidatedOnCommit(t *testing.T) {
	store, _ := setupStore(t, authz.WithRoleCache(64, time.Minute))
	ctx := context.Background()
	org := createOrg(t, store, "alice")
	def, err := store.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)

	// warm the cache
	_, err = store.GetRole(ctx, def.ID)
	require.NoError(t, err)

	require.NoError(t, store.RunInTx(ctx, func(tx *authz.Store) error {
		return tx.GrantPermission(ctx, def.ID, authz.PermCreatePosts)
	}))

	got, err := store.GetRole(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, got.Has(authz.PermCreatePosts))
}

func TestStore_RunInTxRollsBack(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	err := store.RunInTx(ctx, func(tx *authz.Store) error {
		if _, err := tx.AddMember(ctx, org.ID, "bob", ""); err != nil {
			return err
		}
		return errs.ErrPermissionDenied
	})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	_, err = store.GetMember(ctx, org.ID, "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_GetMemberDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT organization_id, user_id").
		WithArgs("org-1", "bob").
		WillReturnError(sql.ErrConnDone)

	store := authz.NewStore(db)
	_, err = store.GetMember(context.Background(), "org-1", "bob")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
