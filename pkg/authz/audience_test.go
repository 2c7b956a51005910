package authz_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/storage/storagetest"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

func TestStore_ValidateRuleRejectsBlankTargets(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	org := createOrg(t, store, "alice")

	role := &authz.Role{OrganizationID: org.ID, Name: "Editor"}
	require.NoError(t, store.CreateRole(ctx, role))

	tests := []struct {
		name string
		rule visibility.Rule
	}{
		{"empty role", visibility.Rule{TargetRoleIDs: []string{""}}},
		{"whitespace role", visibility.Rule{TargetRoleIDs: []string{" "}}},
		{"empty tier", visibility.Rule{TargetMembershipIDs: []string{""}}},
		{"blank next to a real role", visibility.Rule{TargetRoleIDs: []string{role.ID, ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ValidateRule(ctx, org.ID, tt.rule)
			assert.ErrorIs(t, err, errs.ErrInvalidTarget)

			_, err = store.ReplaceAudience(ctx, org.ID, "post-1", tt.rule)
			assert.ErrorIs(t, err, errs.ErrInvalidTarget)
		})
	}
}

type targetFixture struct {
	store *authz.Store
	db    *sql.DB
	org   *authz.Organization
	role  *authz.Role
	tier  *authz.MembershipTier
}

func newTargetFixture(t *testing.T, db *sql.DB) *targetFixture {
	t.Helper()
	ctx := context.Background()
	store := authz.NewStore(db)
	org := createOrg(t, store, "alice")

	role := &authz.Role{OrganizationID: org.ID, Name: "Editor"}
	require.NoError(t, store.CreateRole(ctx, role))
	tier := &authz.MembershipTier{OrganizationID: org.ID, Name: "Gold"}
	require.NoError(t, store.CreateTier(ctx, tier))
	return &targetFixture{store: store, db: db, org: org, role: role, tier: tier}
}

// deleteDuringTargetingWrite opens a transaction that targets rule, runs
// del concurrently and commits. del must not complete first and must then
// see the committed audience.
func deleteDuringTargetingWrite(t *testing.T, f *targetFixture, rule visibility.Rule, del func(ctx context.Context) error) {
	t.Helper()
	ctx := context.Background()

	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = f.store.WithTx(tx).ReplaceAudience(ctx, f.org.ID, "post-1", rule)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- del(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("delete finished while the targeting write was open: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tx.Commit())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrInvalidTarget)
	case <-time.After(10 * time.Second):
		t.Fatal("delete did not finish")
	}
}

// targetDuringDelete deletes inside an open transaction, runs a targeting
// write concurrently and commits. The write must then fail.
func targetDuringDelete(t *testing.T, f *targetFixture, rule visibility.Rule, del func(ctx context.Context, tx *authz.Store) error) {
	t.Helper()
	ctx := context.Background()

	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, del(ctx, f.store.WithTx(tx)))

	done := make(chan error, 1)
	go func() {
		done <- f.store.RunInTx(ctx, func(s *authz.Store) error {
			_, err := s.ReplaceAudience(ctx, f.org.ID, "post-2", rule)
			return err
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tx.Commit())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrInvalidTarget)
	case <-time.After(10 * time.Second):
		t.Fatal("targeting write did not finish")
	}
}

func runTargetRaces(t *testing.T, open func(t *testing.T) *sql.DB) {
	t.Run("role delete waits for audience", func(t *testing.T) {
		f := newTargetFixture(t, open(t))
		deleteDuringTargetingWrite(t, f, visibility.Rule{TargetRoleIDs: []string{f.role.ID}}, func(ctx context.Context) error {
			return f.store.DeleteRole(ctx, f.role.ID)
		})
		_, err := f.store.GetRole(context.Background(), f.role.ID)
		assert.NoError(t, err)
	})

	t.Run("tier delete waits for audience", func(t *testing.T) {
		f := newTargetFixture(t, open(t))
		deleteDuringTargetingWrite(t, f, visibility.Rule{TargetMembershipIDs: []string{f.tier.ID}}, func(ctx context.Context) error {
			return f.store.DeleteTier(ctx, f.tier.ID)
		})
		_, err := f.store.GetTier(context.Background(), f.tier.ID)
		assert.NoError(t, err)
	})

	t.Run("audience after role delete", func(t *testing.T) {
		f := newTargetFixture(t, open(t))
		targetDuringDelete(t, f, visibility.Rule{TargetRoleIDs: []string{f.role.ID}}, func(ctx context.Context, tx *authz.Store) error {
			return tx.DeleteRole(ctx, f.role.ID)
		})
	})

	t.Run("audience after tier delete", func(t *testing.T) {
		f := newTargetFixture(t, open(t))
		targetDuringDelete(t, f, visibility.Rule{TargetMembershipIDs: []string{f.tier.ID}}, func(ctx context.Context, tx *authz.Store) error {
			return tx.DeleteTier(ctx, f.tier.ID)
		})
	})
}

func TestStore_DeleteAndTargetingWriteSerialize(t *testing.T) {
	runTargetRaces(t, func(t *testing.T) *sql.DB {
		return storagetest.NewSQLite(t, authz.Migrations()...)
	})
}

func TestPostgres_DeleteAndTargetingWriteSerialize(t *testing.T) {
	runTargetRaces(t, func(t *testing.T) *sql.DB {
		return storagetest.NewPostgres(t, authz.Migrations()...)
	})
}
