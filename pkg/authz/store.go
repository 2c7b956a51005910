package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/storage"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// Audience target kinds stored in content_audience
const (
	targetKindRole = "role"
	targetKindTier = "tier"
)

// Store handles authorization data persistence. Methods do not check the
// caller's permissions; see Admin for the permission-checked entry points.
type Store struct {
	db    *sql.DB
	q     storage.Querier
	tx    *sql.Tx
	cache *expirable.LRU[string, Role]
	now   func() time.Time

	// role ids to evict again after the surrounding transaction commits
	evict *[]string
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithRoleCache enables an in-process role cache. A ttl or size of zero
// leaves caching disabled.
func WithRoleCache(size int, ttl time.Duration) StoreOption {
	return func(s *Store) {
		if size > 0 && ttl > 0 {
			s.cache = expirable.NewLRU[string, Role](size, nil, ttl)
		}
	}
}

// WithClock overrides the time source used for timestamps and expiry
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a new authorization store
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:  db,
		q:   db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a store bound to tx. Reads through it bypass the role cache.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	evict := []string{}
	return &Store{db: s.db, q: tx, tx: tx, cache: s.cache, now: s.now, evict: &evict}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Querier returns the handle statements run on: the bound transaction, or
// the database
func (s *Store) Querier() storage.Querier {
	return s.q
}

// Now returns the store's current time in UTC
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// RunInTx runs fn with a transaction-bound store. When s is already bound to
// a transaction fn runs on it directly.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	var bound *Store
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		bound = s.WithTx(tx)
		return fn(bound)
	})
	if err == nil && bound != nil && s.cache != nil {
		for _, id := range *bound.evict {
			s.cache.Remove(id)
		}
	}
	return err
}

func (s *Store) invalidateRole(roleID string) {
	if s.cache == nil {
		return
	}
	s.cache.Remove(roleID)
	if s.evict != nil {
		*s.evict = append(*s.evict, roleID)
	}
}

// CreateOrganization creates an organization together with its Owner role,
// a default Member role, and the owner's membership
func (s *Store) CreateOrganization(ctx context.Context, org *Organization, ownerUserID string) error {
	if org.Name == "" || ownerUserID == "" {
		return fmt.Errorf("%w: organization name and owner are required", errs.ErrInvalidInput)
	}

	return s.RunInTx(ctx, func(tx *Store) error {
		now := tx.Now()
		if org.ID == "" {
			org.ID = uuid.NewString()
		}
		org.CreatedAt = now

		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO organizations (id, name, allow_author_self_edit, created_at)
			VALUES ($1, $2, $3, $4)
		`, org.ID, org.Name, org.AllowAuthorSelfEdit, now); err != nil {
			return fmt.Errorf("failed to create organization: %w", storage.Classify(err))
		}

		owner := &Role{
			OrganizationID: org.ID,
			Name:           "Owner",
			IsOwner:        true,
		}
		if err := tx.insertRole(ctx, owner); err != nil {
			return err
		}

		member := &Role{
			OrganizationID: org.ID,
			Name:           "Member",
			IsEditable:     true,
			IsDeletable:    true,
			IsDefault:      true,
		}
		if err := tx.insertRole(ctx, member); err != nil {
			return err
		}

		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO members (organization_id, user_id, role_id, joined_at)
			VALUES ($1, $2, $3, $4)
		`, org.ID, ownerUserID, owner.ID, now); err != nil {
			return fmt.Errorf("failed to add owner: %w", storage.Classify(err))
		}
		return nil
	})
}

// GetOrganization retrieves an organization by ID
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, allow_author_self_edit, created_at
		FROM organizations
		WHERE id = $1
	`, orgID).Scan(&org.ID, &org.Name, &org.AllowAuthorSelfEdit, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", storage.Classify(err))
	}
	return &org, nil
}

// SetAuthorSelfEdit changes the organization's author self-edit policy
func (s *Store) SetAuthorSelfEdit(ctx context.Context, orgID string, allowed bool) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE organizations SET allow_author_self_edit = $1 WHERE id = $2
	`, allowed, orgID)
	if err != nil {
		return fmt.Errorf("failed to update organization policy: %w", storage.Classify(err))
	}
	if storage.RowsAffected(res) == 0 {
		return fmt.Errorf("organization %s: %w", orgID, errs.ErrNotFound)
	}
	return nil
}

// CreateRole creates a custom role with the given grants
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.Name == "" || role.OrganizationID == "" {
		return fmt.Errorf("%w: role name and organization are required", errs.ErrInvalidInput)
	}
	for _, p := range role.Permissions {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown permission %q", errs.ErrInvalidInput, p)
		}
	}
	if role.IsOwner {
		return fmt.Errorf("%w: an organization has exactly one owner role", errs.ErrInvalidInput)
	}

	role.IsEditable = true
	role.IsDeletable = true

	return s.RunInTx(ctx, func(tx *Store) error {
		if _, err := tx.GetOrganization(ctx, role.OrganizationID); err != nil {
			return err
		}
		if role.IsDefault {
			if _, err := tx.q.ExecContext(ctx, `
				UPDATE roles SET is_default = $1 WHERE organization_id = $2
			`, false, role.OrganizationID); err != nil {
				return fmt.Errorf("failed to clear default role: %w", storage.Classify(err))
			}
		}
		return tx.insertRole(ctx, role)
	})
}

func (s *Store) insertRole(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	role.CreatedAt = s.Now()

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO roles (id, organization_id, name, is_editable, is_deletable, is_owner, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, role.ID, role.OrganizationID, role.Name, role.IsEditable, role.IsDeletable, role.IsOwner, role.IsDefault, role.CreatedAt); err != nil {
		return fmt.Errorf("failed to create role: %w", storage.Classify(err))
	}

	for _, p := range dedupePermissions(role.Permissions) {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_key) VALUES ($1, $2)
		`, role.ID, string(p)); err != nil {
			return fmt.Errorf("failed to grant permission: %w", storage.Classify(err))
		}
	}
	return nil
}

// GetRole retrieves a role with its grants
func (s *Store) GetRole(ctx context.Context, roleID string) (*Role, error) {
	if s.cache != nil && s.tx == nil {
		if cached, ok := s.cache.Get(roleID); ok {
			return copyRole(cached), nil
		}
	}

	var role Role
	err := s.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, is_editable, is_deletable, is_owner, is_default, created_at
		FROM roles
		WHERE id = $1
	`, roleID).Scan(
		&role.ID,
		&role.OrganizationID,
		&role.Name,
		&role.IsEditable,
		&role.IsDeletable,
		&role.IsOwner,
		&role.IsDefault,
		&role.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", roleID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", storage.Classify(err))
	}

	perms, err := s.rolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms

	if s.cache != nil && s.tx == nil {
		s.cache.Add(roleID, *copyRole(role))
	}
	return &role, nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID string) ([]PermissionKey, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT permission_key FROM role_permissions WHERE role_id = $1 ORDER BY permission_key
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", storage.Classify(err))
	}
	defer rows.Close()

	perms := []PermissionKey{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, PermissionKey(key))
	}
	return perms, rows.Err()
}

// ListRoles lists the roles of an organization with their grants
func (s *Store) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, organization_id, name, is_editable, is_deletable, is_owner, is_default, created_at
		FROM roles
		WHERE organization_id = $1
		ORDER BY is_owner DESC, created_at ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", storage.Classify(err))
	}

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(
			&role.ID,
			&role.OrganizationID,
			&role.Name,
			&role.IsEditable,
			&role.IsDeletable,
			&role.IsOwner,
			&role.IsDefault,
			&role.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list roles: %w", storage.Classify(err))
	}
	// close before issuing the per-role grant queries on the same connection
	rows.Close()

	for i := range roles {
		perms, err := s.rolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

// GetOwnerRole returns the organization's owner role
func (s *Store) GetOwnerRole(ctx context.Context, orgID string) (*Role, error) {
	var roleID string
	err := s.q.QueryRowContext(ctx, `
		SELECT id FROM roles WHERE organization_id = $1 AND is_owner = $2
	`, orgID, true).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("owner role for %s: %w", orgID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owner role: %w", storage.Classify(err))
	}
	return s.GetRole(ctx, roleID)
}

// GetDefaultRole returns the role assigned on join: the role flagged
// default, else the oldest non-owner role
func (s *Store) GetDefaultRole(ctx context.Context, orgID string) (*Role, error) {
	var roleID string
	err := s.q.QueryRowContext(ctx, `
		SELECT id FROM roles
		WHERE organization_id = $1 AND is_owner = $2
		ORDER BY is_default DESC, created_at ASC, id ASC
		LIMIT 1
	`, orgID, false).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default role for %s: %w", orgID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default role: %w", storage.Classify(err))
	}
	return s.GetRole(ctx, roleID)
}

// RenameRole renames an editable role
func (s *Store) RenameRole(ctx context.Context, roleID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: role name is required", errs.ErrInvalidInput)
	}
	return s.RunInTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsEditable {
			return fmt.Errorf("%w: role %s is not editable", errs.ErrInvalidInput, roleID)
		}
		if _, err := tx.q.ExecContext(ctx, `UPDATE roles SET name = $1 WHERE id = $2`, name, roleID); err != nil {
			return fmt.Errorf("failed to rename role: %w", storage.Classify(err))
		}
		tx.invalidateRole(roleID)
		return nil
	})
}

// DeleteRole deletes a deletable role. Deletion is rejected with
// errs.ErrInvalidTarget while any member holds the role or any content
// targets it.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.RunInTx(ctx, func(tx *Store) error {
		if _, err := tx.lockTarget(ctx, "roles", roleID, ""); err != nil {
			return fmt.Errorf("failed to lock role: %w", err)
		}
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsDeletable || role.IsOwner {
			return fmt.Errorf("%w: role %s cannot be deleted", errs.ErrInvalidInput, roleID)
		}

		var holders, targets int
		if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE role_id = $1`, roleID).Scan(&holders); err != nil {
			return fmt.Errorf("failed to count role holders: %w", storage.Classify(err))
		}
		if err := tx.q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM content_audience WHERE kind = $1 AND target_id = $2
		`, targetKindRole, roleID).Scan(&targets); err != nil {
			return fmt.Errorf("failed to count role targets: %w", storage.Classify(err))
		}
		if holders > 0 || targets > 0 {
			return fmt.Errorf("%w: role %s is held by %d members and targeted by %d items; reassign first",
				errs.ErrInvalidTarget, roleID, holders, targets)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role permissions: %w", storage.Classify(err))
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role: %w", storage.Classify(err))
		}
		tx.invalidateRole(roleID)
		return nil
	})
}

// GrantPermission adds key to an editable role. Granting an existing
// permission is a no-op.
func (s *Store) GrantPermission(ctx context.Context, roleID string, key PermissionKey) error {
	if !key.Valid() {
		return fmt.Errorf("%w: unknown permission %q", errs.ErrInvalidInput, key)
	}
	return s.RunInTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsEditable {
			return fmt.Errorf("%w: role %s is not editable", errs.ErrInvalidInput, roleID)
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_key) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, roleID, string(key)); err != nil {
			return fmt.Errorf("failed to grant permission: %w", storage.Classify(err))
		}
		tx.invalidateRole(roleID)
		return nil
	})
}

// RevokePermission removes key from an editable role
func (s *Store) RevokePermission(ctx context.Context, roleID string, key PermissionKey) error {
	return s.RunInTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsEditable {
			return fmt.Errorf("%w: role %s is not editable", errs.ErrInvalidInput, roleID)
		}
		if _, err := tx.q.ExecContext(ctx, `
			DELETE FROM role_permissions WHERE role_id = $1 AND permission_key = $2
		`, roleID, string(key)); err != nil {
			return fmt.Errorf("failed to revoke permission: %w", storage.Classify(err))
		}
		tx.invalidateRole(roleID)
		return nil
	})
}

// CreateTier creates a membership tier
func (s *Store) CreateTier(ctx context.Context, tier *MembershipTier) error {
	if tier.Name == "" || tier.OrganizationID == "" {
		return fmt.Errorf("%w: tier name and organization are required", errs.ErrInvalidInput)
	}
	if tier.Cycle == "" {
		tier.Cycle = CycleMonthly
	}
	if !tier.Cycle.Valid() {
		return fmt.Errorf("%w: unknown billing cycle %q", errs.ErrInvalidInput, tier.Cycle)
	}
	if tier.FeeCents < 0 {
		return fmt.Errorf("%w: fee must not be negative", errs.ErrInvalidInput)
	}

	return s.RunInTx(ctx, func(tx *Store) error {
		if _, err := tx.GetOrganization(ctx, tier.OrganizationID); err != nil {
			return err
		}
		if tier.ID == "" {
			tier.ID = uuid.NewString()
		}
		tier.CreatedAt = tx.Now()

		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO membership_tiers (id, organization_id, name, fee_cents, cycle, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tier.ID, tier.OrganizationID, tier.Name, tier.FeeCents, string(tier.Cycle), tier.CreatedAt); err != nil {
			return fmt.Errorf("failed to create tier: %w", storage.Classify(err))
		}
		return nil
	})
}

// GetTier retrieves a membership tier by ID
func (s *Store) GetTier(ctx context.Context, tierID string) (*MembershipTier, error) {
	var tier MembershipTier
	var cycle string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, fee_cents, cycle, created_at
		FROM membership_tiers
		WHERE id = $1
	`, tierID).Scan(&tier.ID, &tier.OrganizationID, &tier.Name, &tier.FeeCents, &cycle, &tier.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tier %s: %w", tierID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", storage.Classify(err))
	}
	tier.Cycle = BillingCycle(cycle)
	return &tier, nil
}

// ListTiers lists the membership tiers of an organization
func (s *Store) ListTiers(ctx context.Context, orgID string) ([]MembershipTier, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, organization_id, name, fee_cents, cycle, created_at
		FROM membership_tiers
		WHERE organization_id = $1
		ORDER BY created_at ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", storage.Classify(err))
	}
	defer rows.Close()

	var tiers []MembershipTier
	for rows.Next() {
		var tier MembershipTier
		var cycle string
		if err := rows.Scan(&tier.ID, &tier.OrganizationID, &tier.Name, &tier.FeeCents, &cycle, &tier.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		tier.Cycle = BillingCycle(cycle)
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

// DeleteTier deletes a tier. Deletion is rejected with errs.ErrInvalidTarget
// while any member row (active or expired) or any content references it.
func (s *Store) DeleteTier(ctx context.Context, tierID string) error {
	return s.RunInTx(ctx, func(tx *Store) error {
		if _, err := tx.lockTarget(ctx, "membership_tiers", tierID, ""); err != nil {
			return fmt.Errorf("failed to lock tier: %w", err)
		}
		if _, err := tx.GetTier(ctx, tierID); err != nil {
			return err
		}

		var holders, targets int
		if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE tier_id = $1`, tierID).Scan(&holders); err != nil {
			return fmt.Errorf("failed to count tier holders: %w", storage.Classify(err))
		}
		if err := tx.q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM content_audience WHERE kind = $1 AND target_id = $2
		`, targetKindTier, tierID).Scan(&targets); err != nil {
			return fmt.Errorf("failed to count tier targets: %w", storage.Classify(err))
		}
		if holders > 0 || targets > 0 {
			return fmt.Errorf("%w: tier %s is held by %d members and targeted by %d items; reassign first",
				errs.ErrInvalidTarget, tierID, holders, targets)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM membership_tiers WHERE id = $1`, tierID); err != nil {
			return fmt.Errorf("failed to delete tier: %w", storage.Classify(err))
		}
		return nil
	})
}

// AddMember adds userID to the organization. An empty roleID assigns the
// default role.
func (s *Store) AddMember(ctx context.Context, orgID, userID, roleID string) (*Member, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrInvalidInput)
	}

	var member *Member
	err := s.RunInTx(ctx, func(tx *Store) error {
		if _, err := tx.GetOrganization(ctx, orgID); err != nil {
			return err
		}
		if existing, err := tx.GetMember(ctx, orgID, userID); err == nil && existing != nil {
			return fmt.Errorf("%w: user %s is already a member", errs.ErrInvalidInput, userID)
		} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		role, err := tx.resolveAssignableRole(ctx, orgID, roleID)
		if err != nil {
			return err
		}

		member = &Member{
			UserID:         userID,
			OrganizationID: orgID,
			RoleID:         role.ID,
			JoinedAt:       tx.Now(),
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO members (organization_id, user_id, role_id, joined_at)
			VALUES ($1, $2, $3, $4)
		`, orgID, userID, role.ID, member.JoinedAt); err != nil {
			return fmt.Errorf("failed to add member: %w", storage.Classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Store) resolveAssignableRole(ctx context.Context, orgID, roleID string) (*Role, error) {
	if roleID == "" {
		return s.GetDefaultRole(ctx, orgID)
	}
	role, err := s.GetRole(ctx, roleID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("%w: role %s does not exist", errs.ErrInvalidTarget, roleID)
	}
	if err != nil {
		return nil, err
	}
	if role.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: role %s belongs to another organization", errs.ErrInvalidTarget, roleID)
	}
	return role, nil
}

// GetMember retrieves a membership
func (s *Store) GetMember(ctx context.Context, orgID, userID string) (*Member, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT organization_id, user_id, role_id, tier_id, tier_expires_at, joined_at
		FROM members
		WHERE organization_id = $1 AND user_id = $2
	`, orgID, userID)

	member, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s in %s: %w", userID, orgID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", storage.Classify(err))
	}
	return member, nil
}

// ListMembers lists the members of an organization in join order
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT organization_id, user_id, role_id, tier_id, tier_expires_at, joined_at
		FROM members
		WHERE organization_id = $1
		ORDER BY joined_at ASC, user_id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", storage.Classify(err))
	}
	defer rows.Close()
	return scanMembers(rows)
}

// AssignRole moves a member to roleID and returns the previous role id
func (s *Store) AssignRole(ctx context.Context, orgID, userID, roleID string) (string, error) {
	var previous string
	err := s.RunInTx(ctx, func(tx *Store) error {
		member, err := tx.GetMember(ctx, orgID, userID)
		if err != nil {
			return err
		}
		role, err := tx.resolveAssignableRole(ctx, orgID, roleID)
		if err != nil {
			return err
		}
		previous = member.RoleID

		if _, err := tx.q.ExecContext(ctx, `
			UPDATE members SET role_id = $1 WHERE organization_id = $2 AND user_id = $3
		`, role.ID, orgID, userID); err != nil {
			return fmt.Errorf("failed to assign role: %w", storage.Classify(err))
		}
		return nil
	})
	return previous, err
}

// AssignTier sets or clears (tierID == "") a member's tier and returns the
// previous tier id
func (s *Store) AssignTier(ctx context.Context, orgID, userID, tierID string, expiresAt *time.Time) (string, error) {
	var previous string
	err := s.RunInTx(ctx, func(tx *Store) error {
		member, err := tx.GetMember(ctx, orgID, userID)
		if err != nil {
			return err
		}
		previous = member.TierID

		var tier, expiry any
		if tierID != "" {
			t, err := tx.GetTier(ctx, tierID)
			if errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("%w: tier %s does not exist", errs.ErrInvalidTarget, tierID)
			}
			if err != nil {
				return err
			}
			if t.OrganizationID != orgID {
				return fmt.Errorf("%w: tier %s belongs to another organization", errs.ErrInvalidTarget, tierID)
			}
			tier = tierID
			if expiresAt != nil {
				expiry = expiresAt.UTC()
			}
		}

		if _, err := tx.q.ExecContext(ctx, `
			UPDATE members SET tier_id = $1, tier_expires_at = $2
			WHERE organization_id = $3 AND user_id = $4
		`, tier, expiry, orgID, userID); err != nil {
			return fmt.Errorf("failed to assign tier: %w", storage.Classify(err))
		}
		return nil
	})
	return previous, err
}

// RemoveMember deletes a membership
func (s *Store) RemoveMember(ctx context.Context, orgID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM members WHERE organization_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", storage.Classify(err))
	}
	if storage.RowsAffected(res) == 0 {
		return fmt.Errorf("member %s in %s: %w", userID, orgID, errs.ErrNotFound)
	}
	return nil
}

// ListExpiredTiers lists members whose tier expired in (since, until]
func (s *Store) ListExpiredTiers(ctx context.Context, since, until time.Time) ([]Member, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT organization_id, user_id, role_id, tier_id, tier_expires_at, joined_at
		FROM members
		WHERE tier_id IS NOT NULL AND tier_expires_at > $1 AND tier_expires_at <= $2
		ORDER BY tier_expires_at ASC
	`, since.UTC(), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tiers: %w", storage.Classify(err))
	}
	defer rows.Close()
	return scanMembers(rows)
}

// ValidateRule checks that every target of rule belongs to orgID and returns
// the normalized rule
func (s *Store) ValidateRule(ctx context.Context, orgID string, rule visibility.Rule) (visibility.Rule, error) {
	// a blank id must not normalize away into a public rule
	for _, id := range rule.TargetRoleIDs {
		if strings.TrimSpace(id) == "" {
			return visibility.Rule{}, fmt.Errorf("%w: empty role target", errs.ErrInvalidTarget)
		}
	}
	for _, id := range rule.TargetMembershipIDs {
		if strings.TrimSpace(id) == "" {
			return visibility.Rule{}, fmt.Errorf("%w: empty tier target", errs.ErrInvalidTarget)
		}
	}
	rule = rule.Normalize()

	for _, roleID := range rule.TargetRoleIDs {
		ok, err := s.lockTarget(ctx, "roles", roleID, orgID)
		if err != nil {
			return rule, fmt.Errorf("failed to validate role target: %w", err)
		}
		if !ok {
			return rule, fmt.Errorf("%w: role %s is not part of organization %s", errs.ErrInvalidTarget, roleID, orgID)
		}
	}

	for _, tierID := range rule.TargetMembershipIDs {
		ok, err := s.lockTarget(ctx, "membership_tiers", tierID, orgID)
		if err != nil {
			return rule, fmt.Errorf("failed to validate tier target: %w", err)
		}
		if !ok {
			return rule, fmt.Errorf("%w: tier %s is not part of organization %s", errs.ErrInvalidTarget, tierID, orgID)
		}
	}
	return rule, nil
}

// lockTarget row-locks a role or tier of orgID for the rest of the
// transaction, so a concurrent delete either waits for the audience write
// or wins before it. An empty orgID matches any organization. It reports
// false when no such row exists.
func (s *Store) lockTarget(ctx context.Context, table, id, orgID string) (bool, error) {
	query := `UPDATE ` + table + ` SET organization_id = organization_id WHERE id = $1`
	args := []interface{}{id}
	if orgID != "" {
		query += ` AND organization_id = $2`
		args = append(args, orgID)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storage.Classify(err)
	}
	return storage.RowsAffected(res) > 0, nil
}

// ReplaceAudience validates rule and stores it as the audience of contentID,
// replacing any previous targets
func (s *Store) ReplaceAudience(ctx context.Context, orgID, contentID string, rule visibility.Rule) (visibility.Rule, error) {
	rule, err := s.ValidateRule(ctx, orgID, rule)
	if err != nil {
		return rule, err
	}

	if err := s.DeleteAudience(ctx, contentID); err != nil {
		return rule, err
	}

	insert := func(kind, targetID string) error {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO content_audience (content_id, organization_id, kind, target_id)
			VALUES ($1, $2, $3, $4)
		`, contentID, orgID, kind, targetID); err != nil {
			return fmt.Errorf("failed to store audience: %w", storage.Classify(err))
		}
		return nil
	}
	for _, id := range rule.TargetRoleIDs {
		if err := insert(targetKindRole, id); err != nil {
			return rule, err
		}
	}
	for _, id := range rule.TargetMembershipIDs {
		if err := insert(targetKindTier, id); err != nil {
			return rule, err
		}
	}
	return rule, nil
}

// DeleteAudience removes every audience target of contentID
func (s *Store) DeleteAudience(ctx context.Context, contentID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM content_audience WHERE content_id = $1`, contentID); err != nil {
		return fmt.Errorf("failed to clear audience: %w", storage.Classify(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var m Member
	var tierID sql.NullString
	var expires sql.NullTime
	if err := row.Scan(&m.OrganizationID, &m.UserID, &m.RoleID, &tierID, &expires, &m.JoinedAt); err != nil {
		return nil, err
	}
	if tierID.Valid {
		m.TierID = tierID.String
	}
	if expires.Valid {
		t := expires.Time.UTC()
		m.TierExpiresAt = &t
	}
	return &m, nil
}

func scanMembers(rows *sql.Rows) ([]Member, error) {
	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read members: %w", storage.Classify(err))
	}
	return members, nil
}

func copyRole(r Role) *Role {
	out := r
	out.Permissions = append([]PermissionKey(nil), r.Permissions...)
	return &out
}

func dedupePermissions(perms []PermissionKey) []PermissionKey {
	seen := make(map[PermissionKey]bool, len(perms))
	out := make([]PermissionKey, 0, len(perms))
	for _, p := range perms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
