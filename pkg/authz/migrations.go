package authz

import "github.com/platinummonkey/orgfeed/pkg/storage"

// Migrations returns the authorization schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     "authz-001",
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					allow_author_self_edit BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     "authz-002",
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					is_editable BOOLEAN NOT NULL DEFAULT TRUE,
					is_deletable BOOLEAN NOT NULL DEFAULT TRUE,
					is_owner BOOLEAN NOT NULL DEFAULT FALSE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (organization_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_roles_organization_id ON roles(organization_id);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_single_owner ON roles(organization_id) WHERE is_owner;

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_key TEXT NOT NULL,
					PRIMARY KEY (role_id, permission_key)
				);
			`,
		},
		{
			Version:     "authz-003",
			Description: "Create membership_tiers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS membership_tiers (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					fee_cents BIGINT NOT NULL DEFAULT 0,
					cycle TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (organization_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_membership_tiers_organization_id ON membership_tiers(organization_id);
			`,
		},
		{
			Version:     "authz-004",
			Description: "Create members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS members (
					organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id),
					tier_id TEXT REFERENCES membership_tiers(id),
					tier_expires_at TIMESTAMP,
					joined_at TIMESTAMP NOT NULL,
					PRIMARY KEY (organization_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_members_user_id ON members(user_id);
				CREATE INDEX IF NOT EXISTS idx_members_role_id ON members(role_id);
				CREATE INDEX IF NOT EXISTS idx_members_tier_id ON members(tier_id);
				CREATE INDEX IF NOT EXISTS idx_members_tier_expires_at ON members(tier_expires_at);
			`,
		},
		{
			Version:     "authz-005",
			Description: "Create content_audience table",
			SQL: `
				CREATE TABLE IF NOT EXISTS content_audience (
					content_id TEXT NOT NULL,
					organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					target_id TEXT NOT NULL,
					PRIMARY KEY (content_id, kind, target_id)
				);

				CREATE INDEX IF NOT EXISTS idx_content_audience_target ON content_audience(kind, target_id);
			`,
		},
	}
}
