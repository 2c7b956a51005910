package content

import "github.com/platinummonkey/orgfeed/pkg/storage"

// Migrations returns the posts and comments schema. It relies on the authz
// migrations for content_audience.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     "content-001",
			Description: "Create posts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS posts (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					author_id TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					attachments TEXT NOT NULL DEFAULT '[]',
					target_role_ids TEXT NOT NULL DEFAULT '[]',
					target_tier_ids TEXT NOT NULL DEFAULT '[]',
					audience_size INTEGER NOT NULL DEFAULT 0,
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_posts_feed ON posts(organization_id, created_at, id);
				CREATE INDEX IF NOT EXISTS idx_posts_author_id ON posts(author_id);
			`,
		},
		{
			Version:     "content-002",
			Description: "Create comments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS comments (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
					author_id TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					attachments TEXT NOT NULL DEFAULT '[]',
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id, created_at, id);
			`,
		},
	}
}
