package notify

import "github.com/platinummonkey/orgfeed/pkg/storage"

// Migrations returns the notifications schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     "notify-001",
			Description: "Create notifications table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notifications (
					id TEXT PRIMARY KEY,
					recipient_user_id TEXT NOT NULL,
					organization_id TEXT NOT NULL,
					event_id TEXT NOT NULL,
					type TEXT NOT NULL,
					title TEXT NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					related_path TEXT NOT NULL DEFAULT '',
					is_read BOOLEAN NOT NULL DEFAULT FALSE,
					read_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (event_id, recipient_user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_user_id, created_at);
			`,
		},
	}
}
