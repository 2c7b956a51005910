package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/storage"
)

// idNamespace seeds deterministic notification ids
var idNamespace = uuid.MustParse("6d1f2c8e-4b7a-5e39-9c0d-2a8f4e6b1d73")

// NotificationID returns the id of the notification for eventID and
// recipientID. The same pair always yields the same id.
func NotificationID(eventID, recipientID string) string {
	return uuid.NewSHA1(idNamespace, []byte(eventID+"\x00"+recipientID)).String()
}

// Store persists notifications
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a notification store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Insert stores notifications, skipping any (event, recipient) pair that
// already exists. It returns how many rows were new.
func (s *Store) Insert(ctx context.Context, notifications []Notification) (int, error) {
	if len(notifications) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", storage.Classify(err))
	}
	defer tx.Rollback()

	inserted := 0
	for i := range notifications {
		n := &notifications[i]
		if n.ID == "" {
			n.ID = NotificationID(n.EventID, n.RecipientUserID)
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = s.timestamp()
		}
		n.CreatedAt = n.CreatedAt.UTC()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_user_id, organization_id, event_id, type, title, message, related_path, is_read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING
		`, n.ID, n.RecipientUserID, n.OrganizationID, n.EventID, string(n.Type), n.Title, n.Message, n.RelatedPath, false, n.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert notification: %w", storage.Classify(err))
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit notifications: %w", storage.Classify(err))
	}
	return inserted, nil
}

const notificationColumns = `id, recipient_user_id, organization_id, event_id, type, title, message, related_path, is_read, read_at, created_at`

// List returns userID's notifications, newest first
func (s *Store) List(ctx context.Context, userID string, opts ListOptions) ([]Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_user_id = $1`
	args := []interface{}{userID}
	if opts.UnreadOnly {
		query += ` AND is_read = $2`
		args = append(args, false)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", storage.Classify(err))
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", storage.Classify(err))
	}
	return out, nil
}

// Get returns one of userID's notifications
func (s *Store) Get(ctx context.Context, userID, notificationID string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE id = $1 AND recipient_user_id = $2
	`, notificationID, userID)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return n, err
}

// MarkRead marks one of userID's notifications read. Marking twice keeps
// the first read time. Another user's notification is NotFound.
func (s *Store) MarkRead(ctx context.Context, userID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = $1, read_at = COALESCE(read_at, $2)
		WHERE id = $3 AND recipient_user_id = $4
	`, true, s.timestamp(), notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", storage.Classify(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", storage.Classify(err))
	}
	if rows == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of userID read and returns
// how many changed
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = $1, read_at = $2
		WHERE recipient_user_id = $3 AND is_read = $4
	`, true, s.timestamp(), userID, false)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", storage.Classify(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", storage.Classify(err))
	}
	return rows, nil
}

// UnreadCount returns how many of userID's notifications are unread
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_user_id = $1 AND is_read = $2
	`, userID, false).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", storage.Classify(err))
	}
	return n, nil
}

func scanNotification(row interface{ Scan(...interface{}) error }) (*Notification, error) {
	var (
		n      Notification
		typ    string
		readAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.RecipientUserID, &n.OrganizationID, &n.EventID, &typ,
		&n.Title, &n.Message, &n.RelatedPath, &n.Read, &readAt, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", storage.Classify(err))
	}
	n.Type = Type(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	if readAt.Valid {
		t := readAt.Time.UTC()
		n.ReadAt = &t
	}
	return &n, nil
}
