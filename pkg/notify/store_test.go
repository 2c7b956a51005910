package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/notify"
	"github.com/platinummonkey/orgfeed/pkg/storage/storagetest"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *notify.Store {
	t.Helper()
	return notify.NewStore(storagetest.NewSQLite(t, notify.Migrations()...))
}

func note(eventID, recipient string, at time.Time) notify.Notification {
	return notify.Notification{
		RecipientUserID: recipient,
		OrganizationID:  "org-1",
		EventID:         eventID,
		Type:            notify.TypeNewPost,
		Title:           "New post",
		Message:         "someone posted",
		CreatedAt:       at,
	}
}

func TestNotificationID(t *testing.T) {
	assert.Equal(t, notify.NotificationID("e1", "u1"), notify.NotificationID("e1", "u1"))
	assert.NotEqual(t, notify.NotificationID("e1", "u1"), notify.NotificationID("e1", "u2"))
	assert.NotEqual(t, notify.NotificationID("e1", "u1"), notify.NotificationID("e2", "u1"))
}

func TestStore_InsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	n, err := s.Insert(ctx, []notify.Notification{note("e1", "alice", t0), note("e1", "bob", t0)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Insert(ctx, []notify.Notification{note("e1", "alice", t0), note("e2", "alice", t0.Add(time.Minute))})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List(ctx, "alice", notify.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].EventID, "newest first")
	assert.Equal(t, notify.NotificationID("e1", "alice"), list[1].ID)
	assert.False(t, list[0].Read)
	assert.Nil(t, list[0].ReadAt)

	n, err = s.Insert(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ListOptions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var batch []notify.Notification
	for i := 0; i < 5; i++ {
		batch = append(batch, note(fmt.Sprintf("e%d", i), "alice", t0.Add(time.Duration(i)*time.Minute)))
	}
	_, err := s.Insert(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, s.MarkRead(ctx, "alice", notify.NotificationID("e4", "alice")))

	unread, err := s.List(ctx, "alice", notify.ListOptions{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 4)
	assert.Equal(t, "e3", unread[0].EventID)

	limited, err := s.List(ctx, "alice", notify.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "e4", limited[0].EventID)
	assert.True(t, limited[0].Read)

	none, err := s.List(ctx, "bob", notify.ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	count, err := s.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestStore_MarkRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	clock := t0
	notify.SetClock(s, func() time.Time { return clock })

	_, err := s.Insert(ctx, []notify.Notification{note("e1", "alice", t0)})
	require.NoError(t, err)
	id := notify.NotificationID("e1", "alice")

	err = s.MarkRead(ctx, "bob", id)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "someone else's notification")
	assert.True(t, errors.Is(s.MarkRead(ctx, "alice", "missing"), errs.ErrNotFound))

	clock = t0.Add(time.Hour)
	require.NoError(t, s.MarkRead(ctx, "alice", id))
	clock = t0.Add(2 * time.Hour)
	require.NoError(t, s.MarkRead(ctx, "alice", id))

	got, err := s.Get(ctx, "alice", id)
	require.NoError(t, err)
	assert.True(t, got.Read)
	require.NotNil(t, got.ReadAt)
	assert.True(t, got.ReadAt.Equal(t0.Add(time.Hour)), "first read time is kept")

	_, err = s.Get(ctx, "bob", id)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestStore_MarkAllRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Insert(ctx, []notify.Notification{
		note("e1", "alice", t0), note("e2", "alice", t0), note("e3", "alice", t0), note("e1", "bob", t0),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkRead(ctx, "alice", notify.NotificationID("e1", "alice")))

	changed, err := s.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	changed, err = s.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, changed)

	count, err := s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "other recipients are untouched")
}

func TestStore_ConcurrentReadsStayRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var batch []notify.Notification
	for i := 0; i < 20; i++ {
		batch = append(batch, note(fmt.Sprintf("e%d", i), "alice", t0))
	}
	_, err := s.Insert(ctx, batch)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.MarkRead(ctx, "alice", notify.NotificationID(fmt.Sprintf("e%d", i), "alice")))
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.MarkAllRead(ctx, "alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := s.List(ctx, "alice", notify.ListOptions{})
	require.NoError(t, err)
	for _, n := range list {
		assert.True(t, n.Read)
		assert.NotNil(t, n.ReadAt)
	}
}

func TestStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE notifications").WillReturnError(errors.New("boom"))
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("boom"))

	s := notify.NewStore(db)
	err = s.MarkRead(context.Background(), "alice", "n1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrNotFound))

	_, err = s.UnreadCount(context.Background(), "alice")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
