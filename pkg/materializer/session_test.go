package materializer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/content"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/materializer"
	"github.com/platinummonkey/orgfeed/pkg/storage/storagetest"
)

const org = "org-1"

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeReader struct {
	mu       sync.Mutex
	posts    []content.Post
	comments map[string][]content.Comment
	feedErr  error

	// when gate is set, feed queries report on entered and block on gate
	gate    chan struct{}
	entered chan struct{}

	feedCalls   atomic.Int32
	threadCalls atomic.Int32
}

func newFakeReader(posts ...content.Post) *fakeReader {
	return &fakeReader{posts: posts, comments: map[string][]content.Comment{}}
}

func (r *fakeReader) ListVisiblePosts(ctx context.Context, viewerID, orgID string, req content.PageRequest) (*content.Page, error) {
	r.feedCalls.Add(1)
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feedErr != nil {
		return nil, r.feedErr
	}
	return &content.Page{Posts: append([]content.Post(nil), r.posts...)}, nil
}

func (r *fakeReader) ListComments(_ context.Context, _, _, postID string) ([]content.Comment, error) {
	r.threadCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.comments[postID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]content.Comment(nil), cs...), nil
}

func (r *fakeReader) setPosts(posts ...content.Post) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = posts
}

func (r *fakeReader) setComments(postID string, cs ...content.Comment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments[postID] = cs
}

func (r *fakeReader) block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 16)
}

func (r *fakeReader) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.gate)
	r.gate = nil
}

func post(id string, minute int) content.Post {
	return content.Post{
		ID:             id,
		OrganizationID: org,
		AuthorID:       "author",
		Body:           "post " + id,
		Version:        1,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func postIDs(v materializer.View) []string {
	ids := make([]string, 0, len(v.Posts))
	for _, p := range v.Posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func waitView(t *testing.T, s *materializer.Session, pred func(materializer.View) bool) materializer.View {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-s.Views():
			require.True(t, ok, "views closed")
			if pred(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("no matching view, current: %v", postIDs(s.Current()))
		}
	}
}

func open(t *testing.T, r materializer.Reader, bus *changebus.Bus, cfg materializer.Config) *materializer.Session {
	t.Helper()
	m := materializer.New(r, bus, cfg, storagetest.QuietLogger(), nil)
	s, err := m.Open(context.Background(), "viewer", org)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newBus() *changebus.Bus {
	return changebus.NewBus(changebus.Config{QueueSize: 16}, storagetest.QuietLogger(), nil)
}

func postSignal(id string, change changebus.ChangeType) changebus.ChangeSignal {
	return changebus.ChangeSignal{OrganizationID: org, EntityKind: changebus.KindPost, EntityID: id, ChangeType: change}
}

func TestOpen_Bootstraps(t *testing.T) {
	r := newFakeReader(post("p2", 2), post("p1", 1))
	bus := newBus()
	s := open(t, r, bus, materializer.Config{})

	v := waitView(t, s, func(materializer.View) bool { return true })
	assert.Equal(t, []string{"p2", "p1"}, postIDs(v))
	assert.Equal(t, "viewer", v.ViewerID)
	assert.Equal(t, org, v.OrganizationID)
	assert.Equal(t, 1, bus.Subscribers(org))
}

func TestOpen_BootstrapFailure(t *testing.T) {
	r := newFakeReader()
	r.feedErr = errs.Transient(errors.New("db down"))
	bus := newBus()

	m := materializer.New(r, bus, materializer.Config{}, storagetest.QuietLogger(), nil)
	_, err := m.Open(context.Background(), "viewer", org)
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, 0, bus.Subscribers(org))
}

func TestSession_PostSignalRequeries(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	bus := newBus()
	s := open(t, r, bus, materializer.Config{})

	r.setPosts(post("p2", 2), post("p1", 1))
	require.NoError(t, bus.Publish(context.Background(), org, postSignal("p2", changebus.ChangeCreated)))

	v := waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 2 })
	assert.Equal(t, []string{"p2", "p1"}, postIDs(v))
}

func TestSession_MembershipSignalRequeriesEverything(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	r.setComments("p1", content.Comment{ID: "c1", PostID: "p1"})
	bus := newBus()
	s := open(t, r, bus, materializer.Config{})
	s.WatchComments("p1")
	waitView(t, s, func(v materializer.View) bool { return len(v.Comments["p1"]) == 1 })

	// the viewer lost access to p1
	r.setPosts()
	r.mu.Lock()
	delete(r.comments, "p1")
	r.mu.Unlock()

	s.OnSignal(changebus.ChangeSignal{OrganizationID: org, EntityKind: changebus.KindMember, EntityID: "viewer", ChangeType: changebus.ChangeChanged})
	v := waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 0 })
	assert.Empty(t, v.Comments)
}

func TestSession_IgnoresOtherOrganizations(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})

	s.OnSignal(changebus.ChangeSignal{OrganizationID: "org-2", EntityKind: changebus.KindPost, EntityID: "x", ChangeType: changebus.ChangeCreated})
	assert.Never(t, func() bool { return r.feedCalls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSession_CommentSignalTouchesWatchedThreadsOnly(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	r.setComments("p1", content.Comment{ID: "c1", PostID: "p1"})
	bus := newBus()
	s := open(t, r, bus, materializer.Config{})

	// nothing watched, nothing to do
	s.OnSignal(changebus.ChangeSignal{OrganizationID: org, EntityKind: changebus.KindComment, EntityID: "c1", ChangeType: changebus.ChangeCreated})
	assert.Never(t, func() bool { return r.threadCalls.Load() > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	s.WatchComments("p1")
	waitView(t, s, func(v materializer.View) bool { return len(v.Comments["p1"]) == 1 })

	r.setComments("p1", content.Comment{ID: "c1", PostID: "p1"}, content.Comment{ID: "c2", PostID: "p1"})
	require.NoError(t, bus.Publish(context.Background(), org, changebus.ChangeSignal{OrganizationID: org, EntityKind: changebus.KindComment, EntityID: "c2", ChangeType: changebus.ChangeCreated}))

	waitView(t, s, func(v materializer.View) bool { return len(v.Comments["p1"]) == 2 })
	assert.Equal(t, int32(1), r.feedCalls.Load(), "comment signals do not re-query the feed")
}

func TestSession_UnwatchAndMissingThread(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	r.setComments("p1", content.Comment{ID: "c1", PostID: "p1"})
	s := open(t, r, newBus(), materializer.Config{})

	s.WatchComments("p1")
	waitView(t, s, func(v materializer.View) bool { return len(v.Comments["p1"]) == 1 })
	s.UnwatchComments("p1")
	v := waitView(t, s, func(v materializer.View) bool { return len(v.Comments) == 0 })
	assert.NotContains(t, v.Comments, "p1")

	// a thread the viewer cannot see stays empty
	s.WatchComments("hidden")
	assert.Never(t, func() bool { _, ok := s.Current().Comments["hidden"]; return ok }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSession_CoalescesWhileInFlight(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})
	waitView(t, s, func(materializer.View) bool { return true })

	r.block()
	s.OnSignal(postSignal("p1", changebus.ChangeUpdated))
	<-r.entered

	for i := 0; i < 5; i++ {
		s.OnSignal(postSignal(fmt.Sprintf("p%d", i), changebus.ChangeUpdated))
	}
	r.release()

	// bootstrap, the in-flight query and exactly one follow-up
	assert.Eventually(t, func() bool { return r.feedCalls.Load() == 3 }, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return r.feedCalls.Load() > 3 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSession_ApplyLocal(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})
	waitView(t, s, func(materializer.View) bool { return true })

	mine := post("p2", 5)
	mine.AuthorID = "viewer"
	s.ApplyLocal(mine)
	v := waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 2 })
	assert.Equal(t, []string{"p2", "p1"}, postIDs(v))

	// a later query is authoritative
	r.setPosts(post("p1", 1))
	s.OnSignal(postSignal("p1", changebus.ChangeUpdated))
	v = waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 1 })
	assert.Equal(t, []string{"p1"}, postIDs(v))
}

func TestSession_ApplyLocalKeepsNewerVersion(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})
	waitView(t, s, func(materializer.View) bool { return true })

	// a query already in flight when the local edit lands must not undo it
	r.block()
	s.OnSignal(postSignal("p1", changebus.ChangeUpdated))
	<-r.entered

	edited := post("p1", 1)
	edited.Body = "edited"
	edited.Version = 2
	s.ApplyLocal(edited)
	waitView(t, s, func(v materializer.View) bool { return v.Posts[0].Body == "edited" })

	r.release()
	assert.Eventually(t, func() bool { return r.feedCalls.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return s.Current().Posts[0].Body != "edited" }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSession_ApplyLocalDelete(t *testing.T) {
	r := newFakeReader(post("p2", 2), post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})
	waitView(t, s, func(materializer.View) bool { return true })

	s.ApplyLocalDelete("p2")
	v := waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 1 })
	assert.Equal(t, []string{"p1"}, postIDs(v))
}

func TestSession_LatestViewWins(t *testing.T) {
	r := newFakeReader()
	s := open(t, r, newBus(), materializer.Config{})

	for i := 0; i < 10; i++ {
		s.ApplyLocal(post(fmt.Sprintf("p%d", i), i))
	}
	v := <-s.Views()
	assert.Len(t, v.Posts, 10)
	assert.Equal(t, s.Current().Revision, v.Revision)
}

func TestSession_PageSizeBoundsView(t *testing.T) {
	r := newFakeReader(post("p2", 2), post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{PageSize: 2})
	waitView(t, s, func(materializer.View) bool { return true })

	s.ApplyLocal(post("p3", 3))
	v := waitView(t, s, func(v materializer.View) bool { return v.Posts[0].ID == "p3" })
	assert.Equal(t, []string{"p3", "p2"}, postIDs(v))
}

func TestSession_PeriodicResync(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	open(t, r, newBus(), materializer.Config{ResyncInterval: 20 * time.Millisecond})
	assert.Eventually(t, func() bool { return r.feedCalls.Load() >= 3 }, time.Second, 10*time.Millisecond)
}

func TestSession_RefreshErrorKeepsView(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	s := open(t, r, newBus(), materializer.Config{})
	first := waitView(t, s, func(materializer.View) bool { return true })

	r.mu.Lock()
	r.feedErr = errs.Transient(errors.New("db down"))
	r.mu.Unlock()
	s.OnSignal(postSignal("p1", changebus.ChangeUpdated))

	assert.Eventually(t, func() bool { return r.feedCalls.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, first.Revision, s.Current().Revision)
	assert.Equal(t, []string{"p1"}, postIDs(s.Current()))
}

func TestSession_Close(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	bus := newBus()
	m := materializer.New(r, bus, materializer.Config{}, storagetest.QuietLogger(), nil)
	s, err := m.Open(context.Background(), "viewer", org)
	require.NoError(t, err)
	waitView(t, s, func(materializer.View) bool { return true })

	r.block()
	s.OnSignal(postSignal("p1", changebus.ChangeUpdated))
	<-r.entered

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.Equal(t, 0, bus.Subscribers(org))

	revision := s.Current().Revision
	r.release()
	_, ok := <-s.Views()
	assert.False(t, ok)
	assert.Never(t, func() bool { return s.Current().Revision != revision }, 100*time.Millisecond, 10*time.Millisecond)

	// no-ops once closed
	s.ApplyLocal(post("p9", 9))
	s.WatchComments("p1")
	assert.Equal(t, revision, s.Current().Revision)
}

type sessionCounter struct {
	opened, closed atomic.Int32
}

func (c *sessionCounter) SessionOpened() { c.opened.Add(1) }
func (c *sessionCounter) SessionClosed() { c.closed.Add(1) }
func (c *sessionCounter) RequeryObserved(string, time.Duration, error) {}

func TestSession_ClosesWhenContextEnds(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	bus := newBus()
	metrics := &sessionCounter{}
	m := materializer.New(r, bus, materializer.Config{}, storagetest.QuietLogger(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Open(ctx, "viewer", org)
	require.NoError(t, err)
	require.Equal(t, 1, bus.Subscribers(org))

	cancel()
	require.Eventually(t, s.Closed, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bus.Subscribers(org))

	for range s.Views() {
	}
	s.Close()
	assert.Equal(t, int32(1), metrics.opened.Load())
	assert.Equal(t, int32(1), metrics.closed.Load())
}

func TestSession_RecoversFromOverflowDisconnect(t *testing.T) {
	r := newFakeReader(post("p1", 1))
	bus := newBus()
	cfg := materializer.Config{Subscription: changebus.SubscribeOptions{QueueSize: 1, Overflow: changebus.Disconnect}}
	s := open(t, r, bus, cfg)
	waitView(t, s, func(materializer.View) bool { return true })

	// a burst may or may not overflow the one-slot queue; either way the
	// session stays subscribed and converges
	r.setPosts(post("p3", 3), post("p2", 2), post("p1", 1))
	for i := 0; i < 50; i++ {
		_ = bus.Publish(context.Background(), org, postSignal(fmt.Sprintf("p%d", i), changebus.ChangeCreated))
	}

	waitView(t, s, func(v materializer.View) bool { return len(v.Posts) == 3 })
	assert.Eventually(t, func() bool { return bus.Subscribers(org) == 1 }, time.Second, 10*time.Millisecond)
}
