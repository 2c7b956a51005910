package materializer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/async"
	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/content"
	"github.com/platinummonkey/orgfeed/pkg/errs"
)

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("session closed")

// View is a snapshot of what the viewer may currently see
type View struct {
	OrganizationID string                       `json:"organizationId"`
	ViewerID       string                       `json:"viewerId"`
	Posts          []content.Post               `json:"posts"`
	NextCursor     string                       `json:"nextCursor,omitempty"`
	Comments       map[string][]content.Comment `json:"comments,omitempty"`
	Revision       uint64                       `json:"revision"`
	UpdatedAt      time.Time                    `json:"updatedAt"`
}

func (v View) clone() View {
	out := v
	out.Posts = append([]content.Post(nil), v.Posts...)
	out.Comments = make(map[string][]content.Comment, len(v.Comments))
	for id, cs := range v.Comments {
		out.Comments[id] = append([]content.Comment(nil), cs...)
	}
	return out
}

// work is the set of re-queries owed to the view
type work struct {
	feed    bool
	threads map[string]bool
}

func (w *work) merge(o work) {
	w.feed = w.feed || o.feed
	for id := range o.threads {
		if w.threads == nil {
			w.threads = make(map[string]bool)
		}
		w.threads[id] = true
	}
}

func (w work) empty() bool {
	return !w.feed && len(w.threads) == 0
}

// localChange is an optimistic write by this viewer. It is overlaid on
// query results until a query that started after the write completes.
type localChange struct {
	post    content.Post
	deleted bool
	seq     uint64
}

// Session is one viewer's live view of one organization
type Session struct {
	m        *Materializer
	viewerID string
	orgID    string
	ctx      context.Context
	cancel   context.CancelFunc
	log      logrus.FieldLogger

	subMu sync.Mutex
	sub   *changebus.Subscription

	mu      sync.Mutex
	closed  bool
	view    View
	watched map[string]bool
	local   map[string]localChange
	pending work
	seq     uint64

	views chan View
	wake  chan struct{}
}

// ViewerID returns the viewer the session materializes for
func (s *Session) ViewerID() string { return s.viewerID }

// OrganizationID returns the organization the session follows
func (s *Session) OrganizationID() string { return s.orgID }

// Views delivers the latest view after every change. The channel holds at
// most one view; a slow reader only ever sees the newest. It is closed by
// Close.
func (s *Session) Views() <-chan View {
	return s.views
}

// Current returns the latest view
func (s *Session) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.clone()
}

// OnSignal schedules the re-queries a signal calls for. Signals for other
// organizations are ignored.
func (s *Session) OnSignal(sig changebus.ChangeSignal) {
	if sig.OrganizationID != s.orgID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var w work
	switch sig.EntityKind {
	case changebus.KindComment:
		w.threads = s.watchedLocked()
	case changebus.KindPost:
		w.feed = true
		if s.watched[sig.EntityID] {
			w.threads = map[string]bool{sig.EntityID: true}
		}
	default:
		// membership, role and tier changes can move any visibility decision
		w.feed = true
		w.threads = s.watchedLocked()
	}
	s.pending.merge(w)
	s.mu.Unlock()

	s.kick()
}

// WatchComments adds postID's comment thread to the view. The thread is
// fetched on the next refresh.
func (s *Session) WatchComments(postID string) {
	s.mu.Lock()
	if s.closed || s.watched[postID] {
		s.mu.Unlock()
		return
	}
	s.watched[postID] = true
	s.pending.merge(work{threads: map[string]bool{postID: true}})
	s.mu.Unlock()

	s.kick()
}

// UnwatchComments removes postID's comment thread from the view
func (s *Session) UnwatchComments(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.watched[postID] {
		return
	}
	delete(s.watched, postID)
	delete(s.view.Comments, postID)
	s.publishLocked()
}

// ApplyLocal shows a post the viewer just wrote without waiting for the
// round trip through the change bus.
func (s *Session) ApplyLocal(post content.Post) {
	if post.OrganizationID != s.orgID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.local[post.ID] = localChange{post: post, seq: s.seq}
	s.view.Posts = overlay(s.view.Posts, s.local, s.m.cfg.PageSize)
	s.publishLocked()
}

// ApplyLocalDelete hides a post the viewer just deleted
func (s *Session) ApplyLocalDelete(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.local[postID] = localChange{post: content.Post{ID: postID}, deleted: true, seq: s.seq}
	s.view.Posts = overlay(s.view.Posts, s.local, s.m.cfg.PageSize)
	delete(s.view.Comments, postID)
	s.publishLocked()
}

// Close unsubscribes immediately. Results of queries still in flight are
// discarded. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.views)
	s.mu.Unlock()

	s.cancel()
	s.subMu.Lock()
	s.sub.Close()
	s.subMu.Unlock()
	s.m.metrics.SessionClosed()
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) watchedLocked() map[string]bool {
	if len(s.watched) == 0 {
		return nil
	}
	out := make(map[string]bool, len(s.watched))
	for id := range s.watched {
		out[id] = true
	}
	return out
}

func (s *Session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// publishLocked replaces whatever view is waiting in the channel with the
// current one. Callers hold s.mu, which also serializes senders.
func (s *Session) publishLocked() {
	s.view.Revision++
	s.view.UpdatedAt = time.Now().UTC()
	select {
	case <-s.views:
	default:
	}
	s.views <- s.view.clone()
}

func (s *Session) start() {
	async.SafeGo(s.ctx, 0, "materializer.signals", s.pump)
	async.SafeGo(s.ctx, 0, "materializer.refresh", s.loop)
	go func() {
		<-s.ctx.Done()
		s.Close()
	}()
}

// pump feeds subscription signals into OnSignal. An overflow disconnect is
// healed by resubscribing and re-querying everything.
func (s *Session) pump(ctx context.Context) error {
	for {
		s.subMu.Lock()
		sub := s.sub
		s.subMu.Unlock()

		sig, err := sub.Next(ctx)
		switch {
		case err == nil:
			s.OnSignal(sig)
		case errors.Is(err, changebus.ErrSubscriberOverflow):
			s.subMu.Lock()
			if s.Closed() {
				s.subMu.Unlock()
				return nil
			}
			s.log.Warn("Signal subscription overflowed, resubscribing")
			s.sub = s.m.bus.Subscribe(s.orgID, s.m.cfg.Subscription)
			s.subMu.Unlock()
			s.OnSignal(changebus.Resync(s.orgID))
		default:
			if ctx.Err() == nil && !errors.Is(err, changebus.ErrSubscriptionClosed) {
				s.log.WithError(err).Warn("Signal subscription ended")
			}
			return nil
		}
	}
}

// loop runs one refresh at a time. Work that arrives while a refresh is in
// flight accumulates in s.pending and runs as a single follow-up.
func (s *Session) loop(ctx context.Context) error {
	var tick <-chan time.Time
	if s.m.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(s.m.cfg.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-tick:
			s.OnSignal(changebus.Resync(s.orgID))
			continue
		}

		s.mu.Lock()
		w := s.pending
		s.pending = work{}
		s.mu.Unlock()
		if w.empty() {
			continue
		}

		if err := s.refresh(w); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("View refresh failed, keeping previous view")
		}
	}
}

// refresh runs the re-queries in w and applies their results
func (s *Session) refresh(w work) error {
	s.mu.Lock()
	s.seq++
	started := s.seq
	s.mu.Unlock()

	var (
		page     *content.Page
		threads  = make(map[string][]content.Comment)
		gone     []string
		firstErr error
	)

	if w.feed {
		begin := time.Now()
		p, err := s.queryFeed()
		s.m.metrics.RequeryObserved("feed", time.Since(begin), err)
		if err != nil {
			firstErr = err
		} else {
			page = p
		}
	}

	for postID := range w.threads {
		begin := time.Now()
		cs, err := s.queryThread(postID)
		switch {
		case err == nil:
			threads[postID] = cs
		case errors.Is(err, errs.ErrNotFound):
			gone = append(gone, postID)
			err = nil
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
		s.m.metrics.RequeryObserved("comments", time.Since(begin), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if page == nil && len(threads) == 0 && len(gone) == 0 {
		return firstErr
	}

	if page != nil {
		for id, lc := range s.local {
			if lc.seq < started {
				delete(s.local, id)
			}
		}
		s.view.Posts = overlay(page.Posts, s.local, s.m.cfg.PageSize)
		s.view.NextCursor = page.NextCursor
	}
	for postID, cs := range threads {
		if s.watched[postID] {
			s.view.Comments[postID] = cs
		}
	}
	for _, postID := range gone {
		delete(s.view.Comments, postID)
	}
	s.publishLocked()
	return firstErr
}

func (s *Session) queryFeed() (*content.Page, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	return s.m.reader.ListVisiblePosts(ctx, s.viewerID, s.orgID, content.PageRequest{Limit: s.m.cfg.PageSize})
}

func (s *Session) queryThread(postID string) ([]content.Comment, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	return s.m.reader.ListComments(ctx, s.viewerID, s.orgID, postID)
}

func (s *Session) queryContext() (context.Context, context.CancelFunc) {
	if s.m.cfg.QueryTimeout > 0 {
		return context.WithTimeout(s.ctx, s.m.cfg.QueryTimeout)
	}
	return context.WithCancel(s.ctx)
}

// overlay applies local changes to posts, keeping feed order (newest
// first) and the page size.
func overlay(posts []content.Post, local map[string]localChange, limit int) []content.Post {
	out := make([]content.Post, 0, len(posts)+len(local))
	seen := make(map[string]bool, len(local))
	for _, p := range posts {
		if lc, ok := local[p.ID]; ok {
			seen[p.ID] = true
			if lc.deleted {
				continue
			}
			if lc.post.Version >= p.Version {
				p = lc.post
			}
		}
		out = append(out, p)
	}
	for id, lc := range local {
		if seen[id] || lc.deleted {
			continue
		}
		out = append(out, lc.post)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
