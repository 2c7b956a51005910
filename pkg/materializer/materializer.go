package materializer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/content"
)

// Reader is the authorized read path a session queries
type Reader interface {
	ListVisiblePosts(ctx context.Context, viewerID, orgID string, req content.PageRequest) (*content.Page, error)
	ListComments(ctx context.Context, viewerID, orgID, postID string) ([]content.Comment, error)
}

// Subscriber opens change signal subscriptions. *changebus.Bus implements it.
type Subscriber interface {
	Subscribe(orgID string, opts changebus.SubscribeOptions) *changebus.Subscription
}

// Metrics receives session counters. observability.Metrics implements it.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	RequeryObserved(kind string, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened() {}
func (noopMetrics) SessionClosed() {}
func (noopMetrics) RequeryObserved(string, time.Duration, error) {}

// Config configures sessions
type Config struct {
	// PageSize is the number of feed posts kept in a view
	PageSize int

	// ResyncInterval re-queries everything periodically as a safety net
	// for lost signals. Negative disables it.
	ResyncInterval time.Duration

	// QueryTimeout bounds a single re-query. Zero means no bound.
	QueryTimeout time.Duration

	Subscription changebus.SubscribeOptions
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		PageSize:       content.DefaultPageSize,
		ResyncInterval: 60 * time.Second,
		QueryTimeout:   10 * time.Second,
	}
}

// Materializer opens sessions
type Materializer struct {
	reader  Reader
	bus     Subscriber
	cfg     Config
	log     logrus.FieldLogger
	metrics Metrics
}

// New creates a materializer
func New(reader Reader, bus Subscriber, cfg Config, log logrus.FieldLogger, metrics Metrics) *Materializer {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Materializer{reader: reader, bus: bus, cfg: cfg, log: log, metrics: metrics}
}

// Open subscribes to orgID and bootstraps viewerID's view. The subscription
// is taken before the first query so no change after bootstrap is missed.
// The session lives until Close or until ctx ends. Either way the
// subscription is released and Views is closed.
func (m *Materializer) Open(ctx context.Context, viewerID, orgID string) (*Session, error) {
	sub := m.bus.Subscribe(orgID, m.cfg.Subscription)

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		m:        m,
		viewerID: viewerID,
		orgID:    orgID,
		sub:      sub,
		ctx:      sctx,
		cancel:   cancel,
		log: m.log.WithFields(logrus.Fields{
			"viewer_id": viewerID,
			"org_id":    orgID,
		}),
		watched: make(map[string]bool),
		local:   make(map[string]localChange),
		views:   make(chan View, 1),
		wake:    make(chan struct{}, 1),
		view: View{
			OrganizationID: orgID,
			ViewerID:       viewerID,
			Comments:       map[string][]content.Comment{},
		},
	}

	if err := s.refresh(work{feed: true}); err != nil {
		cancel()
		sub.Close()
		return nil, err
	}

	m.metrics.SessionOpened()
	s.start()
	return s, nil
}
