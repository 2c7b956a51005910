package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/content"
	"github.com/platinummonkey/orgfeed/pkg/httputil"
	"github.com/platinummonkey/orgfeed/pkg/materializer"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
	"github.com/platinummonkey/orgfeed/pkg/notify"
	"github.com/platinummonkey/orgfeed/pkg/observability"
)

// Services are the components the API serves
type Services struct {
	Content       *content.Service
	Admin         *authz.Admin
	Signals       materializer.Subscriber
	Sessions      *materializer.Materializer
	Notifications *notify.Store
}

// Config configures the HTTP surface
type Config struct {
	// Heartbeat is the comment interval on event streams
	Heartbeat time.Duration

	// MaxBodyBytes bounds request bodies
	MaxBodyBytes int64

	// IdentityHeader overrides middleware.UserIDHeader
	IdentityHeader string
}

// DefaultConfig returns the default API configuration
func DefaultConfig() Config {
	return Config{
		Heartbeat:    25 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

// Option customizes a Server
type Option func(*Server)

// WithMetrics records request metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit limits mutations per viewer
func WithRateLimit(rl *middleware.DistributedRateLimitMiddleware) Option {
	return func(s *Server) { s.rateLimit = rl }
}

// WithAudit makes logger available to handlers through audit.FromContext
func WithAudit(logger audit.Logger) Option {
	return func(s *Server) { s.audit = logger }
}

// Server represents our API server
type Server struct {
	router    *mux.Router
	svc       Services
	cfg       Config
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	rateLimit *middleware.DistributedRateLimitMiddleware
	audit     audit.Logger
}

// NewServer creates a new API server
func NewServer(svc Services, cfg Config, log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.New()
	}
	def := DefaultConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		cfg:    cfg,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithLogger(r.Context(), s.audit)))
	})
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware, httputil.LoggingMiddleware(s.log), httputil.RecoveryMiddleware)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	s.router.Use(middleware.NewAuthMiddleware(s.cfg.IdentityHeader).Handler)
	if s.audit != nil {
		s.router.Use(s.auditMiddleware)
	}
	if s.rateLimit != nil {
		s.router.Use(s.rateLimit.Handler)
	}
	s.router.Use(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes))

	// Content
	s.router.HandleFunc("/orgs/{orgID}/posts", s.listPosts).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/posts", s.createPost).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/posts/{postID}", s.getPost).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/posts/{postID}", s.editPost).Methods(http.MethodPatch)
	s.router.HandleFunc("/orgs/{orgID}/posts/{postID}", s.deletePost).Methods(http.MethodDelete)
	s.router.HandleFunc("/orgs/{orgID}/posts/{postID}/comments", s.listComments).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/posts/{postID}/comments", s.createComment).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/comments/{commentID}", s.editComment).Methods(http.MethodPatch)
	s.router.HandleFunc("/orgs/{orgID}/comments/{commentID}", s.deleteComment).Methods(http.MethodDelete)

	// Streams
	s.router.HandleFunc("/orgs/{orgID}/signals", s.streamSignals).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/feed/stream", s.streamFeed).Methods(http.MethodGet)

	// Authorization
	s.router.HandleFunc("/orgs", s.createOrganization).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}", s.getOrganization).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/settings", s.updateSettings).Methods(http.MethodPatch)
	s.router.HandleFunc("/orgs/{orgID}/permissions/{key}", s.hasPermission).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/join", s.join).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/members", s.listMembers).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/members", s.addMember).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/members/{userID}", s.removeMember).Methods(http.MethodDelete)
	s.router.HandleFunc("/orgs/{orgID}/members/{userID}/role", s.assignRole).Methods(http.MethodPut)
	s.router.HandleFunc("/orgs/{orgID}/members/{userID}/tier", s.assignTier).Methods(http.MethodPut)
	s.router.HandleFunc("/orgs/{orgID}/roles", s.listRoles).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/roles", s.createRole).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/roles/{roleID}", s.renameRole).Methods(http.MethodPatch)
	s.router.HandleFunc("/orgs/{orgID}/roles/{roleID}", s.deleteRole).Methods(http.MethodDelete)
	s.router.HandleFunc("/orgs/{orgID}/roles/{roleID}/permissions/{key}", s.grantPermission).Methods(http.MethodPut)
	s.router.HandleFunc("/orgs/{orgID}/roles/{roleID}/permissions/{key}", s.revokePermission).Methods(http.MethodDelete)
	s.router.HandleFunc("/orgs/{orgID}/tiers", s.listTiers).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{orgID}/tiers", s.createTier).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{orgID}/tiers/{tierID}", s.deleteTier).Methods(http.MethodDelete)

	// Notifications
	s.router.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	s.router.HandleFunc("/notifications/unread-count", s.unreadCount).Methods(http.MethodGet)
	s.router.HandleFunc("/notifications/read-all", s.markAllRead).Methods(http.MethodPost)
	s.router.HandleFunc("/notifications/{notificationID}/read", s.markRead).Methods(http.MethodPost)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with OpenTelemetry instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "orgfeed.api")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
