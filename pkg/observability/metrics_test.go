package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/events"
	"github.com/platinummonkey/orgfeed/pkg/materializer"
	"github.com/platinummonkey/orgfeed/pkg/notify"
)

var (
	_ changebus.Metrics      = (*Metrics)(nil)
	_ materializer.Metrics   = (*Metrics)(nil)
	_ notify.Metrics         = (*Metrics)(nil)
	_ events.FailureObserver = (*Metrics)(nil).SinkFailed
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SignalPublished("post")
	m.SignalPublished("post")
	m.SignalDropped("drop_oldest")
	m.SignalCoalesced()
	m.PublishRetried()
	m.PublishFailed()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignalsPublishedTotal.WithLabelValues("post")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsDroppedTotal.WithLabelValues("drop_oldest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsCoalescedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailuresTotal))

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	m.RequeryObserved("feed", 5*time.Millisecond, nil)
	m.RequeryObserved("feed", 5*time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequeryErrors.WithLabelValues("feed")))

	m.NotificationsCreated("new_post", 3)
	m.NotificationsCreated("new_post", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("new_post")))

	m.SinkFailed("router", events.DomainEvent{Type: events.PostCreated}, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkFailuresTotal.WithLabelValues("router", "post.created")))
}

func TestMetrics_AuditLogger(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	log := m.AuditLogger()
	ctx := context.Background()

	require.NoError(t, log.LogAuthorization(ctx, "bob", "org", audit.ResourceTypePost, "p1", audit.EventStatusDenied, "create_posts"))
	require.NoError(t, log.LogAdminAction(ctx, audit.EventTypeAdminMemberRemove, "owner", "org", "bob", ""))
	require.NoError(t, log.Log(ctx, &audit.AuditEvent{EventType: audit.EventTypeAdminTierCreate}))
	require.NoError(t, log.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthorizationTotal.WithLabelValues("post", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdminActionsTotal.WithLabelValues(string(audit.EventTypeAdminMemberRemove))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdminActionsTotal.WithLabelValues(string(audit.EventTypeAdminTierCreate))))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/orgs/{org}/posts/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	RegisterMetricsEndpoint(r, registry)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orgs/o1/posts/"+id, nil))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/orgs/{org}/posts/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orgfeed_http_requests_total")
}

func TestInitOTelDisabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{}, NewLogger("error", "json", nil))
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), nil, NewLogger("error", "json", nil)))
}
