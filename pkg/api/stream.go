package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/httputil"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
	"github.com/platinummonkey/orgfeed/pkg/observability"
)

// eventStream writes server-sent events
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (e *eventStream) send(event, id string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(e.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *eventStream) heartbeat() error {
	if _, err := fmt.Fprint(e.w, ": ping\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// streamSignals relays the organization's change signals. Signals carry no
// content so they may be sent to any authenticated viewer; clients use them
// only as a prompt to re-query.
func (s *Server) streamSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := httputil.PathVar(r, "orgID")
	log := observability.FromContext(ctx, s.log).WithField("org_id", orgID)

	sub := s.svc.Signals.Subscribe(orgID, changebus.SubscribeOptions{})
	defer sub.Close()

	stream, ok := newEventStream(w)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	signals := make(chan changebus.ChangeSignal)
	done := make(chan error, 1)
	go func() {
		for {
			sig, err := sub.Next(ctx)
			if err != nil {
				done <- err
				return
			}
			select {
			case signals <- sig:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signals:
			if err := stream.send("signal", "", sig); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		case err := <-done:
			if errors.Is(err, changebus.ErrSubscriberOverflow) {
				// the client reconnects and re-bootstraps
				_ = stream.send("overflow", "", map[string]string{"organizationId": orgID})
			} else if !errors.Is(err, context.Canceled) {
				log.WithError(err).Debug("Signal stream ended")
			}
			return
		}
	}
}

// streamFeed opens a materialized session for the viewer and sends each new
// view revision. Repeated watch query parameters name the comment threads to
// keep current.
func (s *Server) streamFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := httputil.PathVar(r, "orgID")

	session, err := s.svc.Sessions.Open(ctx, middleware.ViewerID(r), orgID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	defer session.Close()

	for _, postID := range r.URL.Query()["watch"] {
		if postID != "" {
			session.WatchComments(postID)
		}
	}

	stream, ok := newEventStream(w)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case view, open := <-session.Views():
			if !open {
				return
			}
			if err := stream.send("view", fmt.Sprintf("%d", view.Revision), view); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
