package api

import (
	"net/http"

	"github.com/platinummonkey/orgfeed/pkg/httputil"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
	"github.com/platinummonkey/orgfeed/pkg/notify"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	unread, err := httputil.ParseQueryBool(r, "unread", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", notify.DefaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	list, err := s.svc.Notifications.List(r.Context(), middleware.ViewerID(r), notify.ListOptions{
		UnreadOnly: unread,
		Limit:      limit,
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"notifications": list})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notifications.UnreadCount(r.Context(), middleware.ViewerID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int{"unread": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewerID := middleware.ViewerID(r)
	id := httputil.PathVar(r, "notificationID")

	if err := s.svc.Notifications.MarkRead(ctx, viewerID, id); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	n, err := s.svc.Notifications.Get(ctx, viewerID, id)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, n)
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notifications.MarkAllRead(r.Context(), middleware.ViewerID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"marked": n})
}
