package api

import (
	"net/http"

	"github.com/platinummonkey/orgfeed/pkg/content"
	"github.com/platinummonkey/orgfeed/pkg/httputil"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
)

// createCommentRequest omits the post id, which comes from the path
type createCommentRequest struct {
	Body        string               `json:"body"`
	Attachments []content.Attachment `json:"attachments"`
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", content.DefaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := s.svc.Content.ListVisiblePosts(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), content.PageRequest{
		Cursor: httputil.ParseQueryString(r, "cursor", ""),
		Limit:  limit,
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req content.NewPost
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	post, err := s.svc.Content.CreatePost(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, post)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.svc.Content.GetPost(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "postID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, post)
}

func (s *Server) editPost(w http.ResponseWriter, r *http.Request) {
	var patch content.PostPatch
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	post, err := s.svc.Content.EditPost(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "postID"), patch)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, post)
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Content.DeletePost(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "postID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.svc.Content.ListComments(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "postID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"comments": comments})
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	comment, err := s.svc.Content.CreateComment(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), content.NewComment{
		PostID:      httputil.PathVar(r, "postID"),
		Body:        req.Body,
		Attachments: req.Attachments,
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, comment)
}

func (s *Server) editComment(w http.ResponseWriter, r *http.Request) {
	var patch content.CommentPatch
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	comment, err := s.svc.Content.EditComment(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "commentID"), patch)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, comment)
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Content.DeleteComment(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "commentID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
