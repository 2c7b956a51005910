// Package httputil provides the JSON request and response helpers and the
// generic middleware shared by the orgfeed HTTP API.
//
// Errors returned by services are written with WriteServiceError, which maps
// the errs taxonomy to a status code and a public message:
//
//	post, err := svc.GetPost(ctx, viewer, orgID, postID)
//	if err != nil {
//		httputil.WriteServiceError(w, r, err)
//		return
//	}
//	httputil.WriteSuccess(w, post)
//
// Request bodies are decoded strictly:
//
//	var req CreatePostRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
package httputil
