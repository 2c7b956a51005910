// Package api exposes orgfeed over HTTP.
//
// All routes except health and metrics require the X-User-ID header set by
// the authenticating gateway. Reads go through the content service so a
// response only ever contains what the viewer may see. Two endpoints stream
// server-sent events:
//
//	GET /orgs/{orgID}/signals       opaque change signals for the organization
//	GET /orgs/{orgID}/feed/stream   the viewer's materialized feed, one event per revision
//
// Errors use the JSON shape of httputil.ErrorResponse and never contain
// details of the underlying cause.
package api
