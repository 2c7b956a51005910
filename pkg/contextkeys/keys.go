// Package contextkeys holds the request-scoped context keys shared by the
// HTTP layer and the services it calls.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey holds the request id string set by
	// httputil.RequestIDMiddleware
	RequestIDKey Key = "request_id"

	// UserIDKey holds the viewer id set by middleware.AuthMiddleware
	UserIDKey Key = "user_id"

	// LoggerKey holds a request-scoped logrus.FieldLogger
	LoggerKey Key = "logger"

	// AuditLoggerKey holds the audit.Logger content denials are written to
	AuditLoggerKey Key = "audit_logger"
)

// WithRequestID returns ctx carrying requestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID returns ctx carrying the authenticated viewer id
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID returns the request id, or "" outside a request
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetUserID returns the viewer id, or "" when unauthenticated
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
