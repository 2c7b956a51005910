package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/orgfeed/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// LogAuthorization logs the outcome of a permission check
	LogAuthorization(ctx context.Context, actorID, orgID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error

	// LogAdminAction logs an administrative change affecting targetUserID
	LogAdminAction(ctx context.Context, eventType EventType, actorID, orgID, targetUserID, message string) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NoOp()
}

// NoOp returns a logger that discards everything
func NoOp() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *AuditEvent) error { return nil }

func (noOpLogger) LogAuthorization(context.Context, string, string, ResourceType, string, EventStatus, string) error {
	return nil
}

func (noOpLogger) LogAdminAction(context.Context, EventType, string, string, string, string) error {
	return nil
}

func (noOpLogger) Close() error { return nil }

// buildBaseEvent creates a base audit event with common fields populated
func buildBaseEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}
