package audit

import (
	"context"
	"errors"
)

// MultiLogger logs to multiple audit loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log logs an audit event to all configured loggers, continuing past failures
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogAuthorization logs to all configured loggers
func (m *MultiLogger) LogAuthorization(ctx context.Context, actorID, orgID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.LogAuthorization(ctx, actorID, orgID, resourceType, resourceID, status, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogAdminAction logs to all configured loggers
func (m *MultiLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID, orgID, targetUserID, message string) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.LogAdminAction(ctx, eventType, actorID, orgID, targetUserID, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
