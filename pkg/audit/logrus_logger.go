package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes audit events as structured log entries
type LogrusLogger struct {
	log logrus.FieldLogger
}

// NewLogrusLogger creates an audit logger on top of log
func NewLogrusLogger(log logrus.FieldLogger) *LogrusLogger {
	if log == nil {
		log = logrus.New()
	}
	return &LogrusLogger{log: log.WithField("component", "audit")}
}

// Log logs an audit event
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit_event": string(event.EventType),
		"status":      string(event.Status),
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.OrganizationID != "" {
		fields["org_id"] = event.OrganizationID
	}
	if event.TargetUserID != "" {
		fields["target_user_id"] = event.TargetUserID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.log.WithFields(fields)
	if event.Status == EventStatusDenied || event.Status == EventStatusFailure {
		entry.Warn(event.Message)
	} else {
		entry.Info(event.Message)
	}
	return nil
}

// LogAuthorization logs the outcome of a permission check
func (l *LogrusLogger) LogAuthorization(ctx context.Context, actorID, orgID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error {
	event := buildBaseEvent(ctx, EventTypeAuthzAccessDenied, status)
	event.ActorID = actorID
	event.OrganizationID = orgID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message
	return l.Log(ctx, event)
}

// LogAdminAction logs an administrative change
func (l *LogrusLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID, orgID, targetUserID, message string) error {
	event := buildBaseEvent(ctx, eventType, EventStatusSuccess)
	event.ActorID = actorID
	event.OrganizationID = orgID
	event.TargetUserID = targetUserID
	event.Message = message
	return l.Log(ctx, event)
}

// Close is a no-op; logrus writes synchronously
func (l *LogrusLogger) Close() error {
	return nil
}
