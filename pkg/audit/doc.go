// Package audit records security relevant decisions and administrative
// changes made in orgfeed.
//
// # Overview
//
// Two kinds of records are produced:
//
//   - Authorization: every permission check that rejected a mutation
//     (status "denied"), written by the content repository and the admin
//     service at the point of rejection.
//   - Admin actions: membership, role and tier changes. These are derived
//     from domain events by EventSink so that the audit trail and the
//     notification stream see the same facts.
//
// # Usage Example
//
//	logger := audit.NewLogrusLogger(log)
//	ctx = audit.WithLogger(ctx, logger)
//
//	audit.FromContext(ctx).LogAuthorization(ctx, actorID, orgID,
//		audit.ResourceTypePost, postID, audit.EventStatusDenied, "missing edit_posts")
//
//	dispatcher.Register("audit", audit.EventSink(logger))
//
// A Logger is not a security boundary; failures to write an audit record are
// logged and never fail the caller's operation.
package audit
