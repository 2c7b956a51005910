// Package notify turns domain events into persisted per-user notifications.
//
// The Router holds a static table from event type to recipients and message
// templates. Every notification id is derived from the event id and the
// recipient, so redelivered events never produce duplicates.
package notify
