// Package materializer keeps a per-viewer, authorized view of an
// organization's feed up to date.
//
// A Session subscribes to the organization's change signals, bootstraps
// from the repository, and on every relevant signal re-queries through the
// same authorized read path. Signals are never rendered; they only say
// that something may have changed.
package materializer
