// Package storage provides the relational persistence layer shared by the
// orgfeed components.
//
// # Overview
//
// orgfeed stores organizations, roles, membership tiers, members, posts,
// comments and notifications in a transactional SQL database. PostgreSQL
// (github.com/lib/pq) is the production backend; SQLite
// (github.com/mattn/go-sqlite3) is supported for single-node runs and is the
// backend used by the package tests.
//
// # Querier
//
// Every store in orgfeed is written against the Querier interface, which is
// satisfied by both *sql.DB and *sql.Tx. A store bound to a transaction runs
// its permission checks and its writes on the same connection, which is how
// "permission check and write happen atomically together" is enforced:
//
//	err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
//		allowed := checker.WithTx(tx).HasPermission(ctx, actorID, orgID, authz.PermCreatePosts)
//		...
//		return posts.WithTx(tx).Insert(ctx, post)
//	})
//
// # Portable SQL
//
// Queries use $n placeholders numbered in order of first appearance, which
// both drivers accept. Timestamps are always bound as arguments in UTC rather
// than produced with NOW(), and upserts use ON CONFLICT DO NOTHING.
//
// # Migrations
//
// Each package that owns tables exposes a Migrations() list. Migrate applies
// pending entries in order and records them in schema_migrations:
//
//	all := storage.Concat(authz.Migrations(), content.Migrations(), notify.Migrations())
//	if err := storage.Migrate(ctx, db, all, logger); err != nil {
//		return err
//	}
//
// # Error Classification
//
// Classify maps driver level failures (lost connections, serialization
// failures, SQLite busy) to errs.ErrTransientUnavailable so that callers can
// decide whether a retry is safe.
package storage
