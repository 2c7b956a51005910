// Package middleware provides the orgfeed HTTP middleware for viewer
// identity and per-viewer rate limiting of mutations.
//
//	router.Use(middleware.NewAuthMiddleware("").Handler)
//	router.Use(middleware.NewDistributedRateLimitMiddleware(rdb, nil, log).Handler)
//
// The rate limiter keeps a fixed window counter per viewer in Redis and
// fails open when Redis is unreachable.
package middleware
