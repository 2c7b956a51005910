// Package config loads orgfeed configuration.
//
// Values come from built in defaults, then an optional YAML file named by
// ORGFEED_CONFIG_FILE, then ORGFEED_* environment variables.
//
// Server settings:
//
//	ORGFEED_HOST="0.0.0.0"
//	ORGFEED_PORT="8080"
//	ORGFEED_HEALTH_PORT="9090"
//
// Storage settings:
//
//	ORGFEED_DB_DRIVER="postgres"  # postgres, sqlite3
//	ORGFEED_DB_DSN="postgres://localhost:5432/orgfeed?sslmode=disable"
//	ORGFEED_REDIS_URL="redis://localhost:6379"  # enables the cross replica relay
//
// Change bus and sessions:
//
//	ORGFEED_BUS_QUEUE_SIZE="64"
//	ORGFEED_BUS_COALESCE_WINDOW="200ms"
//	ORGFEED_BUS_OVERFLOW="drop_oldest"  # drop_oldest, disconnect
//	ORGFEED_SESSION_RESYNC_INTERVAL="60s"
//
// Observability settings:
//
//	ORGFEED_LOG_LEVEL="info"
//	ORGFEED_LOG_FORMAT="json"  # json, text
//	ORGFEED_OTEL_ENABLED="true"
//	ORGFEED_OTEL_ENDPOINT="otel-collector:4317"
//
// The same keys in YAML:
//
//	server:
//	  port: "8080"
//	bus:
//	  coalesce_window: 200ms
//	  retry:
//	    max_attempts: 5
package config
