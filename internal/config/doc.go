// Package config handles configuration loading for coven-state.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Optional fields get defaults; Load fails on anything invalid.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_STATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/state.yaml
//  3. ~/.config/coven/state.yaml
//
// A path ending in .toml is decoded as TOML with the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_STATE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to "".
// COVEN_STATE_DB_PATH, when set, overrides database.path.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service; empty disables
//
//	database:
//	  driver: "sqlite"             # sqlite (pure Go), sqlite3 (cgo), bolt
//	  path: "/var/lib/coven/state.db"
//	  busy_timeout: "5s"
//
//	auth:
//	  jwt_secret: "${COVEN_STATE_JWT_SECRET}"  # empty: trust tenant_header
//	  tenant_header: "X-Tenant-ID"
//
//	execution:
//	  max_attempts: 4              # optimistic write attempts
//	  executor_timeout: "30s"
//	  remote_hosts: []             # hosts remote assistants may call
//
//	store:
//	  retries: 5                   # retries on a busy database
//	  history_page_size: 50
//
//	assistants:
//	  cache_size: 256
//	  cache_ttl: "30s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-state"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	tracing:
//	  enabled: false
//	  endpoint: "localhost:4318"   # OTLP/HTTP
//	  insecure: true
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
