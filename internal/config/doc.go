// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  auth_timeout: "10s"
//	  share_token_ttl: "24h"
//	limits:
//	  idle_timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8585"  # API and realtime connections
//
// Event store:
//
//	database:
//	  driver: "sqlite"            # sqlite or memory
//	  path: "/var/lib/parley/parley.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"  # Required
//	  auth_timeout: "10s"
//	  share_token_ttl: "24h"
//
// Limits:
//
//	limits:
//	  rate_capacity: 10          # Burst tokens per sender
//	  rate_refill_per_sec: 1     # Steady-state messages per second
//	  queue_bound: 128           # Pending submissions per conversation
//	  max_payload_bytes: 65536   # Oversize messages are rejected
//	  session_buffer: 64         # Outbound events buffered per connection
//	  idle_timeout: "5m"         # Idle connections are reaped
//
// Agents:
//
//	agents:
//	  echo_enabled: false        # Built-in echo responder, for demos
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
