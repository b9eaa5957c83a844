// Package config handles configuration loading for coven-coordinator.
//
// # Configuration File
//
// Location, first match wins:
//
//  1. --config flag
//  2. COVEN_COORD_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/coordinator.yaml (~/.config when unset)
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	coordination:
//	  fanin_timeout: "2m"
//	  poll_interval: "500ms"
//	  lock_ttl: "30s"
//
// # Live Reload
//
// Watch re-reads the file on change. The server uses it to swap the agent
// policy without a restart; other sections need a restart to take effect.
package config
