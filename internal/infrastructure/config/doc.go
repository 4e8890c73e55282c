// Package config loads 12-factor configuration from environment variables.
//
// Sections:
//   - Server: listen address, CORS origins, shutdown grace period
//   - Logging: LOG_LEVEL, LOG_DEV
//   - Location: accuracy tier and delivery thresholds
//   - Sandbox: bootstrap watchdog, script and load timeouts, map profile
//   - Permission: how long a permission prompt may stay unanswered
//   - Geolocation: default provider and IP lookup endpoint
//   - Sessions, RateLimit
//
//	cfg := config.LoadOrDefault()
//	server.Run(cfg.Addr())
package config
