// Package main is the entry point for the livemap server.
//
// livemap follows a device's position and keeps a marker on a map page
// that runs inside a JavaScript sandbox in step with it.
//
// Commands:
//
//	# Run the HTTP and WebSocket API (configured from the environment)
//	livemap serve --port 8000
//
//	# Development mode (colored logs, debug level)
//	livemap serve --dev
//
//	# Walk a simulated device across one map session without a server
//	livemap simulate --steps 20 --interval 500ms
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
