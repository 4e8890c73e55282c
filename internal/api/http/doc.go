// Package http exposes map sessions over a JSON API.
//
// Routes:
//
//	POST   /api/sessions             mount a session
//	GET    /api/sessions             list sessions
//	GET    /api/sessions/:id         session status
//	POST   /api/sessions/:id/reload  recreate the sandbox document
//	DELETE /api/sessions/:id         unmount
//	GET    /api/devices              phone agents
//	GET    /health, /metrics, /metrics/json
package http
