// Package ws provides the WebSocket endpoints of the map service.
//
// Two roles connect:
//   - device: a phone agent at /api/devices/:id/stream that reports its
//     location service state, answers permission prompts and pushes fixes
//   - viewer: a map client at /api/sessions/:id/view that receives session
//     status and renderer snapshots
//
// Message Types (device → server):
//   - status: {"type":"status","enabled":true}
//   - permission_result: {"type":"permission_result","id":"...","granted":true}
//   - fix: {"type":"fix","fix":{"latitude":..,"longitude":..,"accuracy":..}}
//   - ping: keep-alive
//
// Message Types (server → device):
//   - connected, permission_request, watch, unwatch, pong, error
//
// Message Types (viewer ↔ server):
//   - status, view, closed, error (server → viewer)
//   - reload, ping (viewer → server)
//
// Frames are JSON encoded with sonic.
package ws
