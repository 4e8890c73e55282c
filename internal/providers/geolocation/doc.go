// Package geolocation provides location capabilities for sessions. Each
// provider satisfies both permission.Platform and location.Source.
//
//   - Device: a phone agent connected over WebSocket that reports its
//     location service state, answers permission prompts and pushes fixes
//   - IPLocator: coarse positioning by polling an ip-api compatible endpoint
//   - Simulator: deterministic walker for demos and tests
package geolocation
