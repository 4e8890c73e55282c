// Package session wires one mounted map: the permission gate, the location
// subscription, the sandbox bridge, the readiness machine and the
// reconciler.
//
// Each Session runs a single event loop that owns all domain state. Inputs
// arrive over channels: location samples, sandbox messages, the permission
// result, the bootstrap watchdog and reload requests. Nothing outside the
// loop mutates readiness or the reconciler, so no locking guards them;
// readers get an atomically published Status instead.
//
// Lifecycle:
//  1. New validates dependencies
//  2. Mount loads the map page, arms the watchdog and starts the
//     availability check; location tracking starts only when it succeeds
//  3. Reload recreates the sandbox document and replays the latest sample
//     once the new map reports ready
//  4. Unmount stops the subscription, detaches the bridge and closes the
//     sandbox
//
// Example Usage:
//
//	s, err := session.New(id.NewSessionID(), deps, session.DefaultConfig())
//	if err := s.Mount(ctx); err != nil { ... }
//	defer s.Unmount()
//	status := s.Status()
package session
