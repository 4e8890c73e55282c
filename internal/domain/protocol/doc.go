// Package protocol defines the string protocol spoken between the host and
// the map sandbox.
//
// Sandbox → Host (posted by the page):
//   - "HTML loaded"
//   - "<SDK> loaded" / "<SDK> load FAILED"
//   - "<renderer> not ready"
//   - "Map created OK"
//   - "JS ERROR: <message> @ <line>:<col>"
//   - "<command> error: <message>"
//   - "Location applied: <lat>,<lng>"
//
// Host → Sandbox (injected code):
//
//	window.setMyLocation(<lat>, <lng>);
//	true;
//
// The SDK, renderer and command names come from a Dialect so a page built
// around a different map library only needs a different Dialect.
package protocol
