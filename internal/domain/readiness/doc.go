// Package readiness tracks the bootstrap progress of a map sandbox.
//
// The machine is driven only by messages the sandbox posts back to the host
// and by the bootstrap watchdog:
//
//	Loading ──"HTML loaded"──▶ HTMLLoaded ──"<SDK> loaded"──▶ SDKLoaded
//	                              │                              │
//	                              ├────────"Map created OK"──────┴──▶ MapCreated
//	                              │
//	                              └─"<SDK> load FAILED" / "<renderer> not ready"──▶ Failed
//
// MapCreated and Failed are terminal. Script exceptions and command errors
// are recorded without changing the stage. Reset puts a recreated sandbox
// back into Loading.
package readiness
