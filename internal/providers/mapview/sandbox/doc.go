/*
Package sandbox hosts an HTML map page inside a goja JavaScript runtime.

# Overview

A Runtime plays the role of an embedded web view. It parses markup with
goquery, then runs every <script> element in document order on a single
event-loop goroutine:

  - Inline scripts run as classic scripts in the global scope
  - External scripts are resolved through ScriptLoaders; the element's
    onload or onerror attribute runs afterwards
  - setTimeout callbacks are queued back onto the same loop
  - Uncaught errors are routed to window.onerror(message, source, line, col)

# Bridge

Pages talk to the host only through window.hostBridge.postMessage(text).
The host talks to the page only by injecting code; injection returns
nothing and is dropped when no document is loaded.

# Security Model

Sandboxed code cannot:
  - Reach require, process, module or exports
  - Fetch anything except through the configured loaders
  - Run longer than ScriptTimeout per job

# Usage Example

	rt := sandbox.New(sandbox.DefaultConfig(),
		sandbox.WithLogger(logger),
		sandbox.WithLoaders(atlas.NewLoader(renderer, src)),
	)
	defer rt.Close()

	rt.OnMessage(func(text string) { ... })
	if err := rt.LoadContent(markup); err != nil {
		return err
	}
	rt.InjectCode("window.setMyLocation(37.5665, 126.978);\ntrue;")
*/
package sandbox
