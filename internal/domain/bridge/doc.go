// Package bridge provides the host side of the sandbox message channel.
//
// The transport is asymmetric. Host → sandbox is code injection with no
// return value and no acknowledgment; a send made before the sandbox content
// is loaded is silently dropped, so callers gate sends on readiness instead
// of relying on the channel to buffer. Sandbox → host is a stream of text
// messages delivered to a single handler in emission order, asynchronously
// with respect to whatever host action triggered them.
//
// Every Load starts a new document. Messages posted by an earlier document
// are discarded rather than delivered, and handlers that queue messages
// for later use OnDocumentMessage to compare against Document.
//
// Example Usage:
//
//	ch := bridge.NewChannel(runtime, logger)
//	defer ch.Close()
//	unregister := ch.OnMessageFromSandbox(func(text string) { ... })
//	defer unregister()
//	if err := ch.Load(markup); err != nil { ... }
//	ch.SendToSandbox(dialect.ApplyLocation(lat, lng))
package bridge
