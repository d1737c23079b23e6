// Package hub is the per-process connection registry.
//
// Each live client connection (normally a WebSocket) is registered under a
// single topic such as "project:42". The broadcast router asks the registry
// to deliver a payload to every connection on a topic:
//
//	sent, failed := reg.Deliver(ctx, "project:42", payload)
//
// Sends run concurrently with a bounded per-send timeout. A connection whose
// send fails is treated as disconnected: it is removed from the registry and
// closed, and the remaining sends continue.
//
// Registering a connection that is already known under another topic moves
// it, so a connection belongs to exactly one topic at a time.
//
// The registry holds only process-local state. Connections in other
// processes are reached through the event channel, never through here.
package hub
