// Package eventbus abstracts the shared broker every conductor process can
// reach: publish a payload under a topic, subscribe to a topic.
//
// # Channel
//
// Channel is the only cross-process messaging primitive in the system:
//
//	ch.Publish(ctx, "project:42", payload)
//	sub, _ := ch.Subscribe(ctx, "decisions:42")
//	msg, ok, err := sub.Next(ctx, time.Second)
//
// Subscribing to the wildcard topic "*" receives every topic; the broadcast
// router's per-process subscriber loop uses it.
//
// # Implementations
//
//   - MemoryBroker: in-process broker. Each call to Channel() returns an
//     independent handle, so tests can model several processes sharing one
//     broker.
//   - NATSChannel: core NATS publish/subscribe. Topics map to subjects under a
//     configurable prefix; "*" maps to "<prefix>.>".
//   - PgChannel: PostgreSQL LISTEN/NOTIFY on a single channel. One dedicated
//     connection listens and fans notifications out to local subscriptions.
//
// # Delivery
//
// Delivery is best-effort. Every subscription has a bounded buffer; messages
// arriving while it is full are dropped and counted. Nothing is replayed after
// a reconnect.
package eventbus
