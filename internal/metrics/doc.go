// Package metrics owns the Prometheus collectors for the conductor.
//
// Metrics carries its own registry instead of registering on the global
// default, so tests can build as many isolated instances as they like. All
// recording methods are safe on a nil *Metrics, which lets components treat
// metrics as optional.
package metrics
