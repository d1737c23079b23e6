// Package gateway wires one coven-conductor process together and serves it.
//
// # Overview
//
// [New] builds every component from a [config.Config]: the store, the event
// channel shared with other processes, the connection hub and broadcast
// router, the admission controller, the task registry with its completion
// outbox, the approval gate, the agent and tool backends, and the run loop.
// [Gateway.Run] opens the listeners (plain TCP, or a tailnet node when
// tailscale.enabled is set), restores tasks left RUNNING by a previous run of
// the same process, starts the broadcast subscriber and the config watcher,
// and serves until the context ends.
//
// # HTTP API
//
// All /api routes and /ws require a bearer token when auth.jwt_secret is set.
//
//	POST /api/tasks                    launch a task, blocking until admitted
//	GET  /api/tasks?session=|parent=|status=running
//	GET  /api/tasks/{id}
//	POST /api/tasks/{id}/cancel
//	POST /api/tasks/resume             {sessionId, prompt}
//	POST /api/plans/{id}/decision      {approved, projectId?}; operator role
//	GET  /api/plans/{id}               plan with rendered HTML
//	GET  /api/admission                slot usage and limits
//	GET  /ws?topic=<topic>             progress stream
//	GET  /health, /health/ready
//	GET  /metrics                      when metrics.enabled
//
// Errors are returned as {"error": "..."} with a status code from
// [control.HTTPStatus].
//
// # gRPC
//
// The TaskControl service and grpc health are served on the gRPC listener;
// see package control.
//
// # Shutdown
//
// Servers stop first, then components close in reverse build order: runs are
// cancelled and finish their tasks, the registry and outbox drain, and the
// channel and store close last.
package gateway
