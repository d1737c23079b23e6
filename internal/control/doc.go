// Package control exposes task operations to remote callers.
//
// [Service] is the single entry point for launching, resuming, cancelling
// and inspecting tasks and for deciding plans. The gRPC server in this
// package and the HTTP API in the gateway both call it, so both surfaces
// behave the same.
//
// # gRPC
//
// The TaskControl service (coven.conductor.v1.TaskControl) carries
// google.protobuf.Struct messages whose fields match the JSON bodies of the
// HTTP API:
//
//	Launch   {agentClass, prompt, projectId?, parentSessionId?, skipPlanning?} -> task
//	Resume   {sessionId, prompt, parentSessionId?}                              -> task
//	Cancel   {id}                                                               -> task
//	Decide   {projectId?, planId, approved}                                     -> {planId, approved}
//	GetTask  {id}                                                               -> task
//
// The standard grpc.health.v1 service is registered beside it and reports
// SERVING until shutdown.
//
// Errors map onto status codes with [Code]; the HTTP API uses [HTTPStatus]
// for the same mapping.
package control
