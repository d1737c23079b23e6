// Package broadcast delivers progress messages to every client connection
// subscribed to a topic, whichever process holds the connection.
//
// # Messages
//
// Message is the tagged union streamed to clients. Type is one of:
//
//	agent_status                 status + message text
//	tool_execution               tool name + input
//	tool_result                  tool name + truncated result
//	plan_created                 plan id + markdown content + HTML
//	plan_approved, plan_rejected plan id
//	walkthrough_ready            plan id + content
//	background_task_started      task id, session id, description
//	background_task_progress     task id, tool name, tool call count
//	background_task_completed    task id, status, duration
//	agent_response               final text of a run
//
// Every message carries a timestamp. Use the constructors (AgentStatus,
// ToolResult, ...) rather than filling the struct by hand.
//
// # Routing
//
// Router.Broadcast does two things on every call:
//
//  1. If this process has connections for the topic, deliver to them
//     directly through the hub registry.
//  2. Publish an Envelope {id, origin, topic, payload} on the event channel.
//
// Every process runs a subscriber loop (Router.Start) on the wildcard topic.
// For each envelope it skips its own (origin matches, already delivered in
// step 1) and any id it has seen before, then delivers locally. The loop
// never republishes, so messages cannot echo between processes.
//
// Broadcast logs and counts publish failures and never returns them, so
// progress delivery is best-effort. Router.Publish performs the same steps
// but returns a *PublishError, for callers that retry.
package broadcast
