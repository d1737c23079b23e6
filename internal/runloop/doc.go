// Package runloop sequences one task run through planning, approval and
// execution.
//
//	START -> PLANNING -> AWAITING_APPROVAL -> EXECUTING -> DONE
//
// PLANNING is skipped when requested, and AWAITING_APPROVAL with it since
// there is no plan to review. A rejected or timed out plan goes straight to
// DONE.
//
// EXECUTING asks the agent for one step at a time and runs the requested
// tool calls one after another, never overlapping. A failed agent call, a
// failed tool call or a panic in either becomes a feedback entry in the
// history and the loop moves on; it only stops early when the task is
// cancelled or the run context ends. When the iteration budget runs out the
// task completes with whatever partial results exist.
//
// Every run sends exactly one agent_response message, on every path.
package runloop
