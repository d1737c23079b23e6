// Package approval suspends a task run until a human approves or rejects
// its plan.
//
// Gate.Await broadcasts plan_created, then waits on three sources at once:
//
//   - the decisions:<project> topic on the event channel, which carries
//     decisions made in any process;
//   - an in-process waiter, fired when Gate.Decide runs in this process;
//   - the store, polled every poll interval for a recorded decision.
//
// Whichever reports a decision for the plan first wins. When the overall
// timeout passes the plan is rejected, one agent_status message with status
// "timeout" is broadcast, and Await returns OutcomeTimedOut. Callers treat
// a timeout like a rejection.
//
// Gate.Decide records the decision (a plan has at most one), moves the plan
// out of PENDING_REVIEW, wakes a local waiter, and publishes the decision
// message
//
//	{"type":"plan_approval","data":{"planId":"...","approved":true}}
//
// on the decision topic before announcing plan_approved or plan_rejected on
// the project topic.
package approval
