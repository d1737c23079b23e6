// Package plan models the artifact produced by a task's planning phase.
//
// A Plan holds the agent's markdown proposal and the ordered checklist of
// TaskItems parsed from it. Items come from GitHub-flavored task list
// entries anywhere in the document, nested lists included, in document
// order:
//
//	## Steps
//	- [ ] Add the migration
//	- [ ] Wire the handler
//	  - [ ] Cover the error path
//
// # Lifecycle
//
//	PENDING_REVIEW --Approve--> APPROVED --all items done--> COMPLETED
//	PENDING_REVIEW --Reject---> REJECTED
//
// The review decision is made exactly once and from outside the run loop
// (see package approval). Calling Approve or Reject on a plan that is not
// pending returns ErrInvalidTransition.
//
// Plans are plain values with no locking. Whoever owns a Plan serializes
// access to it; the store hands out copies.
package plan
