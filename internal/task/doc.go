// Package task tracks the lifecycle of orchestrated agent tasks.
//
// # Registry
//
// Registry is the process-local store of Task entities. Launch takes an
// admission slot for the task's agent class (blocking the caller, so
// backpressure is visible to whoever launches work), persists the task and
// returns it in RUNNING state:
//
//	t, err := reg.Launch(ctx, task.LaunchRequest{
//		AgentClass: "flutter_engineer",
//		Prompt:     "add a login screen",
//	})
//
// Complete, Fail and Cancel move a RUNNING task to its final status. Each
// task releases its slot exactly once: the release is guarded by a released
// flag on the task, not by re-checking the status, so every exit path
// (success, failure, cancellation, TTL expiry) is covered by the same
// guard. Resume puts a finished task back to RUNNING under a fresh slot and
// keeps its tool call counter.
//
// Callers always receive copies; the registry's own Task values never leave
// its lock.
//
// # TTL sweeper
//
// While any task is RUNNING a sweeper ticks at a fixed interval and prunes
// every task whose StartedAt is older than the TTL, whatever its status.
// Running tasks pruned this way are cancelled first so their slot is
// reclaimed. The sweeper stops itself once nothing is running and is
// started again by the next Launch or Resume, so an idle registry holds no
// timer.
//
// # Completion outbox
//
// Completion notifications go through a Notifier: a bounded queue drained by
// one worker that retries each delivery with exponential backoff. Failures
// are logged and counted instead of disappearing in a detached goroutine.
package task
