// Package admission limits how many agent tasks may run at once.
//
// A Controller is a counting semaphore keyed by agent class with a global
// cap on top:
//
//	ctrl := admission.New(admission.Limits{MaxPerAgent: 3, MaxTotal: 10})
//	if err := ctrl.Acquire(ctx, "flutter_engineer"); err != nil {
//		return err // ctx cancelled while waiting
//	}
//	defer ctrl.Release("flutter_engineer")
//
// Acquire blocks the calling goroutine until a slot is free. Waiting is not
// an error; only context cancellation ends a wait early.
//
// # Wake order
//
// Blocked callers sit in an explicit FIFO queue. Whenever a slot frees up or
// the limits change, the queue is scanned oldest first and every waiter
// whose key now fits is granted its slot under the controller lock before it
// is woken. Granting under the lock means a woken waiter never has to
// re-check and cannot lose its slot to a newcomer.
//
// A waiter held back by its own per-key limit does not block waiters of
// other keys queued behind it. Within one key the order is strictly FIFO;
// across keys fairness is approximate. Starvation is bounded because a
// waiter only gets passed over while its own key is full.
//
// # Invariants
//
// Total always equals the sum of the per-key counts. No key exceeds its
// limit and Total never exceeds MaxTotal, with one exception: lowering the
// limits through SetLimits leaves slots already held in place until they
// are released.
//
// Releasing a key that holds no slots is a no-op logged as a warning,
// because it means a lifecycle bug upstream.
package admission
