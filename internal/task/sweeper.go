// ABOUTME: TTL sweeper that prunes old tasks and reclaims slots of expired running ones.
// ABOUTME: Runs only while tasks are RUNNING and is restarted lazily by Launch and Resume.

package task

import (
	"context"
	"time"
)

// ttlExceeded is the error recorded on tasks cancelled by the sweeper.
const ttlExceeded = "task exceeded ttl"

// ensureSweeperLocked starts the sweeper goroutine if it is not running.
// Caller holds mu.
func (r *Registry) ensureSweeperLocked() {
	if r.sweeping || r.closed {
		return
	}
	r.sweeping = true
	r.wg.Add(1)
	go r.sweepLoop()
}

// Sweeping reports whether the sweeper goroutine is active.
func (r *Registry) Sweeping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeping
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("sweeper started", "interval", r.interval, "ttl", r.ttl)
	for {
		select {
		case <-r.stop:
			r.mu.Lock()
			r.sweeping = false
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.Sweep(r.now())

			// Stop under mu so a concurrent Launch sees sweeping=false.
			r.mu.Lock()
			if !r.hasRunningLocked() {
				r.sweeping = false
				r.mu.Unlock()
				r.logger.Debug("sweeper stopped, no running tasks")
				return
			}
			r.mu.Unlock()
		}
	}
}

func (r *Registry) hasRunningLocked() bool {
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			return true
		}
	}
	return false
}

// Sweep prunes every task started before now minus the TTL. Expired RUNNING
// tasks are cancelled first so their slot is released. It returns how many
// tasks were pruned.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.ttl)

	type expired struct {
		task    *Task
		release bool
	}
	var cancelled []expired
	pruned := 0

	r.mu.Lock()
	for id, t := range r.tasks {
		if !t.StartedAt.Before(cutoff) {
			continue
		}
		if t.Status == StatusRunning {
			r.finishLocked(t, StatusCancelled, "", ttlExceeded)
			cancelled = append(cancelled, expired{task: t.clone(), release: r.takeReleaseLocked(t)})
		} else if r.takeReleaseLocked(t) {
			// Finished tasks release on finish; reaching here is a bug.
			r.logger.Warn("pruned finished task still held a slot", "task_id", id)
			cancelled = append(cancelled, expired{task: t.clone(), release: true})
		}
		delete(r.tasks, id)
		pruned++
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, e := range cancelled {
		if e.task.Status == StatusCancelled && e.task.Error == ttlExceeded {
			r.logger.Warn("task exceeded ttl", "task_id", e.task.ID, "started_at", e.task.StartedAt)
			r.afterFinish(ctx, e.task, e.release)
			continue
		}
		r.slots.Release(e.task.ConcurrencyKey)
	}
	for range pruned {
		r.metrics.TaskSwept()
	}
	if pruned > 0 {
		r.logger.Info("swept expired tasks", "count", pruned)
	}
	return pruned
}
