package executor

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

// triggerChain walks job's OnComplete list after a run finished with
// status. The entry's OnStatus list is the trigger condition: a chain can
// follow a clean completion, or fan out an alerting job on failed/timeout
// runs. Each entry whose OnStatus list contains status resolves
// NextJobID through the store and runs it immediately, as a one-shot
// synthetic firing — it does not consume or alter the chained job's own
// next_run_at_ms. The chained job still gets a normal
// JobRun record and its run_count/last_run fields update, since it really
// did run; only its schedule-derived fields are left untouched.
func (e *Executor) triggerChain(ctx context.Context, job store.Job, status store.RunStatus, visited map[string]bool) {
	for _, entry := range job.OnComplete {
		if entry.Kind != store.PayloadTaskChain {
			continue
		}
		if !containsStatus(entry.OnStatus, status) {
			continue
		}
		if visited == nil {
			visited = map[string]bool{job.ID: true}
		}
		if visited[entry.NextJobID] {
			slog.Warn("executor: chain cycle detected, not re-triggering", "job", entry.NextJobID, "parent", job.ID)
			continue
		}
		visited[entry.NextJobID] = true
		e.runChainEntry(ctx, job, entry, visited)
	}
}

func containsStatus(list []store.RunStatus, status store.RunStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func (e *Executor) runChainEntry(ctx context.Context, parent store.Job, entry store.Payload, visited map[string]bool) {
	next, ok, err := e.store.Get(entry.NextJobID)
	if err != nil {
		slog.Error("executor: failed to resolve chained job", "job", entry.NextJobID, "error", err)
		return
	}
	if !ok {
		slog.Error("executor: chained job not found", "job", entry.NextJobID, "parent", parent.ID)
		return
	}

	e.publish(bus.EventChainTriggered, next.ID, "", "")

	// A chained firing obeys the same one-run-at-a-time rule as every
	// other dispatch path: if the target already has a run in flight, the
	// trigger is dropped as a skip rather than executed in parallel.
	if !e.tryAcquire(next.ID) {
		e.recordSkip(next, "chain trigger dropped: previous run still in flight", false)
		return
	}
	defer e.release(next.ID)
	e.run(ctx, next, e.finalizeWithoutRescheduling, visited)
}
