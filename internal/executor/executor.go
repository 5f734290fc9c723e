// Package executor implements the scheduler's dispatcher: given a due
// job, it delivers the payload through one of four handlers, records the
// run, applies the retry-as-reschedule policy, and triggers any
// on_complete chain entries. Retries are persisted reschedules rather
// than a blocking retry loop: a job's retry window is measured in
// minutes, not seconds, and must survive a process restart between
// attempts.
package executor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/callback"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

// Executor is the payload dispatcher.
type Executor struct {
	store     *store.Store
	bus       *bus.Bus
	callbacks callback.Callbacks
	http      *http.Client

	// inFlight is the per-job one-run-at-a-time guard. Every dispatch
	// path — the timer's due-job sweep, RunOnce, and chained firings —
	// funnels through it, so a job can never execute in parallel with
	// itself no matter which paths race.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an executor over st, publishing lifecycle events on b
// (which may be nil) and dispatching through callbacks.
func New(st *store.Store, b *bus.Bus, callbacks callback.Callbacks) *Executor {
	if b == nil {
		b = bus.New()
	}
	return &Executor{
		store:     st,
		bus:       b,
		callbacks: callbacks,
		http:      &http.Client{},
		inFlight:  make(map[string]struct{}),
	}
}

// tryAcquire claims the in-flight slot for jobID, reporting false if a
// run already holds it.
func (e *Executor) tryAcquire(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[jobID]; busy {
		return false
	}
	e.inFlight[jobID] = struct{}{}
	return true
}

func (e *Executor) release(jobID string) {
	e.mu.Lock()
	delete(e.inFlight, jobID)
	e.mu.Unlock()
}

// Busy reports whether a run of jobID is currently in flight. Satisfies
// timer.Dispatcher.
func (e *Executor) Busy(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inFlight[jobID]
	return busy
}

// outcome is the internal result of dispatching one payload.
type outcome struct {
	status store.RunStatus
	output string
	err    string
}

// Execute runs job to completion: dispatch, record the run, finalize
// state (reschedule, retry, or terminate), and trigger the on_complete
// chain entries whose OnStatus lists the run's outcome. Finalization
// re-reads the job first (see refresh), so a registry mutation that lands
// while the run is in flight is built on rather than overwritten.
// Satisfies timer.Dispatcher.
func (e *Executor) Execute(ctx context.Context, job store.Job) {
	if !e.tryAcquire(job.ID) {
		// The selection already consumed a fire instant, so the drop is
		// recorded and the schedule re-advanced from now — otherwise a
		// RunOnce holding the slot would leave the job unarmed forever.
		e.recordSkip(job, "previous run still in flight", true)
		return
	}
	defer e.release(job.ID)
	e.run(ctx, job, e.finalize, nil)
}

// ExecuteOnce runs job exactly like Execute, except it never consumes or
// reprograms the job's own next_run_at_ms/status — a manually-triggered
// firing sits outside the normal schedule entirely, the same way a
// chained job's firing does (see chain.go). Run
// bookkeeping (run_count, last_run_at_ms, last_status, failure counters)
// still updates, since that history is real regardless of who triggered
// the run. Satisfies timer.Dispatcher.
func (e *Executor) ExecuteOnce(ctx context.Context, job store.Job) {
	if !e.tryAcquire(job.ID) {
		e.recordSkip(job, "previous run still in flight", false)
		return
	}
	defer e.release(job.ID)
	e.run(ctx, job, e.finalizeWithoutRescheduling, nil)
}

// recordSkip notes a firing dropped because the job already had a run in
// flight: a skipped JobRun is written and, when the dropped firing came
// off the schedule (reschedule), the next fire is recomputed from now.
func (e *Executor) recordSkip(job store.Job, reason string, reschedule bool) {
	now := store.NowMS()

	if reschedule {
		if current, ok := e.refresh(job); ok && current.State.Status == store.StatusActive {
			state := store.Advance(current.JobDefinition, current.State, now)
			if err := e.store.Save(current.JobDefinition, state); err != nil {
				slog.Error("executor: failed to reschedule skipped job, buffered for retry", "job", job.ID, "error", err)
			}
		}
	}

	run := store.JobRun{
		ID:           store.NewRunID(),
		JobID:        job.ID,
		StartedAtMS:  now,
		FinishedAtMS: now,
		Status:       store.RunSkipped,
		Result:       reason,
	}
	if err := e.store.SaveRun(run); err != nil {
		slog.Error("executor: failed to record skipped run, buffered for retry", "job", job.ID, "error", err)
	}
	e.publish(bus.EventRunSkipped, job.ID, run.ID, "")
}

// run executes one firing. visited carries the job ids already fired in
// the current chain cascade (nil outside a cascade), so a cyclic
// on_complete graph terminates instead of recursing forever.
func (e *Executor) run(ctx context.Context, job store.Job, finalize func(store.Job, outcome, int64), visited map[string]bool) {
	start := store.NowMS()
	e.publish(bus.EventRunStarted, job.ID, "", "")

	out := e.dispatch(ctx, job, job.Target)

	finish := store.NowMS()
	run := store.JobRun{
		ID:           store.NewRunID(),
		JobID:        job.ID,
		StartedAtMS:  start,
		FinishedAtMS: finish,
		Status:       out.status,
		Result:       store.TruncateResult(out.output),
		Error:        out.err,
		DurationMS:   finish - start,
	}
	if err := e.store.SaveRun(run); err != nil {
		// The store buffers this run for the timer to retry on its next
		// tick — this log is for operator visibility, not the only
		// record of the failure.
		slog.Error("executor: failed to save run, buffered for retry", "job", job.ID, "error", err)
	}

	finalize(job, out, finish)

	switch out.status {
	case store.RunOK:
		e.publish(bus.EventRunCompleted, job.ID, run.ID, "")
	case store.RunSkipped:
		e.publish(bus.EventRunSkipped, job.ID, run.ID, "")
	default:
		e.publish(bus.EventRunFailed, job.ID, run.ID, out.err)
	}

	e.triggerChain(ctx, job, out.status, visited)
}

// refresh re-reads job's current persisted view so finalization builds on
// whatever a concurrent Pause/Patch wrote while the run was in flight,
// not on the snapshot the run was dispatched with. Returns ok=false if
// the job was deleted mid-run, in which case there is nothing to persist.
func (e *Executor) refresh(job store.Job) (store.Job, bool) {
	current, ok, err := e.store.Get(job.ID)
	if err != nil {
		// Fall back to the dispatch-time snapshot rather than dropping
		// the finalization entirely.
		return job, true
	}
	if !ok {
		return store.Job{}, false
	}
	return current, true
}

// finalizeWithoutRescheduling updates run bookkeeping only, leaving
// status and next_run_at_ms exactly as they were before this firing.
func (e *Executor) finalizeWithoutRescheduling(job store.Job, out outcome, finishMS int64) {
	job, ok := e.refresh(job)
	if !ok {
		return
	}
	state := job.State
	state.RunCount++
	state.LastRunAtMS = &finishMS
	state.LastStatus = string(out.status)
	if out.status == store.RunOK {
		state.ConsecutiveFailures = 0
	} else {
		state.LastError = out.err
		state.FailureCount++
	}
	state.UpdatedAtMS = store.NowMS()
	if err := e.store.Save(job.JobDefinition, state); err != nil {
		slog.Error("executor: failed to persist run-once state, buffered for retry", "job", job.ID, "error", err)
	}
}

// finalize applies the retry policy (isolated dispatch only) and
// otherwise advances the schedule the same way a clean completion would.
func (e *Executor) finalize(job store.Job, out outcome, finishMS int64) {
	job, ok := e.refresh(job)
	if !ok {
		return
	}
	state := job.State
	state.RunCount++
	state.LastRunAtMS = &finishMS
	state.LastStatus = string(out.status)
	state.LastError = out.err

	if out.status == store.RunOK {
		state.ConsecutiveFailures = 0
	} else {
		state.FailureCount++
		if job.Target.Kind == store.TargetIsolated {
			state.ConsecutiveFailures++
		}
	}

	if state.Status != store.StatusActive {
		// Paused or terminated while this run was in flight: keep the
		// bookkeeping, leave the schedule parked where the mutation put it.
		state.UpdatedAtMS = store.NowMS()
		if err := e.store.Save(job.JobDefinition, state); err != nil {
			slog.Error("executor: failed to persist finalized state, buffered for retry", "job", job.ID, "error", err)
		}
		return
	}

	switch {
	case job.Target.Kind == store.TargetIsolated && out.status != store.RunOK && state.ConsecutiveFailures > job.EffectiveMaxRetries():
		state.Status = store.StatusFailed
		state.NextRunAtMS = nil

	case job.Target.Kind == store.TargetIsolated && out.status != store.RunOK:
		next := finishMS + job.EffectiveRetryDelayMS()
		state.Status = store.StatusActive
		state.NextRunAtMS = &next

	default:
		advanced := store.Advance(job.JobDefinition, state, finishMS)
		state.Status = advanced.Status
		state.NextRunAtMS = advanced.NextRunAtMS
	}

	state.UpdatedAtMS = store.NowMS()
	if err := e.store.Save(job.JobDefinition, state); err != nil {
		slog.Error("executor: failed to persist finalized state, buffered for retry", "job", job.ID, "error", err)
	}
}

func (e *Executor) publish(kind bus.EventKind, jobID, runID, errMsg string) {
	e.bus.Broadcast(bus.Event{Kind: kind, JobID: jobID, RunID: runID, Error: errMsg, TimestampMS: store.NowMS()})
}

func payloadTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(seconds) * time.Second
}
