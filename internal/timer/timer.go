// Package timer implements the scheduler's timer loop: a single
// long-lived goroutine that sleeps until the next job is due (or a
// maximum tick bound elapses, whichever is sooner) and fans due jobs out
// to the executor as independent tasks. The one-run-at-a-time rule per job
// is enforced by the Dispatcher.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

// MaxTick bounds how long the loop ever sleeps between checks, so a job
// armed sooner than the current target is still picked up promptly even
// if nothing calls Wake.
const MaxTick = 30 * time.Second

// Dispatcher executes a single due job to completion, including
// recording its run, finalizing its state, and enforcing the per-job
// one-run-at-a-time rule. Implemented by internal/executor.Executor;
// declared here, rather than imported, so the timer and executor
// packages don't form a cycle.
type Dispatcher interface {
	// Execute runs a job selected off the normal schedule: its
	// next_run_at_ms/status advance on completion.
	Execute(ctx context.Context, job store.Job)

	// ExecuteOnce runs a job fired out of band (RunOnce): its run history
	// and counters still update, but next_run_at_ms/status are left as
	// they were.
	ExecuteOnce(ctx context.Context, job store.Job)

	// Busy reports whether a run of jobID is currently in flight.
	Busy(jobID string) bool
}

// Clock abstracts wall-clock time so tests can drive the loop without
// waiting on real time to pass.
type Clock func() int64

// Timer is the scheduling loop.
type Timer struct {
	store      *store.Store
	dispatcher Dispatcher
	now        Clock

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// eg fans out concurrent dispatches as a coordinated, waitable group —
	// Stop's drain is eg.Wait(), rather than tracking completion by hand.
	eg errgroup.Group
}

// New creates a timer driving st's due jobs through dispatcher.
func New(st *store.Store, dispatcher Dispatcher) *Timer {
	return &Timer{
		store:      st,
		dispatcher: dispatcher,
		now:        store.NowMS,
		wake:       make(chan struct{}, 1),
	}
}

// WithClock overrides the clock used for tests. Must be called before Start.
func (t *Timer) WithClock(c Clock) *Timer {
	t.now = c
	return t
}

// Wake asks the loop to recompute its sleep immediately. Create/Patch/
// Resume call this after arming a job sooner than the timer's current
// target so it doesn't wait out a stale sleep.
func (t *Timer) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Start runs the startup reconciliation pass for jobs missed while the
// process was down, then launches the scheduling loop.
func (t *Timer) Start(ctx context.Context) error {
	if err := t.reconcileMissed(); err != nil {
		return err
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop()
	return nil
}

// Stop cancels the loop's context and waits for in-flight dispatches to
// finish their current persistence write before returning. Safe to call
// when the loop was never started — RunOnce dispatches are still drained.
func (t *Timer) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.eg.Wait()
}

// reconcileMissed handles AtSchedule jobs whose fire instant already
// passed while the process was not running. The window to deliver them
// on time has closed, so per the missed-firing contract they complete
// with a skipped run record instead of executing.
func (t *Timer) reconcileMissed() error {
	now := t.now()
	due, err := t.store.DueJobs(now)
	if err != nil {
		return err
	}
	for _, job := range due {
		if job.Schedule.Kind != schedule.KindAt {
			continue
		}
		t.finalizeSkip(job, now, "missed while the scheduler was stopped")
	}
	return nil
}

func (t *Timer) loop() {
	defer close(t.done)
	for {
		t.retryPending()

		sleep := t.nextSleep()
		wakeTimer := time.NewTimer(sleep)

		select {
		case <-t.ctx.Done():
			wakeTimer.Stop()
			return
		case <-t.wake:
			wakeTimer.Stop()
			continue
		case <-wakeTimer.C:
		}

		t.tick()
	}
}

// retryPending re-attempts any state/run writes buffered by the store
// after an earlier persistence failure, once per loop iteration, so a
// failed write is never silently lost. A quiet store (nothing ever
// buffered) costs one no-op map/slice length check.
func (t *Timer) retryPending() {
	recovered, stillPending := t.store.RetryPending()
	switch {
	case recovered > 0 && stillPending > 0:
		slog.Warn("timer: recovered some pending persistence writes, others still failing", "recovered", recovered, "stillPending", stillPending)
	case recovered > 0:
		slog.Info("timer: recovered pending persistence writes", "recovered", recovered)
	case stillPending > 0:
		slog.Warn("timer: persistence writes still pending", "stillPending", stillPending)
	}
}

func (t *Timer) nextSleep() time.Duration {
	next, err := t.store.NextRunTime()
	if err != nil || next == nil {
		return MaxTick
	}
	d := time.Duration(*next-t.now()) * time.Millisecond
	if d <= 0 {
		return 0
	}
	if d > MaxTick {
		return MaxTick
	}
	return d
}

func (t *Timer) tick() {
	now := t.now()
	due, err := t.store.DueJobs(now)
	if err != nil {
		slog.Error("timer: DueJobs failed", "error", err)
		return
	}

	for _, job := range due {
		// Claim the firing synchronously, before the dispatch goroutine
		// exists: with the fire instant cleared, neither the nextSleep
		// recomputation nor a later tick can see this same past
		// timestamp and re-select it. The executor's finalization writes
		// the real next fire time when the run completes.
		claimed := job
		claimed.State.NextRunAtMS = nil
		claimed.State.UpdatedAtMS = now
		if err := t.store.Save(claimed.JobDefinition, claimed.State); err != nil {
			slog.Error("timer: failed to claim due job, buffered for retry", "job", job.ID, "error", err)
		}

		t.eg.Go(func() error {
			t.dispatcher.Execute(t.ctx, claimed)
			t.Wake()
			return nil
		})
	}
}

// RunOnce dispatches job immediately, outside the normal due-job sweep.
// It runs through Dispatcher.ExecuteOnce: the job's next_run_at_ms and
// status are left exactly as they were, since this firing didn't come
// from the schedule. Returns an error without dispatching if the job
// already has a run in flight; the dispatcher's own per-job guard covers
// the race between this check and the dispatch starting.
func (t *Timer) RunOnce(ctx context.Context, job store.Job) error {
	if t.dispatcher.Busy(job.ID) {
		return fmt.Errorf("job %s is already running", job.ID)
	}

	t.eg.Go(func() error {
		t.dispatcher.ExecuteOnce(ctx, job)
		t.Wake()
		return nil
	})
	return nil
}

func (t *Timer) finalizeSkip(job store.Job, now int64, reason string) {
	state := store.Advance(job.JobDefinition, job.State, now)
	if err := t.store.Save(job.JobDefinition, state); err != nil {
		// Buffered for retry by the store; continue to still record the
		// skipped run rather than bailing out entirely.
		slog.Error("timer: failed to reschedule skipped job, buffered for retry", "job", job.ID, "error", err)
	}
	run := store.JobRun{
		ID:           store.NewRunID(),
		JobID:        job.ID,
		StartedAtMS:  now,
		FinishedAtMS: now,
		Status:       store.RunSkipped,
		Result:       reason,
	}
	if err := t.store.SaveRun(run); err != nil {
		slog.Error("timer: failed to record skipped run, buffered for retry", "job", job.ID, "error", err)
	}
}
