// Package jobkeep is the persistent, single-node scheduled-job engine:
// it accepts declarative job definitions, arms them against a monotonic
// timer, dispatches each due job through one of several execution
// strategies, persists run history, and chains follow-on jobs — all
// while surviving process restarts without losing schedule state.
//
// Scheduler is the programmatic entry point: it wires the hybrid
// store, job registry, timer loop and executor together. Everything
// else — the agent runtime, notification
// fan-out, and main-session injection hooks — is supplied at
// construction as the Callbacks bundle from internal/callback.
package jobkeep

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/callback"
	"github.com/nextlevelbuilder/jobkeep/internal/executor"
	"github.com/nextlevelbuilder/jobkeep/internal/registry"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
	"github.com/nextlevelbuilder/jobkeep/internal/timer"
)

// Re-exported so callers never need to import the internal packages
// directly to use the programmatic interface.
type (
	Job           = store.Job
	JobDefinition = store.JobDefinition
	JobPatch      = store.JobPatch
	JobRun        = store.JobRun
	JobStats      = store.JobStats
	ListFilter    = store.ListFilter
	RunFilter     = store.RunFilter
	Schedule      = schedule.Schedule
	Payload       = store.Payload
	SessionTarget = store.SessionTarget
	Callbacks     = callback.Callbacks
	Event         = bus.Event
	EventHandler  = bus.Handler
	AgentRunner   = callback.AgentRunner
	NotifySender  = callback.NotificationSender
)

// Status summarizes the scheduler's current state.
type Status struct {
	Running     bool   `json:"running"`
	JobsTotal   int    `json:"jobsTotal"`
	JobsActive  int    `json:"jobsActive"`
	JobsPaused  int    `json:"jobsPaused"`
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`

	// Degraded reports that state-database writes have been failing
	// repeatedly, so Create is refused while existing jobs keep running.
	Degraded bool `json:"degraded"`
}

// Scheduler is the assembled system.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	executor *executor.Executor
	timer    *timer.Timer
	bus      *bus.Bus
	watcher  *store.ConfigWatcher
	running  bool
}

// Open loads the config file and state database from dataDir (creating
// them if absent), reconciles the two, and wires the registry, executor
// and timer together. It does not start the timer loop — call Start for
// that. The config file and state database are scheduler.yaml and
// scheduler_state.db inside dataDir.
func Open(dataDir string, callbacks Callbacks) (*Scheduler, error) {
	configPath, statePath := defaultPaths(dataDir)

	st, err := store.Open(configPath, statePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New()
	reg := registry.New(st, b)
	exec := executor.New(st, b, callbacks)
	tm := timer.New(st, exec)

	sched := &Scheduler{store: st, registry: reg, executor: exec, timer: tm, bus: b}

	// fsnotify watches a path that must already exist; a brand-new data
	// directory has no scheduler.yaml yet until the first job is saved,
	// so make sure one is on disk before the watcher ever attaches to it.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := store.SaveConfig(configPath, &store.ConfigFile{}); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed config file: %w", err)
		}
	}

	watcher, err := store.NewConfigWatcher(configPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	watcher.OnChange(func(*store.ConfigFile) {
		if _, err := sched.ReloadConfig(); err != nil {
			slog.Error("jobkeep: config hot-reload failed", "error", err)
		}
	})
	sched.watcher = watcher

	return sched, nil
}

func defaultPaths(dataDir string) (configPath, statePath string) {
	return dataDir + "/scheduler.yaml", dataDir + "/scheduler_state.db"
}

// Start runs the startup reconciliation pass (catching up on missed
// AtSchedule firings), launches the timer loop, and begins watching the
// config file for edits made outside the programmatic API.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.timer.Start(ctx); err != nil {
		return err
	}
	if err := s.watcher.Start(); err != nil {
		s.timer.Stop()
		return fmt.Errorf("start config watcher: %w", err)
	}
	s.running = true
	return nil
}

// Stop cancels the timer loop and the config watcher, and waits for
// in-flight executions to finish their current persistence write before
// returning.
func (s *Scheduler) Stop() {
	s.watcher.Stop()
	s.timer.Stop()
	s.running = false
}

// Close releases the state database handle. Call after Stop.
func (s *Scheduler) Close() error {
	return s.store.Close()
}

// Create validates and persists a new job definition, computing its
// initial schedule state (an AtSchedule already in the past is created
// completed, never armed).
func (s *Scheduler) Create(def JobDefinition) (Job, error) {
	job, err := s.registry.Create(def)
	if err != nil {
		return Job{}, err
	}
	s.timer.Wake()
	return job, nil
}

// Patch mutates only the provided fields, recomputing next_run_at_ms if
// the schedule changed.
func (s *Scheduler) Patch(id string, patch JobPatch) (Job, error) {
	job, err := s.registry.Patch(id, patch)
	if err != nil {
		return Job{}, err
	}
	s.timer.Wake()
	return job, nil
}

// Pause flips a job to paused, clearing its next_run_at_ms.
func (s *Scheduler) Pause(id string) (Job, error) {
	return s.registry.Pause(id)
}

// Resume flips a paused job back to active, recomputing next_run_at_ms,
// and wakes the timer in case the new fire time is sooner than its
// current sleep target.
func (s *Scheduler) Resume(id string) (Job, error) {
	job, err := s.registry.Resume(id)
	if err != nil {
		return Job{}, err
	}
	s.timer.Wake()
	return job, nil
}

// Delete cascades to the job's state row and run history.
func (s *Scheduler) Delete(id string) error {
	return s.registry.Delete(id)
}

// RunOnce executes id immediately, independent of its normal schedule.
// Neither the dispatch nor the run's finalization consumes or reprograms
// the job's next_run_at_ms or status; only run history and counters
// update.
func (s *Scheduler) RunOnce(ctx context.Context, id string) error {
	job, ok, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	return s.timer.RunOnce(ctx, job)
}

// Get returns a single job, or ok=false if unknown.
func (s *Scheduler) Get(id string) (Job, bool, error) {
	return s.registry.Get(id)
}

// List returns jobs matching filter.
func (s *Scheduler) List(filter ListFilter) ([]Job, error) {
	return s.registry.List(filter)
}

// Runs returns run history matching filter plus the total matching count.
func (s *Scheduler) Runs(filter RunFilter) ([]JobRun, int, error) {
	return s.store.Runs(filter)
}

// JobStats summarizes a single job's run history.
func (s *Scheduler) JobStats(id string) (JobStats, error) {
	return s.store.JobStats(id)
}

// TodayStats summarizes today's run counts by status, in local time.
func (s *Scheduler) TodayStats() (map[string]int, error) {
	return s.store.TodayStats(nil)
}

// DeleteOldRuns prunes run history records started before beforeMS,
// returning how many were removed.
func (s *Scheduler) DeleteOldRuns(beforeMS int64) (int64, error) {
	return s.store.DeleteOldRuns(beforeMS)
}

// ReloadConfig re-reads the config file from disk and reconciles state
// rows against it, waking the timer since newly-armed jobs may fire
// sooner than its current sleep target.
func (s *Scheduler) ReloadConfig() (int, error) {
	n, err := s.store.Reload()
	if err != nil {
		return 0, err
	}
	s.timer.Wake()
	return n, nil
}

// Status reports the scheduler's aggregate state.
func (s *Scheduler) Status() (Status, error) {
	jobs, err := s.List(ListFilter{IncludeDisabled: true})
	if err != nil {
		return Status{}, err
	}
	next, err := s.store.NextRunTime()
	if err != nil {
		return Status{}, err
	}

	st := Status{Running: s.running, JobsTotal: len(jobs), NextRunAtMS: next, Degraded: s.store.Degraded()}
	for _, j := range jobs {
		switch j.State.Status {
		case store.StatusActive:
			st.JobsActive++
		case store.StatusPaused:
			st.JobsPaused++
		}
	}
	return st, nil
}

// Subscribe registers handler under id to receive lifecycle events (job
// created/paused/resumed/deleted, run started/completed/failed/skipped,
// chain triggered). Subscriptions replace any handler already registered
// under the same id.
func (s *Scheduler) Subscribe(id string, handler EventHandler) {
	s.bus.Subscribe(id, handler)
}

// Unsubscribe removes the handler registered under id.
func (s *Scheduler) Unsubscribe(id string) {
	s.bus.Unsubscribe(id)
}
