// Package registry is the job registry: a thin façade over the
// hybrid store that assigns ids, enforces invariants, recomputes schedule
// state on every mutation, and notifies lifecycle subscribers. It is the
// only component allowed to write job definitions.
package registry

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

// Registry is the job registry.
type Registry struct {
	store *store.Store
	bus   *bus.Bus
}

// New creates a registry over st, publishing lifecycle events on b (which
// may be nil to disable event publication).
func New(st *store.Store, b *bus.Bus) *Registry {
	if b == nil {
		b = bus.New()
	}
	return &Registry{store: st, bus: b}
}

func (r *Registry) publish(kind bus.EventKind, jobID string) {
	r.bus.Broadcast(bus.Event{Kind: kind, JobID: jobID, TimestampMS: store.NowMS()})
}

// Create validates def, assigns an id if absent, computes initial state
// (an AtSchedule already in the past is created completed, never
// armed), and persists both.
func (r *Registry) Create(def store.JobDefinition) (store.Job, error) {
	if r.store.Degraded() {
		return store.Job{}, fmt.Errorf("scheduler is in degraded mode: state-database writes have been failing repeatedly; refusing new jobs until storage recovers (existing jobs keep running)")
	}

	if def.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return store.Job{}, fmt.Errorf("generate job id: %w", err)
		}
		def.ID = id.String()
	}
	if def.Target.Kind == "" {
		def.Target = store.DefaultSessionTarget()
	}

	if err := store.ValidateDefinition(def); err != nil {
		return store.Job{}, err
	}

	now := store.NowMS()
	state := store.InitialState(def, now)

	if err := r.store.Save(def, state); err != nil {
		return store.Job{}, err
	}

	r.publish(bus.EventJobCreated, def.ID)
	return store.Job{JobDefinition: def, State: state}, nil
}

// Patch mutates only the provided fields. If Schedule changed,
// next_run_at_ms is recomputed with last_run_ms treated as unset.
func (r *Registry) Patch(id string, patch store.JobPatch) (store.Job, error) {
	job, ok, err := r.store.Get(id)
	if err != nil {
		return store.Job{}, err
	}
	if !ok {
		return store.Job{}, fmt.Errorf("job %s not found", id)
	}

	def := job.JobDefinition
	scheduleChanged := false

	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Enabled != nil {
		def.Enabled = *patch.Enabled
	}
	if patch.AgentID != nil {
		def.AgentID = *patch.AgentID
	}
	if patch.Schedule != nil {
		def.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Payload != nil {
		def.Payload = *patch.Payload
	}
	if patch.Target != nil {
		def.Target = *patch.Target
	}
	if patch.MaxRetries != nil {
		def.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelayMS != nil {
		def.RetryDelayMS = *patch.RetryDelayMS
	}
	if patch.OnComplete != nil {
		def.OnComplete = *patch.OnComplete
	}

	if err := store.ValidateDefinition(def); err != nil {
		return store.Job{}, err
	}

	now := store.NowMS()
	state := job.State
	state.UpdatedAtMS = now

	if scheduleChanged || patch.Enabled != nil {
		state = recomputeArm(def, state, now)
	}

	if err := r.store.Save(def, state); err != nil {
		return store.Job{}, err
	}

	r.publish(bus.EventJobUpdated, id)
	return store.Job{JobDefinition: def, State: state}, nil
}

// recomputeArm recomputes next_run_at_ms from the schedule with
// last_run_at_ms treated as unset, for a Patch that changed the schedule
// or the enabled flag. A paused job stays parked — Resume re-arms it,
// from the patched schedule — and a disabled job is disarmed without its
// lifecycle status moving.
func recomputeArm(def store.JobDefinition, state store.JobState, now int64) store.JobState {
	if state.Status == store.StatusPaused {
		return state
	}
	if !def.Enabled {
		state.NextRunAtMS = nil
		return state
	}
	return arm(def, state, now)
}

// arm computes a fresh next_run_at_ms (last_run_at_ms treated as unset)
// and moves the job to active, or to the terminal state the schedule
// dictates, the way InitialState does for a new job.
func arm(def store.JobDefinition, state store.JobState, now int64) store.JobState {
	next, err := schedule.NextFire(def.Schedule, now, nil)
	if err != nil {
		state.Status = store.StatusFailed
		state.LastError = err.Error()
		state.NextRunAtMS = nil
		return state
	}
	if next == nil {
		if def.Schedule.Kind == schedule.KindAt {
			state.Status = store.StatusCompleted
		} else {
			state.Status = store.StatusFailed
			state.LastError = "schedule produced no future fire time"
		}
		state.NextRunAtMS = nil
		return state
	}

	state.Status = store.StatusActive
	state.NextRunAtMS = next
	return state
}

// Pause parks a job: status moves to paused and next_run_at_ms clears.
// This writes runtime state only — the definition, including its
// human-owned enabled flag, is untouched and the config file is not
// rewritten.
func (r *Registry) Pause(id string) (store.Job, error) {
	job, ok, err := r.store.Get(id)
	if err != nil {
		return store.Job{}, err
	}
	if !ok {
		return store.Job{}, fmt.Errorf("job %s not found", id)
	}

	state := job.State
	state.Status = store.StatusPaused
	state.NextRunAtMS = nil
	state.UpdatedAtMS = store.NowMS()
	if err := r.store.Save(job.JobDefinition, state); err != nil {
		return store.Job{}, err
	}

	r.publish(bus.EventJobPaused, id)
	job.State = state
	return job, nil
}

// Resume flips a paused job back to active and recomputes
// next_run_at_ms. Like Pause, it writes runtime state only.
func (r *Registry) Resume(id string) (store.Job, error) {
	job, ok, err := r.store.Get(id)
	if err != nil {
		return store.Job{}, err
	}
	if !ok {
		return store.Job{}, fmt.Errorf("job %s not found", id)
	}

	now := store.NowMS()
	state := arm(job.JobDefinition, job.State, now)
	state.UpdatedAtMS = now
	if err := r.store.Save(job.JobDefinition, state); err != nil {
		return store.Job{}, err
	}

	r.publish(bus.EventJobResumed, id)
	job.State = state
	return job, nil
}

// Delete cascades to state and run history.
func (r *Registry) Delete(id string) error {
	if err := r.store.Delete(id); err != nil {
		return err
	}
	r.publish(bus.EventJobDeleted, id)
	return nil
}

// Get returns a single job.
func (r *Registry) Get(id string) (store.Job, bool, error) {
	return r.store.Get(id)
}

// List returns jobs matching filter.
func (r *Registry) List(filter store.ListFilter) ([]store.Job, error) {
	return r.store.List(filter)
}

// Bus exposes the registry's lifecycle event bus for subscribers.
func (r *Registry) Bus() *bus.Bus { return r.bus }

// Store exposes the underlying store for components (timer, executor)
// that need direct access to due-job queries and run recording.
func (r *Registry) Store() *store.Store { return r.store }
