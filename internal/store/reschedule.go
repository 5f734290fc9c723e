package store

import "github.com/nextlevelbuilder/jobkeep/internal/schedule"

// Advance updates state after a firing attempt — a real run or a skipped
// overlap — that happened at runAtMS: last_run_at_ms moves to runAtMS and
// next_run_at_ms is recomputed from the schedule. One-shot At schedules
// terminate into completed; Every/Cron schedules stay active. Shared by
// the timer (missed-firing skips) and the executor (overlap skips, and a
// real run finishing), so both paths treat "this job fired at runAtMS" the
// same way.
func Advance(def JobDefinition, state JobState, runAtMS int64) JobState {
	state.LastRunAtMS = &runAtMS
	state.UpdatedAtMS = runAtMS

	next, err := schedule.NextFire(def.Schedule, runAtMS, &runAtMS)
	if err != nil {
		state.Status = StatusFailed
		state.LastError = err.Error()
		state.NextRunAtMS = nil
		return state
	}
	if next == nil {
		if def.Schedule.Kind == schedule.KindAt {
			state.Status = StatusCompleted
		} else {
			state.Status = StatusFailed
			state.LastError = "schedule produced no future fire time"
		}
		state.NextRunAtMS = nil
		return state
	}

	state.Status = StatusActive
	state.NextRunAtMS = next
	return state
}
