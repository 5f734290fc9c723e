package store

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
)

// NowMS returns the current time in epoch milliseconds.
func NowMS() int64 { return time.Now().UnixMilli() }

// Store is the hybrid persistence layer: the human-editable config file
// (job definitions) plus the program-owned state database (runtime state,
// run history). Config writes are rare and go through SaveConfig's
// atomic rename; state writes are frequent and go straight to SQLite.
type Store struct {
	configPath string

	state *StateStore

	mu   sync.RWMutex
	defs map[string]JobDefinition // in-memory mirror of the config file

	// configBroken is set when the config file exists but can't be
	// parsed. The scheduler keeps running with an empty definition set,
	// but refuses to rewrite the file — a human's edits, however
	// mangled, are never replaced with what this process happens to
	// hold in memory. Cleared by a Reload that parses cleanly.
	configBroken bool

	pending *pending // state/run writes that failed and await retry
}

// Open loads the config file, opens the state database, and reconciles
// the two (inserting missing state rows, deleting orphans).
func Open(configPath, statePath string) (*Store, error) {
	state, err := NewStateStore(statePath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		configPath: configPath,
		state:      state,
		defs:       make(map[string]JobDefinition),
		pending:    newPending(),
	}

	if err := s.reload(); err != nil {
		state.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the state database handle.
func (s *Store) Close() error {
	return s.state.Close()
}

// InitialState computes the state a brand-new job definition should be
// persisted with: an AtSchedule already in the past is created
// completed and never armed, and a disabled job starts active but
// disarmed — enabled gates dueness, status tracks the lifecycle.
func InitialState(def JobDefinition, nowMS int64) JobState {
	st := JobState{
		JobID:       def.ID,
		CreatedAtMS: nowMS,
		UpdatedAtMS: nowMS,
	}

	if !def.Enabled {
		st.Status = StatusActive
		return st
	}

	next, err := schedule.NextFire(def.Schedule, nowMS, nil)
	if err != nil {
		st.Status = StatusFailed
		st.LastError = err.Error()
		return st
	}
	if next == nil {
		if def.Schedule.Kind == schedule.KindAt {
			st.Status = StatusCompleted
		} else {
			st.Status = StatusFailed
			st.LastError = "schedule produced no future fire time"
		}
		return st
	}

	st.Status = StatusActive
	st.NextRunAtMS = next
	return st
}

// reload re-reads the config file and reconciles state rows against it.
// Internal; callers hold no lock going in, but reload manages its own.
func (s *Store) reload() error {
	cfg, err := LoadConfig(s.configPath)
	if err != nil {
		// An unreadable config starts the scheduler empty rather than
		// refusing to start or touching what's on disk. State rows are
		// left alone too — reconciliation against a job set we couldn't
		// read would delete every row as an orphan.
		slog.Error("scheduler config unreadable, starting with empty job set", "path", s.configPath, "error", err)
		s.mu.Lock()
		s.defs = make(map[string]JobDefinition)
		s.configBroken = true
		s.mu.Unlock()
		return nil
	}

	now := NowMS()
	ids := make([]string, 0, len(cfg.Jobs))
	defs := make(map[string]JobDefinition, len(cfg.Jobs))
	for _, def := range cfg.Jobs {
		defs[def.ID] = def
		ids = append(ids, def.ID)

		defaultState := InitialState(def, now)
		st, err := s.state.EnsureState(defaultState)
		if err != nil {
			return fmt.Errorf("reconcile job %s: %w", def.ID, err)
		}
		if fixed, changed := reconcileEnabled(def, st, now); changed {
			if err := s.state.SaveState(fixed); err != nil {
				return fmt.Errorf("reconcile job %s: %w", def.ID, err)
			}
		}
	}
	if err := s.state.DeleteOrphanStates(ids); err != nil {
		return err
	}

	s.mu.Lock()
	s.defs = defs
	s.configBroken = false
	s.mu.Unlock()
	return nil
}

// reconcileEnabled aligns an existing state row with a hand-edited enabled
// flag. A job disabled in the file is disarmed without its status moving,
// so a later re-enable is distinguishable from an api Pause (which sets
// status=paused, and which a reload never resurrects). An enabled job
// that is active but unarmed — hand re-enabled, or orphaned mid-run by a
// crash — is re-armed from its last run. Counters are untouched, so a
// hot-reload never resets run history.
func reconcileEnabled(def JobDefinition, st JobState, nowMS int64) (JobState, bool) {
	if !def.Enabled {
		if st.Status == StatusActive && st.NextRunAtMS != nil {
			st.NextRunAtMS = nil
			st.UpdatedAtMS = nowMS
			return st, true
		}
		return st, false
	}

	if st.Status == StatusActive && st.NextRunAtMS == nil {
		next, err := schedule.NextFire(def.Schedule, nowMS, st.LastRunAtMS)
		if err != nil {
			st.Status = StatusFailed
			st.LastError = err.Error()
		} else if next == nil {
			if def.Schedule.Kind == schedule.KindAt {
				st.Status = StatusCompleted
			} else {
				st.Status = StatusFailed
				st.LastError = "schedule produced no future fire time"
			}
		} else {
			st.NextRunAtMS = next
		}
		st.UpdatedAtMS = nowMS
		return st, true
	}
	return st, false
}

// Reload re-reads the config file from disk and reconciles, returning the
// number of jobs now known.
func (s *Store) Reload() (int, error) {
	if err := s.reload(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs), nil
}

// Save upserts a job: the definition is rewritten to the config file only
// if it is new or has changed; the state row is always written.
func (s *Store) Save(def JobDefinition, state JobState) error {
	s.mu.Lock()
	existing, hadDef := s.defs[def.ID]
	changed := !hadDef || !definitionsEqual(existing, def)
	if changed && s.configBroken {
		s.mu.Unlock()
		return fmt.Errorf("config file %s is unreadable; refusing to overwrite it", s.configPath)
	}
	if changed {
		s.defs[def.ID] = def
	}
	snapshot := s.snapshotDefsLocked()
	s.mu.Unlock()

	if changed {
		if err := SaveConfig(s.configPath, &ConfigFile{Jobs: snapshot}); err != nil {
			// Roll back the in-memory definition so config and memory
			// stay consistent with what's actually on disk.
			s.mu.Lock()
			if hadDef {
				s.defs[def.ID] = existing
			} else {
				delete(s.defs, def.ID)
			}
			s.mu.Unlock()
			return fmt.Errorf("save config: %w", err)
		}
	}

	if err := s.state.SaveState(state); err != nil {
		// A state-DB write failure must not silently lose the mutation:
		// buffer it for RetryPending to replay on the timer's next tick
		// instead of discarding it.
		s.pending.bufferState(state)
		return err
	}
	return nil
}

func (s *Store) snapshotDefsLocked() []JobDefinition {
	out := make([]JobDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func definitionsEqual(a, b JobDefinition) bool {
	return reflect.DeepEqual(a, b)
}

// Get returns the combined job view for id, or ok=false if unknown.
func (s *Store) Get(id string) (Job, bool, error) {
	s.mu.RLock()
	def, ok := s.defs[id]
	s.mu.RUnlock()
	if !ok {
		return Job{}, false, nil
	}

	st, err := s.state.GetState(id)
	if err != nil {
		return Job{}, false, err
	}
	if st == nil {
		return Job{}, false, fmt.Errorf("job %s has a definition but no state row", id)
	}
	return Job{JobDefinition: def, State: *st}, true, nil
}

// Delete removes a job's definition, state, and run history.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if s.configBroken {
		s.mu.Unlock()
		return fmt.Errorf("config file %s is unreadable; refusing to overwrite it", s.configPath)
	}
	existing, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.defs, id)
	snapshot := s.snapshotDefsLocked()
	s.mu.Unlock()

	if err := SaveConfig(s.configPath, &ConfigFile{Jobs: snapshot}); err != nil {
		s.mu.Lock()
		s.defs[id] = existing
		s.mu.Unlock()
		return fmt.Errorf("save config: %w", err)
	}

	return s.state.DeleteStateAndRuns(id)
}

// List returns jobs matching filter.
func (s *Store) List(filter ListFilter) ([]Job, error) {
	s.mu.RLock()
	defs := make([]JobDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.RUnlock()

	states, err := s.state.ListStates()
	if err != nil {
		return nil, err
	}
	stateByID := make(map[string]JobState, len(states))
	for _, st := range states {
		stateByID[st.JobID] = st
	}

	var out []Job
	for _, def := range defs {
		if filter.UserID != "" && def.UserID != filter.UserID {
			continue
		}
		st, ok := stateByID[def.ID]
		if !ok {
			continue
		}
		if !filter.IncludeDisabled && !def.Enabled {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		out = append(out, Job{JobDefinition: def, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DueJobs returns armed jobs due at or before beforeMS, ordered by
// next_run_at_ms ascending.
func (s *Store) DueJobs(beforeMS int64) ([]Job, error) {
	ids, err := s.state.DueStateIDs(beforeMS)
	if err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		// The state query only sees status; the enabled half of the due
		// predicate lives in the definition.
		if ok && job.Enabled {
			out = append(out, job)
		}
	}
	return out, nil
}

// NextRunTime returns the earliest next_run_at_ms across armed jobs —
// enabled, active, fire time set. The enabled half of the predicate
// lives in the definitions, so this joins rather than delegating to a
// bare state query.
func (s *Store) NextRunTime() (*int64, error) {
	states, err := s.state.ListStates()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var min *int64
	for _, st := range states {
		def, ok := s.defs[st.JobID]
		if !ok || !def.Enabled || st.Status != StatusActive || st.NextRunAtMS == nil {
			continue
		}
		if min == nil || *st.NextRunAtMS < *min {
			v := *st.NextRunAtMS
			min = &v
		}
	}
	return min, nil
}

// SaveRun appends a run history record. A write that fails is buffered for
// RetryPending rather than lost.
func (s *Store) SaveRun(run JobRun) error {
	if err := s.state.SaveRun(run); err != nil {
		s.pending.bufferRun(run)
		return err
	}
	return nil
}

// RetryPending re-attempts every buffered state/run write that previously
// failed to persist. The timer loop calls this once per tick. Returns how
// many writes recovered and how many remain pending.
func (s *Store) RetryPending() (recovered, stillPending int) {
	return s.pending.retry(s.state)
}

// Degraded reports whether persistent write failures have continued long
// enough that the scheduler should refuse new jobs while continuing to run
// existing ones.
func (s *Store) Degraded() bool {
	return s.pending.isDegraded()
}

// Runs returns run history matching filter plus the total matching count.
func (s *Store) Runs(filter RunFilter) ([]JobRun, int, error) {
	return s.state.Runs(filter)
}

// JobStats summarizes one job's run history.
func (s *Store) JobStats(id string) (JobStats, error) {
	return s.state.JobStats(id)
}

// TodayStats summarizes run counts by status since the start of today in
// loc (defaults to local time if loc is nil).
func (s *Store) TodayStats(loc *time.Location) (map[string]int, error) {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return s.state.TodayStats(startOfDay.UnixMilli())
}

// DeleteOldRuns removes run records older than beforeMS.
func (s *Store) DeleteOldRuns(beforeMS int64) (int64, error) {
	return s.state.DeleteOldRuns(beforeMS)
}
