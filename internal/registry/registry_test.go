package registry

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "scheduler.yaml"), filepath.Join(dir, "scheduler_state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, bus.New())
}

func everyDefinition(name string, everyMS int64) store.JobDefinition {
	return store.JobDefinition{
		Name:     name,
		Enabled:  true,
		Schedule: schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &everyMS},
		Payload:  store.Payload{Kind: store.PayloadSystemEvent, Message: "hi"},
	}
}

func TestCreate_AssignsIDAndArms(t *testing.T) {
	r := newTestRegistry(t)

	job, err := r.Create(everyDefinition("every-job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if job.State.Status != store.StatusActive {
		t.Fatalf("expected active status, got %s", job.State.Status)
	}
	if job.State.NextRunAtMS == nil {
		t.Fatal("expected next_run_at_ms to be set")
	}
}

func TestCreate_AtInThePast_CompletedNeverArmed(t *testing.T) {
	r := newTestRegistry(t)

	past := store.NowMS() - 60_000
	def := store.JobDefinition{
		Name:     "past-job",
		Enabled:  true,
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &past},
		Payload:  store.Payload{Kind: store.PayloadSystemEvent, Message: "hi"},
	}

	job, err := r.Create(def)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.State.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", job.State.Status)
	}
	if job.State.NextRunAtMS != nil {
		t.Fatal("expected next_run_at_ms to stay nil for a past At schedule")
	}
}

func TestCreate_RejectsInvalidDefinition(t *testing.T) {
	r := newTestRegistry(t)

	def := everyDefinition("", 1000) // missing name
	if _, err := r.Create(def); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestPatch_ScheduleChangeRecomputesNextRun(t *testing.T) {
	r := newTestRegistry(t)

	job, err := r.Create(everyDefinition("job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstNext := *job.State.NextRunAtMS

	newInterval := int64(5_000_000)
	newSchedule := schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &newInterval}
	updated, err := r.Patch(job.ID, store.JobPatch{Schedule: &newSchedule})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if updated.State.NextRunAtMS == nil {
		t.Fatal("expected next_run_at_ms to be recomputed")
	}
	if *updated.State.NextRunAtMS == firstNext {
		t.Fatal("expected a different next_run_at_ms after schedule change")
	}
}

func TestPauseResume(t *testing.T) {
	r := newTestRegistry(t)

	job, err := r.Create(everyDefinition("job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	paused, err := r.Pause(job.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.State.Status != store.StatusPaused {
		t.Fatalf("expected paused status, got %s", paused.State.Status)
	}
	if paused.State.NextRunAtMS != nil {
		t.Fatal("expected next_run_at_ms cleared on pause")
	}

	resumed, err := r.Resume(job.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State.Status != store.StatusActive {
		t.Fatalf("expected active status after resume, got %s", resumed.State.Status)
	}
	if resumed.State.NextRunAtMS == nil {
		t.Fatal("expected next_run_at_ms to be recomputed on resume")
	}
}

func TestDelete_Cascades(t *testing.T) {
	r := newTestRegistry(t)

	job, err := r.Create(everyDefinition("job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.Delete(job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := r.Get(job.ID); ok {
		t.Fatal("expected job to be gone")
	}
}

func TestCreate_RefusedWhenStoreDegraded(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "scheduler.yaml"), filepath.Join(dir, "scheduler_state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	r := New(st, bus.New())
	job, err := r.Create(everyDefinition("job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Force every subsequent state write to fail, simulating a state
	// database that has stopped accepting writes.
	st.Close()

	state := job.State
	for i := 0; i < 3; i++ {
		state.RunCount++
		_ = st.Save(job.JobDefinition, state) // expected to fail; buffered for retry
	}

	if !st.Degraded() {
		t.Fatal("expected store to enter degraded mode after repeated state-db write failures")
	}
	if _, err := r.Create(everyDefinition("job-2", 1000)); err == nil {
		t.Fatal("expected Create to be refused while the store is degraded")
	}
}

func TestCreate_PublishesLifecycleEvent(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "scheduler.yaml"), filepath.Join(dir, "scheduler_state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	b := bus.New()
	var seen []bus.EventKind
	b.Subscribe("test", func(e bus.Event) { seen = append(seen, e.Kind) })

	r := New(st, b)
	if _, err := r.Create(everyDefinition("job", 1000)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if len(seen) != 1 || seen[0] != bus.EventJobCreated {
		t.Fatalf("expected exactly one job.created event, got %v", seen)
	}
}

func TestPause_LeavesConfigFileUntouched(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "scheduler.yaml")
	st, err := store.Open(configPath, filepath.Join(dir, "scheduler_state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	r := New(st, bus.New())
	job, err := r.Create(everyDefinition("job", 1000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	if _, err := r.Pause(job.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	after, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("expected Pause to leave the config file byte-identical")
	}

	cfg, err := store.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Jobs) != 1 || !cfg.Jobs[0].Enabled {
		t.Fatal("expected the job to stay enabled on disk; pause is runtime state only")
	}
}
