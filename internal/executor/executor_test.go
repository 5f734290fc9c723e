package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/jobkeep/internal/bus"
	"github.com/nextlevelbuilder/jobkeep/internal/callback"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "scheduler.yaml"), filepath.Join(dir, "scheduler_state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createJob(t *testing.T, st *store.Store, def store.JobDefinition) store.Job {
	t.Helper()
	def.Enabled = true
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Target.Kind == "" {
		def.Target = store.DefaultSessionTarget()
	}
	now := store.NowMS()
	state := store.InitialState(def, now)
	if err := st.Save(def, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	job, _, err := st.Get(def.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	channels []string
	chatIDs  []string
}

func (n *recordingNotifier) Send(ctx context.Context, channel, chatID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	n.chatIDs = append(n.chatIDs, chatID)
	n.messages = append(n.messages, message)
	return nil
}

func TestExecute_SystemEvent_SendsReminderPrefixedMessage(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	exec := New(st, nil, callback.Callbacks{Notifier: notifier})

	everyMS := int64(1000)
	job := createJob(t, st, store.JobDefinition{
		ID:       "job-remind",
		Schedule: schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &everyMS},
		Payload:  store.Payload{Kind: store.PayloadSystemEvent, Message: "hi", Channel: "telegram", ChatID: "42"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	exec.Execute(context.Background(), job)

	if len(notifier.messages) != 1 || notifier.messages[0] != "⏰ 提醒：hi" {
		t.Fatalf("expected one reminder message, got %v", notifier.messages)
	}
	if notifier.channels[0] != "telegram" || notifier.chatIDs[0] != "42" {
		t.Fatalf("expected (telegram, 42), got (%s, %s)", notifier.channels[0], notifier.chatIDs[0])
	}

	runs, total, err := st.Runs(store.RunFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if total != 1 || runs[0].Status != store.RunOK {
		t.Fatalf("expected one ok run, got %+v", runs)
	}
}

func TestExecute_Webhook_FailureTriggersRetryThenFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newTestStore(t)
	exec := New(st, nil, callback.Callbacks{})

	atMS := store.NowMS() + 10
	maxRetries := 1
	job := createJob(t, st, store.JobDefinition{
		ID:         "job-hook",
		Schedule:   schedule.Schedule{Kind: schedule.KindAt, AtMS: &atMS},
		Payload:    store.Payload{Kind: store.PayloadWebhook, URL: srv.URL, Method: "POST", Body: map[string]any{"k": 1}},
		Target:     store.SessionTarget{Kind: store.TargetIsolated},
		MaxRetries: maxRetries,
	})

	// First attempt: consecutive_failures=1, within MaxRetries, reschedules.
	exec.Execute(context.Background(), job)
	after1, ok, err := st.Get(job.ID)
	if err != nil || !ok {
		t.Fatalf("Get after first attempt: %v", err)
	}
	if after1.State.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive_failures=1, got %d", after1.State.ConsecutiveFailures)
	}
	if after1.State.Status != store.StatusActive {
		t.Fatalf("expected status active after first failure (still retrying), got %s", after1.State.Status)
	}

	// Second attempt: consecutive_failures=2 > maxRetries(1) -> failed.
	exec.Execute(context.Background(), after1)
	after2, ok, err := st.Get(job.ID)
	if err != nil || !ok {
		t.Fatalf("Get after second attempt: %v", err)
	}
	if after2.State.ConsecutiveFailures != 2 {
		t.Fatalf("expected consecutive_failures=2, got %d", after2.State.ConsecutiveFailures)
	}
	if after2.State.Status != store.StatusFailed {
		t.Fatalf("expected status failed, got %s", after2.State.Status)
	}

	_, total, err := st.Runs(store.RunFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 run records, got %d", total)
	}
}

type fakeAgentRunner struct {
	result string
	err    error
}

func (f fakeAgentRunner) Run(ctx context.Context, prompt string, context map[string]any) (string, error) {
	return f.result, f.err
}

func TestExecute_TaskChain_TriggersOnMatchingStatus(t *testing.T) {
	st := newTestStore(t)
	exec := New(st, nil, callback.Callbacks{AgentRunner: fakeAgentRunner{result: "X!"}})

	farFuture := store.NowMS() + 10_000_000
	_ = createJob(t, st, store.JobDefinition{
		ID:       "job-b",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &farFuture},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "y"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})
	bBeforeNext := mustState(t, st, "job-b").NextRunAtMS

	soon := store.NowMS() + 10
	jobA := createJob(t, st, store.JobDefinition{
		ID:       "job-a",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &soon},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
		OnComplete: []store.Payload{
			{Kind: store.PayloadTaskChain, NextJobID: "job-b", OnStatus: []store.RunStatus{store.RunOK}},
		},
	})

	exec.Execute(context.Background(), jobA)

	runsB, totalB, err := st.Runs(store.RunFilter{JobID: "job-b"})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if totalB != 1 {
		t.Fatalf("expected job-b to have run exactly once via the chain, got %d", totalB)
	}
	if runsB[0].Status != store.RunOK {
		t.Fatalf("expected job-b's chained run to be ok, got %s", runsB[0].Status)
	}

	bAfterNext := mustState(t, st, "job-b").NextRunAtMS
	if *bAfterNext != *bBeforeNext {
		t.Fatalf("expected job-b's next_run_at_ms to be unchanged by the chain trigger, before=%d after=%d", *bBeforeNext, *bAfterNext)
	}
}

func TestExecute_TaskChain_DoesNotTriggerOnNonMatchingStatus(t *testing.T) {
	st := newTestStore(t)
	exec := New(st, nil, callback.Callbacks{AgentRunner: fakeAgentRunner{err: errors.New("boom")}})

	farFuture := store.NowMS() + 10_000_000
	createJob(t, st, store.JobDefinition{
		ID:       "job-b",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &farFuture},
		Payload:  store.Payload{Kind: store.PayloadSystemEvent, Message: "done"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	soon := store.NowMS() + 10
	jobA := createJob(t, st, store.JobDefinition{
		ID:       "job-a",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &soon},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
		OnComplete: []store.Payload{
			{Kind: store.PayloadTaskChain, NextJobID: "job-b", OnStatus: []store.RunStatus{store.RunOK}},
		},
	})

	exec.Execute(context.Background(), jobA)

	_, totalB, err := st.Runs(store.RunFilter{JobID: "job-b"})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if totalB != 0 {
		t.Fatalf("expected job-b not to run when job-a failed, got %d runs", totalB)
	}
}

func TestExecute_Main_InjectsEnvelopeWithoutRunningPayload(t *testing.T) {
	st := newTestStore(t)

	var gotUserID string
	var gotEnvelope callback.SystemEventEnvelope
	var heartbeatCalled bool

	exec := New(st, bus.New(), callback.Callbacks{
		OnSystemEvent: func(ctx context.Context, userID string, envelope callback.SystemEventEnvelope) error {
			gotUserID = userID
			gotEnvelope = envelope
			return nil
		},
		RunHeartbeat: func(ctx context.Context, userID string) error {
			heartbeatCalled = true
			return nil
		},
	})

	everyMS := int64(1000)
	job := createJob(t, st, store.JobDefinition{
		ID:       "job-main",
		UserID:   "user-1",
		Schedule: schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &everyMS},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "should not run"},
		Target:   store.SessionTarget{Kind: store.TargetMain, TriggerHeartbeat: true},
	})

	exec.Execute(context.Background(), job)

	if gotUserID != "user-1" {
		t.Fatalf("expected envelope delivered for user-1, got %q", gotUserID)
	}
	if gotEnvelope.Type != "scheduled_task" || gotEnvelope.JobID != "job-main" {
		t.Fatalf("unexpected envelope: %+v", gotEnvelope)
	}
	if !heartbeatCalled {
		t.Fatal("expected run_heartbeat to be called")
	}

	runs, _, err := st.Runs(store.RunFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunOK {
		t.Fatalf("expected one ok run recording the injection, got %+v", runs)
	}
}

func TestExecute_MissingCollaborator_FailsRunWithClearError(t *testing.T) {
	st := newTestStore(t)
	exec := New(st, nil, callback.Callbacks{}) // no agent runner configured

	atMS := store.NowMS() + 10
	job := createJob(t, st, store.JobDefinition{
		ID:       "job-missing",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &atMS},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	exec.Execute(context.Background(), job)

	after, ok, err := st.Get(job.ID)
	if err != nil || !ok {
		t.Fatalf("Get: %v", err)
	}
	if after.State.LastStatus != string(store.RunFailed) {
		t.Fatalf("expected failed run, got %s", after.State.LastStatus)
	}
	if after.State.LastError == "" {
		t.Fatal("expected a non-empty last_error")
	}
}

func mustState(t *testing.T, st *store.Store, id string) store.JobState {
	t.Helper()
	job, ok, err := st.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job.State
}

func TestExecute_TaskChain_FailedStatusTriggersAlertChain(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	exec := New(st, nil, callback.Callbacks{
		AgentRunner: fakeAgentRunner{err: errors.New("boom")},
		Notifier:    notifier,
	})

	farFuture := store.NowMS() + 10_000_000
	createJob(t, st, store.JobDefinition{
		ID:       "job-alert",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &farFuture},
		Payload:  store.Payload{Kind: store.PayloadSystemEvent, Message: "upstream failed", Channel: "telegram", ChatID: "1"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	soon := store.NowMS() + 10
	jobA := createJob(t, st, store.JobDefinition{
		ID:       "job-a",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &soon},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
		OnComplete: []store.Payload{
			{Kind: store.PayloadTaskChain, NextJobID: "job-alert", OnStatus: []store.RunStatus{store.RunFailed}},
		},
	})

	exec.Execute(context.Background(), jobA)

	_, totalAlert, err := st.Runs(store.RunFilter{JobID: "job-alert"})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if totalAlert != 1 {
		t.Fatalf("expected the alert chain to fire on the failed run, got %d runs", totalAlert)
	}
	if len(notifier.messages) == 0 {
		t.Fatal("expected the alert job's notification to have been sent")
	}
}

func TestFinalize_DoesNotClobberConcurrentPause(t *testing.T) {
	st := newTestStore(t)
	exec := New(st, nil, callback.Callbacks{AgentRunner: fakeAgentRunner{result: "ok"}})

	everyMS := int64(1000)
	job := createJob(t, st, store.JobDefinition{
		ID:       "job-p",
		Schedule: schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &everyMS},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	// Park the job after the run was dispatched with an active snapshot,
	// simulating a Pause landing while the run is in flight.
	parked := job.State
	parked.Status = store.StatusPaused
	parked.NextRunAtMS = nil
	if err := st.Save(job.JobDefinition, parked); err != nil {
		t.Fatalf("Save: %v", err)
	}

	exec.finalize(job, outcome{status: store.RunOK, output: "ok"}, store.NowMS())

	after, ok, err := st.Get(job.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if after.State.Status != store.StatusPaused {
		t.Fatalf("expected the pause to survive finalization, got %s", after.State.Status)
	}
	if after.State.NextRunAtMS != nil {
		t.Fatal("expected next_run_at_ms to stay cleared")
	}
	if after.State.RunCount != 1 {
		t.Fatalf("expected run bookkeeping to land, got run_count=%d", after.State.RunCount)
	}
}

func TestExecute_NoOverlapWithInFlightRun(t *testing.T) {
	st := newTestStore(t)

	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := New(st, nil, callback.Callbacks{
		AgentRunner: callback.AgentRunnerFunc(func(ctx context.Context, prompt string, context map[string]any) (string, error) {
			calls.Add(1)
			started <- struct{}{}
			<-release
			return "done", nil
		}),
	})

	everyMS := int64(1000)
	job := createJob(t, st, store.JobDefinition{
		ID:       "job-overlap",
		Schedule: schedule.Schedule{Kind: schedule.KindEvery, EveryMS: &everyMS},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "x"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.Execute(context.Background(), job)
	}()
	<-started

	if !exec.Busy(job.ID) {
		t.Fatal("expected the job to report busy while its run is in flight")
	}

	// A second firing racing the first must be dropped as a skip, never
	// run in parallel.
	exec.Execute(context.Background(), job)

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected the agent to run exactly once, got %d", calls.Load())
	}
	runs, total, err := st.Runs(store.RunFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected one real run and one skip, got %d records", total)
	}
	byStatus := map[store.RunStatus]int{}
	for _, r := range runs {
		byStatus[r.Status]++
	}
	if byStatus[store.RunOK] != 1 || byStatus[store.RunSkipped] != 1 {
		t.Fatalf("expected statuses {ok:1, skipped:1}, got %v", byStatus)
	}
}

func TestChain_DroppedWhenTargetAlreadyRunning(t *testing.T) {
	st := newTestStore(t)

	var targetCalls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := New(st, nil, callback.Callbacks{
		AgentRunner: callback.AgentRunnerFunc(func(ctx context.Context, prompt string, context map[string]any) (string, error) {
			if prompt == "target" {
				targetCalls.Add(1)
				started <- struct{}{}
				<-release
			}
			return "done", nil
		}),
	})

	farFuture := store.NowMS() + 10_000_000
	target := createJob(t, st, store.JobDefinition{
		ID:       "job-target",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &farFuture},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "target"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
	})

	soon := store.NowMS() + 10
	parent := createJob(t, st, store.JobDefinition{
		ID:       "job-parent",
		Schedule: schedule.Schedule{Kind: schedule.KindAt, AtMS: &soon},
		Payload:  store.Payload{Kind: store.PayloadAgentTurn, Prompt: "parent"},
		Target:   store.SessionTarget{Kind: store.TargetIsolated},
		OnComplete: []store.Payload{
			{Kind: store.PayloadTaskChain, NextJobID: "job-target", OnStatus: []store.RunStatus{store.RunOK}},
		},
	})

	// Occupy the chain target with an in-flight run, then complete the
	// parent: the chain trigger must be dropped as a skip.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.ExecuteOnce(context.Background(), target)
	}()
	<-started

	exec.Execute(context.Background(), parent)

	close(release)
	wg.Wait()

	if targetCalls.Load() != 1 {
		t.Fatalf("expected the chain target to run exactly once, got %d", targetCalls.Load())
	}
	_, skips, err := st.Runs(store.RunFilter{JobID: "job-target", Status: store.RunSkipped})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if skips != 1 {
		t.Fatalf("expected the dropped chain trigger recorded as one skip, got %d", skips)
	}
}
