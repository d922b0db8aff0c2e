package engine

import (
	"context"
	"errors"
	"testing"
)

func admitQueued(t *testing.T, eng *Engine, key string) string {
	t.Helper()
	res, err := eng.Admit(context.Background(), envelope(key, OperationApply))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if res.Status != RequestQueued {
		t.Fatalf("admitted status %s, want queued", res.Status)
	}
	return res.RequestID
}

// TestRunnerTickDrainsQueued checks that one tick takes a queued
// request through execution to a terminal status and persists it.
func TestRunnerTickDrainsQueued(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(2), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	id := admitQueued(t, eng, "key-1")
	runner.Tick(context.Background())

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestExecuted {
		t.Errorf("record status %s, want executed", record.Status)
	}
	if len(record.Results) != 2 {
		t.Fatalf("results %+v", record.Results)
	}
	for _, res := range record.Results {
		if res.Status != TaskSucceeded {
			t.Errorf("task %s status %s", res.TaskID, res.Status)
		}
	}
}

// TestRunnerConvergesAsyncTask drives an asynchronous task to
// completion across ticks: the first tick leaves the request running
// with an external id, a later tick polls the backend, folds in the
// terminal status, and unblocks the dependent task.
func TestRunnerConvergesAsyncTask(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	adapter.results["t1"] = &TaskResult{Status: TaskRunning, ExternalID: "job-1"}
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(2), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	id := admitQueued(t, eng, "key-1")
	runner.Tick(context.Background())

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestRunning {
		t.Fatalf("record status %s, want running", record.Status)
	}
	if record.Result("t1").ExternalID != "job-1" {
		t.Fatalf("external id not persisted: %+v", record.Result("t1"))
	}

	// The backend finishes the job; the next tick picks it up by poll.
	adapter.statuses["job-1"] = &TaskResult{Status: TaskSucceeded}
	runner.Tick(context.Background())

	record, err = store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestExecuted {
		t.Errorf("record status %s, want executed", record.Status)
	}
	if got := record.Result("t1").Status; got != TaskSucceeded {
		t.Errorf("t1 status %s", got)
	}
	if got := record.Result("t2").Status; got != TaskSucceeded {
		t.Errorf("dependent t2 status %s", got)
	}
	if record.Result("t1").FinishedAt == nil {
		t.Error("converged task missing finished_at")
	}
	if len(adapter.polled) == 0 {
		t.Error("backend was never polled")
	}
}

// TestRunnerPollErrorLeavesTaskRunning checks that a failed status poll
// never fails the task; the request stays running for a later tick.
func TestRunnerPollErrorLeavesTaskRunning(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	adapter.results["t1"] = &TaskResult{Status: TaskRunning, ExternalID: "job-1"}
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(2), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	id := admitQueued(t, eng, "key-1")
	runner.Tick(context.Background())

	adapter.checkErr = errors.New("backend unreachable")
	runner.Tick(context.Background())

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestRunning {
		t.Errorf("record status %s, want running", record.Status)
	}
	if got := record.Result("t1").Status; got != TaskRunning {
		t.Errorf("t1 status %s after poll error, want running", got)
	}
	if got := record.Result("t2").Status; got != TaskQueued {
		t.Errorf("t2 status %s, want queued", got)
	}
}

// TestRunnerPollInvalidStatusLeavesTaskRunning checks that a backend
// reporting a status outside the enum cannot advance the task. The
// result stays running for a later poll, exactly like a poll error.
func TestRunnerPollInvalidStatusLeavesTaskRunning(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	adapter.results["t1"] = &TaskResult{Status: TaskRunning, ExternalID: "job-1"}
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(2), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	id := admitQueued(t, eng, "key-1")
	runner.Tick(context.Background())

	adapter.statuses["job-1"] = &TaskResult{Status: TaskStatus("done")}
	runner.Tick(context.Background())

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestRunning {
		t.Errorf("record status %s, want running", record.Status)
	}
	if got := record.Result("t1").Status; got != TaskRunning {
		t.Errorf("t1 status %q after invalid poll, want running", got)
	}
	if got := record.Result("t2").Status; got != TaskQueued {
		t.Errorf("t2 status %s, want queued", got)
	}

	// The backend recovers; the next tick converges normally.
	adapter.statuses["job-1"] = &TaskResult{Status: TaskSucceeded}
	runner.Tick(context.Background())

	record, err = store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != RequestExecuted {
		t.Errorf("record status %s after recovery, want executed", record.Status)
	}
}

// TestRunnerSkipsRecordAdvancedUnderLock simulates a callback landing
// between listing and locking: the reload sees a non-queued record and
// the runner starts nothing.
func TestRunnerSkipsRecordAdvancedUnderLock(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(1), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	id := admitQueued(t, eng, "key-1")

	// Advance the record out from under the stale listing.
	failed := RequestFailed
	if _, err := store.Update(context.Background(), id, RecordPatch{Status: &failed}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	runner.startRequest(context.Background(), &RequestRecord{RequestID: id, Status: RequestQueued})

	if len(adapter.executed) != 0 {
		t.Errorf("runner executed %v on a non-queued record", adapter.executed)
	}
}

// TestRunnerTickNonReentrant checks that a tick arriving while one is
// in flight is dropped instead of stacked.
func TestRunnerTickNonReentrant(t *testing.T) {
	store := newTestStore()
	adapter := newScriptedAdapter()
	eng := testEngine(t, store, &testSink{}, nil, chainPlan(1), adapter)
	runner := NewRunner(eng, RunnerOptions{})

	admitQueued(t, eng, "key-1")

	runner.busy.Store(true)
	runner.Tick(context.Background())
	if len(adapter.executed) != 0 {
		t.Error("overlapping tick was not dropped")
	}

	runner.busy.Store(false)
	runner.Tick(context.Background())
	if len(adapter.executed) != 1 {
		t.Errorf("follow-up tick executed %v", adapter.executed)
	}
}

// TestRunnerWakeNeverBlocks checks that repeated wakes coalesce.
func TestRunnerWakeNeverBlocks(t *testing.T) {
	eng := testEngine(t, newTestStore(), &testSink{}, nil, nil, nil)
	runner := NewRunner(eng, RunnerOptions{})

	for i := 0; i < 10; i++ {
		runner.Wake()
	}
	select {
	case <-runner.wake:
	default:
		t.Error("wake signal not pending")
	}
	select {
	case <-runner.wake:
		t.Error("wakes did not coalesce")
	default:
	}
}
