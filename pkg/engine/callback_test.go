package engine

import (
	"context"
	"encoding/json"
	"testing"
)

// asyncFixture admits a two-task chain whose first task goes
// asynchronous with external id job-1, then runs one tick so the
// running state and external index are persisted.
func asyncFixture(t *testing.T) (*testStore, *scriptedAdapter, *Engine, *Runner, string) {
	t.Helper()
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
		t.Fatalf("fixture status %s, want running", record.Status)
	}
	return store, adapter, eng, runner, id
}

func TestIngestCallbackRejectsInvalid(t *testing.T) {
	_, _, eng, _, _ := asyncFixture(t)

	_, err := eng.IngestCallback(context.Background(), "", CallbackBody{ExternalID: "job-1"})
	if !IsKind(err, KindCallbackInvalid) {
		t.Errorf("empty backend: got %v", err)
	}

	_, err = eng.IngestCallback(context.Background(), "compute", CallbackBody{})
	if !IsKind(err, KindCallbackInvalid) {
		t.Errorf("empty external id: got %v", err)
	}

	_, err = eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     "exploded",
	})
	if !IsKind(err, KindCallbackInvalid) {
		t.Errorf("bad status: got %v", err)
	}
}

func TestIngestCallbackUnknownExternalID(t *testing.T) {
	_, _, eng, _, _ := asyncFixture(t)

	_, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{ExternalID: "no-such-job"})
	if !IsKind(err, KindUnknownExternalID) {
		t.Errorf("got %v, want unknown external id", err)
	}

	// Same external id on the wrong backend is equally unknown.
	_, err = eng.IngestCallback(context.Background(), "storage", CallbackBody{ExternalID: "job-1"})
	if !IsKind(err, KindUnknownExternalID) {
		t.Errorf("wrong backend: got %v", err)
	}
}

// TestIngestCallbackAdvancesTask folds a terminal callback into the
// task, persists the roll-up, and lets the next tick run the dependent.
func TestIngestCallbackAdvancesTask(t *testing.T) {
	store, _, eng, runner, id := asyncFixture(t)

	res, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     string(TaskSucceeded),
		Output:     json.RawMessage(`{"instance":"i-123"}`),
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if res.RequestID != id || res.TaskID != "t1" || res.Status != TaskSucceeded {
		t.Errorf("callback result %+v", res)
	}

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	t1 := record.Result("t1")
	if t1.Status != TaskSucceeded {
		t.Errorf("t1 status %s", t1.Status)
	}
	if string(t1.Output) != `{"instance":"i-123"}` {
		t.Errorf("t1 output %s", t1.Output)
	}
	if t1.FinishedAt == nil {
		t.Error("t1 missing finished_at")
	}
	// t2 is still queued, so the request stays running until the runner
	// re-drives the plan.
	if record.Status != RequestRunning {
		t.Errorf("record status %s, want running", record.Status)
	}

	runner.Tick(context.Background())
	record, _ = store.Get(context.Background(), id)
	if record.Status != RequestExecuted {
		t.Errorf("record status after tick %s, want executed", record.Status)
	}
}

// TestIngestCallbackFailureCancelsDependents checks that a failed
// callback fails the request and the next tick cancels the dependent.
func TestIngestCallbackFailureCancelsDependents(t *testing.T) {
	store, _, eng, runner, id := asyncFixture(t)

	res, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     string(TaskFailed),
		Error:      &TaskError{Message: "quota exceeded"},
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if res.Status != TaskFailed {
		t.Errorf("callback result status %s", res.Status)
	}

	record, _ := store.Get(context.Background(), id)
	if record.Status != RequestFailed {
		t.Errorf("record status %s, want failed", record.Status)
	}
	if record.Result("t1").Error == nil || record.Result("t1").Error.Message != "quota exceeded" {
		t.Errorf("t1 error %+v", record.Result("t1").Error)
	}

	// The record is terminal; the sweep on a subsequent converge pass is
	// not needed, but a tick must not reopen anything.
	runner.Tick(context.Background())
	record, _ = store.Get(context.Background(), id)
	if record.Status != RequestFailed {
		t.Errorf("record status after tick %s", record.Status)
	}
}

// TestIngestCallbackTerminalDrop checks duplicate delivery: a second
// callback for a settled task is dropped and answers with the stored
// status rather than an error.
func TestIngestCallbackTerminalDrop(t *testing.T) {
	store, _, eng, _, id := asyncFixture(t)

	if _, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     string(TaskSucceeded),
	}); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}

	res, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     string(TaskFailed),
		Error:      &TaskError{Message: "late contradiction"},
	})
	if err != nil {
		t.Fatalf("duplicate callback errored: %v", err)
	}
	if res.Status != TaskSucceeded {
		t.Errorf("duplicate callback status %s, want the settled one", res.Status)
	}

	record, _ := store.Get(context.Background(), id)
	if record.Result("t1").Status != TaskSucceeded {
		t.Errorf("settled task reopened: %s", record.Result("t1").Status)
	}
	if record.Result("t1").Error != nil {
		t.Error("late error overwrote the settled result")
	}
}

// TestIngestCallbackWakesRunner checks that a terminal callback leaves
// a wake signal pending so the plan is re-driven promptly.
func TestIngestCallbackWakesRunner(t *testing.T) {
	_, _, eng, runner, _ := asyncFixture(t)

	// Drain the wake left over from admission.
	select {
	case <-runner.wake:
	default:
	}

	if _, err := eng.IngestCallback(context.Background(), "compute", CallbackBody{
		ExternalID: "job-1",
		Status:     string(TaskSucceeded),
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	select {
	case <-runner.wake:
	default:
		t.Error("terminal callback left no wake signal")
	}
}

func TestCallbackStatusMapping(t *testing.T) {
	cases := []struct {
		raw     string
		want    TaskStatus
		wantErr bool
	}{
		{raw: "", want: TaskRunning},
		{raw: "queued", want: TaskRunning},
		{raw: "running", want: TaskRunning},
		{raw: "succeeded", want: TaskSucceeded},
		{raw: "failed", want: TaskFailed},
		{raw: "canceled", want: TaskCanceled},
		{raw: "done", wantErr: true},
	}
	for _, tc := range cases {
		got, err := callbackStatus(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("callbackStatus(%q) accepted", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("callbackStatus(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("callbackStatus(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
