package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IngestCallback folds an asynchronous backend update into the owning
// request. The (backend, external_id) pair is resolved through the
// store's external index; the task update and the resulting roll-up are
// applied under the record's lock so concurrent callbacks and runner
// ticks serialize.
//
// A callback for a task that is already terminal is dropped without
// error, making delivery idempotent. Terminal request states are never
// reopened.
func (e *Engine) IngestCallback(ctx context.Context, backend string, body CallbackBody) (*CallbackResult, error) {
	if strings.TrimSpace(backend) == "" {
		err := NewError(KindCallbackInvalid, "callback backend is required", nil).WithStage(StageCallback)
		e.metrics.CallbackError(string(KindCallbackInvalid))
		return nil, err
	}
	if strings.TrimSpace(body.ExternalID) == "" {
		err := NewError(KindCallbackInvalid, "callback external_id is required", nil).WithStage(StageCallback)
		e.metrics.CallbackError(string(KindCallbackInvalid))
		return nil, err
	}

	ref, err := e.store.FindTaskByExternalID(ctx, backend, body.ExternalID)
	if err != nil {
		if IsKind(err, KindUnknownExternalID) || IsKind(err, KindNotFound) {
			e.metrics.CallbackError(string(KindUnknownExternalID))
			return nil, NewError(KindUnknownExternalID,
				fmt.Sprintf("no live task for backend %q external id %q", backend, body.ExternalID), err).
				WithStage(StageCallback)
		}
		return nil, err
	}

	unlock := e.locks.Lock(ref.RequestID)
	defer unlock()

	// Reload inside the lock; the index lookup ran outside it.
	record, err := e.store.Get(ctx, ref.RequestID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			e.metrics.CallbackError(string(KindRequestGone))
			return nil, NewError(KindRequestGone,
				fmt.Sprintf("request %s referenced by external id %q no longer exists", ref.RequestID, body.ExternalID), err).
				WithStage(StageCallback).WithRequest(ref.RequestID)
		}
		return nil, err
	}

	result := record.Result(ref.TaskID)
	if result == nil {
		e.metrics.CallbackError(string(KindRequestGone))
		return nil, NewError(KindRequestGone,
			fmt.Sprintf("task %s referenced by external id %q no longer exists", ref.TaskID, body.ExternalID), nil).
			WithStage(StageCallback).WithRequest(ref.RequestID)
	}

	// Late or duplicate delivery for a settled task.
	if result.Status.IsTerminal() || record.Status.IsTerminal() {
		e.auditEvent(ctx, record.RequestID, AuditWarn, StageCallback,
			fmt.Sprintf("dropped callback for terminal task %s (status %s)", ref.TaskID, result.Status), nil)
		return &CallbackResult{
			RequestID: record.RequestID,
			TaskID:    ref.TaskID,
			Status:    result.Status,
		}, nil
	}

	status, err := callbackStatus(body.Status)
	if err != nil {
		e.metrics.CallbackError(string(KindCallbackInvalid))
		return nil, NewError(KindCallbackInvalid, err.Error(), err).
			WithStage(StageCallback).WithRequest(record.RequestID)
	}

	results := make([]TaskResult, len(record.Results))
	copy(results, record.Results)
	merged := findResult(results, ref.TaskID)
	mergeCallback(merged, status, body, e.now())

	e.auditEvent(ctx, record.RequestID, AuditInfo, StageCallback,
		fmt.Sprintf("callback moved task %s to status %s", ref.TaskID, merged.Status),
		map[string]interface{}{
			"backend":     backend,
			"external_id": body.ExternalID,
		})

	rollup := Rollup(record.Plan, results)
	if _, err := e.store.Update(ctx, record.RequestID, RecordPatch{
		Results: results,
		Status:  &rollup,
	}); err != nil {
		return nil, err
	}

	e.metrics.CallbackIngested(backend)

	// A terminal update may unblock dependent tasks; let the runner
	// re-drive the plan promptly.
	if merged.Status.IsTerminal() && e.waker != nil {
		e.waker.Wake()
	}

	return &CallbackResult{
		RequestID: record.RequestID,
		TaskID:    ref.TaskID,
		Status:    merged.Status,
	}, nil
}

// callbackStatus maps an inbound status string onto a task status. An
// absent status means the job is still in flight.
func callbackStatus(raw string) (TaskStatus, error) {
	if raw == "" {
		return TaskRunning, nil
	}
	status := TaskStatus(raw)
	if err := status.Validate(); err != nil {
		return "", err
	}
	if status == TaskQueued {
		return TaskRunning, nil
	}
	return status, nil
}

// mergeCallback folds the callback body into the task result in place.
// Output and error are only overwritten when the callback carries them.
func mergeCallback(res *TaskResult, status TaskStatus, body CallbackBody, now time.Time) {
	res.Status = status
	if len(body.Output) > 0 {
		res.Output = body.Output
	}
	if body.Error != nil {
		res.Error = body.Error
	}
	if res.StartedAt == nil {
		res.StartedAt = &now
	}
	if status.IsTerminal() && res.FinishedAt == nil {
		res.FinishedAt = &now
	}
}

// findResult locates a task's result within a slice by id.
func findResult(results []TaskResult, taskID string) *TaskResult {
	for i := range results {
		if results[i].TaskID == taskID {
			return &results[i]
		}
	}
	return nil
}
