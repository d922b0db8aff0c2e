package engine

import (
	"context"
	"fmt"
	"time"
)

// ExecutePlan drives a plan's tasks toward completion. Tasks run
// sequentially in topological order; a task starts only when every
// dependency has succeeded. Existing results are reused so the plan can
// be resumed across runner ticks as asynchronous tasks converge.
//
// The returned results are ordered by topological task order. The
// returned status is Rollup(plan, results).
func (e *Engine) ExecutePlan(ctx context.Context, requestID string, plan *ExecutionPlan, existing []TaskResult) ([]TaskResult, RequestStatus, error) {
	ctx, span := e.tracer.StartRequestSpan(ctx, "engine.execute_plan", requestID)
	defer span.End()

	graph, err := buildPlanGraph(plan)
	if err != nil {
		e.auditEvent(ctx, requestID, AuditError, StageExecute, err.Error(), nil)
		return nil, "", err
	}

	results := e.seedResults(ctx, requestID, plan, existing)
	e.cancellationSweep(ctx, requestID, graph, results)

	for {
		runnable := e.runnableTasks(graph, results)
		if len(runnable) == 0 {
			break
		}

		failed := false
		for _, task := range runnable {
			e.executeTask(ctx, requestID, *task, results)
			if Rollup(plan, collectResults(graph, results)) == RequestFailed {
				failed = true
				break
			}
		}

		e.cancellationSweep(ctx, requestID, graph, results)
		if failed {
			// No new tasks are started once the roll-up fails; running
			// async tasks are left for the sweep or polling to settle.
			break
		}
	}

	ordered := collectResults(graph, results)
	return ordered, Rollup(plan, ordered), nil
}

// seedResults builds the task->result map. Results for tasks absent
// from the plan are dropped with a warn-level audit event; every plan
// task without a result starts queued.
func (e *Engine) seedResults(ctx context.Context, requestID string, plan *ExecutionPlan, existing []TaskResult) map[string]*TaskResult {
	results := make(map[string]*TaskResult, len(plan.Tasks))
	for _, res := range existing {
		if plan.Task(res.TaskID) == nil {
			e.auditEvent(ctx, requestID, AuditWarn, StageExecute,
				fmt.Sprintf("dropping result for task %q not present in plan", res.TaskID), nil)
			continue
		}
		r := res
		results[res.TaskID] = &r
	}
	for _, task := range plan.Tasks {
		if _, ok := results[task.ID]; !ok {
			results[task.ID] = &TaskResult{
				TaskID:  task.ID,
				Backend: task.Backend,
				Status:  TaskQueued,
			}
		}
	}
	return results
}

// cancellationSweep cancels every queued task that depends on a failed
// or canceled task. Repeated sweeps make cancellation transitive.
func (e *Engine) cancellationSweep(ctx context.Context, requestID string, graph *planGraph, results map[string]*TaskResult) {
	for {
		changed := false
		for _, id := range graph.order {
			res := results[id]
			if res.Status != TaskQueued {
				continue
			}
			task := graph.tasks[id]
			for _, dep := range task.DependsOn {
				depRes := results[dep]
				if depRes.Status != TaskFailed && depRes.Status != TaskCanceled {
					continue
				}
				now := e.now()
				res.Status = TaskCanceled
				res.Error = &TaskError{Message: fmt.Sprintf("canceled due to failed dependency %s", dep)}
				res.StartedAt = &now
				res.FinishedAt = &now
				e.auditEvent(ctx, requestID, AuditWarn, StageExecute,
					fmt.Sprintf("task %s canceled due to failed dependency %s", id, dep), nil)
				e.metrics.TaskExecuted(task.Backend, string(TaskCanceled))
				changed = true
				break
			}
		}
		if !changed {
			return
		}
	}
}

// runnableTasks returns, in topological order, the queued tasks that
// have never started and whose every dependency succeeded.
func (e *Engine) runnableTasks(graph *planGraph, results map[string]*TaskResult) []*ExecutionTask {
	var runnable []*ExecutionTask
	for _, id := range graph.order {
		res := results[id]
		if res.Status != TaskQueued || res.StartedAt != nil {
			continue
		}
		task := graph.tasks[id]
		ready := true
		for _, dep := range task.DependsOn {
			if results[dep].Status != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, task)
		}
	}
	return runnable
}

// executeTask invokes the adapter for one task and folds the normalized
// result into the map.
func (e *Engine) executeTask(ctx context.Context, requestID string, task ExecutionTask, results map[string]*TaskResult) {
	adapter, ok := e.registry.Adapter(task.Backend)
	if !ok {
		now := e.now()
		results[task.ID] = &TaskResult{
			TaskID:     task.ID,
			Backend:    task.Backend,
			Status:     TaskFailed,
			Error:      &TaskError{Message: fmt.Sprintf("no adapter registered for backend %q", task.Backend)},
			StartedAt:  &now,
			FinishedAt: &now,
		}
		e.auditEvent(ctx, requestID, AuditError, StageExecute,
			fmt.Sprintf("task %s failed: no adapter for backend %q", task.ID, task.Backend), nil)
		e.metrics.TaskExecuted(task.Backend, string(TaskFailed))
		return
	}

	actx := e.adapterContext(ctx, requestID, task)

	e.auditEvent(ctx, requestID, AuditInfo, StageExecute,
		fmt.Sprintf("task %s started on backend %s", task.ID, task.Backend), map[string]interface{}{
			"action": task.Action,
		})

	start := e.now()
	res, err := adapter.Execute(ctx, task, actx)
	e.metrics.ObserveTask(task.Backend, e.now().Sub(start))

	if err != nil {
		res = &TaskResult{
			Status: TaskFailed,
			Error:  &TaskError{Message: err.Error()},
		}
		e.auditEvent(ctx, requestID, AuditError, StageExecute,
			fmt.Sprintf("task %s failed: %v", task.ID, err), nil)
	}
	if res == nil {
		res = &TaskResult{Status: TaskFailed, Error: &TaskError{Message: "adapter returned no result"}}
	}

	normalized := e.normalizeResult(task, *res, start)
	results[task.ID] = &normalized

	e.auditEvent(ctx, requestID, AuditInfo, StageExecute,
		fmt.Sprintf("task %s finished with status %s", task.ID, normalized.Status), nil)
	e.metrics.TaskExecuted(task.Backend, string(normalized.Status))
}

// adapterContext assembles the adapter context through the provider. A
// provider failure never aborts the task; the adapter is invoked with a
// minimal context.
func (e *Engine) adapterContext(ctx context.Context, requestID string, task ExecutionTask) AdapterContext {
	minimal := AdapterContext{RequestID: requestID, Task: task}
	if e.contexts == nil {
		return minimal
	}
	actx, err := e.contexts.AdapterContext(ctx, requestID, task)
	if err != nil {
		e.logger.Error().Err(err).
			Str("request_id", requestID).
			Str("task_id", task.ID).
			Str("backend", task.Backend).
			Msg("adapter context provider failed")
		return minimal
	}
	actx.RequestID = requestID
	actx.Task = task
	return actx
}

// normalizeResult fills identifiers and timestamps an adapter may omit.
// The adapter's external id, output, and error pass through unchanged.
func (e *Engine) normalizeResult(task ExecutionTask, res TaskResult, started time.Time) TaskResult {
	res.TaskID = task.ID
	res.Backend = task.Backend
	if err := res.Status.Validate(); err != nil {
		res.Status = TaskFailed
		if res.Error == nil {
			res.Error = &TaskError{Message: err.Error()}
		}
	}
	now := e.now()
	if res.StartedAt == nil {
		res.StartedAt = &started
	}
	if res.Status.IsTerminal() && res.FinishedAt == nil {
		res.FinishedAt = &now
	}
	if !res.Status.IsTerminal() {
		res.FinishedAt = nil
	}
	return res
}

// collectResults orders the result map by topological task order.
func collectResults(graph *planGraph, results map[string]*TaskResult) []TaskResult {
	ordered := make([]TaskResult, 0, len(graph.order))
	for _, id := range graph.order {
		ordered = append(ordered, *results[id])
	}
	return ordered
}

// Rollup derives the request-level status from per-task statuses. It is
// a pure function of the plan's task ids and result statuses:
//
//   - any failed or canceled result  => failed
//   - every task succeeded           => executed
//   - anything else still in flight  => running
//   - otherwise (empty plan)         => executed
//
// A status outside the enum counts as in flight, so a corrupt result
// can never roll the request up to executed.
func Rollup(plan *ExecutionPlan, results []TaskResult) RequestStatus {
	byID := make(map[string]TaskStatus, len(results))
	for _, res := range results {
		byID[res.TaskID] = res.Status
	}

	active := false
	succeeded := 0
	for _, task := range plan.Tasks {
		status, ok := byID[task.ID]
		if !ok {
			active = true
			continue
		}
		switch status {
		case TaskFailed, TaskCanceled:
			return RequestFailed
		case TaskSucceeded:
			succeeded++
		default:
			active = true
		}
	}
	if succeeded == len(plan.Tasks) {
		return RequestExecuted
	}
	if active {
		return RequestRunning
	}
	return RequestExecuted
}
