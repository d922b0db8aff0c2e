package engine

import (
	"encoding/json"
	"fmt"
)

// Operation is the requested envelope operation.
type Operation string

const (
	// OperationPlan translates the envelope without executing.
	OperationPlan Operation = "plan"

	// OperationApply translates and queues the plan for execution.
	OperationApply Operation = "apply"

	// OperationValidate runs payload validation and translation only.
	OperationValidate Operation = "validate"

	// OperationRollback is delegated to the type's translator and
	// otherwise handled like an apply.
	OperationRollback Operation = "rollback"
)

// Executes reports whether the operation queues the plan for execution.
func (o Operation) Executes() bool {
	return o == OperationApply || o == OperationRollback
}

// Validate checks if the operation is a recognized value.
func (o Operation) Validate() error {
	switch o {
	case OperationPlan, OperationApply, OperationValidate, OperationRollback:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// TaskStatus is the execution status of a single task.
type TaskStatus string

const (
	// TaskQueued indicates the task has not started.
	TaskQueued TaskStatus = "queued"

	// TaskRunning indicates the task is executing, typically through an
	// asynchronous backend job.
	TaskRunning TaskStatus = "running"

	// TaskSucceeded indicates the task completed successfully.
	TaskSucceeded TaskStatus = "succeeded"

	// TaskFailed indicates the task failed.
	TaskFailed TaskStatus = "failed"

	// TaskCanceled indicates the task was canceled, usually because a
	// dependency failed.
	TaskCanceled TaskStatus = "canceled"
)

// IsTerminal returns true if the task status is a final state. Terminal
// task results are never reopened.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

// Validate checks if the task status is a recognized value.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCanceled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// RequestStatus is the rolled-up status of a request record.
type RequestStatus string

const (
	// RequestPlanned indicates translation completed without execution.
	RequestPlanned RequestStatus = "planned"

	// RequestQueued indicates the plan awaits the runner.
	RequestQueued RequestStatus = "queued"

	// RequestRunning indicates at least one task is queued or running.
	RequestRunning RequestStatus = "running"

	// RequestExecuted indicates every task succeeded.
	RequestExecuted RequestStatus = "executed"

	// RequestFailed indicates at least one task failed or was canceled.
	RequestFailed RequestStatus = "failed"

	// RequestDenied indicates the policy gate rejected the plan.
	RequestDenied RequestStatus = "denied"
)

// IsTerminal returns true if the request status is a final state.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestExecuted || s == RequestFailed || s == RequestDenied
}

// Validate checks if the request status is a recognized value.
func (s RequestStatus) Validate() error {
	switch s {
	case RequestPlanned, RequestQueued, RequestRunning,
		RequestExecuted, RequestFailed, RequestDenied:
		return nil
	default:
		return fmt.Errorf("invalid request status: %s", s)
	}
}

// Stage identifies a lifecycle stage for audit events.
type Stage string

const (
	// StageReceive covers envelope receipt and admission.
	StageReceive Stage = "receive"

	// StageValidate covers translator payload validation.
	StageValidate Stage = "validate"

	// StageTranslate covers plan translation.
	StageTranslate Stage = "translate"

	// StagePolicy covers policy gate evaluation.
	StagePolicy Stage = "policy"

	// StageExecute covers adapter execution and polling.
	StageExecute Stage = "execute"

	// StageCallback covers inbound callback ingestion.
	StageCallback Stage = "callback"
)

// AuditLevel is the severity of an audit event.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// UnmarshalJSON validates task statuses arriving over the wire.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// UnmarshalJSON validates request statuses arriving over the wire.
func (s *RequestStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RequestStatus(str)
	return s.Validate()
}
