package engine

import (
	"encoding/json"
	"time"
)

// Envelope is the stable inbound request document describing desired
// change without vendor specifics. It is immutable once accepted.
type Envelope struct {
	// APIVersion is the envelope schema version; currently always "1".
	APIVersion string `json:"api_version" validate:"required,eq=1"`

	// Type selects a translator together with TypeVersion.
	Type string `json:"type" validate:"required"`

	// TypeVersion is the schema version of the intent type.
	TypeVersion string `json:"type_version" validate:"required"`

	// Operation is the requested operation.
	Operation Operation `json:"operation" validate:"required"`

	// IdempotencyKey deduplicates equivalent submissions.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`

	// CorrelationID is an optional caller-supplied trace token.
	CorrelationID string `json:"correlation_id,omitempty"`

	// RequestedBy identifies the submitting principal.
	RequestedBy string `json:"requested_by,omitempty"`

	// Target optionally scopes the intent; opaque to the engine.
	Target json.RawMessage `json:"target,omitempty"`

	// Payload is the intent body. Its shape is owned by the translator.
	Payload json.RawMessage `json:"payload" validate:"required"`

	// Tags are caller-supplied labels.
	Tags map[string]string `json:"tags,omitempty"`

	// CreatedAt is the caller's submission timestamp, if provided.
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ExecutionTask is a single unit of work targeted at one backend.
type ExecutionTask struct {
	// ID is unique within a plan and deterministic for a given request.
	ID string `json:"id"`

	// Backend names the adapter that executes this task.
	Backend string `json:"backend"`

	// Action is an opaque string the adapter interprets.
	Action string `json:"action"`

	// Input is the backend-neutral task input.
	Input json.RawMessage `json:"input,omitempty"`

	// DependsOn lists task IDs that must succeed before this task starts.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ExecutionPlan is a DAG of backend-neutral tasks produced by a
// translator. It is immutable from the moment it is stored.
type ExecutionPlan struct {
	Tasks []ExecutionTask `json:"tasks"`
}

// Task returns the task with the given id, or nil.
func (p *ExecutionPlan) Task(id string) *ExecutionTask {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TaskError is the recorded failure detail of a task.
type TaskError struct {
	// Message is the human-readable failure message.
	Message string `json:"message"`

	// Details carries adapter-specific failure data.
	Details map[string]interface{} `json:"details,omitempty"`
}

// TaskResult is the recorded outcome of one task. Exactly one result
// exists per task once execution begins.
type TaskResult struct {
	// TaskID is the plan task this result belongs to.
	TaskID string `json:"task_id"`

	// Backend is the backend the task targets.
	Backend string `json:"backend"`

	// Status is the current task status.
	Status TaskStatus `json:"status"`

	// ExternalID correlates the task with a backend-side object or job.
	// If set it is unique within (backend, external_id) across live requests.
	ExternalID string `json:"external_id,omitempty"`

	// Output is the adapter's result data.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the failure detail when Status is failed or canceled.
	Error *TaskError `json:"error,omitempty"`

	// StartedAt is when the adapter was first invoked.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is set iff Status is terminal.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RequestRecord is the durable state of one admitted request.
type RequestRecord struct {
	// RequestID is a freshly generated unique identifier.
	RequestID string `json:"request_id"`

	// Envelope is the accepted inbound envelope.
	Envelope Envelope `json:"envelope"`

	// Fingerprint is the canonical envelope fingerprint used for
	// idempotent replay comparison.
	Fingerprint string `json:"fingerprint"`

	// Plan is the translated execution plan, once available.
	Plan *ExecutionPlan `json:"plan,omitempty"`

	// Results holds per-task outcomes, consistent with Plan's task set.
	Results []TaskResult `json:"results,omitempty"`

	// Status is the rolled-up request status. Terminal states are never left.
	Status RequestStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result returns the result for the given task id, or nil.
func (r *RequestRecord) Result(taskID string) *TaskResult {
	for i := range r.Results {
		if r.Results[i].TaskID == taskID {
			return &r.Results[i]
		}
	}
	return nil
}

// ExternalRef resolves a backend external id to the owning task.
type ExternalRef struct {
	Backend    string `json:"backend"`
	ExternalID string `json:"external_id"`
	RequestID  string `json:"request_id"`
	TaskID     string `json:"task_id"`
}

// AuditEvent is one entry in the append-only per-request audit log.
type AuditEvent struct {
	// RequestID keys the event to its request.
	RequestID string `json:"request_id"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Level is the event severity.
	Level AuditLevel `json:"level"`

	// Stage is the lifecycle stage that emitted the event.
	Stage Stage `json:"stage"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Data carries additional event-specific detail.
	Data map[string]interface{} `json:"data,omitempty"`
}

// RecordPatch is a partial update applied by Store.Update. Nil fields
// are left untouched.
type RecordPatch struct {
	Plan    *ExecutionPlan `json:"plan,omitempty"`
	Results []TaskResult   `json:"results,omitempty"`
	Status  *RequestStatus `json:"status,omitempty"`
}

// Violation is a single policy rule finding.
type Violation struct {
	// ID names the rule that fired.
	ID string `json:"id"`

	// Effect is "warn" or "deny".
	Effect ViolationEffect `json:"effect"`

	// Message is the operator-facing finding.
	Message string `json:"message"`

	// Data carries rule-specific detail.
	Data map[string]interface{} `json:"data,omitempty"`
}

// ViolationEffect is the enforcement effect of a violation.
type ViolationEffect string

const (
	// EffectWarn reports the finding without blocking the request.
	EffectWarn ViolationEffect = "warn"

	// EffectDeny blocks the request.
	EffectDeny ViolationEffect = "deny"
)

// PolicyDecision is the outcome of gate evaluation. Decision is deny
// iff any violation's effect is deny.
type PolicyDecision struct {
	Decision   Decision    `json:"decision"`
	Violations []Violation `json:"violations,omitempty"`

	// Selection optionally carries rule-driven placement hints.
	Selection map[string]interface{} `json:"selection,omitempty"`
}

// Decision is the gate's allow/deny verdict.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// GateInput is the policy gate's evaluation input.
type GateInput struct {
	RequestID string         `json:"request_id"`
	Envelope  Envelope       `json:"envelope"`
	Plan      *ExecutionPlan `json:"plan"`
}

// AdapterContext is the per-task context handed to adapters.
type AdapterContext struct {
	// RequestID is the owning request.
	RequestID string `json:"request_id"`

	// Task is the task being executed.
	Task ExecutionTask `json:"task"`

	// Config is the backend profile configuration, when resolvable.
	Config json.RawMessage `json:"config,omitempty"`

	// Secrets are resolved secret values for the backend, when resolvable.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// TranslateRequest is the input handed to a translator.
type TranslateRequest struct {
	RequestID string            `json:"request_id"`
	Operation Operation         `json:"operation"`
	Target    json.RawMessage   `json:"target,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// CallbackBody is the inbound async update for a backend job.
type CallbackBody struct {
	ExternalID string                 `json:"external_id"`
	Status     string                 `json:"status,omitempty"`
	Output     json.RawMessage        `json:"output,omitempty"`
	Error      *TaskError             `json:"error,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// CallbackResult reports the outcome of a folded callback.
type CallbackResult struct {
	RequestID string     `json:"request_id"`
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
}
