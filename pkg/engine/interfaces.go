package engine

import (
	"context"
	"encoding/json"
)

// Translator produces an execution plan from a validated payload.
// Implementations are external to the engine and keyed by
// (type, type_version) in the registry.
type Translator interface {
	// Translate turns a payload into a backend-neutral execution plan.
	Translate(ctx context.Context, req TranslateRequest) (*ExecutionPlan, error)
}

// PayloadValidator is an optional translator capability. When a
// translator implements it, validation runs before translation and a
// returned error fails admission with KindValidationFailed.
type PayloadValidator interface {
	ValidatePayload(ctx context.Context, payload json.RawMessage) error
}

// Adapter executes one task against one backend. A returned result may
// be terminal or running; running results should carry an external id
// so the task can be converged by polling or callback.
type Adapter interface {
	Execute(ctx context.Context, task ExecutionTask, actx AdapterContext) (*TaskResult, error)
}

// StatusChecker is an optional adapter capability used by the runner's
// convergence phase for tasks that returned running with an external id.
type StatusChecker interface {
	CheckStatus(ctx context.Context, externalID string, actx AdapterContext) (*TaskResult, error)
}

// ContextProvider resolves per-backend configuration and secrets for an
// adapter invocation. A provider failure is logged but never aborts the
// task; the adapter is invoked with a minimal context instead.
type ContextProvider interface {
	AdapterContext(ctx context.Context, requestID string, task ExecutionTask) (AdapterContext, error)
}

// Gate evaluates a translated plan. It is invoked once per admission,
// after translation and before the record is created.
type Gate interface {
	Evaluate(ctx context.Context, input GateInput) (*PolicyDecision, error)
}

// AuditSink is the append-only event log keyed by request id. Append
// failures are logged and otherwise ignored; auditing never fails a
// request.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// AuditQuerier is an optional sink capability backing the audit query
// endpoint. Sinks without it surface "not supported" to callers.
type AuditQuerier interface {
	Query(ctx context.Context, requestID string, limit int) ([]AuditEvent, error)
}

// Store is the durable request store contract. Implementations must
// apply each operation atomically: a concurrent reader never observes a
// partial patch, and the external-id index is rebuilt inside the same
// critical section as the record update.
type Store interface {
	// Create persists a fresh record. It fails with KindDuplicateKey when
	// the idempotency key is already held by a live record.
	Create(ctx context.Context, record *RequestRecord) error

	// Update applies a partial patch and returns the updated record.
	Update(ctx context.Context, requestID string, patch RecordPatch) (*RequestRecord, error)

	// Get loads a record; missing records fail with KindNotFound.
	Get(ctx context.Context, requestID string) (*RequestRecord, error)

	// FindByIdempotencyKey returns the record holding the key, or
	// KindNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*RequestRecord, error)

	// ListByStatus returns up to limit records in the given statuses,
	// FIFO by created_at.
	ListByStatus(ctx context.Context, statuses []RequestStatus, limit int) ([]*RequestRecord, error)

	// FindTaskByExternalID resolves (backend, external_id) through the
	// external index, or KindUnknownExternalID.
	FindTaskByExternalID(ctx context.Context, backend, externalID string) (*ExternalRef, error)

	// Close releases store resources.
	Close() error
}
