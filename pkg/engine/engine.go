package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openconduct/openconduct/pkg/telemetry"
)

// Waker is poked by admission and callback ingestion to reduce
// queueing latency. The runner implements it best-effort.
type Waker interface {
	Wake()
}

// Options configures a new Engine.
type Options struct {
	Registry *Registry
	Store    Store
	Gate     Gate            // optional; nil allows everything
	Contexts ContextProvider // optional; nil yields minimal adapter contexts
	Audit    AuditSink       // optional
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics // optional
	Tracer   *telemetry.Tracer  // optional
}

// Engine orchestrates translate -> policy -> execute for admitted
// envelopes and folds asynchronous updates back into request records.
type Engine struct {
	registry *Registry
	store    Store
	gate     Gate
	contexts ContextProvider
	audit    AuditSink
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	locks    *recordLocks
	waker    Waker

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an engine.
func New(opts Options) *Engine {
	return &Engine{
		registry: opts.Registry,
		store:    opts.Store,
		gate:     opts.Gate,
		contexts: opts.Contexts,
		audit:    opts.Audit,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		locks:    newRecordLocks(),
		now:      time.Now,
	}
}

// SetWaker attaches the runner's wake-up hook.
func (e *Engine) SetWaker(w Waker) {
	e.waker = w
}

// Store exposes the engine's request store to read-only surfaces.
func (e *Engine) Store() Store {
	return e.store
}

// AuditLog returns the sink's query view, or nil when the sink does not
// support querying.
func (e *Engine) AuditLog() AuditQuerier {
	if q, ok := e.audit.(AuditQuerier); ok {
		return q
	}
	return nil
}

// AdmitResult is the outcome of envelope admission.
type AdmitResult struct {
	RequestID string `json:"request_id"`

	// Status is the stored record status after admission.
	Status RequestStatus `json:"status"`

	// Replayed is true when an existing record matched the idempotency
	// key with an identical fingerprint.
	Replayed bool `json:"replayed,omitempty"`

	// Violations carries policy findings, including warnings on allowed
	// requests.
	Violations []Violation `json:"violations,omitempty"`
}

// Admit validates and admits an envelope. The caller contract is: same
// key + same request => same outcome; same key + different request =>
// KindIdempotencyConflict. A fresh admission runs translation and the
// policy gate, persists the record, and wakes the runner for executing
// operations.
func (e *Engine) Admit(ctx context.Context, env *Envelope) (*AdmitResult, error) {
	if err := CheckEnvelope(env); err != nil {
		return nil, err
	}

	fp, err := Fingerprint(env)
	if err != nil {
		return nil, NewError(KindInvalidEnvelope, "envelope cannot be fingerprinted", err).
			WithStage(StageReceive)
	}

	existing, err := e.store.FindByIdempotencyKey(ctx, env.IdempotencyKey)
	if err != nil && !IsKind(err, KindNotFound) {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if existing != nil {
		if existing.Fingerprint == fp {
			e.metrics.RequestReplayed()
			e.logger.Debug().
				Str("request_id", existing.RequestID).
				Str("idempotency_key", env.IdempotencyKey).
				Msg("idempotent replay")
			return &AdmitResult{
				RequestID: existing.RequestID,
				Status:    existing.Status,
				Replayed:  true,
			}, nil
		}
		e.metrics.IdempotencyConflict()
		return nil, NewError(KindIdempotencyConflict,
			"idempotency key reused with a different request", nil).
			WithStage(StageReceive).
			WithRequest(existing.RequestID).
			WithDetail("idempotency_key", env.IdempotencyKey)
	}

	requestID := uuid.New().String()
	res, err := e.Handle(ctx, env, HandleOptions{RequestID: requestID, Fingerprint: fp})
	if err != nil {
		return nil, err
	}

	if res.Status == RequestQueued && e.waker != nil {
		e.waker.Wake()
	}
	e.metrics.RequestAdmitted(string(env.Operation))
	return &AdmitResult{
		RequestID:  res.RequestID,
		Status:     res.Status,
		Violations: res.Violations,
	}, nil
}

// HandleOptions parameterizes Handle.
type HandleOptions struct {
	// RequestID is the identifier for the new record.
	RequestID string

	// Fingerprint is the precomputed envelope fingerprint; computed when
	// empty.
	Fingerprint string

	// Execute runs the plan synchronously instead of queueing it, for
	// callers that drive requests without the background runner. The
	// server path always queues.
	Execute bool
}

// HandleResult is the outcome of Handle.
type HandleResult struct {
	RequestID  string         `json:"request_id"`
	Plan       *ExecutionPlan `json:"plan,omitempty"`
	Results    []TaskResult   `json:"results,omitempty"`
	Status     RequestStatus  `json:"status"`
	Violations []Violation    `json:"violations,omitempty"`
}

// Handle runs the admission pipeline for a validated envelope: audit
// receipt, resolve and run the translator, evaluate the policy gate,
// and persist the record. With Execute set, the plan runs to
// completion before returning.
func (e *Engine) Handle(ctx context.Context, env *Envelope, opts HandleOptions) (*HandleResult, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	fp := opts.Fingerprint
	if fp == "" {
		var err error
		if fp, err = Fingerprint(env); err != nil {
			return nil, NewError(KindInvalidEnvelope, "envelope cannot be fingerprinted", err).
				WithStage(StageReceive)
		}
	}

	ctx, span := e.tracer.StartRequestSpan(ctx, "engine.handle", requestID)
	defer span.End()

	e.auditEvent(ctx, requestID, AuditInfo, StageReceive, "envelope received", map[string]interface{}{
		"type":         env.Type,
		"type_version": env.TypeVersion,
		"operation":    string(env.Operation),
	})

	plan, err := e.translate(ctx, requestID, env)
	if err != nil {
		return nil, err
	}

	decision, err := e.evaluatePolicy(ctx, requestID, env, plan)
	if err != nil {
		return nil, err
	}
	if decision.Decision == DecisionDeny {
		return e.storeDenied(ctx, requestID, env, fp, plan, decision)
	}

	status := RequestPlanned
	if env.Operation.Executes() {
		status = RequestQueued
	}

	now := e.now()
	record := &RequestRecord{
		RequestID:   requestID,
		Envelope:    *env,
		Fingerprint: fp,
		Plan:        plan,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist request: %w", err)
	}

	result := &HandleResult{
		RequestID:  requestID,
		Plan:       plan,
		Status:     status,
		Violations: decision.Violations,
	}
	if !opts.Execute || !env.Operation.Executes() {
		return result, nil
	}

	results, execStatus, err := e.ExecutePlan(ctx, requestID, plan, nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Update(ctx, requestID, RecordPatch{
		Results: results,
		Status:  &execStatus,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist execution results: %w", err)
	}
	result.Results = results
	result.Status = execStatus
	return result, nil
}

// translate resolves the translator, runs optional payload validation,
// and produces the plan. Every failure is audited at its stage.
func (e *Engine) translate(ctx context.Context, requestID string, env *Envelope) (*ExecutionPlan, error) {
	translator, ok := e.registry.Translator(env.Type, env.TypeVersion)
	if !ok {
		err := NewError(KindNoTranslator,
			fmt.Sprintf("no translator for type %q version %q", env.Type, env.TypeVersion), nil).
			WithStage(StageTranslate).
			WithRequest(requestID)
		e.auditEvent(ctx, requestID, AuditError, StageTranslate, err.Message, nil)
		e.metrics.TranslateError(string(KindNoTranslator))
		return nil, err
	}

	if v, ok := translator.(PayloadValidator); ok {
		if verr := v.ValidatePayload(ctx, env.Payload); verr != nil {
			err := NewError(KindValidationFailed, "payload validation failed", verr).
				WithStage(StageValidate).
				WithRequest(requestID)
			e.auditEvent(ctx, requestID, AuditError, StageValidate, err.Error(), nil)
			e.metrics.TranslateError(string(KindValidationFailed))
			return nil, err
		}
	}

	start := e.now()
	plan, terr := translator.Translate(ctx, TranslateRequest{
		RequestID: requestID,
		Operation: env.Operation,
		Target:    env.Target,
		Payload:   env.Payload,
		Tags:      env.Tags,
	})
	e.metrics.ObserveTranslate(e.now().Sub(start))
	if terr != nil {
		err := NewError(KindValidationFailed, "translation failed", terr).
			WithStage(StageTranslate).
			WithRequest(requestID)
		e.auditEvent(ctx, requestID, AuditError, StageTranslate, err.Error(), nil)
		e.metrics.TranslateError(string(KindValidationFailed))
		return nil, err
	}
	if plan == nil {
		plan = &ExecutionPlan{}
	}

	// Reject malformed plans before anything is stored or executed.
	if _, err := buildPlanGraph(plan); err != nil {
		e.auditEvent(ctx, requestID, AuditError, StageTranslate, err.Error(), nil)
		e.metrics.TranslateError(string(KindInvalidPlan))
		return nil, err
	}

	e.auditEvent(ctx, requestID, AuditInfo, StageTranslate,
		fmt.Sprintf("translated to %d task(s)", len(plan.Tasks)), nil)
	return plan, nil
}

// evaluatePolicy runs the gate once per admission. A nil gate allows
// everything.
func (e *Engine) evaluatePolicy(ctx context.Context, requestID string, env *Envelope, plan *ExecutionPlan) (*PolicyDecision, error) {
	if e.gate == nil {
		return &PolicyDecision{Decision: DecisionAllow}, nil
	}
	decision, err := e.gate.Evaluate(ctx, GateInput{
		RequestID: requestID,
		Envelope:  *env,
		Plan:      plan,
	})
	if err != nil {
		e.auditEvent(ctx, requestID, AuditError, StagePolicy, "policy evaluation failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if decision == nil {
		decision = &PolicyDecision{Decision: DecisionAllow}
	}
	level := AuditInfo
	if decision.Decision == DecisionDeny {
		level = AuditWarn
	}
	e.auditEvent(ctx, requestID, level, StagePolicy,
		fmt.Sprintf("policy decision: %s (%d violation(s))", decision.Decision, len(decision.Violations)), nil)
	return decision, nil
}

// storeDenied writes a denied record whose task results are all
// canceled with the first violation's message.
func (e *Engine) storeDenied(ctx context.Context, requestID string, env *Envelope, fp string, plan *ExecutionPlan, decision *PolicyDecision) (*HandleResult, error) {
	message := "denied by policy"
	if len(decision.Violations) > 0 {
		message = decision.Violations[0].Message
	}

	now := e.now()
	results := make([]TaskResult, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		results = append(results, TaskResult{
			TaskID:     task.ID,
			Backend:    task.Backend,
			Status:     TaskCanceled,
			Error:      &TaskError{Message: message},
			FinishedAt: &now,
		})
	}

	record := &RequestRecord{
		RequestID:   requestID,
		Envelope:    *env,
		Fingerprint: fp,
		Plan:        plan,
		Results:     results,
		Status:      RequestDenied,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist denied request: %w", err)
	}
	e.metrics.PolicyDenied()

	return &HandleResult{
		RequestID:  requestID,
		Plan:       plan,
		Results:    results,
		Status:     RequestDenied,
		Violations: decision.Violations,
	}, nil
}

// auditEvent appends to the sink; failures are logged and swallowed.
func (e *Engine) auditEvent(ctx context.Context, requestID string, level AuditLevel, stage Stage, message string, data map[string]interface{}) {
	if e.audit == nil {
		return
	}
	event := AuditEvent{
		RequestID: requestID,
		Timestamp: e.now(),
		Level:     level,
		Stage:     stage,
		Message:   message,
		Data:      data,
	}
	if err := e.audit.Append(ctx, event); err != nil {
		e.logger.Error().Err(err).
			Str("request_id", requestID).
			Str("stage", string(stage)).
			Msg("audit append failed")
	}
}
