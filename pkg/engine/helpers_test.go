package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testStore is a minimal in-process Store used by engine tests.
type testStore struct {
	mu       sync.Mutex
	records  map[string]*RequestRecord
	byKey    map[string]string
	external map[string]ExternalRef
}

func newTestStore() *testStore {
	return &testStore{
		records:  map[string]*RequestRecord{},
		byKey:    map[string]string{},
		external: map[string]ExternalRef{},
	}
}

func extKey(backend, externalID string) string {
	return backend + "\x00" + externalID
}

func (s *testStore) Create(ctx context.Context, record *RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.byKey[record.Envelope.IdempotencyKey]; ok {
		return NewError(KindDuplicateKey, "key held by "+holder, nil)
	}
	clone := *record
	s.records[record.RequestID] = &clone
	s.byKey[record.Envelope.IdempotencyKey] = record.RequestID
	s.reindex(&clone)
	return nil
}

func (s *testStore) Update(ctx context.Context, requestID string, patch RecordPatch) (*RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[requestID]
	if !ok {
		return nil, NewError(KindNotFound, "request not found", nil)
	}
	if patch.Plan != nil {
		record.Plan = patch.Plan
	}
	if patch.Results != nil {
		record.Results = patch.Results
	}
	if patch.Status != nil {
		record.Status = *patch.Status
	}
	record.UpdatedAt = time.Now()
	s.reindex(record)
	clone := *record
	return &clone, nil
}

func (s *testStore) Get(ctx context.Context, requestID string) (*RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[requestID]
	if !ok {
		return nil, NewError(KindNotFound, "request not found", nil)
	}
	clone := *record
	return &clone, nil
}

func (s *testStore) FindByIdempotencyKey(ctx context.Context, key string) (*RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, NewError(KindNotFound, "no holder", nil)
	}
	clone := *s.records[id]
	return &clone, nil
}

func (s *testStore) ListByStatus(ctx context.Context, statuses []RequestStatus, limit int) ([]*RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[RequestStatus]bool{}
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []*RequestRecord
	for _, record := range s.records {
		if wanted[record.Status] {
			clone := *record
			out = append(out, &clone)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *testStore) FindTaskByExternalID(ctx context.Context, backend, externalID string) (*ExternalRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.external[extKey(backend, externalID)]
	if !ok {
		return nil, NewError(KindUnknownExternalID, "not indexed", nil)
	}
	out := ref
	return &out, nil
}

func (s *testStore) Close() error { return nil }

func (s *testStore) reindex(record *RequestRecord) {
	for k, ref := range s.external {
		if ref.RequestID == record.RequestID {
			delete(s.external, k)
		}
	}
	for _, res := range record.Results {
		if res.ExternalID == "" {
			continue
		}
		s.external[extKey(res.Backend, res.ExternalID)] = ExternalRef{
			Backend:    res.Backend,
			ExternalID: res.ExternalID,
			RequestID:  record.RequestID,
			TaskID:     res.TaskID,
		}
	}
}

// testSink collects audit events in memory.
type testSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *testSink) Append(ctx context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *testSink) Query(ctx context.Context, requestID string, limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// planTranslator returns a fixed plan.
type planTranslator struct {
	plan *ExecutionPlan
	err  error
}

func (t *planTranslator) Translate(ctx context.Context, req TranslateRequest) (*ExecutionPlan, error) {
	return t.plan, t.err
}

// scriptedAdapter replies per task id and records invocation order.
type scriptedAdapter struct {
	mu       sync.Mutex
	results  map[string]*TaskResult
	statuses map[string]*TaskResult // by external id, for CheckStatus
	checkErr error
	executed []string
	polled   []string
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		results:  map[string]*TaskResult{},
		statuses: map[string]*TaskResult{},
	}
}

func (a *scriptedAdapter) Execute(ctx context.Context, task ExecutionTask, actx AdapterContext) (*TaskResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, task.ID)
	if res, ok := a.results[task.ID]; ok {
		clone := *res
		return &clone, nil
	}
	return &TaskResult{Status: TaskSucceeded}, nil
}

func (a *scriptedAdapter) CheckStatus(ctx context.Context, externalID string, actx AdapterContext) (*TaskResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polled = append(a.polled, externalID)
	if a.checkErr != nil {
		return nil, a.checkErr
	}
	if res, ok := a.statuses[externalID]; ok {
		clone := *res
		return &clone, nil
	}
	return &TaskResult{Status: TaskRunning, ExternalID: externalID}, nil
}

// denyGate returns a fixed decision.
type denyGate struct {
	decision *PolicyDecision
}

func (g *denyGate) Evaluate(ctx context.Context, input GateInput) (*PolicyDecision, error) {
	return g.decision, nil
}

// testEngine wires an engine with a scripted translator and adapter.
func testEngine(t *testing.T, store Store, sink AuditSink, gate Gate, plan *ExecutionPlan, adapter Adapter) *Engine {
	t.Helper()

	reg := NewRegistry()
	reg.RegisterTranslator("deploy", "v1", &planTranslator{plan: plan})
	if adapter != nil {
		reg.RegisterAdapter("compute", adapter)
	}

	return New(Options{
		Registry: reg,
		Store:    store,
		Gate:     gate,
		Audit:    sink,
		Logger:   zerolog.Nop(),
	})
}

func envelope(key string, op Operation) *Envelope {
	return &Envelope{
		APIVersion:     "1",
		Type:           "deploy",
		TypeVersion:    "v1",
		Operation:      op,
		IdempotencyKey: key,
		RequestedBy:    "tester",
		Payload:        json.RawMessage(`{"size":"small"}`),
	}
}

// chainPlan builds tasks t1 <- t2 <- ... <- tn on one backend.
func chainPlan(n int) *ExecutionPlan {
	plan := &ExecutionPlan{}
	for i := 1; i <= n; i++ {
		task := ExecutionTask{
			ID:      fmt.Sprintf("t%d", i),
			Backend: "compute",
			Action:  "create",
		}
		if i > 1 {
			task.DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	return plan
}
