package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openconduct/openconduct/pkg/engine"
)

// MemoryStore is a process-local request store. It backs tests and
// single-node deployments that do not need durability; the SQLite store
// is the durable implementation of the same contract.
type MemoryStore struct {
	mu sync.RWMutex

	records  map[string]*engine.RequestRecord
	byKey    map[string]string // idempotency_key -> request_id
	external map[externalKey]engine.ExternalRef

	now func() time.Time
}

type externalKey struct {
	backend    string
	externalID string
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*engine.RequestRecord),
		byKey:    make(map[string]string),
		external: make(map[externalKey]engine.ExternalRef),
		now:      time.Now,
	}
}

// Create persists a fresh record and claims its idempotency key.
func (s *MemoryStore) Create(ctx context.Context, record *engine.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.RequestID]; ok {
		return engine.NewError(engine.KindDuplicateKey,
			fmt.Sprintf("request %s already exists", record.RequestID), nil)
	}
	key := record.Envelope.IdempotencyKey
	if holder, ok := s.byKey[key]; ok {
		return engine.NewError(engine.KindDuplicateKey,
			fmt.Sprintf("idempotency key %q already held by request %s", key, holder), nil).
			WithRequest(holder)
	}

	stored := cloneRecord(record)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.records[record.RequestID] = stored
	s.byKey[key] = record.RequestID
	s.reindex(stored)
	return nil
}

// Update applies a partial patch and rebuilds the record's external-id
// index entries in the same critical section.
func (s *MemoryStore) Update(ctx context.Context, requestID string, patch engine.RecordPatch) (*engine.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if !ok {
		return nil, engine.NewError(engine.KindNotFound,
			fmt.Sprintf("request %s not found", requestID), nil).WithRequest(requestID)
	}

	if patch.Plan != nil {
		record.Plan = clonePlan(patch.Plan)
	}
	if patch.Results != nil {
		record.Results = cloneResults(patch.Results)
	}
	if patch.Status != nil {
		record.Status = *patch.Status
	}
	record.UpdatedAt = s.now()

	s.reindex(record)
	return cloneRecord(record), nil
}

// Get loads a record by id.
func (s *MemoryStore) Get(ctx context.Context, requestID string) (*engine.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[requestID]
	if !ok {
		return nil, engine.NewError(engine.KindNotFound,
			fmt.Sprintf("request %s not found", requestID), nil).WithRequest(requestID)
	}
	return cloneRecord(record), nil
}

// FindByIdempotencyKey resolves the record holding the key.
func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*engine.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requestID, ok := s.byKey[key]
	if !ok {
		return nil, engine.NewError(engine.KindNotFound,
			fmt.Sprintf("no request holds idempotency key %q", key), nil)
	}
	return cloneRecord(s.records[requestID]), nil
}

// ListByStatus returns up to limit records in the given statuses, FIFO
// by creation time.
func (s *MemoryStore) ListByStatus(ctx context.Context, statuses []engine.RequestStatus, limit int) ([]*engine.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[engine.RequestStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	var matched []*engine.RequestRecord
	for _, record := range s.records {
		if wanted[record.Status] {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].RequestID < matched[j].RequestID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*engine.RequestRecord, len(matched))
	for i, record := range matched {
		out[i] = cloneRecord(record)
	}
	return out, nil
}

// FindTaskByExternalID resolves (backend, external_id) through the
// external index.
func (s *MemoryStore) FindTaskByExternalID(ctx context.Context, backend, externalID string) (*engine.ExternalRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.external[externalKey{backend: backend, externalID: externalID}]
	if !ok {
		return nil, engine.NewError(engine.KindUnknownExternalID,
			fmt.Sprintf("no task indexed for backend %q external id %q", backend, externalID), nil)
	}
	out := ref
	return &out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// reindex rebuilds the external-id entries for one record: delete every
// entry owned by the record, then insert the current ones. Callers hold
// the write lock.
func (s *MemoryStore) reindex(record *engine.RequestRecord) {
	for key, ref := range s.external {
		if ref.RequestID == record.RequestID {
			delete(s.external, key)
		}
	}
	for _, res := range record.Results {
		if res.ExternalID == "" {
			continue
		}
		key := externalKey{backend: res.Backend, externalID: res.ExternalID}
		s.external[key] = engine.ExternalRef{
			Backend:    res.Backend,
			ExternalID: res.ExternalID,
			RequestID:  record.RequestID,
			TaskID:     res.TaskID,
		}
	}
}

func cloneRecord(record *engine.RequestRecord) *engine.RequestRecord {
	out := *record
	out.Plan = clonePlan(record.Plan)
	out.Results = cloneResults(record.Results)
	return &out
}

func clonePlan(plan *engine.ExecutionPlan) *engine.ExecutionPlan {
	if plan == nil {
		return nil
	}
	out := &engine.ExecutionPlan{Tasks: make([]engine.ExecutionTask, len(plan.Tasks))}
	copy(out.Tasks, plan.Tasks)
	return out
}

func cloneResults(results []engine.TaskResult) []engine.TaskResult {
	if results == nil {
		return nil
	}
	out := make([]engine.TaskResult, len(results))
	copy(out, results)
	return out
}
