package engine

import "sync"

// recordLocks serializes all writes to a request record by request id.
// Callback fold and runner polling for the same record take the same
// lock, which makes task state transitions per record linearizable.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-record lock and returns its unlock function.
// Locks are retained for the life of the process; records are never
// deleted by the engine so the set is bounded by admitted requests.
func (r *recordLocks) Lock(requestID string) func() {
	r.mu.Lock()
	l, ok := r.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[requestID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
