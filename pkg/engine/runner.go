package engine

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	// DefaultTickInterval is the runner's periodic tick interval.
	DefaultTickInterval = time.Second

	// DefaultDrainBatch caps queued requests started per tick.
	DefaultDrainBatch = 5

	// DefaultConvergeBatch caps running requests polled per tick.
	DefaultConvergeBatch = 50
)

// RunnerOptions tune the background runner. Zero values select the
// defaults above.
type RunnerOptions struct {
	TickInterval  time.Duration
	DrainBatch    int
	ConvergeBatch int
}

// Runner is the background loop that drains queued requests and
// converges running ones. Ticks are non-reentrant: if execution of a
// batch outlasts the interval, overlapping ticks are skipped rather
// than stacked.
type Runner struct {
	engine   *Engine
	interval time.Duration
	drain    int
	converge int

	wake chan struct{}
	busy atomic.Bool
}

// NewRunner builds a runner bound to the engine and registers itself as
// the engine's waker so admissions trigger a prompt tick.
func NewRunner(e *Engine, opts RunnerOptions) *Runner {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = DefaultDrainBatch
	}
	if opts.ConvergeBatch <= 0 {
		opts.ConvergeBatch = DefaultConvergeBatch
	}
	r := &Runner{
		engine:   e,
		interval: opts.TickInterval,
		drain:    opts.DrainBatch,
		converge: opts.ConvergeBatch,
		wake:     make(chan struct{}, 1),
	}
	e.SetWaker(r)
	return r
}

// Wake requests a tick ahead of the next interval. It never blocks; a
// wake during a tick coalesces into one follow-up tick.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run ticks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	log := r.engine.logger
	log.Info().
		Dur("interval", r.interval).
		Int("drain_batch", r.drain).
		Int("converge_batch", r.converge).
		Msg("runner started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		case <-r.wake:
			r.Tick(ctx)
		}
	}
}

// Tick runs one drain-then-converge pass. A tick that arrives while a
// previous one is still in flight is dropped.
func (r *Runner) Tick(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		return
	}
	defer r.busy.Store(false)

	start := time.Now()
	r.drainQueued(ctx)
	r.convergeRunning(ctx)
	r.engine.metrics.ObserveTick(time.Since(start))
}

// drainQueued starts execution for up to the drain batch of queued
// requests, oldest first.
func (r *Runner) drainQueued(ctx context.Context) {
	records, err := r.engine.store.ListByStatus(ctx, []RequestStatus{RequestQueued}, r.drain)
	if err != nil {
		r.engine.logger.Error().Err(err).Msg("runner: listing queued requests failed")
		return
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return
		}
		r.startRequest(ctx, record)
	}
}

// startRequest moves one queued request to running and executes its
// plan under the record's lock.
func (r *Runner) startRequest(ctx context.Context, record *RequestRecord) {
	unlock := r.engine.locks.Lock(record.RequestID)
	defer unlock()

	// Reload under the lock; a callback may have advanced the record
	// between listing and locking.
	record, err := r.engine.store.Get(ctx, record.RequestID)
	if err != nil {
		r.engine.logger.Error().Err(err).Msg("runner: reloading queued request failed")
		return
	}
	if record.Status != RequestQueued {
		return
	}
	if record.Plan == nil {
		r.engine.logger.Error().
			Str("request_id", record.RequestID).
			Msg("runner: queued request has no plan")
		return
	}

	running := RequestRunning
	if _, err := r.engine.store.Update(ctx, record.RequestID, RecordPatch{Status: &running}); err != nil {
		r.engine.logger.Error().Err(err).
			Str("request_id", record.RequestID).
			Msg("runner: marking request running failed")
		return
	}
	r.engine.auditEvent(ctx, record.RequestID, AuditInfo, StageExecute, "execution started", nil)

	results, status, err := r.engine.ExecutePlan(ctx, record.RequestID, record.Plan, record.Results)
	if err != nil {
		failed := RequestFailed
		if _, uerr := r.engine.store.Update(ctx, record.RequestID, RecordPatch{Status: &failed}); uerr != nil {
			r.engine.logger.Error().Err(uerr).
				Str("request_id", record.RequestID).
				Msg("runner: recording plan failure failed")
		}
		return
	}

	if _, err := r.engine.store.Update(ctx, record.RequestID, RecordPatch{
		Results: results,
		Status:  &status,
	}); err != nil {
		r.engine.logger.Error().Err(err).
			Str("request_id", record.RequestID).
			Msg("runner: persisting execution results failed")
		return
	}

	if status.IsTerminal() {
		r.engine.auditEvent(ctx, record.RequestID, AuditInfo, StageExecute,
			"execution finished with status "+string(status), nil)
	}
}

// convergeRunning polls async tasks of up to the converge batch of
// running requests and re-drives their plans.
func (r *Runner) convergeRunning(ctx context.Context) {
	records, err := r.engine.store.ListByStatus(ctx, []RequestStatus{RequestRunning}, r.converge)
	if err != nil {
		r.engine.logger.Error().Err(err).Msg("runner: listing running requests failed")
		return
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return
		}
		r.convergeRequest(ctx, record.RequestID)
	}
}

// convergeRequest polls every non-terminal task that carries an
// external id, then re-drives the plan so newly unblocked tasks start.
// The record is committed only when something actually changed.
func (r *Runner) convergeRequest(ctx context.Context, requestID string) {
	unlock := r.engine.locks.Lock(requestID)
	defer unlock()

	record, err := r.engine.store.Get(ctx, requestID)
	if err != nil {
		r.engine.logger.Error().Err(err).
			Str("request_id", requestID).
			Msg("runner: reloading running request failed")
		return
	}
	if record.Status.IsTerminal() || record.Plan == nil {
		return
	}

	results := make([]TaskResult, len(record.Results))
	copy(results, record.Results)

	changed := false
	for i := range results {
		if r.pollTask(ctx, record, &results[i]) {
			changed = true
		}
	}

	final, status, err := r.engine.ExecutePlan(ctx, requestID, record.Plan, results)
	if err != nil {
		r.engine.logger.Error().Err(err).
			Str("request_id", requestID).
			Msg("runner: re-driving plan failed")
		return
	}

	if !changed && !resultsDiffer(record.Results, final) && status == record.Status {
		return
	}

	if _, err := r.engine.store.Update(ctx, requestID, RecordPatch{
		Results: final,
		Status:  &status,
	}); err != nil {
		r.engine.logger.Error().Err(err).
			Str("request_id", requestID).
			Msg("runner: persisting converged results failed")
		return
	}

	if status.IsTerminal() {
		r.engine.auditEvent(ctx, requestID, AuditInfo, StageExecute,
			"execution finished with status "+string(status), nil)
	}
}

// pollTask refreshes one task from its backend. Terminal tasks are
// never reopened; a poll error or an out-of-enum polled status leaves
// the task untouched so a later tick or callback can settle it.
// Returns whether the result changed.
func (r *Runner) pollTask(ctx context.Context, record *RequestRecord, res *TaskResult) bool {
	if res.Status.IsTerminal() || res.ExternalID == "" {
		return false
	}

	adapter, ok := r.engine.registry.Adapter(res.Backend)
	if !ok {
		return false
	}
	checker, ok := adapter.(StatusChecker)
	if !ok {
		return false
	}

	task := record.Plan.Task(res.TaskID)
	if task == nil {
		return false
	}
	actx := r.engine.adapterContext(ctx, record.RequestID, *task)

	fresh, err := checker.CheckStatus(ctx, res.ExternalID, actx)
	if err != nil {
		r.engine.metrics.PollError(res.Backend)
		r.engine.logger.Warn().Err(err).
			Str("request_id", record.RequestID).
			Str("task_id", res.TaskID).
			Str("backend", res.Backend).
			Msg("runner: status poll failed")
		return false
	}
	if fresh == nil || fresh.Status == res.Status {
		return false
	}
	if verr := fresh.Status.Validate(); verr != nil {
		r.engine.metrics.PollError(res.Backend)
		r.engine.logger.Warn().Err(verr).
			Str("request_id", record.RequestID).
			Str("task_id", res.TaskID).
			Str("backend", res.Backend).
			Msg("runner: poll returned invalid status")
		return false
	}

	res.Status = fresh.Status
	if len(fresh.Output) > 0 {
		res.Output = fresh.Output
	}
	if fresh.Error != nil {
		res.Error = fresh.Error
	}
	if fresh.ExternalID != "" {
		res.ExternalID = fresh.ExternalID
	}
	if res.Status.IsTerminal() && res.FinishedAt == nil {
		now := r.engine.now()
		res.FinishedAt = &now
	}

	r.engine.auditEvent(ctx, record.RequestID, AuditInfo, StageExecute,
		"task "+res.TaskID+" converged to status "+string(res.Status)+" by polling", nil)
	return true
}

// resultsDiffer reports whether any task status moved between the two
// result sets.
func resultsDiffer(before, after []TaskResult) bool {
	if len(before) != len(after) {
		return true
	}
	prior := make(map[string]TaskStatus, len(before))
	for _, res := range before {
		prior[res.TaskID] = res.Status
	}
	for _, res := range after {
		if status, ok := prior[res.TaskID]; !ok || status != res.Status {
			return true
		}
	}
	return false
}
