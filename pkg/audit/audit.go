// Package audit provides audit sink implementations for the engine's
// append-only per-request event log.
package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openconduct/openconduct/pkg/engine"
)

// MemorySink keeps audit events in memory, ordered per request by
// append order. It backs tests and deployments running on the in-memory
// request store.
type MemorySink struct {
	mu     sync.RWMutex
	events map[string][]engine.AuditEvent
}

// NewMemorySink builds an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string][]engine.AuditEvent)}
}

// Append records one event.
func (s *MemorySink) Append(ctx context.Context, event engine.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RequestID] = append(s.events[event.RequestID], event)
	return nil
}

// Query returns a request's events in append order, up to limit.
func (s *MemorySink) Query(ctx context.Context, requestID string, limit int) ([]engine.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[requestID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]engine.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

// LoggedSink mirrors every event to a zerolog logger before forwarding
// it to the wrapped sink.
type LoggedSink struct {
	next   engine.AuditSink
	logger zerolog.Logger
}

// queryingLoggedSink adds query forwarding on top of LoggedSink. It is
// a separate type so a logged sink satisfies engine.AuditQuerier
// exactly when the wrapped sink does; Engine.AuditLog stays nil over a
// write-only sink and the audit endpoint keeps answering 501.
type queryingLoggedSink struct {
	*LoggedSink
	querier engine.AuditQuerier
}

// NewLoggedSink wraps a sink with event logging. The returned sink
// supports querying only when next does.
func NewLoggedSink(next engine.AuditSink, logger zerolog.Logger) engine.AuditSink {
	s := &LoggedSink{next: next, logger: logger}
	if q, ok := next.(engine.AuditQuerier); ok {
		return &queryingLoggedSink{LoggedSink: s, querier: q}
	}
	return s
}

// Append logs the event at its level and forwards it.
func (s *LoggedSink) Append(ctx context.Context, event engine.AuditEvent) error {
	var entry *zerolog.Event
	switch event.Level {
	case engine.AuditError:
		entry = s.logger.Error()
	case engine.AuditWarn:
		entry = s.logger.Warn()
	default:
		entry = s.logger.Info()
	}
	entry = entry.
		Str("request_id", event.RequestID).
		Str("stage", string(event.Stage))
	if len(event.Data) > 0 {
		entry = entry.Fields(map[string]interface{}{"data": event.Data})
	}
	entry.Msg(event.Message)

	return s.next.Append(ctx, event)
}

// Query forwards to the wrapped sink.
func (s *queryingLoggedSink) Query(ctx context.Context, requestID string, limit int) ([]engine.AuditEvent, error) {
	return s.querier.Query(ctx, requestID, limit)
}
