package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/openconduct/openconduct/pkg/engine"
)

const maxBodySize = 1 << 20 // 1 MiB

const defaultAuditLimit = 1000

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, engine.NewError(engine.KindInvalidEnvelope, "failed to read request body", err))
		return
	}

	env, err := engine.ValidateEnvelope(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.engine.Admit(r.Context(), env)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if result.Status == engine.RequestDenied {
		s.writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"request_id": result.RequestID,
			"status":     result.Status,
			"violations": result.Violations,
		})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": result.RequestID,
		"status":     result.Status,
		"replayed":   result.Replayed,
		"violations": result.Violations,
		"links": map[string]string{
			"self": fmt.Sprintf("/v1/requests/%s", result.RequestID),
		},
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		s.writeError(w, engine.NewError(engine.KindInvalidEnvelope, "idempotency_key query parameter is required", nil))
		return
	}

	record, err := s.engine.Store().FindByIdempotencyKey(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	querier := s.engine.AuditLog()
	if querier == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorBody{
			Error: "audit sink does not support querying",
		})
		return
	}

	requestID := r.PathValue("id")
	if _, err := s.engine.Store().Get(r.Context(), requestID); err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, engine.NewError(engine.KindInvalidEnvelope, "limit must be a positive integer", err))
			return
		}
		limit = parsed
	}

	events, err := querier.Query(r.Context(), requestID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"events":     events,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body engine.CallbackBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		s.writeError(w, engine.NewError(engine.KindCallbackInvalid, "malformed callback body", err))
		return
	}

	result, err := s.engine.IngestCallback(r.Context(), r.PathValue("backend"), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.metrics.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
