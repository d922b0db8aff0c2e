package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openconduct/openconduct/pkg/engine"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error      string                 `json:"error"`
	Kind       string                 `json:"kind,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Violations []engine.Violation     `json:"violations,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		body.Kind = string(engErr.Kind)
		body.RequestID = engErr.RequestID
		body.Details = engErr.Details
		status = statusForKind(engErr.Kind)
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
		// Internal detail stays in the log.
		body.Error = "internal error"
	}
	s.writeJSON(w, status, body)
}

// statusForKind maps the error taxonomy onto HTTP statuses.
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidEnvelope, engine.KindCallbackInvalid:
		return http.StatusBadRequest
	case engine.KindIdempotencyConflict, engine.KindDuplicateKey:
		return http.StatusConflict
	case engine.KindPolicyDenied:
		return http.StatusForbidden
	case engine.KindNotFound, engine.KindUnknownExternalID, engine.KindRequestGone:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
