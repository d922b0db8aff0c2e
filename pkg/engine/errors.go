package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for handling and wire mapping.
type Kind string

const (
	// KindInvalidEnvelope indicates a structurally invalid inbound envelope.
	KindInvalidEnvelope Kind = "invalid_envelope"

	// KindIdempotencyConflict indicates a reused idempotency key with a
	// different request fingerprint.
	KindIdempotencyConflict Kind = "idempotency_conflict"

	// KindNoTranslator indicates no translator is registered for the
	// envelope's (type, type_version).
	KindNoTranslator Kind = "no_translator"

	// KindValidationFailed indicates the translator rejected the payload.
	KindValidationFailed Kind = "validation_failed"

	// KindInvalidPlan indicates the translated plan is not a valid DAG.
	KindInvalidPlan Kind = "invalid_plan"

	// KindNoAdapter indicates a task names a backend with no adapter.
	KindNoAdapter Kind = "no_adapter"

	// KindAdapterError indicates an adapter execute or checkStatus failure.
	KindAdapterError Kind = "adapter_error"

	// KindPolicyDenied indicates the policy gate denied the plan.
	KindPolicyDenied Kind = "policy_denied"

	// KindCallbackInvalid indicates a callback body missing required fields.
	KindCallbackInvalid Kind = "callback_invalid"

	// KindUnknownExternalID indicates a callback external id with no
	// matching task in the external index.
	KindUnknownExternalID Kind = "unknown_external_id"

	// KindRequestGone indicates the external index referenced a request
	// record that no longer loads.
	KindRequestGone Kind = "request_gone"

	// KindDuplicateKey indicates a store create with an idempotency key
	// already held by a live record.
	KindDuplicateKey Kind = "duplicate_key"

	// KindNotFound indicates a missing request record on direct lookup.
	KindNotFound Kind = "not_found"

	// KindInternal indicates an unclassified internal failure.
	KindInternal Kind = "internal"
)

// Error is a classified engine error carrying request context.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Stage is the lifecycle stage where the error was raised, if known.
	Stage Stage `json:"stage,omitempty"`

	// RequestID is the request that caused the error, if applicable.
	RequestID string `json:"request_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s] %s (request=%s)%s", e.Kind, e.Message, e.RequestID, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two engine errors match
// when their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified engine error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WithStage adds lifecycle stage context to an error.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// WithRequest adds request context to an error.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the classification of err, or KindInternal when err is
// not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
