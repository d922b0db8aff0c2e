package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var envelopeValidate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEnvelope parses and structurally validates a raw envelope.
// It returns KindInvalidEnvelope on any malformed input; no record is
// created for rejected envelopes.
func ValidateEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(KindInvalidEnvelope, "envelope is not valid JSON", err).
			WithStage(StageReceive)
	}
	if err := CheckEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// CheckEnvelope validates an already-decoded envelope.
func CheckEnvelope(env *Envelope) error {
	if err := envelopeValidate.Struct(env); err != nil {
		return NewError(KindInvalidEnvelope, describeFieldError(err), err).
			WithStage(StageReceive)
	}
	if err := env.Operation.Validate(); err != nil {
		return NewError(KindInvalidEnvelope, err.Error(), nil).
			WithStage(StageReceive)
	}
	// "null" payloads pass required on RawMessage; reject explicitly.
	if isJSONNull(env.Payload) {
		return NewError(KindInvalidEnvelope, "payload is required", nil).
			WithStage(StageReceive)
	}
	return nil
}

// Fingerprint computes the canonical fingerprint of an envelope: the
// key-sorted, null-stripped serialization of the identity fields,
// hashed with SHA-256. It is invariant under object-key reordering and
// under removal of null-valued keys in nested objects.
func Fingerprint(env *Envelope) (string, error) {
	identity := map[string]interface{}{
		"api_version":  env.APIVersion,
		"type":         env.Type,
		"type_version": env.TypeVersion,
		"operation":    string(env.Operation),
	}
	if !isJSONNull(env.Target) {
		v, err := canonicalValue(env.Target)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize target: %w", err)
		}
		if v != nil {
			identity["target"] = v
		}
	}
	v, err := canonicalValue(env.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	identity["payload"] = v

	// encoding/json marshals map keys in sorted order, which makes the
	// serialization canonical once nulls are stripped.
	data, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("failed to serialize fingerprint input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalValue decodes raw JSON and strips null-valued object keys
// recursively.
func canonicalValue(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return stripNulls(v), nil
}

func stripNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = stripNulls(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = stripNulls(val)
		}
		return out
	default:
		return v
	}
}

func isJSONNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return string(raw) == "null"
}

// describeFieldError renders the first validation failure as a caller
// oriented message.
func describeFieldError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fmt.Sprintf("missing required field %q", jsonFieldName(fe.Field()))
		case "eq":
			return fmt.Sprintf("field %q must be %q", jsonFieldName(fe.Field()), fe.Param())
		default:
			return fmt.Sprintf("field %q failed %s validation", jsonFieldName(fe.Field()), fe.Tag())
		}
	}
	return "envelope failed validation"
}

// jsonFieldName maps struct field names to their wire names.
func jsonFieldName(field string) string {
	switch field {
	case "APIVersion":
		return "api_version"
	case "Type":
		return "type"
	case "TypeVersion":
		return "type_version"
	case "Operation":
		return "operation"
	case "IdempotencyKey":
		return "idempotency_key"
	case "Payload":
		return "payload"
	default:
		return field
	}
}
