package engine

import (
	"encoding/json"
	"testing"
)

func TestValidateEnvelopeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing type", `{"api_version":"1","type_version":"v1","operation":"apply","idempotency_key":"k","payload":{}}`},
		{"wrong api version", `{"api_version":"2","type":"deploy","type_version":"v1","operation":"apply","idempotency_key":"k","payload":{}}`},
		{"unknown operation", `{"api_version":"1","type":"deploy","type_version":"v1","operation":"destroy","idempotency_key":"k","payload":{}}`},
		{"missing idempotency key", `{"api_version":"1","type":"deploy","type_version":"v1","operation":"apply","payload":{}}`},
		{"null payload", `{"api_version":"1","type":"deploy","type_version":"v1","operation":"apply","idempotency_key":"k","payload":null}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateEnvelope([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsKind(err, KindInvalidEnvelope) {
				t.Errorf("expected KindInvalidEnvelope, got %v", KindOf(err))
			}
		})
	}
}

func TestValidateEnvelopeAccepted(t *testing.T) {
	raw := `{"api_version":"1","type":"deploy","type_version":"v1","operation":"apply","idempotency_key":"k1","payload":{"size":"small"}}`

	env, err := ValidateEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != "deploy" || env.Operation != OperationApply {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

// TestFingerprintKeyOrder checks that the fingerprint is invariant
// under object key reordering in the payload.
func TestFingerprintKeyOrder(t *testing.T) {
	a := envelope("k", OperationApply)
	a.Payload = json.RawMessage(`{"x":1,"y":{"a":true,"b":"s"}}`)

	b := envelope("k", OperationApply)
	b.Payload = json.RawMessage(`{"y":{"b":"s","a":true},"x":1}`)

	fpA, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fpB, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fpA != fpB {
		t.Errorf("fingerprint changed under key reordering: %s vs %s", fpA, fpB)
	}
}

// TestFingerprintNullStripping checks that null-valued keys do not
// affect the fingerprint.
func TestFingerprintNullStripping(t *testing.T) {
	a := envelope("k", OperationApply)
	a.Payload = json.RawMessage(`{"x":1,"unused":null,"nested":{"keep":2,"drop":null}}`)

	b := envelope("k", OperationApply)
	b.Payload = json.RawMessage(`{"x":1,"nested":{"keep":2}}`)

	fpA, _ := Fingerprint(a)
	fpB, _ := Fingerprint(b)
	if fpA != fpB {
		t.Errorf("fingerprint changed under null stripping: %s vs %s", fpA, fpB)
	}
}

// TestFingerprintDistinguishes checks that identity fields actually
// feed the fingerprint.
func TestFingerprintDistinguishes(t *testing.T) {
	base := envelope("k", OperationApply)
	fpBase, _ := Fingerprint(base)

	changedOp := envelope("k", OperationPlan)
	fpOp, _ := Fingerprint(changedOp)
	if fpBase == fpOp {
		t.Error("fingerprint ignored operation")
	}

	changedPayload := envelope("k", OperationApply)
	changedPayload.Payload = json.RawMessage(`{"size":"large"}`)
	fpPayload, _ := Fingerprint(changedPayload)
	if fpBase == fpPayload {
		t.Error("fingerprint ignored payload")
	}

	withTarget := envelope("k", OperationApply)
	withTarget.Target = json.RawMessage(`{"region":"eu-1"}`)
	fpTarget, _ := Fingerprint(withTarget)
	if fpBase == fpTarget {
		t.Error("fingerprint ignored target")
	}
}

// TestFingerprintIgnoresNonIdentity checks that caller metadata does
// not change the fingerprint.
func TestFingerprintIgnoresNonIdentity(t *testing.T) {
	a := envelope("k", OperationApply)
	fpA, _ := Fingerprint(a)

	b := envelope("different-key", OperationApply)
	b.CorrelationID = "corr-1"
	b.RequestedBy = "someone-else"
	b.Tags = map[string]string{"env": "prod"}
	fpB, _ := Fingerprint(b)

	if fpA != fpB {
		t.Errorf("fingerprint depends on non-identity fields: %s vs %s", fpA, fpB)
	}
}
