package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoaderLoadsRegoAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-prod.rego"), `package openconduct.rules.noprod

import rego.v1

deny contains "no production deploys" if {
	input.envelope.target == "prod"
}
`)
	writeFile(t, filepath.Join(dir, "quota.json"), `{
		"name": "quota",
		"description": "limits plan size",
		"rego": "package openconduct.rules.quota\n\nimport rego.v1\n\ndeny contains \"too big\" if {\n\tcount(input.plan.tasks) > 10\n}\n",
		"enabled": false
	}`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	loader := NewLoader(zerolog.Nop())
	rules, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rules))
	}

	byName := map[string]Rule{}
	for _, rule := range rules {
		byName[rule.Name] = rule
	}
	if rule, ok := byName["no-prod"]; !ok || !rule.Enabled {
		t.Errorf("rego rule: %+v", rule)
	}
	if rule, ok := byName["quota"]; !ok || rule.Enabled || rule.Description != "limits plan size" {
		t.Errorf("json rule: %+v", rule)
	}

	// Loaded rules must compile into a gate.
	gate := testGate(t, ModeEnforce)
	if err := gate.LoadRules(context.Background(), rules); err != nil {
		t.Fatalf("loaded rules rejected by gate: %v", err)
	}
}

func TestLoaderLoadsSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single.rego")
	writeFile(t, path, `package openconduct.rules.single

import rego.v1

deny contains "nope" if {
	input.envelope.operation == "rollback"
}
`)

	loader := NewLoader(zerolog.Nop())
	rules, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "single" {
		t.Errorf("rules %+v", rules)
	}
}

func TestLoaderRejectsMissingPathAndBadJSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("missing path accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, "{not json")
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("malformed json accepted")
	}
}
