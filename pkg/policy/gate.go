package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openconduct/openconduct/pkg/engine"
)

// Mode selects how gate findings are enforced.
type Mode string

const (
	// ModeEnforce blocks requests with deny-effect violations.
	ModeEnforce Mode = "enforce"

	// ModeWarn records violations but never blocks.
	ModeWarn Mode = "warn"

	// ModeDisabled skips evaluation entirely.
	ModeDisabled Mode = "disabled"
)

// Validate checks the mode value.
func (m Mode) Validate() error {
	switch m {
	case ModeEnforce, ModeWarn, ModeDisabled:
		return nil
	}
	return fmt.Errorf("invalid policy mode: %q", m)
}

// Gate evaluates Rego rules against translated plans. It implements the
// engine's Gate contract: the decision is deny iff any rule yields a
// deny-effect violation and the mode is enforce.
type Gate struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	store  storage.Store
	mode   Mode
	logger zerolog.Logger
}

// compiledRule is a rule with its prepared query.
type compiledRule struct {
	rule  *Rule
	query rego.PreparedEvalQuery
}

// NewGate creates a gate preloaded with the built-in rules.
func NewGate(logger zerolog.Logger, mode Mode) (*Gate, error) {
	if mode == "" {
		mode = ModeEnforce
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		rules:  make(map[string]*compiledRule),
		store:  inmem.New(),
		mode:   mode,
		logger: logger.With().Str("component", "policy-gate").Logger(),
	}
	if err := g.LoadRules(context.Background(), BuiltinRules()); err != nil {
		return nil, fmt.Errorf("failed to load built-in rules: %w", err)
	}
	return g, nil
}

// Mode returns the gate's enforcement mode.
func (g *Gate) Mode() Mode {
	return g.mode
}

// LoadRules compiles and registers rules, replacing same-named ones.
func (g *Gate) LoadRules(ctx context.Context, rules []Rule) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range rules {
		if err := g.compileRule(ctx, &rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}

	g.logger.Info().Int("count", len(rules)).Msg("policy rules loaded")
	return nil
}

// Evaluate runs every enabled rule against the gate input.
func (g *Gate) Evaluate(ctx context.Context, input engine.GateInput) (*engine.PolicyDecision, error) {
	if g.mode == ModeDisabled {
		return &engine.PolicyDecision{Decision: engine.DecisionAllow}, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []engine.Violation
	selection := map[string]interface{}{}

	for _, cr := range g.rules {
		if !cr.rule.Enabled {
			continue
		}

		found, sel, err := g.evaluateRule(ctx, cr, input)
		if err != nil {
			// A broken rule must not silently wave requests through.
			return nil, engine.NewError(engine.KindInternal,
				fmt.Sprintf("policy rule %s evaluation failed", cr.rule.Name), err).
				WithStage(engine.StagePolicy).WithRequest(input.RequestID)
		}
		violations = append(violations, found...)
		for k, v := range sel {
			selection[k] = v
		}
	}

	decision := engine.DecisionAllow
	for i := range violations {
		if violations[i].Effect == engine.EffectDeny {
			if g.mode == ModeEnforce {
				decision = engine.DecisionDeny
			} else {
				g.logger.Warn().
					Str("request_id", input.RequestID).
					Str("rule", violations[i].ID).
					Msg("deny violation recorded without enforcement")
			}
		}
	}
	if len(selection) == 0 {
		selection = nil
	}

	return &engine.PolicyDecision{
		Decision:   decision,
		Violations: violations,
		Selection:  selection,
	}, nil
}

// evaluateRule runs one prepared query and extracts its deny set and
// optional selection document.
func (g *Gate) evaluateRule(ctx context.Context, cr *compiledRule, input engine.GateInput) ([]engine.Violation, map[string]interface{}, error) {
	results, err := cr.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, err
	}

	var violations []engine.Violation
	var selection map[string]interface{}

	for _, result := range results {
		for _, expr := range result.Expressions {
			doc, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			if denySet, ok := doc["deny"].([]interface{}); ok {
				for _, d := range denySet {
					if v, ok := parseViolation(cr.rule.Name, d); ok {
						violations = append(violations, v)
					} else {
						g.logger.Debug().
							Str("rule", cr.rule.Name).
							Msg("dropped malformed violation")
					}
				}
			}
			if sel, ok := doc["selection"].(map[string]interface{}); ok {
				selection = sel
			}
		}
	}
	return violations, selection, nil
}

// parseViolation converts one deny entry into a violation. Entries
// without a message, or with an unknown effect, are dropped.
func parseViolation(ruleName string, raw interface{}) (engine.Violation, bool) {
	v := engine.Violation{ID: ruleName, Effect: engine.EffectDeny}

	switch d := raw.(type) {
	case string:
		if d == "" {
			return v, false
		}
		v.Message = d
		return v, true
	case map[string]interface{}:
		msg, _ := d["message"].(string)
		if msg == "" {
			return v, false
		}
		v.Message = msg
		if id, ok := d["id"].(string); ok && id != "" {
			v.ID = id
		}
		if effect, ok := d["effect"].(string); ok {
			switch engine.ViolationEffect(effect) {
			case engine.EffectDeny, engine.EffectWarn:
				v.Effect = engine.ViolationEffect(effect)
			default:
				return v, false
			}
		}
		if data, ok := d["data"].(map[string]interface{}); ok {
			v.Data = data
		}
		return v, true
	default:
		return v, false
	}
}

// compileRule prepares one rule's query. Callers hold the write lock.
func (g *Gate) compileRule(ctx context.Context, rule *Rule) error {
	if _, err := ast.ParseModule(rule.Name, rule.Rego); err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}

	pkg := extractPackageName(rule.Rego)
	r := rego.New(
		rego.Module(rule.Name, rule.Rego),
		rego.Store(g.store),
		rego.Query(fmt.Sprintf("data.%s", pkg)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	g.rules[rule.Name] = &compiledRule{rule: rule, query: query}
	g.logger.Debug().Str("rule", rule.Name).Msg("policy rule compiled")
	return nil
}

// extractPackageName pulls the package declaration out of Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "openconduct.rules"
}

// ListRules returns the loaded rules.
func (g *Gate) ListRules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rules := make([]Rule, 0, len(g.rules))
	for _, cr := range g.rules {
		rules = append(rules, *cr.rule)
	}
	return rules
}
