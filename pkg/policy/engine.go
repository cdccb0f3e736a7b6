package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openmast/openmast/pkg/engine"
)

// Engine implements engine.PolicyEvaluator over a set of compiled Rego
// policies: the built-ins plus any inline policies a manifest declares.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(&builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Evaluate implements engine.PolicyEvaluator. It runs every enabled
// policy against every component and returns the blocking violations as
// component-scoped validation errors. Warning-severity violations are
// logged but do not block.
func (e *Engine) Evaluate(ctx context.Context, m *engine.Manifest, tiers map[string]engine.Tier) ([]*engine.OrchestratorError, error) {
	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()

	inline, err := e.compileInline(m)
	if err != nil {
		return nil, err
	}
	policies = append(policies, inline...)

	manifestCtx := &ManifestContext{
		ID:             m.ID,
		Name:           m.Name,
		Labels:         m.Labels,
		ComponentCount: len(m.Components),
	}

	var violations []*engine.OrchestratorError
	for _, cp := range policies {
		for i := range m.Components {
			c := &m.Components[i]
			input := &Input{
				Component: c,
				Tier:      tiers[c.Name],
				Manifest:  manifestCtx,
				Timestamp: time.Now(),
			}

			found, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("component", c.Name).
					Msg("Policy evaluation failed")
				continue
			}
			violations = append(violations, found...)
		}
	}

	return violations, nil
}

// LoadPolicy compiles and registers one policy.
func (e *Engine) LoadPolicy(p *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(p)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// compileAndStorePolicy parses a policy module and registers it. Callers
// must hold the write lock unless the engine is not yet shared.
func (e *Engine) compileAndStorePolicy(p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return nil
}

// compileInline compiles the manifest's own rego policy declarations.
func (e *Engine) compileInline(m *engine.Manifest) ([]*compiledPolicy, error) {
	var out []*compiledPolicy
	for i := range m.Policies {
		decl := &m.Policies[i]
		if decl.Type != "rego" {
			continue
		}
		source, ok := decl.Properties["source"].(string)
		if !ok || source == "" {
			return nil, engine.NewValidationError(
				fmt.Sprintf("rego policy %q has no source property", decl.Name), nil).WithManifest(m.ID)
		}

		module, err := ast.ParseModule(decl.Name, source)
		if err != nil {
			return nil, engine.NewValidationError(
				fmt.Sprintf("rego policy %q does not parse", decl.Name), err).WithManifest(m.ID)
		}

		out = append(out, &compiledPolicy{
			policy: &Policy{
				Name:     decl.Name,
				Rego:     source,
				Severity: SeverityError,
				Enabled:  true,
			},
			module:   module,
			compiled: time.Now(),
		})
	}
	return out, nil
}

// evaluatePolicy evaluates a single compiled policy against one input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]*engine.OrchestratorError, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []*engine.OrchestratorError
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			if v := e.createViolation(cp.policy, d, input); v != nil {
				violations = append(violations, v)
			}
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
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
	return "openmast.policies"
}

// createViolation turns one deny result into a component-scoped error,
// or nil for non-blocking severities.
func (e *Engine) createViolation(policy *Policy, result interface{}, input *Input) *engine.OrchestratorError {
	message := fmt.Sprintf("%v", result)
	severity := policy.Severity
	component := ""
	if input.Component != nil {
		component = input.Component.Name
	}

	if v, ok := result.(map[string]interface{}); ok {
		if msg, ok := v["message"].(string); ok {
			message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			severity = Severity(sev)
		}
		if c, ok := v["component"].(string); ok && c != "" {
			component = c
		}
	}

	if !severity.Blocks() {
		e.logger.Warn().
			Str("policy", policy.Name).
			Str("component", component).
			Str("severity", string(severity)).
			Msg(message)
		return nil
	}

	err := engine.NewValidationError(message, nil)
	err.Component = component
	return err
}
