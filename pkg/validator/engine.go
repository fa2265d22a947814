package validator

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
)

// Severity classifies how a policy violation affects validation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is a Rego policy evaluated against a plan during validation.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
	Rego        string   `json:"rego"`
}

// Engine compiles and evaluates Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		policy := p
		if err := e.compileAndStore(context.Background(), &policy); err != nil {
			return nil, fmt.Errorf("compile builtin policy %s: %w", policy.Name, err)
		}
	}

	return e, nil
}

// LoadPolicies replaces all non-builtin policies with the given set. Builtin
// policies stay loaded; an external policy with the same name shadows the
// builtin one.
func (e *Engine) LoadPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtin := make(map[string]bool)
	for _, p := range BuiltinPolicies() {
		builtin[p.Name] = true
	}
	for name := range e.policies {
		if !builtin[name] {
			delete(e.policies, name)
		}
	}

	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("policies", len(e.policies)).Msg("Policies loaded")
	return nil
}

// Evaluate runs every enabled policy against the input and returns all
// violations. Evaluation errors in a single policy are logged and reported as
// warnings, not violations, so one broken policy file cannot block all plans.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) ([]Violation, []string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	var warnings []string

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}

	return violations, warnings, nil
}

func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStoreLocked(ctx, policy)
}

func (e *Engine) compileAndStoreLocked(ctx context.Context, policy *Policy) error {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}
	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "netward.policies"
}

func (e *Engine) toViolation(policy *Policy, result interface{}) Violation {
	v := Violation{
		Check:    policy.Name,
		Severity: policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if dev, ok := r["device"].(string); ok {
			v.DeviceID = dev
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}
