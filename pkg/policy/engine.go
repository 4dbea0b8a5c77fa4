package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// Engine evaluates Rego deny rules against derived plans. It implements
// engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger

	// paths and loaded track the policies read by LoadPolicies for Reload.
	paths  []string
	loaded map[string]bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.PolicyGate = (*Engine)(nil)

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		loaded:   make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	ctx := context.Background()
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(ctx, builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Evaluate implements engine.PolicyGate. Blocking violations become a
// POLICY_DENIED error; warnings are logged.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.PlanContextData) error {
	result, err := e.EvaluateInput(ctx, InputFromPlan(plan))
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
	}
	if result.Allowed {
		e.logger.Info().Int("policies", len(result.EvaluatedPolicies)).Int("warnings", len(result.Warnings)).
			Dur("duration", result.Duration).Msg("Plan allowed by policy")
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		e.logger.Error().Str("policy", v.Policy).Str("resource", v.Resource).Str("severity", string(v.Severity)).Msg(v.Message)
		messages = append(messages, fmt.Sprintf("[%s] %s", v.Policy, v.Message))
	}
	return engine.NewPolicyError(fmt.Sprintf("plan denied by %d policy violation(s)", len(result.Violations)), nil).
		WithResource(plan.App+"/"+plan.Environment.Name).
		WithDetail("violations", messages)
}

// InputFromPlan builds the policy input document for a derived plan.
func InputFromPlan(plan *engine.PlanContextData) *Input {
	return &Input{
		App:       plan.App,
		Namespace: plan.Namespace,
		Environment: map[string]interface{}{
			"name":   plan.Environment.Name,
			"stack":  plan.Environment.Stack,
			"envTag": plan.Environment.EnvTag,
		},
		RunMode:  string(plan.RunMode),
		Model:    map[string]interface{}(plan.CurrentModelFull),
		Previous: map[string]interface{}(plan.PreviousModelFull),
		Values:   plan.CustomizedValues,
		Actions:  plan.ActionNames(),
	}
}

// EvaluateInput runs every enabled policy against input.
func (e *Engine) EvaluateInput(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.policies))}
	value := input.toValue()

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, value)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")
	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny entry. Entries are either a
// message string or an object with message, severity and resource.
func createViolation(policy *Policy, entry interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	return violation
}

// AddPolicy compiles a policy and registers it, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()
	return nil
}

func (e *Engine) compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	e.logger.Debug().Str("policy", policy.Name).Str("query", query).Msg("Policy compiled successfully")
	return &compiledPolicy{
		policy:   &policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads and compiles policy files from files or directories.
// The paths are remembered for Reload.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	compiled, err := e.compilePaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append(e.paths, paths...)
	for name, cp := range compiled {
		e.policies[name] = cp
		e.loaded[name] = true
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Reload reads the policy paths given to LoadPolicies again. Policies whose
// files disappeared are dropped; built-ins and policies added with AddPolicy
// are kept. On error the loaded set is left unchanged.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return nil
	}

	compiled, err := e.compilePaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name := range e.loaded {
		delete(e.policies, name)
	}
	e.loaded = make(map[string]bool, len(compiled))
	for name, cp := range compiled {
		e.policies[name] = cp
		e.loaded[name] = true
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies reloaded")
	return nil
}

func (e *Engine) compilePaths(ctx context.Context, paths []string) (map[string]*compiledPolicy, error) {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, policies[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}
	return compiled, nil
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

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedNames returns policy names in evaluation order. Callers hold mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
