package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/convergehq/converge/pkg/engine"
)

// Engine evaluates Rego policies against execution plans. It implements
// engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	mode     Mode
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
// Enforcing mode blocks runs on error-severity violations; advisory mode
// only logs them.
func NewEngine(logger zerolog.Logger, mode Mode) (*Engine, error) {
	if mode == "" {
		mode = ModeEnforcing
	}
	e := &Engine{
		mode:     mode,
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// AddPolicy compiles and registers one policy, replacing any policy of
// the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	return e.compile(ctx, p)
}

// DisablePolicy turns off a loaded policy without unloading it.
func (e *Engine) DisablePolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cp, ok := e.policies[name]; ok {
		cp.policy.Enabled = false
	}
}

// PolicyNames returns the names of all loaded policies.
func (e *Engine) PolicyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	return names
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	pkg := regoPackage(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}
	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// Check implements engine.PolicyGate. It evaluates every enabled policy
// against the plan's change set and, in enforcing mode, returns a
// permanent POLICY_DENIED error when any error-severity violation is
// found.
func (e *Engine) Check(ctx context.Context, plan *engine.ExecutionPlan, changes *engine.ChangeSet) error {
	result, err := e.Evaluate(ctx, plan, changes)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		ev := e.logger.Warn().
			Str("policy", v.Policy).
			Str("severity", string(v.Severity))
		if v.Address != "" {
			ev = ev.Str("address", v.Address)
		}
		ev.Msg(v.Message)
	}

	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	msgs := make([]string, len(blocking))
	for i, v := range blocking {
		msgs[i] = v.Message
	}
	return engine.NewPermanentError(
		fmt.Sprintf("plan denied by policy: %s", strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", len(blocking))
}

// Evaluate runs all enabled policies and returns the full result without
// deciding whether to block.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.ExecutionPlan, changes *engine.ChangeSet) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := buildInput(plan, changes)
	result := &Result{
		Allowed:     true,
		EvaluatedAt: time.Now().UTC(),
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			// A broken policy must not silently wave the plan through
			// in enforcing mode.
			if e.mode == ModeEnforcing {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("policy %s failed to evaluate", cp.policy.Name), err).
					WithCode(engine.ErrCodePolicyDenied)
			}
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	if e.mode == ModeEnforcing && len(result.Blocking()) > 0 {
		result.Allowed = false
	}
	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			denials, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denials {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts one deny set member. Strings become messages at
// the policy's default severity; objects may carry their own severity
// and address.
func toViolation(p Policy, denial interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}
	switch d := denial.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if addr, ok := d["address"].(string); ok {
			v.Address = addr
		}
	default:
		v.Message = fmt.Sprintf("%v", denial)
	}
	return v
}

// buildInput renders the plan and change set as the Rego input document.
func buildInput(plan *engine.ExecutionPlan, changes *engine.ChangeSet) map[string]interface{} {
	changeDocs := make([]interface{}, 0, len(changes.Changes))
	for _, c := range changes.Changes {
		doc := map[string]interface{}{
			"address":  string(c.Address),
			"type":     c.Address.Type(),
			"name":     c.Address.Name(),
			"action":   string(c.Action),
			"provider": c.Provider,
		}
		if len(c.Labels) > 0 {
			labels := make(map[string]interface{}, len(c.Labels))
			for k, val := range c.Labels {
				labels[k] = val
			}
			doc["labels"] = labels
		}
		if c.Action == engine.ActionDelete && c.PriorRecord != nil && len(c.PriorRecord.Attrs) > 0 {
			doc["prior_attrs"] = c.PriorRecord.Attrs
		}
		changed := make([]interface{}, 0, len(c.Diffs))
		for _, d := range c.Diffs {
			changed = append(changed, d.Name)
		}
		doc["changed_attrs"] = changed
		changeDocs = append(changeDocs, doc)
	}

	return map[string]interface{}{
		"plan_id": plan.ID,
		"changes": changeDocs,
		"summary": map[string]interface{}{
			"total":   changes.Summary.Total,
			"create":  changes.Summary.Create,
			"update":  changes.Summary.Update,
			"delete":  changes.Summary.Delete,
			"replace": changes.Summary.Replace,
			"noop":    changes.Summary.NoOp,
		},
	}
}

// regoPackage extracts the package path from Rego source.
func regoPackage(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return ""
}
