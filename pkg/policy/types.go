package policy

import (
	"time"
)

// Severity is the severity level attached to a violation.
type Severity string

const (
	// SeverityWarning marks violations that are reported but never block.
	SeverityWarning Severity = "warning"

	// SeverityError marks violations that block the run in enforcing mode.
	SeverityError Severity = "error"
)

// Mode controls what happens when error-severity violations are found.
type Mode string

const (
	// ModeEnforcing blocks the run on error-severity violations.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory logs violations and always allows the run.
	ModeAdvisory Mode = "advisory"
)

// Policy is one Rego rule set evaluated against every planned change.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary of what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source. The module must expose a `deny` set in
	// its package; each member is either a message string or an object
	// with `message` and optional `severity` keys.
	Rego string `json:"rego"`

	// Severity is the default severity when a violation does not carry
	// its own.
	Severity Severity `json:"severity"`

	// Enabled toggles evaluation without unloading the policy.
	Enabled bool `json:"enabled"`
}

// Violation is one denied finding from a policy evaluation.
type Violation struct {
	// Policy names the policy that produced the finding.
	Policy string `json:"policy"`

	// Address is the resource address the finding applies to.
	Address string `json:"address,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity is the finding's severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all policies against a plan.
type Result struct {
	// Allowed reports whether the plan passed the gate.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not stop the gate,
	// such as a policy that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the gate ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Blocking returns the error-severity violations.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}
