package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block apply.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block apply.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if a violation of this severity denies the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its deny set is evaluated.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource names the model item or action that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy.
type Result struct {
	// Allowed indicates if the plan may be applied.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block apply.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input. Field names are the keys
// available in Rego: input.app, input.environment.stack, input.actions, ...
type Input struct {
	App         string                 `json:"app"`
	Namespace   string                 `json:"namespace"`
	Environment map[string]interface{} `json:"environment"`
	RunMode     string                 `json:"run_mode"`
	Model       map[string]interface{} `json:"model"`
	Previous    map[string]interface{} `json:"previous"`
	Values      map[string]interface{} `json:"values"`
	Actions     []string               `json:"actions"`
}

// toValue converts the input into the plain map form handed to Rego.
func (in *Input) toValue() map[string]interface{} {
	actions := make([]interface{}, len(in.Actions))
	for i, a := range in.Actions {
		actions[i] = a
	}
	return map[string]interface{}{
		"app":         in.App,
		"namespace":   in.Namespace,
		"environment": in.Environment,
		"run_mode":    in.RunMode,
		"model":       in.Model,
		"previous":    in.Previous,
		"values":      in.Values,
		"actions":     actions,
	}
}
