package policy

import (
	"strings"
	"time"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Severity grades a violation. Only error and critical block a resource.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the resource.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module defining a deny set in its package.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rego        string `json:"rego"`
	// Severity applies to deny elements that do not carry their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`
	// Builtin marks policies shipped with the runner. Files cannot set it.
	Builtin bool     `json:"builtin,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one finding of one policy against one resource.
type Violation struct {
	Policy      string   `json:"policy"`
	Resource    string   `json:"resource,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against a resource.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the findings that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Resource is the desired resource being admitted.
	Resource *engine.Resource `json:"resource"`

	// Context describes the evaluation.
	Context *Context `json:"context"`
}

// Context is input.context.
type Context struct {
	// Operation is what the runner is about to do, e.g. "upsert".
	Operation string    `json:"operation"`
	RunnerID  string    `json:"runner_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// DryRun is set by `stratus policy test`.
	DryRun bool `json:"dry_run"`
}

// DeniedError rejects a resource. It lists the blocking violations.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return "denied by policy: " + strings.Join(msgs, "; ")
}
