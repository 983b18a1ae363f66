// Package policy evaluates Rego admission policies against incoming broker
// commands. A built-in policy enforces template capacity bounds; operators
// may load additional .rego files alongside it.
package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the command.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be bypassed.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was loaded.
	CreatedAt time.Time `json:"created_at"`
}

// AdmissionInput is the evaluation input for a broker command.
type AdmissionInput struct {
	// Kind is the command kind, "provision" or "return".
	Kind string `json:"kind"`

	// TemplateID is the requested template.
	TemplateID string `json:"template_id"`

	// ProviderAPI is the template's provider API.
	ProviderAPI string `json:"provider_api"`

	// Count is the requested capacity.
	Count int `json:"count"`

	// MaxNumber is the template's capacity ceiling.
	MaxNumber int `json:"max_number"`

	// Tags are the request tags.
	Tags map[string]string `json:"tags,omitempty"`
}

// Violation is one policy violation.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Message is the human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of an admission evaluation.
type Decision struct {
	// Allowed indicates whether the command may proceed. Error and
	// critical violations deny; info and warning do not.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Denials returns the blocking violations.
func (d Decision) Denials() []Violation {
	out := make([]Violation, 0, len(d.Violations))
	for _, v := range d.Violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			out = append(out, v)
		}
	}
	return out
}
