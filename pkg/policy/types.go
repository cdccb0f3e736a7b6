package policy

import (
	"time"

	"github.com/openmast/openmast/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a component's dispatch.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if violations of this severity exclude the
// component from dispatch.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

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

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document handed to Rego for one component.
type Input struct {
	// Component is the component declaration under evaluation.
	Component *engine.ComponentDecl `json:"component"`

	// Tier is the component's classified pattern tier.
	Tier engine.Tier `json:"tier"`

	// Manifest carries manifest-level context.
	Manifest *ManifestContext `json:"manifest"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// ManifestContext is the manifest-level slice of the policy input.
type ManifestContext struct {
	// ID is the manifest identifier.
	ID string `json:"id"`

	// Name is the application name.
	Name string `json:"name"`

	// Labels are the manifest labels.
	Labels map[string]string `json:"labels,omitempty"`

	// ComponentCount is the number of declared components.
	ComponentCount int `json:"component_count"`
}
