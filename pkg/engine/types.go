package engine

import (
	"encoding/json"
	"time"
)

// Manifest is the declarative document describing the set of named
// components for one application. It is owned by the ManifestStore and
// mutated both by human editors and by the orchestrator's derived-write
// path; component names are unique within a manifest.
type Manifest struct {
	// ID is the unique identifier for this manifest.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable application name.
	Name string `json:"name" yaml:"name"`

	// Components are the ordered component declarations. Declaration
	// order is the deterministic tie-break for dispatch ordering.
	Components []ComponentDecl `json:"components" yaml:"components"`

	// Policies are optional policy declarations evaluated before dispatch.
	Policies []PolicyDecl `json:"policies,omitempty" yaml:"policies,omitempty"`

	// Labels are key-value pairs for organizing manifests.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Annotations are additional manifest metadata.
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Component returns the declaration with the given name, or nil.
func (m *Manifest) Component(name string) *ComponentDecl {
	for i := range m.Components {
		if m.Components[i].Name == name {
			return &m.Components[i]
		}
	}
	return nil
}

// ComponentDecl is one named entry in a manifest.
type ComponentDecl struct {
	// Name is the component name, unique within the manifest.
	Name string `json:"name" yaml:"name"`

	// Type determines pattern-tier classification and backend selection.
	Type string `json:"type" yaml:"type"`

	// Properties is the declared configuration. Values of
	// reference-bearing properties name other components in the same
	// manifest and are resolved to connection data before dispatch.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Traits are auxiliary behaviors attached to the component.
	Traits []TraitRef `json:"traits,omitempty" yaml:"traits,omitempty"`
}

// TraitRef attaches an auxiliary behavior to a component declaration.
type TraitRef struct {
	// Name identifies the trait.
	Name string `json:"name" yaml:"name"`

	// Properties configure the trait.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// PolicyDecl is an optional manifest-level policy declaration.
type PolicyDecl struct {
	// Name identifies the policy within the manifest.
	Name string `json:"name" yaml:"name"`

	// Type selects the policy implementation; "rego" policies carry
	// their module source in Properties["source"].
	Type string `json:"type" yaml:"type"`

	// Properties configure the policy.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ProvisioningRequest is one idempotent unit of work submitted to a
// backend to realize a component. Exactly one per component per manifest
// generation; repeated dispatch for the same generation is a no-op.
type ProvisioningRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// ManifestID is the manifest this request belongs to.
	ManifestID string `json:"manifest_id"`

	// Generation is the manifest generation the request was built from.
	Generation int64 `json:"generation"`

	// ComponentName is the component this request realizes.
	ComponentName string `json:"component_name"`

	// Tier is the component's pattern tier at dispatch time.
	Tier Tier `json:"tier"`

	// Backend is the backend kind the request was submitted to.
	Backend BackendKind `json:"backend"`

	// Payload is the backend-specific payload: declared properties
	// merged with resolved reference values.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey is derived deterministically from
	// (manifestID, generation, componentName).
	IdempotencyKey string `json:"idempotency_key"`

	// Provenance marks what originated this request. Immutable.
	Provenance Provenance `json:"provenance"`

	// Status is the current request status.
	Status RequestStatus `json:"status"`

	// Handle is the backend's opaque request handle.
	Handle string `json:"handle,omitempty"`

	// ConnectionData is the backend connection data, set once Ready.
	ConnectionData json.RawMessage `json:"connection_data,omitempty"`

	// FailureReason is the backend failure reason, set once Failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// Timeout is the caller-supplied readiness timeout.
	Timeout time.Duration `json:"timeout"`

	// SubmittedAt is when the request was submitted to the backend.
	SubmittedAt time.Time `json:"submitted_at"`

	// ReadyAt is when the request reached Ready, if it has.
	ReadyAt *time.Time `json:"ready_at,omitempty"`
}

// ResolvedReference is a cross-component reference resolved to concrete
// connection data. Owned by the resolver, consumed by the dispatcher
// when building a dependent component's payload; recomputed whenever the
// manifest generation changes.
type ResolvedReference struct {
	// FromComponent is the referencing component.
	FromComponent string `json:"from_component"`

	// PropertyPath is the reference-bearing property name.
	PropertyPath string `json:"property_path"`

	// ToComponent is the referenced component.
	ToComponent string `json:"to_component"`

	// ResolvedValue is the referenced component's connection data.
	ResolvedValue json.RawMessage `json:"resolved_value"`
}

// PendingReference is a reference whose target has no Ready request yet.
// The referencing component must not dispatch this round.
type PendingReference struct {
	// FromComponent is the referencing component.
	FromComponent string `json:"from_component"`

	// PropertyPath is the reference-bearing property name.
	PropertyPath string `json:"property_path"`

	// ToComponent is the referenced component.
	ToComponent string `json:"to_component"`
}

// Mutation is a proposed manifest write derived from a completed
// provisioning request. It moves through the loop guard state machine
// before it may touch the manifest.
type Mutation struct {
	// ID is the unique identifier for this mutation.
	ID string `json:"id"`

	// ManifestID is the manifest the mutation targets.
	ManifestID string `json:"manifest_id"`

	// Component is the component declaration to add.
	Component ComponentDecl `json:"component"`

	// Provenance is the tag of the request that produced the mutation.
	Provenance Provenance `json:"provenance"`

	// State is the current guard state.
	State MutationState `json:"state"`

	// CreatedAt is when the mutation was proposed.
	CreatedAt time.Time `json:"created_at"`
}

// ManifestDiff describes a whole-document mutation applied under the
// per-manifest lease. The manifest is always read-modify-written as a
// whole, never patched field-by-field by concurrent passes.
type ManifestDiff struct {
	// AddComponents are declarations appended to the manifest.
	AddComponents []ComponentDecl `json:"add_components,omitempty"`

	// UpdateComponents replace existing declarations by name.
	UpdateComponents []ComponentDecl `json:"update_components,omitempty"`

	// RemoveComponents are component names removed from the manifest.
	RemoveComponents []string `json:"remove_components,omitempty"`
}

// Empty returns true if the diff would not change the manifest.
func (d *ManifestDiff) Empty() bool {
	return d == nil ||
		(len(d.AddComponents) == 0 && len(d.UpdateComponents) == 0 && len(d.RemoveComponents) == 0)
}

// PassResult summarizes one reconciliation pass over a manifest.
type PassResult struct {
	// PassID is the unique identifier for this pass.
	PassID string `json:"pass_id"`

	// ManifestID is the manifest the pass reconciled.
	ManifestID string `json:"manifest_id"`

	// Generation is the manifest generation the pass observed.
	Generation int64 `json:"generation"`

	// Ordered is the dispatch order the pass computed.
	Ordered []string `json:"ordered"`

	// Dispatched are components submitted to a backend this pass.
	Dispatched []string `json:"dispatched,omitempty"`

	// Ready are components whose requests are Ready.
	Ready []string `json:"ready,omitempty"`

	// Deferred are components held back this pass (pending references,
	// blocked dependencies, or a stale generation observed mid-pass).
	Deferred []string `json:"deferred,omitempty"`

	// Stalled are components whose requests exceeded their readiness timeout.
	Stalled []string `json:"stalled,omitempty"`

	// Errors are the component-scoped errors collected during the pass.
	Errors []*OrchestratorError `json:"errors,omitempty"`

	// StaleGeneration is true if a newer generation was observed
	// mid-pass; a fresh pass should be scheduled.
	StaleGeneration bool `json:"stale_generation"`

	// StartedAt is when the pass started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total pass duration.
	Duration time.Duration `json:"duration"`
}

// Complete returns true when every component in the dispatch order is Ready.
func (r *PassResult) Complete() bool {
	return len(r.Ordered) > 0 && len(r.Ready) == len(r.Ordered)
}

// Event is a timeline event emitted during reconciliation.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type, e.g. "pass.started" or "component.stalled".
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ManifestID is the manifest the event concerns.
	ManifestID string `json:"manifest_id,omitempty"`

	// Component is the component the event concerns, if applicable.
	Component string `json:"component,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific data.
	Details map[string]any `json:"details,omitempty"`
}
