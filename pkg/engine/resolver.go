package engine

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// defaultReferenceProperties are the reference-bearing property names
// scanned on every component type.
var defaultReferenceProperties = []string{
	"cache",
	"database",
	"identity",
	"queue",
	"realtime",
}

// extraReferenceProperties extends the allow-list for specific types.
var extraReferenceProperties = map[string][]string{
	"composite":        {"gateway"},
	"service-group":    {"gateway"},
	"realtime-service": {"gateway"},
}

// repositoryProperty is resolved separately: it is a grouping identity,
// not a provisioning dependency, and defaults to the component's own name.
const repositoryProperty = "repository"

// Reference is one declared cross-component reference.
type Reference struct {
	// Property is the reference-bearing property name.
	Property string

	// Target is the referenced component name.
	Target string
}

// References returns the declared references of a component, scanning
// the fixed per-type allow-list in deterministic property order. The
// repository property is excluded; see ResolutionResult.Repositories.
func References(c *ComponentDecl) []Reference {
	props := make([]string, 0, len(defaultReferenceProperties)+2)
	props = append(props, defaultReferenceProperties...)
	props = append(props, extraReferenceProperties[c.Type]...)
	sort.Strings(props)

	var refs []Reference
	for _, p := range props {
		v, ok := c.Properties[p]
		if !ok {
			continue
		}
		target, ok := v.(string)
		if !ok || target == "" {
			continue
		}
		refs = append(refs, Reference{Property: p, Target: target})
	}
	return refs
}

// ResolutionResult is the outcome of one resolution pass over a manifest.
type ResolutionResult struct {
	// Resolved are references whose targets are Ready, carrying the
	// target's connection data.
	Resolved []ResolvedReference

	// Pending are references whose targets have no Ready request yet;
	// the referencing components must not dispatch this round.
	Pending []PendingReference

	// Errors are dangling-reference errors, reported per component.
	Errors []*OrchestratorError

	// Repositories maps every component to its resolved repository
	// identity: the explicit repository property if declared, otherwise
	// the component's own name.
	Repositories map[string]string
}

// ResolvedFor returns the resolved references of one component.
func (r *ResolutionResult) ResolvedFor(component string) []ResolvedReference {
	var out []ResolvedReference
	for _, ref := range r.Resolved {
		if ref.FromComponent == component {
			out = append(out, ref)
		}
	}
	return out
}

// PendingFor returns the pending references of one component.
func (r *ResolutionResult) PendingFor(component string) []PendingReference {
	var out []PendingReference
	for _, ref := range r.Pending {
		if ref.FromComponent == component {
			out = append(out, ref)
		}
	}
	return out
}

// Resolver scans component properties for symbolic references and
// resolves them to concrete connection data once the referenced
// component is Ready. Resolution is an explicit, order-independent pass
// producing a fully-resolved property set before any backend payload is
// built; defaulting (the repository identity) is part of resolution, not
// classification.
type Resolver struct {
	source ConnectionSource
	logger zerolog.Logger
}

// NewResolver creates a resolver backed by the given connection source.
func NewResolver(source ConnectionSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve resolves all references in the manifest against the request
// state for the given generation.
func (r *Resolver) Resolve(ctx context.Context, m *Manifest, generation int64) (*ResolutionResult, error) {
	result := &ResolutionResult{
		Repositories: make(map[string]string, len(m.Components)),
	}

	for i := range m.Components {
		c := &m.Components[i]
		result.Repositories[c.Name] = resolveRepository(c)

		for _, ref := range References(c) {
			if m.Component(ref.Target) == nil {
				result.Errors = append(result.Errors,
					NewDanglingReferenceError(c.Name, ref.Property, ref.Target).WithManifest(m.ID))
				continue
			}

			data, ready, err := r.source.ConnectionData(ctx, m.ID, generation, ref.Target)
			if err != nil {
				return nil, err
			}
			if !ready {
				result.Pending = append(result.Pending, PendingReference{
					FromComponent: c.Name,
					PropertyPath:  ref.Property,
					ToComponent:   ref.Target,
				})
				continue
			}

			result.Resolved = append(result.Resolved, ResolvedReference{
				FromComponent: c.Name,
				PropertyPath:  ref.Property,
				ToComponent:   ref.Target,
				ResolvedValue: data,
			})
		}
	}

	r.logger.Debug().
		Str("manifest_id", m.ID).
		Int64("generation", generation).
		Int("resolved", len(result.Resolved)).
		Int("pending", len(result.Pending)).
		Int("dangling", len(result.Errors)).
		Msg("Reference resolution completed")

	return result, nil
}

// resolveRepository returns the explicit repository reference if
// declared, otherwise the component's own name. Single-component
// manifests thus need zero configuration, while multi-component
// manifests can group under a shared repository by pointing several
// components' repository property at one name.
func resolveRepository(c *ComponentDecl) string {
	if v, ok := c.Properties[repositoryProperty]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.Name
}
