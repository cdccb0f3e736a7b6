package engine

import "fmt"

// Tier classifies a component type into one of three pattern tiers that
// drive provisioning order.
type Tier string

const (
	// TierInfrastructural is shared infrastructure: databases, queues,
	// caches, identity providers. Provisioned first; never references
	// other components.
	TierInfrastructural Tier = "infrastructural"

	// TierCompositional is a multi-artifact composite service: two or
	// more cooperating deployables with generated inter-service
	// discovery configuration.
	TierCompositional Tier = "compositional"

	// TierFoundational is a single deployable unit backed by a
	// repository identity. The fallback tier for unknown types.
	TierFoundational Tier = "foundational"
)

// Rank returns the dispatch precedence of the tier; lower dispatches first.
func (t Tier) Rank() int {
	switch t {
	case TierInfrastructural:
		return 0
	case TierCompositional:
		return 1
	default:
		return 2
	}
}

// Validate checks if the tier is valid.
func (t Tier) Validate() error {
	switch t {
	case TierInfrastructural, TierCompositional, TierFoundational:
		return nil
	default:
		return fmt.Errorf("invalid tier: %s", t)
	}
}

// BackendKind selects which provisioning backend realizes a component.
type BackendKind string

const (
	// BackendInfraClaim provisions shared infrastructure services.
	BackendInfraClaim BackendKind = "infrastructure-claim"

	// BackendCompositeService provisions multi-artifact composite services.
	BackendCompositeService BackendKind = "composite-service"

	// BackendWorkloadClaim provisions a single deployable workload.
	BackendWorkloadClaim BackendKind = "workload-claim"
)

// Validate checks if the backend kind is valid.
func (k BackendKind) Validate() error {
	switch k {
	case BackendInfraClaim, BackendCompositeService, BackendWorkloadClaim:
		return nil
	default:
		return fmt.Errorf("invalid backend kind: %s", k)
	}
}

// Provenance marks what originated a provisioning request. Set once at
// request creation, immutable thereafter, and propagated to any artifact
// the request produces. The loop guard reads it to decide whether a
// completion may write back into the manifest.
type Provenance string

const (
	// ProvenanceAPIDriven marks requests originating outside the
	// manifest, e.g. a command-surface creation flow. The only
	// provenance eligible to add itself to the manifest.
	ProvenanceAPIDriven Provenance = "api-driven"

	// ProvenanceManifestDriven marks requests derived from the manifest
	// itself. Never eligible to write back; the manifest is already
	// their source of truth.
	ProvenanceManifestDriven Provenance = "manifest-driven"

	// ProvenanceAnalyzerDriven marks requests produced by automated
	// drift detection. Never eligible to write back.
	ProvenanceAnalyzerDriven Provenance = "analyzer-driven"
)

// Validate checks if the provenance is valid.
func (p Provenance) Validate() error {
	switch p {
	case ProvenanceAPIDriven, ProvenanceManifestDriven, ProvenanceAnalyzerDriven:
		return nil
	default:
		return fmt.Errorf("invalid provenance: %s", p)
	}
}

// RequestStatus represents the lifecycle state of a provisioning request.
type RequestStatus string

const (
	// RequestStatusPending indicates the request was submitted and the
	// backend has not yet reported a terminal state.
	RequestStatusPending RequestStatus = "pending"

	// RequestStatusReady indicates the backend realized the component
	// and connection data is available.
	RequestStatusReady RequestStatus = "ready"

	// RequestStatusFailed indicates the backend rejected or failed the
	// request.
	RequestStatusFailed RequestStatus = "failed"

	// RequestStatusStalled indicates the request exceeded its readiness
	// timeout without failing outright. Blocks dependents only, until
	// resolved or manually cleared.
	RequestStatusStalled RequestStatus = "stalled"
)

// IsTerminal returns true if the status is final. Stalled is not
// terminal: a stalled request may still complete on a later poll.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusReady || s == RequestStatusFailed
}

// Blocks returns true if a dependent component must not dispatch while
// its dependency is in this status.
func (s RequestStatus) Blocks() bool {
	return s != RequestStatusReady
}

// Validate checks if the request status is valid.
func (s RequestStatus) Validate() error {
	switch s {
	case RequestStatusPending, RequestStatusReady, RequestStatusFailed, RequestStatusStalled:
		return nil
	default:
		return fmt.Errorf("invalid request status: %s", s)
	}
}

// MutationState tracks a proposed manifest mutation through the loop
// guard and the existence reconciler:
//
//	CREATED -> TAGGED -> {SKIPPED_LOOP | ELIGIBLE} -> {MUTATED | SKIPPED_DUPLICATE}
type MutationState string

const (
	// MutationCreated is the initial state: a completed request
	// proposed a manifest mutation.
	MutationCreated MutationState = "created"

	// MutationTagged means the mutation carries the provenance tag of
	// the request that produced it.
	MutationTagged MutationState = "tagged"

	// MutationSkippedLoop means the guard rejected the write-back:
	// provenance was not api-driven.
	MutationSkippedLoop MutationState = "skipped-loop"

	// MutationEligible means the guard passed the mutation on to the
	// existence reconciler.
	MutationEligible MutationState = "eligible"

	// MutationApplied means the mutation was written to the manifest.
	MutationApplied MutationState = "mutated"

	// MutationSkippedDuplicate means a component with the same name
	// already existed in the manifest.
	MutationSkippedDuplicate MutationState = "skipped-duplicate"
)

// IsTerminal returns true if the mutation reached a final state.
func (s MutationState) IsTerminal() bool {
	return s == MutationSkippedLoop || s == MutationApplied || s == MutationSkippedDuplicate
}
