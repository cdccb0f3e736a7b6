package engine

import (
	"context"
	"encoding/json"
	"time"
)

// ManifestStore is the externally-owned desired-state repository. The
// orchestrator only ever reads whole manifests and applies whole-document
// diffs with optimistic concurrency.
type ManifestStore interface {
	// GetManifest returns the manifest and its current generation.
	GetManifest(ctx context.Context, id string) (*Manifest, int64, error)

	// GetGeneration returns only the current generation, used for cheap
	// mid-pass staleness checks.
	GetGeneration(ctx context.Context, id string) (int64, error)

	// ApplyMutation applies a diff against the given generation and
	// returns the new generation. A stale generation yields a CONFLICT
	// error; the caller must re-read and retry, never blind-overwrite.
	ApplyMutation(ctx context.Context, id string, generation int64, diff *ManifestDiff) (int64, error)

	// PutManifest creates or replaces a manifest document, returning
	// the new generation.
	PutManifest(ctx context.Context, m *Manifest) (int64, error)

	// ListManifests returns the IDs of all stored manifests.
	ListManifests(ctx context.Context) ([]string, error)
}

// LeaseManager serializes reconciliation passes per manifest. Leases
// have a bounded hold time and expire automatically so a crashed holder
// cannot deadlock the manifest.
type LeaseManager interface {
	// Acquire attempts to take the lease for a manifest. Returns false
	// if another holder has an unexpired lease.
	Acquire(ctx context.Context, manifestID, holder string, ttl time.Duration) (bool, error)

	// Renew extends the lease for the current holder.
	Renew(ctx context.Context, manifestID, holder string, ttl time.Duration) error

	// Release releases the lease if held by holder.
	Release(ctx context.Context, manifestID, holder string) error
}

// BackendStatus is the backend's view of a provisioning request.
type BackendStatus struct {
	// State is Pending, Ready, or Failed. Backends never report Stalled;
	// stalling is a dispatcher-side timeout judgment.
	State RequestStatus `json:"state"`

	// ConnectionData is the opaque connection data, set once Ready.
	ConnectionData json.RawMessage `json:"connection_data,omitempty"`

	// Reason is the failure reason, set once Failed.
	Reason string `json:"reason,omitempty"`
}

// Backend is one of the three provisioning collaborators. Submitting the
// same idempotency key twice must be a safe no-op: the backend either
// returns the existing request's handle or ignores the duplicate.
type Backend interface {
	// Kind returns the backend kind this backend serves.
	Kind() BackendKind

	// Submit submits a provisioning request and returns an opaque handle.
	Submit(ctx context.Context, idempotencyKey string, payload json.RawMessage) (string, error)

	// GetStatus reports the current status of a submitted request.
	GetStatus(ctx context.Context, handle string) (*BackendStatus, error)
}

// RequestJournal persists provisioning requests keyed by idempotency key
// so dedupe survives process restarts.
type RequestJournal interface {
	// GetRequest returns the request with the given idempotency key, or
	// a NOT_FOUND error.
	GetRequest(ctx context.Context, idempotencyKey string) (*ProvisioningRequest, error)

	// SaveRequest inserts or updates a request.
	SaveRequest(ctx context.Context, req *ProvisioningRequest) error

	// ListRequests returns all requests for a manifest generation.
	ListRequests(ctx context.Context, manifestID string, generation int64) ([]ProvisioningRequest, error)

	// ClearStalled resets a stalled request so the next pass re-polls it.
	// This is the manual-clear path for operators.
	ClearStalled(ctx context.Context, idempotencyKey string) error
}

// EventPublisher receives reconciliation timeline events.
type EventPublisher interface {
	// Publish delivers one event. Implementations must not block the pass.
	Publish(ctx context.Context, event *Event) error
}

// PolicyEvaluator runs admission policies over a manifest before any
// component is dispatched.
type PolicyEvaluator interface {
	// Evaluate returns component-scoped violations. Components with an
	// error-severity violation are excluded from dispatch; the pass
	// continues for others.
	Evaluate(ctx context.Context, m *Manifest, tiers map[string]Tier) ([]*OrchestratorError, error)
}

// ConnectionSource exposes connection data for Ready components; the
// dispatcher implements it for the resolver.
type ConnectionSource interface {
	// ConnectionData returns the connection data for a component in a
	// manifest generation, and whether the component is Ready.
	ConnectionData(ctx context.Context, manifestID string, generation int64, component string) (json.RawMessage, bool, error)
}
