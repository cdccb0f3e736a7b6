// Package engine implements the core reconciliation engine for OpenMast:
// pattern-tier classification of component declarations, cross-component
// reference resolution, dependency-ordered provisioning dispatch, and the
// provenance-based loop guard that keeps the manifest-driven and
// claim-driven reconcilers from retriggering each other.
//
// A reconciliation pass is a pure function from (Manifest, generation) to
// (dispatched requests, proposed mutations). All manifest writes go through
// the ManifestStore with optimistic concurrency; passes for the same
// manifest are serialized by a lease, passes for different manifests run
// in parallel.
package engine
