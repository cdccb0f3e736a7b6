// Package policy provides Rego-based admission policies evaluated over a
// manifest before any component is dispatched. Built-in policies enforce
// naming and property hygiene; manifests can carry additional inline
// Rego policies of their own.
package policy
