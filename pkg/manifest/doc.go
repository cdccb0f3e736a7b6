// Package manifest loads and validates manifest documents from YAML.
// It is the boundary between files on disk and the engine's in-memory
// manifest types: structural validation happens here, admission policies
// run later in the reconciliation pass.
package manifest
