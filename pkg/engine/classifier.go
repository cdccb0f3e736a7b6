package engine

import (
	"sync"

	"github.com/rs/zerolog"
)

// classification binds a component type to its tier and backend kind.
type classification struct {
	tier    Tier
	backend BackendKind
}

// defaultTypeTable is the static type->tier/backend table. It is the
// single source of truth for tier membership; no other component may
// re-derive it. New types are additions to this table, not new code
// paths.
var defaultTypeTable = map[string]classification{
	// Shared infrastructure.
	"database":     {TierInfrastructural, BackendInfraClaim},
	"postgres":     {TierInfrastructural, BackendInfraClaim},
	"mysql":        {TierInfrastructural, BackendInfraClaim},
	"cache":        {TierInfrastructural, BackendInfraClaim},
	"redis":        {TierInfrastructural, BackendInfraClaim},
	"queue":        {TierInfrastructural, BackendInfraClaim},
	"kafka":        {TierInfrastructural, BackendInfraClaim},
	"nats":         {TierInfrastructural, BackendInfraClaim},
	"realtime":     {TierInfrastructural, BackendInfraClaim},
	"identity":     {TierInfrastructural, BackendInfraClaim},
	"object-store": {TierInfrastructural, BackendInfraClaim},

	// Multi-artifact composite services.
	"composite":        {TierCompositional, BackendCompositeService},
	"service-group":    {TierCompositional, BackendCompositeService},
	"realtime-service": {TierCompositional, BackendCompositeService},

	// Single deployable workloads.
	"workload":   {TierFoundational, BackendWorkloadClaim},
	"webservice": {TierFoundational, BackendWorkloadClaim},
	"worker":     {TierFoundational, BackendWorkloadClaim},
	"cronjob":    {TierFoundational, BackendWorkloadClaim},
	"function":   {TierFoundational, BackendWorkloadClaim},
}

// Classifier assigns component types to pattern tiers and backend kinds
// via a static, extensible table. Classification is total: unknown types
// fall back to TierFoundational with a logged warning, since the safest
// assumption for an unrecognized type is a plain workload with a backing
// repository and no special infrastructure semantics.
type Classifier struct {
	mu     sync.RWMutex
	table  map[string]classification
	warned map[string]struct{}
	logger zerolog.Logger
}

// NewClassifier creates a classifier with the default type table.
func NewClassifier(logger zerolog.Logger) *Classifier {
	table := make(map[string]classification, len(defaultTypeTable))
	for k, v := range defaultTypeTable {
		table[k] = v
	}
	return &Classifier{
		table:  table,
		warned: make(map[string]struct{}),
		logger: logger.With().Str("component", "classifier").Logger(),
	}
}

// Register adds or overrides a type mapping.
func (c *Classifier) Register(componentType string, tier Tier, backend BackendKind) error {
	if err := tier.Validate(); err != nil {
		return err
	}
	if err := backend.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[componentType] = classification{tier, backend}
	return nil
}

// Classify returns the pattern tier for a component type. Never errors.
func (c *Classifier) Classify(componentType string) Tier {
	return c.lookup(componentType).tier
}

// BackendFor returns the backend kind for a component type. Never errors.
func (c *Classifier) BackendFor(componentType string) BackendKind {
	return c.lookup(componentType).backend
}

// Known returns true if the type is in the table.
func (c *Classifier) Known(componentType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.table[componentType]
	return ok
}

func (c *Classifier) lookup(componentType string) classification {
	c.mu.RLock()
	cls, ok := c.table[componentType]
	c.mu.RUnlock()
	if ok {
		return cls
	}

	c.mu.Lock()
	if _, seen := c.warned[componentType]; !seen {
		c.warned[componentType] = struct{}{}
		c.logger.Warn().
			Str("type", componentType).
			Str("fallback_tier", string(TierFoundational)).
			Msg("Unknown component type, classifying as foundational")
	}
	c.mu.Unlock()

	return classification{TierFoundational, BackendWorkloadClaim}
}
