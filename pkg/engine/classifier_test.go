package engine

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestClassifyKnownTypes(t *testing.T) {
	c := NewClassifier(zerolog.Nop())

	tests := []struct {
		componentType string
		tier          Tier
		backend       BackendKind
	}{
		{"database", TierInfrastructural, BackendInfraClaim},
		{"cache", TierInfrastructural, BackendInfraClaim},
		{"queue", TierInfrastructural, BackendInfraClaim},
		{"identity", TierInfrastructural, BackendInfraClaim},
		{"composite", TierCompositional, BackendCompositeService},
		{"realtime-service", TierCompositional, BackendCompositeService},
		{"workload", TierFoundational, BackendWorkloadClaim},
		{"webservice", TierFoundational, BackendWorkloadClaim},
		{"cronjob", TierFoundational, BackendWorkloadClaim},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.componentType); got != tt.tier {
			t.Errorf("Classify(%s) = %s, want %s", tt.componentType, got, tt.tier)
		}
		if got := c.BackendFor(tt.componentType); got != tt.backend {
			t.Errorf("BackendFor(%s) = %s, want %s", tt.componentType, got, tt.backend)
		}
	}
}

func TestClassifyUnknownTypeFallsBack(t *testing.T) {
	c := NewClassifier(zerolog.Nop())

	if got := c.Classify("quantum-annealer"); got != TierFoundational {
		t.Errorf("Classify(unknown) = %s, want %s", got, TierFoundational)
	}
	if got := c.BackendFor("quantum-annealer"); got != BackendWorkloadClaim {
		t.Errorf("BackendFor(unknown) = %s, want %s", got, BackendWorkloadClaim)
	}
	if c.Known("quantum-annealer") {
		t.Error("unknown type must not be registered by classification")
	}
}

func TestClassifierRegister(t *testing.T) {
	c := NewClassifier(zerolog.Nop())

	if err := c.Register("timeseries", TierInfrastructural, BackendInfraClaim); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := c.Classify("timeseries"); got != TierInfrastructural {
		t.Errorf("Classify(timeseries) = %s, want %s", got, TierInfrastructural)
	}
	if !c.Known("timeseries") {
		t.Error("registered type should be known")
	}

	if err := c.Register("bad", Tier("nope"), BackendInfraClaim); err == nil {
		t.Error("expected error for invalid tier")
	}
	if err := c.Register("bad", TierFoundational, BackendKind("nope")); err == nil {
		t.Error("expected error for invalid backend kind")
	}
}

func TestTierRankOrdering(t *testing.T) {
	if !(TierInfrastructural.Rank() < TierCompositional.Rank() &&
		TierCompositional.Rank() < TierFoundational.Rank()) {
		t.Fatalf("tier ranks out of order: %d %d %d",
			TierInfrastructural.Rank(), TierCompositional.Rank(), TierFoundational.Rank())
	}
}
