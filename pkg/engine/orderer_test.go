package engine

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestOrderer() *Orderer {
	return NewOrderer(NewClassifier(zerolog.Nop()))
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestOrderTierMajor(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "api", Type: "webservice"},
			{Name: "chat", Type: "realtime-service"},
			{Name: "main-db", Type: "database"},
			{Name: "session-cache", Type: "cache"},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}

	want := []string{"main-db", "session-cache", "chat", "api"}
	if len(result.Components) != len(want) {
		t.Fatalf("order = %v, want %v", result.Components, want)
	}
	for i, name := range want {
		if result.Components[i] != name {
			t.Fatalf("order = %v, want %v", result.Components, want)
		}
	}
}

func TestOrderDeclarationTieBreak(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "zeta-db", Type: "database"},
			{Name: "alpha-db", Type: "database"},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if result.Components[0] != "zeta-db" || result.Components[1] != "alpha-db" {
		t.Fatalf("tie-break must follow declaration order, got %v", result.Components)
	}
}

func TestOrderTopologicalWithinTier(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "frontend", Type: "webservice", Properties: map[string]any{
				// cross-tier constraint only; same-tier order is topo.
				"database": "db",
			}},
			{Name: "db", Type: "database"},
			{Name: "worker", Type: "worker"},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if indexOf(result.Components, "db") > indexOf(result.Components, "frontend") {
		t.Fatalf("db must precede frontend, got %v", result.Components)
	}
	// Declaration order within the foundational tier.
	if indexOf(result.Components, "frontend") > indexOf(result.Components, "worker") {
		t.Fatalf("frontend declared before worker, got %v", result.Components)
	}
}

func TestOrderForwardReferenceRejected(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			// A compositional component referencing a foundational one is
			// a forward reference.
			{Name: "group", Type: "composite", Properties: map[string]any{
				"gateway": "edge",
			}},
			{Name: "edge", Type: "webservice"},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}

	if len(result.Rejected) != 1 {
		t.Fatalf("expected 1 rejected component, got %d", len(result.Rejected))
	}
	e := result.Rejected[0]
	if e.Code != ErrCodeForwardReference || e.Component != "group" {
		t.Errorf("rejection = %s/%s, want FORWARD_REFERENCE/group", e.Code, e.Component)
	}
	if result.IsOrdered("group") {
		t.Error("rejected component must not be ordered")
	}
	if !result.IsOrdered("edge") {
		t.Error("unaffected component must still be ordered")
	}
}

func TestOrderCycleAbortsEverything(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "a", Type: "webservice", Properties: map[string]any{"cache": "b"}},
			{Name: "b", Type: "webservice", Properties: map[string]any{"cache": "c"}},
			{Name: "c", Type: "webservice", Properties: map[string]any{"cache": "a"}},
			{Name: "unrelated", Type: "database"},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if result != nil {
		t.Error("cycle must abort the entire ordering, even unrelated components")
	}
	if !IsCycle(err) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}

	oerr := err.(*OrchestratorError)
	if len(oerr.Path) < 4 {
		t.Fatalf("cycle path too short: %v", oerr.Path)
	}
	if oerr.Path[0] != oerr.Path[len(oerr.Path)-1] {
		t.Errorf("cycle path must close the loop: %v", oerr.Path)
	}
}

func TestOrderSkipsDanglingTargets(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "api", Type: "webservice", Properties: map[string]any{
				"database": "ghost",
			}},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	// Dangling targets are the resolver's concern; the orderer still
	// places the component.
	if !result.IsOrdered("api") {
		t.Error("component with dangling reference must still be ordered")
	}
	if len(result.Rejected) != 0 {
		t.Errorf("dangling reference must not reject: %v", result.Rejected)
	}
}

func TestOrderLevels(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "db", Type: "database"},
			{Name: "cache", Type: "cache"},
			{Name: "api", Type: "webservice", Properties: map[string]any{
				"database": "db",
				"cache":    "cache",
			}},
		},
	}

	result, err := newTestOrderer().Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if len(result.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(result.Levels), result.Levels)
	}
	if len(result.Levels[0]) != 2 {
		t.Errorf("level 0 = %v, want db and cache", result.Levels[0])
	}
	if len(result.Levels[1]) != 1 || result.Levels[1][0] != "api" {
		t.Errorf("level 1 = %v, want [api]", result.Levels[1])
	}
}

func TestOrderToDOT(t *testing.T) {
	m := &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "db", Type: "database"},
			{Name: "api", Type: "webservice", Properties: map[string]any{"database": "db"}},
		},
	}

	o := newTestOrderer()
	result, err := o.Order(m)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}

	dot := o.ToDOT(m, result)
	for _, want := range []string{"digraph", `"db" -> "api"`, "cluster_infrastructural", "cluster_foundational"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
