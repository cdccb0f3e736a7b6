package engine

import (
	"fmt"
	"sort"
	"strings"
)

// OrderResult is a total dispatch order over the manifest's components,
// consistent with pattern tiers and the explicit reference graph.
type OrderResult struct {
	// Components are the component names in dispatch order.
	Components []string

	// Tiers maps each ordered component to its tier.
	Tiers map[string]Tier

	// Levels groups components by dependency depth; components at the
	// same level have no reference constraints between them.
	Levels [][]string

	// Rejected are components excluded from the order with the
	// validation error that excluded them (forward references).
	Rejected []*OrchestratorError
}

// IsOrdered returns true if the component survived validation and
// appears in the dispatch order.
func (r *OrderResult) IsOrdered(name string) bool {
	for _, c := range r.Components {
		if c == name {
			return true
		}
	}
	return false
}

// dfs colors for cycle detection.
const (
	colorWhite = iota
	colorGray
	colorBlack
)

// Orderer produces a deterministic total order over a manifest's
// components: infrastructural before compositional before foundational,
// topological within a tier, manifest-declaration order as the
// tie-break. A reference to a later tier is a validation error (the
// component is rejected, others continue); a reference cycle aborts the
// entire ordering, because partial provisioning against a cycle risks
// permanently-pending components.
type Orderer struct {
	classifier *Classifier
}

// NewOrderer creates an orderer backed by the classifier's tier table.
func NewOrderer(classifier *Classifier) *Orderer {
	return &Orderer{classifier: classifier}
}

// Order computes the dispatch order for a manifest.
func (o *Orderer) Order(m *Manifest) (*OrderResult, error) {
	result := &OrderResult{
		Tiers: make(map[string]Tier, len(m.Components)),
	}

	declIndex := make(map[string]int, len(m.Components))
	for i := range m.Components {
		c := &m.Components[i]
		declIndex[c.Name] = i
		result.Tiers[c.Name] = o.classifier.Classify(c.Type)
	}

	// Reference edges: an edge target -> source means target must
	// provision before source. Dangling targets are the resolver's
	// concern; the orderer only constrains over declared components.
	edges := make(map[string][]string, len(m.Components))     // component -> referenced targets
	dependents := make(map[string][]string, len(m.Components)) // target -> referencing components
	rejected := make(map[string]bool)

	for i := range m.Components {
		c := &m.Components[i]
		from := result.Tiers[c.Name]
		for _, ref := range References(c) {
			if _, ok := declIndex[ref.Target]; !ok {
				continue
			}
			to := result.Tiers[ref.Target]
			if to.Rank() > from.Rank() {
				result.Rejected = append(result.Rejected,
					NewForwardReferenceError(c.Name, ref.Property, ref.Target, from, to).WithManifest(m.ID))
				rejected[c.Name] = true
				continue
			}
			edges[c.Name] = append(edges[c.Name], ref.Target)
			dependents[ref.Target] = append(dependents[ref.Target], c.Name)
		}
	}

	// Cycle detection over the full graph before anything is ordered.
	if path := detectCycle(m, edges); path != nil {
		return nil, NewCycleError(path).WithManifest(m.ID)
	}

	// Tier-major order; within a tier, repeatedly take the earliest
	// declared component whose intra-tier references are already placed.
	placed := make(map[string]bool, len(m.Components))
	for _, tier := range []Tier{TierInfrastructural, TierCompositional, TierFoundational} {
		var pool []string
		for i := range m.Components {
			name := m.Components[i].Name
			if result.Tiers[name] == tier && !rejected[name] {
				pool = append(pool, name)
			}
		}

		for len(pool) > 0 {
			pick := -1
			for i, name := range pool {
				if intraTierSatisfied(name, tier, edges, result.Tiers, placed) {
					pick = i
					break
				}
			}
			if pick < 0 {
				// Unreachable after cycle detection.
				return nil, NewInternalError(
					fmt.Sprintf("no dispatchable component left in tier %s", tier), nil).WithManifest(m.ID)
			}
			name := pool[pick]
			pool = append(pool[:pick], pool[pick+1:]...)
			placed[name] = true
			result.Components = append(result.Components, name)
		}
	}

	result.Levels = computeLevels(result.Components, edges)
	return result, nil
}

// intraTierSatisfied reports whether every same-tier reference of the
// component is already placed. Cross-tier references are satisfied by
// the tier-major order itself.
func intraTierSatisfied(name string, tier Tier, edges map[string][]string, tiers map[string]Tier, placed map[string]bool) bool {
	for _, target := range edges[name] {
		if tiers[target] == tier && !placed[target] {
			return false
		}
	}
	return true
}

// detectCycle runs a three-color DFS over the reference graph and
// returns the cycle path if a back-edge is found, nil otherwise.
// Components are visited in declaration order so the reported path is
// deterministic.
func detectCycle(m *Manifest, edges map[string][]string) []string {
	color := make(map[string]int, len(m.Components))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = colorGray
		stack = append(stack, name)

		for _, target := range edges[name] {
			switch color[target] {
			case colorWhite:
				if cycle := visit(target); cycle != nil {
					return cycle
				}
			case colorGray:
				// Back-edge: slice the current path from the first
				// occurrence of target and close the loop.
				for i, n := range stack {
					if n == target {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, target)
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = colorBlack
		return nil
	}

	for i := range m.Components {
		name := m.Components[i].Name
		if color[name] == colorWhite {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns each ordered component a dependency depth:
// 1 + the maximum level of its referenced targets. Components at the
// same level can be polled in parallel.
func computeLevels(ordered []string, edges map[string][]string) [][]string {
	level := make(map[string]int, len(ordered))
	maxLevel := 0
	for _, name := range ordered {
		l := 0
		for _, target := range edges[name] {
			if tl, ok := level[target]; ok && tl+1 > l {
				l = tl + 1
			}
		}
		level[name] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range ordered {
		levels[level[name]] = append(levels[level[name]], name)
	}
	return levels
}

// ToDOT renders the manifest's reference graph in DOT format for
// visualization with Graphviz, clustered by tier.
func (o *Orderer) ToDOT(m *Manifest, result *OrderResult) string {
	var sb strings.Builder

	sb.WriteString("digraph DispatchOrder {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, tier := range []Tier{TierInfrastructural, TierCompositional, TierFoundational} {
		var names []string
		for name, t := range result.Tiers {
			if t == tier && result.IsOrdered(name) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)

		sb.WriteString(fmt.Sprintf("  subgraph cluster_%s {\n", tier))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", string(tier)))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("    %q [fillcolor=%q, style=\"filled,rounded\"];\n",
				name, tierColor(tier)))
		}
		sb.WriteString("  }\n\n")
	}

	for i := range m.Components {
		c := &m.Components[i]
		for _, ref := range References(c) {
			if m.Component(ref.Target) == nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", ref.Target, c.Name, ref.Property))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func tierColor(t Tier) string {
	switch t {
	case TierInfrastructural:
		return "lightblue"
	case TierCompositional:
		return "lightyellow"
	default:
		return "lightgreen"
	}
}
