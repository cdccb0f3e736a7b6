package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LoopGuard is the sole mechanism preventing the two reconciling
// subsystems (manifest->claim and claim->manifest) from retriggering
// each other indefinitely. Every proposed manifest mutation carries the
// immutable provenance tag of the request that produced it; only
// api-driven completions are eligible to write themselves into the
// manifest. This is a hard invariant enforced centrally here, never
// per-caller.
type LoopGuard struct {
	events EventPublisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewLoopGuard creates a loop guard.
func NewLoopGuard(events EventPublisher, logger zerolog.Logger) *LoopGuard {
	return &LoopGuard{
		events: events,
		logger: logger.With().Str("component", "loop-guard").Logger(),
		now:    time.Now,
	}
}

// Propose creates a mutation for a completed request and stamps it with
// the request's provenance: CREATED -> TAGGED.
func (g *LoopGuard) Propose(manifestID string, c ComponentDecl, provenance Provenance) *Mutation {
	mut := &Mutation{
		ID:         uuid.New().String(),
		ManifestID: manifestID,
		Component:  c,
		Provenance: provenance,
		State:      MutationCreated,
		CreatedAt:  g.now(),
	}
	mut.State = MutationTagged
	return mut
}

// Evaluate applies the guard rule: TAGGED -> SKIPPED_LOOP for any
// provenance other than api-driven, TAGGED -> ELIGIBLE otherwise.
// Manifest-driven and analyzer-driven completions never write back into
// the manifest; it is already their source of truth.
func (g *LoopGuard) Evaluate(ctx context.Context, mut *Mutation) MutationState {
	if mut.Provenance != ProvenanceAPIDriven {
		mut.State = MutationSkippedLoop
		g.logger.Info().
			Str("manifest_id", mut.ManifestID).
			Str("component", mut.Component.Name).
			Str("provenance", string(mut.Provenance)).
			Msg("Derived write suppressed by loop guard")
		g.publish(ctx, mut, "mutation.skipped_loop",
			fmt.Sprintf("Suppressed %s write-back for %s", mut.Provenance, mut.Component.Name))
		return mut.State
	}

	mut.State = MutationEligible
	return mut.State
}

// ReconcileExistence checks an ELIGIBLE mutation against the manifest:
// if a component with the same name already exists the mutation is an
// idempotent no-op (SKIPPED_DUPLICATE), because the same logical
// creation event may be observed more than once. Otherwise the mutation
// stays ELIGIBLE and the caller applies it.
func (g *LoopGuard) ReconcileExistence(ctx context.Context, mut *Mutation, m *Manifest) MutationState {
	if mut.State != MutationEligible {
		return mut.State
	}

	if m.Component(mut.Component.Name) != nil {
		mut.State = MutationSkippedDuplicate
		g.logger.Info().
			Str("manifest_id", mut.ManifestID).
			Str("component", mut.Component.Name).
			Msg("Duplicate component proposal skipped")
		g.publish(ctx, mut, "mutation.skipped_duplicate",
			fmt.Sprintf("Component %s already present in manifest", mut.Component.Name))
	}
	return mut.State
}

// MarkApplied records that the mutation's diff was written to the
// manifest: ELIGIBLE -> MUTATED.
func (g *LoopGuard) MarkApplied(ctx context.Context, mut *Mutation) {
	mut.State = MutationApplied
	g.publish(ctx, mut, "mutation.applied",
		fmt.Sprintf("Component %s added to manifest", mut.Component.Name))
}

func (g *LoopGuard) publish(ctx context.Context, mut *Mutation, eventType, message string) {
	if g.events == nil {
		return
	}
	_ = g.events.Publish(ctx, &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  g.now(),
		ManifestID: mut.ManifestID,
		Component:  mut.Component.Name,
		Message:    message,
		Level:      "info",
	})
}
