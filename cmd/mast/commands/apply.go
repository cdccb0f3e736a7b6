package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		maxPasses        int
		readyAfter       int
		readinessTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply <manifest>",
		Short: "Store a manifest and reconcile it to readiness",
		Long: `Load a manifest into the state database and run reconciliation passes
until every component is Ready, a pass fails, or the pass limit is hit.

Waiting for readiness is a non-blocking poll: each pass dispatches what
it can, and incomplete passes are rescheduled with exponential backoff.`,
		Example: `  # Apply a manifest
  mast apply app.yaml

  # Apply with slow simulated backends
  mast apply app.yaml --ready-after 3 --max-passes 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{
				readyAfter:       readyAfter,
				readinessTimeout: readinessTimeout,
			})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			m, err := rt.codec.ParseFile(args[0])
			if err != nil {
				return err
			}

			generation, err := rt.store.PutManifest(ctx, m)
			if err != nil {
				return err
			}
			log.Info().
				Str("manifest_id", m.ID).
				Int64("generation", generation).
				Msg("Manifest stored")

			result, err := reconcileToReadiness(ctx, rt.orch, m.ID, maxPasses)
			if result != nil {
				printPassResult(result)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&maxPasses, "max-passes", 10, "maximum reconciliation passes")
	cmd.Flags().IntVar(&readyAfter, "ready-after", 0, "polls before local backends report ready")
	cmd.Flags().DurationVar(&readinessTimeout, "readiness-timeout", 0, "stall threshold for provisioning requests")

	return cmd
}

// reconcileToReadiness runs passes until the manifest converges, a
// non-retryable error occurs, or the pass limit is reached. It returns
// the last pass result.
func reconcileToReadiness(ctx context.Context, orch *engine.Orchestrator, manifestID string, maxPasses int) (*engine.PassResult, error) {
	var last *engine.PassResult

	for attempt := 0; attempt < maxPasses; attempt++ {
		result, err := orch.Reconcile(ctx, manifestID)
		if result != nil {
			last = result
		}
		if err != nil {
			if engine.IsRetryable(err) {
				delay := orch.NextBackoff(attempt)
				log.Warn().Err(err).Dur("delay", delay).Msg("Pass could not run, retrying")
				if serr := sleepCtx(ctx, delay); serr != nil {
					return last, serr
				}
				continue
			}
			return last, err
		}

		if result.Complete() {
			log.Info().
				Str("manifest_id", manifestID).
				Int("passes", attempt+1).
				Msg("Manifest converged")
			return result, nil
		}
		if result.StaleGeneration {
			log.Info().Msg("Newer generation observed mid-pass, rescheduling")
		}

		delay := orch.NextBackoff(attempt)
		log.Info().
			Int("ready", len(result.Ready)).
			Int("of", len(result.Ordered)).
			Dur("delay", delay).
			Msg("Pass incomplete, rescheduling")
		if serr := sleepCtx(ctx, delay); serr != nil {
			return last, serr
		}
	}

	return last, fmt.Errorf("manifest %s did not converge within %d passes", manifestID, maxPasses)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func printPassResult(result *engine.PassResult) {
	fmt.Printf("Pass %s at generation %d (%s)\n", result.PassID, result.Generation, result.Duration.Round(time.Millisecond))
	fmt.Printf("  ordered:    %v\n", result.Ordered)
	if len(result.Dispatched) > 0 {
		fmt.Printf("  dispatched: %v\n", result.Dispatched)
	}
	if len(result.Ready) > 0 {
		fmt.Printf("  ready:      %v\n", result.Ready)
	}
	if len(result.Deferred) > 0 {
		fmt.Printf("  deferred:   %v\n", result.Deferred)
	}
	if len(result.Stalled) > 0 {
		fmt.Printf("  stalled:    %v\n", result.Stalled)
	}
	for _, err := range result.Errors {
		fmt.Printf("  error:      %v\n", err)
	}
}
