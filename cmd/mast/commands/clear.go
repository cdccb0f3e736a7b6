package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/engine"
)

func newClearStalledCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-stalled <manifest-id> <component>",
		Short: "Reset a stalled provisioning request",
		Long: `Reset a stalled provisioning request so the next reconciliation pass
polls it again.

Stalled is not terminal: it blocks dependents until the request either
completes or an operator clears it here after resolving the cause.`,
		Example: `  # Re-arm the readiness window for a stalled database claim
  mast clear-stalled chat-app main-db`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			manifestID, component := args[0], args[1]
			_, generation, err := rt.store.GetManifest(ctx, manifestID)
			if err != nil {
				return err
			}

			key := engine.IdempotencyKey(manifestID, generation, component)
			if err := rt.store.ClearStalled(ctx, key); err != nil {
				return err
			}

			log.Info().
				Str("manifest_id", manifestID).
				Str("component", component).
				Int64("generation", generation).
				Msg("Stalled request cleared, next pass will re-poll it")
			return nil
		},
	}

	return cmd
}
