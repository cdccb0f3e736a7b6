package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCommand() *cobra.Command {
	var (
		readyAfter       int
		readinessTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile <manifest-id>",
		Short: "Run one reconciliation pass",
		Long: `Run a single reconciliation pass for a stored manifest.

One pass refreshes in-flight provisioning requests, dispatches every
component whose references are resolved, and returns. Deferred
components wait for the next pass.`,
		Example: `  # Run one pass
  mast reconcile chat-app

  # Pass result as JSON
  mast reconcile chat-app --json`,
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

			result, err := rt.orch.Reconcile(ctx, args[0])
			if result != nil {
				if jsonOutput {
					out, merr := json.MarshalIndent(result, "", "  ")
					if merr != nil {
						return merr
					}
					fmt.Println(string(out))
				} else {
					printPassResult(result)
				}
			}
			return err
		},
	}

	cmd.Flags().IntVar(&readyAfter, "ready-after", 0, "polls before local backends report ready")
	cmd.Flags().DurationVar(&readinessTimeout, "readiness-timeout", 0, "stall threshold for provisioning requests")

	return cmd
}
