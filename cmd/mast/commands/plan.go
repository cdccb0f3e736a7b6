package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/engine"
	"github.com/openmast/openmast/pkg/manifest"
)

func newPlanCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Show the dispatch order for a manifest",
		Long: `Compute and display the dependency-ordered provisioning plan for a
manifest without dispatching anything.

The plan shows:
  - Each component's pattern tier and backend
  - The total dispatch order (tier-major, topological within tier)
  - Dependency levels that could provision concurrently
  - Forward references and cycles that would block dispatch`,
		Example: `  # Show the plan
  mast plan app.yaml

  # Also write the reference graph as DOT
  mast plan app.yaml --dot app.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := manifest.NewCodec()
			if err != nil {
				return err
			}
			m, err := codec.ParseFile(args[0])
			if err != nil {
				return err
			}

			classifier := engine.NewClassifier(log.Logger)
			orderer := engine.NewOrderer(classifier)

			result, err := orderer.Order(m)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				printPlan(m, classifier, result)
			}

			if dotFile != "" {
				dot := orderer.ToDOT(m, result)
				if err := os.WriteFile(dotFile, []byte(dot), 0644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("path", dotFile).Msg("Reference graph written")
			}

			if len(result.Rejected) > 0 {
				return fmt.Errorf("%d components rejected from the dispatch order", len(result.Rejected))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}

func printPlan(m *engine.Manifest, classifier *engine.Classifier, result *engine.OrderResult) {
	fmt.Printf("Manifest %s (%d components)\n\n", m.ID, len(m.Components))

	fmt.Println("Dispatch order:")
	for i, name := range result.Components {
		comp := m.Component(name)
		fmt.Printf("  %2d. %-24s tier=%-16s backend=%s\n",
			i+1, name, result.Tiers[name], classifier.BackendFor(comp.Type))
	}

	if len(result.Levels) > 0 {
		fmt.Println("\nConcurrency levels:")
		for i, level := range result.Levels {
			fmt.Printf("  level %d: %v\n", i, level)
		}
	}

	if len(result.Rejected) > 0 {
		fmt.Println("\nRejected:")
		for _, rej := range result.Rejected {
			fmt.Printf("  %v\n", rej)
		}
	}
}
