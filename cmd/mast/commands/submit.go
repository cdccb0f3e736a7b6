package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		componentName string
		componentType string
		properties    map[string]string
		provenance    string
	)

	cmd := &cobra.Command{
		Use:   "submit <manifest-id>",
		Short: "Submit a derived component to a manifest",
		Long: `Submit a component declaration to a manifest through the source-tagged
write-back path.

Only api-driven submissions mutate the manifest; manifest-driven and
analyzer-driven provenance is skipped by the loop guard, and a component
that already exists under the same name is suppressed as a duplicate.
The manifest is created if it does not exist yet.`,
		Example: `  # Add a cache discovered by an external analyzer operator
  mast submit chat-app --name session-cache --type redis-cache

  # Add a component with properties
  mast submit chat-app --name worker --type webservice --prop database=main-db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			decl := engine.ComponentDecl{
				Name: componentName,
				Type: componentType,
			}
			if len(properties) > 0 {
				decl.Properties = make(map[string]any, len(properties))
				for k, v := range properties {
					decl.Properties[k] = v
				}
			}

			mut, err := rt.orch.SubmitManifestChange(ctx, args[0], decl, engine.Provenance(provenance))
			if err != nil {
				return err
			}

			log.Info().
				Str("manifest_id", args[0]).
				Str("component", componentName).
				Str("state", string(mut.State)).
				Msg("Submission processed")

			switch mut.State {
			case engine.MutationApplied:
				fmt.Printf("component %s added to %s\n", componentName, args[0])
			case engine.MutationSkippedLoop:
				fmt.Printf("component %s skipped: provenance %s does not write back\n", componentName, provenance)
			case engine.MutationSkippedDuplicate:
				fmt.Printf("component %s skipped: already present in %s\n", componentName, args[0])
			default:
				fmt.Printf("component %s left in state %s\n", componentName, mut.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&componentName, "name", "", "component name")
	cmd.Flags().StringVar(&componentType, "type", "", "component type")
	cmd.Flags().StringToStringVar(&properties, "prop", nil, "component properties (key=value)")
	cmd.Flags().StringVar(&provenance, "provenance", string(engine.ProvenanceAPIDriven), "submission provenance tag")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
