package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/engine"
	"github.com/openmast/openmast/pkg/manifest"
	"github.com/openmast/openmast/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var skipPolicies bool

	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate manifest files",
		Long: `Validate manifest files without touching the state database.

This command checks:
  - YAML syntax and document structure
  - Component name and uniqueness rules
  - Dispatch ordering (forward references, reference cycles)
  - Policy compliance (OPA/rego), including inline manifest policies`,
		Example: `  # Validate one manifest
  mast validate app.yaml

  # Validate several manifests, structure only
  mast validate --skip-policies manifests/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			codec, err := manifest.NewCodec()
			if err != nil {
				return err
			}
			classifier := engine.NewClassifier(log.Logger)
			orderer := engine.NewOrderer(classifier)

			var policies *policy.Engine
			if !skipPolicies {
				policies, err = policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
			}

			failed := 0
			for _, path := range args {
				errs := validateOne(ctx, codec, classifier, orderer, policies, path)
				if len(errs) == 0 {
					fmt.Printf("%s: OK\n", path)
					continue
				}
				failed++
				for _, verr := range errs {
					fmt.Printf("%s: %v\n", path, verr)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d manifests failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicies, "skip-policies", false, "skip policy evaluation")

	return cmd
}

func validateOne(
	ctx context.Context,
	codec *manifest.Codec,
	classifier *engine.Classifier,
	orderer *engine.Orderer,
	policies *policy.Engine,
	path string,
) []error {
	m, err := codec.ParseFile(path)
	if err != nil {
		return []error{err}
	}

	var errs []error

	result, err := orderer.Order(m)
	if err != nil {
		errs = append(errs, err)
	}
	if result != nil {
		for _, rej := range result.Rejected {
			errs = append(errs, rej)
		}
	}

	if policies != nil {
		tiers := make(map[string]engine.Tier, len(m.Components))
		for _, comp := range m.Components {
			tiers[comp.Name] = classifier.Classify(comp.Type)
		}
		violations, err := policies.Evaluate(ctx, m, tiers)
		if err != nil {
			errs = append(errs, err)
		}
		for _, v := range violations {
			errs = append(errs, v)
		}
	}

	if jsonOutput && len(errs) > 0 {
		if out, merr := json.Marshal(errs); merr == nil {
			return []error{fmt.Errorf("%s", out)}
		}
	}
	return errs
}
