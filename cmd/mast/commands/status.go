package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var eventCount int

	cmd := &cobra.Command{
		Use:   "status [manifest-id]",
		Short: "Show manifest and provisioning request status",
		Long: `Show the stored manifests, or the component, request, and event
status of one manifest at its current generation.`,
		Example: `  # List stored manifests
  mast status

  # Show one manifest with its recent timeline
  mast status chat-app --events 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if len(args) == 0 {
				ids, err := rt.store.ListManifests(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Println("no manifests stored")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}

			manifestID := args[0]
			m, generation, err := rt.store.GetManifest(ctx, manifestID)
			if err != nil {
				return err
			}

			requests, err := rt.store.ListRequests(ctx, manifestID, generation)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, merr := json.MarshalIndent(map[string]any{
					"manifest":   m,
					"generation": generation,
					"requests":   requests,
				}, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Manifest %s (%s) at generation %d\n\n", m.ID, m.Name, generation)

			statusByComponent := make(map[string]string, len(requests))
			for _, req := range requests {
				statusByComponent[req.ComponentName] = string(req.Status)
			}
			for _, comp := range m.Components {
				status, ok := statusByComponent[comp.Name]
				if !ok {
					status = "not dispatched"
				}
				fmt.Printf("  %-24s %-20s %s\n", comp.Name, comp.Type, status)
			}

			if eventCount > 0 {
				events, err := rt.store.ListEvents(ctx, manifestID, eventCount)
				if err != nil {
					return err
				}
				if len(events) > 0 {
					fmt.Println("\nRecent events:")
					for _, e := range events {
						fmt.Printf("  %s  %-22s %s\n",
							e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&eventCount, "events", 10, "number of recent timeline events to show (0 to hide)")

	return cmd
}
