package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newSpecsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specs",
		Short: "Inspect the hardware tier catalog",
	}

	cmd.AddCommand(newSpecsListCommand(version))
	cmd.AddCommand(newSpecsGetCommand(version))

	return cmd
}

func newSpecsListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all hardware tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			catalog := a.specs.GetAllSpecs(cmd.Context())
			if jsonOutput {
				return printJSON(catalog)
			}

			tiers := make([]string, 0, len(catalog))
			for tier := range catalog {
				tiers = append(tiers, tier)
			}
			sort.Strings(tiers)

			for _, tier := range tiers {
				spec := catalog[tier]
				gpu := ""
				if spec.GPUCount > 0 {
					gpu = fmt.Sprintf("  gpu=%dx%s", spec.GPUCount, spec.GPUType)
				}
				availability := ""
				if !spec.Available {
					availability = "  (unavailable)"
				}
				fmt.Printf("%-12s  %-7s  %2d vcpu  %6d MB  %4d GB  $%.2f/h%s%s\n",
					spec.Tier, spec.Architecture, spec.VCPU, spec.MemoryMB, spec.StorageGB, spec.HourlyRate, gpu, availability)
			}
			return nil
		},
	}
}

func newSpecsGetCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tier>",
		Short: "Show one hardware tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			spec, err := a.specs.GetSpec(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(spec)
		},
	}
}
