package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
	}
	cmd.PersistentFlags().StringSliceVarP(&paths, "path", "p", nil, "extra policy file or directory")

	load := func(ctx context.Context) (*policy.Engine, error) {
		cfg, err := loadConfig(config.SectionPolicy)
		if err != nil {
			return nil, err
		}
		cfg.Policy.Paths = append(cfg.Policy.Paths, paths...)
		return newPolicyEngine(ctx, cfg, false)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pe, err := load(cmd.Context())
			if err != nil {
				return err
			}
			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "test <resource.json>...",
		Short: "Evaluate policies against resource documents",
		Example: `  # Test a deployment against the built-in and local policies
  stratus policy test -p ./policies ./deployment.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := load(cmd.Context())
			if err != nil {
				return err
			}

			results := make(map[string]*policy.Result, len(args))
			denied := 0
			for _, f := range args {
				r, err := readResource(f)
				if err != nil {
					return err
				}
				result, err := pe.EvaluateResource(cmd.Context(), r, "upsert", true)
				if err != nil {
					return err
				}
				results[f] = result
				if !result.Allowed {
					denied++
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, f := range args {
					result := results[f]
					verdict := "allowed"
					if !result.Allowed {
						verdict = "denied"
					}
					fmt.Fprintf(out, "%s: %s (%d policies)\n", f, verdict, len(result.EvaluatedPolicies))
					for _, v := range result.Violations {
						fmt.Fprintf(out, "  %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
					}
					for _, v := range result.Warnings {
						fmt.Fprintf(out, "  %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
					}
					for _, e := range result.Errors {
						fmt.Fprintf(out, "  error: %s\n", e)
					}
				}
			}

			if denied > 0 {
				return fmt.Errorf("%d of %d resources denied", denied, len(args))
			}
			return nil
		},
	})

	return cmd
}
