package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/policy"
)

type resourceReport struct {
	File     string             `json:"file"`
	Valid    bool               `json:"valid"`
	Errors   []string           `json:"errors,omitempty"`
	Warnings []policy.Violation `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var authz bool

	cmd := &cobra.Command{
		Use:   "validate [resource.json...]",
		Short: "Validate the configuration and desired resources",
		Long: `Validate the configuration file and, optionally, desired resource documents.

This command checks:
  - configuration syntax, schema and field constraints
  - resource documents against the built-in #Resource schema
  - resource documents against the enabled admission policies`,
		Example: `  # Validate the runner configuration
  stratus validate -c runner.yaml

  # Validate the permission service configuration
  stratus validate -c authz.yaml --authz

  # Validate resources before handing them to the control server
  stratus validate -c runner.yaml ./deployment.json ./database.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sections := config.RunnerSections
			if authz {
				sections = config.AuthzSections
			}
			cfg, err := loadConfig(sections...)
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Configuration is valid")
			if len(args) == 0 {
				if !jsonOutput {
					fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
				}
				return nil
			}

			var pe *policy.Engine
			if cfg.Policy.Enabled {
				if pe, err = newPolicyEngine(cmd.Context(), cfg, false); err != nil {
					return err
				}
			}
			reports := validateResources(cmd.Context(), config.NewSchemaRegistry(), pe, args)
			return printReports(cmd.OutOrStdout(), reports)
		},
	}

	cmd.Flags().BoolVar(&authz, "authz", false, "validate the permission service sections instead of the runner's")

	return cmd
}

func validateResources(ctx context.Context, registry *config.SchemaRegistry, pe *policy.Engine, files []string) []resourceReport {
	reports := make([]resourceReport, 0, len(files))
	for _, f := range files {
		rep := resourceReport{File: f}
		r, err := readResource(f)
		if err == nil {
			err = registry.ValidateResource(ctx, r)
		}
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			reports = append(reports, rep)
			continue
		}

		if pe != nil {
			result, err := pe.EvaluateResource(ctx, r, "upsert", true)
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
			} else {
				for _, v := range result.Violations {
					rep.Errors = append(rep.Errors, v.Policy+": "+v.Message)
				}
				rep.Errors = append(rep.Errors, result.Errors...)
				rep.Warnings = result.Warnings
			}
		}
		rep.Valid = len(rep.Errors) == 0
		reports = append(reports, rep)
	}
	return reports
}

func readResource(path string) (*engine.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r engine.Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &r, nil
}

func printReports(w io.Writer, reports []resourceReport) error {
	invalid := 0
	for _, r := range reports {
		if !r.Valid {
			invalid++
		}
	}

	if jsonOutput {
		if err := printJSON(w, reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			if r.Valid {
				fmt.Fprintf(w, "%s: OK\n", r.File)
			} else {
				fmt.Fprintf(w, "%s: INVALID\n", r.File)
			}
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  error: %s\n", e)
			}
			for _, v := range r.Warnings {
				fmt.Fprintf(w, "  warning: %s: %s\n", v.Policy, v.Message)
			}
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d resources are invalid", invalid, len(reports))
	}
	return nil
}
