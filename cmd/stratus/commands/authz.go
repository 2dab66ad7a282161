package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/api"
	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/rbac"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// errDenied makes `authz check` exit non-zero on a deny.
var errDenied = errors.New("permission denied")

func newAuthzCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authz",
		Short: "Workspace permission service",
	}
	cmd.AddCommand(newAuthzServeCommand())
	cmd.AddCommand(newAuthzCheckCommand())
	return cmd
}

// permissionService is an authorizer over a loaded source.
type permissionService struct {
	authorizer *rbac.Authorizer
	checks     map[string]api.CheckFunc
	close      func()
}

func openPermissionService(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*permissionService, error) {
	var (
		source   rbac.Source
		registry *rbac.Registry
		svc      = &permissionService{checks: map[string]api.CheckFunc{}, close: func() {}}
	)

	switch cfg.Authz.Source {
	case config.AuthzPostgres:
		pg, err := rbac.OpenPostgresSource(ctx, rbac.PostgresConfig{
			DSN:            cfg.Authz.DSN,
			MaxConns:       cfg.Authz.MaxConns,
			ConnectRetries: 5,
		})
		if err != nil {
			return nil, err
		}
		registry, err = pg.LoadRegistry(ctx, cfg.GodUserUUID())
		if err != nil {
			pg.Close()
			return nil, err
		}
		source = pg
		svc.checks["postgres"] = pg.Ping
		svc.close = pg.Close
	case config.AuthzStatic:
		static, err := rbac.LoadStaticSource(cfg.Authz.FixturePath)
		if err != nil {
			return nil, err
		}
		source = static
		registry = rbac.StaticRegistry(cfg.GodUserUUID())
	default:
		return nil, fmt.Errorf("unknown authz source %q", cfg.Authz.Source)
	}

	cache := rbac.NewCache(source, cfg.Authz.CacheTTL, tel.Metrics)
	svc.authorizer = rbac.NewAuthorizer(registry, source, cache, tel.Metrics, tel.Logger)
	return svc, nil
}

func newAuthzServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve permission checks over HTTP",
		Long: `Serve POST /v1/authorize and POST /v1/invalidate backed by the workspace
RBAC tables in Postgres, or by a static YAML fixture.`,
		Example: `  # Serve from the control server database
  STRATUS_AUTHZ_POSTGRES_URL=postgres://stratus@db/stratus stratus authz serve

  # Serve a fixture for local development
  stratus authz serve -c authz.yaml --listen 127.0.0.1:9481`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.AuthzSections...)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			svc, err := openPermissionService(cmd.Context(), cfg, tel)
			if err != nil {
				return err
			}
			defer svc.close()

			opts := []api.Option{
				api.WithAuthorizer(svc.authorizer, svc.authorizer.Cache()),
				api.WithMetrics(tel.Metrics),
				api.WithTracerProvider(tel.Tracer.Provider()),
				api.WithLogger(tel.Logger),
			}
			for name, check := range svc.checks {
				opts = append(opts, api.WithCheck(name, check))
			}

			log.Info().Str("source", cfg.Authz.Source).Str("listen", cfg.API.Listen).Msg("Starting permission service")
			srv := api.New(api.Config{
				Listen:      cfg.API.Listen,
				ServiceName: tel.Config.ServiceName + "-authz",
				ReleaseMode: cfg.API.ReleaseMode,
			}, opts...)
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides api.listen)")

	return cmd
}

func newAuthzCheckCommand() *cobra.Command {
	var user, workspace, permission, resource string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Answer one permission check and exit",
		Long:  "Answer one permission check. The command exits non-zero when the permission is denied.",
		Example: `  stratus authz check -c authz.yaml \
    --user 0b7d2c3e-0000-4000-8000-0000000000de \
    --workspace 0b7d2c3e-0000-4000-8000-00000000000a \
    --permission workspace::infrastructure::deployment::edit \
    --resource 0b7d2c3e-0000-4000-8000-0000000000d1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := parseRequest(user, workspace, permission, resource)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(config.SectionAuthz)
			if err != nil {
				return err
			}

			svc, err := openPermissionService(cmd.Context(), cfg, telemetry.Nop())
			if err != nil {
				return err
			}
			defer svc.close()

			decision, err := svc.authorizer.Authorize(cmd.Context(), req)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), decision); err != nil {
					return err
				}
			} else if decision.Allowed {
				fmt.Fprintf(cmd.OutOrStdout(), "allowed: %s\n", decision.Reason)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "denied: %s\n", decision.Reason)
			}
			if !decision.Allowed {
				return errDenied
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace ID (required)")
	cmd.Flags().StringVar(&permission, "permission", "", "permission name (required)")
	cmd.Flags().StringVar(&resource, "resource", "", "resource ID (required)")
	for _, f := range []string{"user", "workspace", "permission", "resource"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func parseRequest(user, workspace, permission, resource string) (rbac.Request, error) {
	var (
		req rbac.Request
		err error
	)
	if req.UserID, err = uuid.Parse(user); err != nil {
		return req, fmt.Errorf("invalid --user: %w", err)
	}
	if req.WorkspaceID, err = uuid.Parse(workspace); err != nil {
		return req, fmt.Errorf("invalid --workspace: %w", err)
	}
	if req.ResourceID, err = uuid.Parse(resource); err != nil {
		return req, fmt.Errorf("invalid --resource: %w", err)
	}
	req.Permission = permission
	return req, nil
}
