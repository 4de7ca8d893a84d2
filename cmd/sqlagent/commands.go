package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sqlagent HTTP server",
		Long: `Start the sqlagent HTTP server.

The server will:
1. Load configuration from the specified file (or sqlagent.yaml)
2. Connect to Postgres and, when enabled, Redis
3. Initialize the configured LLM provider
4. Serve POST /v1/query, /healthz, /readyz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  sqlagent serve

  # Start with custom config and debug logging
  sqlagent serve --config /etc/sqlagent/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the memberships, usage counter, and audit tables and the
row-level security helpers.

Migrations are embedded in the binary and tracked in sqlagent_migrations.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd(), buildMigrateEnableRLSCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildMigrateEnableRLSCmd() *cobra.Command {
	var (
		configPath string
		tables     []string
		column     string
	)
	cmd := &cobra.Command{
		Use:   "enable-rls",
		Short: "Enable tenant row-level security on warehouse tables",
		Long: `Enable row-level security on the given warehouse tables and install a
SELECT policy that matches the tenant column against the org bound by the SQL
tool. Requires migration 004 to be applied.`,
		Example: `  sqlagent migrate enable-rls --table projects --table analytics.invoices`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateEnableRLS(cmd, resolveConfigPath(configPath), tables, column)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringSliceVar(&tables, "table", nil, "Table to protect (repeatable)")
	cmd.Flags().StringVar(&column, "column", "org_id", "Tenant column")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Token Command
// =============================================================================

type tokenOptions struct {
	configPath string
	userID     string
	orgIDs     []string
	roles      []string
	tier       string
	ttl        time.Duration
}

// buildTokenCmd issues a signed JWT for local testing.
func buildTokenCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a signed bearer token",
		Example: `  sqlagent token --user user_1 --org org_1 --role analyst --tier pro --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runToken(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id (required)")
	cmd.Flags().StringSliceVar(&opts.orgIDs, "org", nil, "Organization ids the user belongs to")
	cmd.Flags().StringSliceVar(&opts.roles, "role", nil, "Roles to grant")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "Usage tier")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sqlagent %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
