package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sqlagent/internal/auth"
	"github.com/haasonsaas/sqlagent/internal/config"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  listen:      %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  provider:    %s\n", cfg.Agent.Provider)
	fmt.Fprintf(out, "  scope:       %s on %s\n", cfg.Guard.ScopePolicy, cfg.Guard.TenantColumn)
	fmt.Fprintf(out, "  rate limit:  %t\n", cfg.RateLimit.Enabled)
	fmt.Fprintf(out, "  usage:       %t (%s)\n", cfg.Usage.Enabled, cfg.Usage.Store)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// =============================================================================
// Token Command Handler
// =============================================================================

func runToken(cmd *cobra.Command, opts tokenOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return writeToken(cmd, cfg.Auth, opts)
}

func writeToken(cmd *cobra.Command, authCfg auth.Config, opts tokenOptions) error {
	jwt := auth.NewService(authCfg).JWT()
	if jwt == nil {
		return errors.New("auth.jwt_secret is not configured")
	}
	userID := strings.TrimSpace(opts.userID)
	if userID == "" {
		return errors.New("--user is required")
	}

	principal := &models.Principal{
		ID:     userID,
		OrgIDs: opts.orgIDs,
		Roles:  opts.roles,
		Tier:   opts.tier,
	}
	if len(opts.orgIDs) == 1 {
		principal.ActiveOrgID = opts.orgIDs[0]
	}

	var (
		token string
		err   error
	)
	if opts.ttl > 0 {
		token, err = jwt.GenerateWithExpiry(principal, opts.ttl)
	} else {
		token, err = jwt.Generate(principal)
	}
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
