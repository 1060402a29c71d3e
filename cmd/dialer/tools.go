package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/rbac"
	"outbound-dialer/internal/scheduler"
	"outbound-dialer/pkg/logger"
)

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <campaign-id>",
	Short: "Compute one pacing decision for a campaign without leasing or dialing",
	Args:  cobra.ExactArgs(1),
	RunE:  runDryRun,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-zombies",
	Short: "Force offline agents whose heartbeat has expired",
	RunE:  runSweep,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access/refresh token pair",
	RunE:  runToken,
}

var (
	sweepDryRun bool

	tokenUser  string
	tokenAgent string
	tokenRole  string
)

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List stale agents without changing them")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (subject)")
	tokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "Agent id, required for the agent role")
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleSupervisor, "Role: agent, supervisor or super_admin")
	_ = tokenCmd.MarkFlagRequired("user")
}

// openTool wires the app for a one-shot command. Logs go to stderr so stdout
// stays machine readable.
func openTool(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(cfg.App.Env, os.Stderr)
	return newApp(cmd.Context(), cfg, log)
}

func runDryRun(cmd *cobra.Command, args []string) error {
	a, err := openTool(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.scheduler.Tick(cmd.Context(), args[0], true)
	if err != nil {
		return fmt.Errorf("dry run %s: %w", args[0], err)
	}
	inUse, err := a.slots.InUse(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("read concurrency slots: %w", err)
	}
	return printJSON(struct {
		scheduler.TickResult
		SlotsInUse int `json:"slots_in_use"`
	}{res, inUse})
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := openTool(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	stale, err := a.agents.SweepZombies(cmd.Context(), sweepDryRun)
	if err != nil {
		return fmt.Errorf("sweep zombies: %w", err)
	}
	if sweepDryRun {
		fmt.Println("Dry run mode - no agents were changed")
	}
	for _, ag := range stale {
		fmt.Printf("%s\t%s\tlast heartbeat %s\n", ag.ID, ag.Status, ag.LastHeartbeat.Format(time.RFC3339))
	}
	fmt.Printf("%d stale agent(s)\n", len(stale))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	if !rbac.IsKnown(tokenRole) {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	if tokenRole == rbac.RoleAgent && tokenAgent == "" {
		return fmt.Errorf("--agent is required for the agent role")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now(), tokenUser, tokenAgent, tokenRole)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
