// Package main implements the landd CLI: a single-worker lifecycle
// orchestrator that claims GitHub issues, lands completed work, and ships it
// through batched pull requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/lifecycle"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "landd",
	Short: "Single-worker issue lifecycle orchestrator",
	Long: `landd routes GitHub issues through one autonomous worker: claim an
issue onto its own branch, land the finished work, and ship landed items in
batched pull requests with individual-PR fallback on conflicts.

State is re-detected from git and GitHub before every command; a local
checkpoint only speeds up daemon restarts.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/landd/config.yaml)")
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(landCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(runCmd)
}

// app bundles the wired components every command needs.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	local    gateway.Local
	provider gateway.Provider
	store    *continuity.Store
}

// newApp loads config and wires the gateways and the continuity store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, err
	}

	local, err := gateway.NewLocal(cfg.Repo.Path, cfg.Repo.Token, cfg.Gateway.CallTimeout.Duration(), logger)
	if err != nil {
		return nil, err
	}
	provider, err := gateway.NewProvider(ctx, gateway.ProviderConfig{
		Owner:       cfg.Repo.Owner,
		Repo:        cfg.Repo.Name,
		Token:       cfg.Repo.Token,
		CallTimeout: cfg.Gateway.CallTimeout.Duration(),
		MaxRetries:  cfg.Gateway.MaxRetries,
		RateLimit:   cfg.Gateway.RateLimit,
	}, logger)
	if err != nil {
		return nil, err
	}

	stateDir, err := cfg.StateDir()
	if err != nil {
		return nil, err
	}
	store, err := continuity.NewStore(stateDir, &continuity.Config{
		MaxCheckpointAge:  cfg.Continuity.MaxCheckpointAge.Duration(),
		CleanResumeWindow: continuity.DefaultConfig().CleanResumeWindow,
		HistoryLimit:      cfg.Continuity.HistoryLimit,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, local: local, provider: provider, store: store}, nil
}

func (a *app) lifecycleService() (lifecycle.Service, error) {
	return lifecycle.NewService(a.cfg, a.local, a.provider, a.store, a.logger)
}

func (a *app) close() {
	_ = a.logger.Sync()
}
