package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loop until interrupted",
	Long: `Run starts the long-lived worker loop: bundling passes at the
configured interval (sooner when an unblocker is waiting) and drift
reconciliation on an adaptive timer. On startup the persisted checkpoint is
validated against the working tree; a stale or mismatched checkpoint forces
re-detection from ground truth.

Stops cleanly on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.New(a.cfg, a.local, a.provider, a.store, a.logger)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}
