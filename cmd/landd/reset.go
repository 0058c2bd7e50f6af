package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/lifecycle"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Release the worker's claim, preserving any work",
	Long: `Reset releases the worker's current issue back to the ready pool.
Commits on the worker branch are first preserved on a pushed backup branch,
so nothing is lost. This is a high-risk operation and requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm the reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.lifecycleService()
	if err != nil {
		return err
	}
	report, err := svc.ForceReset(ctx, a.cfg.Agent.ID, lifecycle.ExecOptions{Confirmed: resetConfirm})
	if errors.Is(err, lifecycle.ErrConfirmationRequired) {
		return errors.New("reset releases the current claim; re-run with --yes to confirm")
	}
	if err != nil {
		return err
	}
	fmt.Printf("reset complete (%d ops)\n", len(report.Completed))
	return nil
}
