package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/lifecycle"
)

var landConfirm bool

var landCmd = &cobra.Command{
	Use:   "land",
	Short: "Mark the current issue complete and free the worker",
	Long: `Land runs pre-flight checks on the worker's branch (unpushed commits,
merge conflicts against base, label consistency), applies safe corrections,
and moves the issue to the review queue for the next bundling pass.

Corrections above low risk need --yes; merge conflicts always stop the
command and must be resolved manually.`,
	Args: cobra.NoArgs,
	RunE: runLand,
}

func init() {
	landCmd.Flags().BoolVar(&landConfirm, "yes", false, "confirm medium and high risk corrections")
}

func runLand(cmd *cobra.Command, args []string) error {
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
	result, err := svc.Land(ctx, a.cfg.Agent.ID, lifecycle.ExecOptions{Confirmed: landConfirm})
	if errors.Is(err, lifecycle.ErrConfirmationRequired) {
		return fmt.Errorf("%w; re-run with --yes after reviewing the log", err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("landed #%d, worker is free\n", result.WorkItem)
	return nil
}
