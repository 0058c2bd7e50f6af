package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/lifecycle"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the highest-priority ready issue",
	Long: `Claim assigns the best ready issue to the worker: unblockers first,
then priority labels, then oldest. A branch is created locally and on the
remote, and the issue moves from the ready label to the assigned label.

Fails when the worker already holds an issue.`,
	Args: cobra.NoArgs,
	RunE: runClaim,
}

func runClaim(cmd *cobra.Command, args []string) error {
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
	result, err := svc.Claim(ctx, a.cfg.Agent.ID)
	if errors.Is(err, lifecycle.ErrNoReadyWork) {
		fmt.Println("nothing to claim: no issues carry the ready label")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("claimed #%d (%s) on %s\n", result.WorkItem.Number, result.WorkItem.Title, result.Branch)
	return nil
}
