package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/continuity"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker's detected state and open issues",
	Long: `Status re-detects the worker's state from git and GitHub, runs the
pre-flight checks, and prints the stored checkpoint and recent transition
history. Read-only.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	report, err := svc.Status(ctx, a.cfg.Agent.ID)
	if err != nil {
		return err
	}

	fmt.Printf("agent:  %s\n", report.AgentID)
	fmt.Printf("state:  %s\n", report.State)

	if len(report.Issues) == 0 {
		fmt.Println("checks: clean")
	} else {
		fmt.Println("checks:")
		for _, issue := range report.Issues {
			fmt.Printf("  - %s\n", issue)
		}
	}

	if report.Checkpoint == nil {
		fmt.Println("checkpoint: none")
	} else {
		fmt.Printf("checkpoint: %s, %s old", report.Checkpoint.State.Kind, report.CheckpointAge.Round(time.Second))
		if report.Checkpoint.PlanID != "" {
			fmt.Printf(" (plan %s in flight, %d ops done)", report.Checkpoint.PlanID, report.Checkpoint.CompletedOps)
		}
		fmt.Println()
	}

	if len(report.History) > 0 {
		fmt.Println("recent history:")
		for _, e := range report.History {
			switch e.Type {
			case continuity.EntryDrift:
				fmt.Printf("  %s  drift %s %s: %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Severity, e.Subject, e.Detail)
			default:
				fmt.Printf("  %s  %s -> %s\n", e.Time.Format("2006-01-02 15:04:05"), e.From, e.To)
			}
		}
	}
	return nil
}
