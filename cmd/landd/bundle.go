package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/landd/internal/bundling"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Run one bundling pass over the review queue",
	Long: `Bundle collects every issue carrying the review label, cherry-picks
each one's commits onto a fresh bundle branch, and opens a combined pull
request. Issues that conflict with the bundle fall back to individual pull
requests; unblocker issues always ship individually.`,
	Args: cobra.NoArgs,
	RunE: runBundle,
}

func runBundle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	engine, err := bundling.NewEngine(a.cfg, a.local, a.provider, a.store, a.logger)
	if err != nil {
		return err
	}
	res, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println("outcome:", res.Outcome)
	if res.BundlePR != 0 {
		fmt.Printf("bundle PR #%d: %v\n", res.BundlePR, res.Bundled)
	}
	for _, item := range sortedKeys(res.Individual) {
		fmt.Printf("individual PR #%d: #%d\n", res.Individual[item], item)
	}
	if len(res.Deferred) > 0 {
		fmt.Println("deferred to next pass:", res.Deferred)
	}
	for _, item := range sortedKeys(res.Failed) {
		fmt.Printf("failed #%d: %s\n", item, res.Failed[item])
	}
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
