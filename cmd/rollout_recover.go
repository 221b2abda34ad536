package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rolloutRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finish rollouts an interrupted process left behind",
	Long: "Rollouts interrupted before they touched the cluster are marked failed.\n" +
		"Those interrupted while applying or verifying are rolled back.\n" +
		"'roll serve' does this on start.",
	Args: cobra.NoArgs,
	Run:  runRolloutRecover,
}

func init() {
	rolloutCmd.AddCommand(rolloutRecoverCmd)
}

func runRolloutRecover(cmd *cobra.Command, args []string) {
	if remote() {
		fail("cannot recover", fmt.Errorf("the server recovers its own rollouts on start"))
	}

	e := mustEnv()
	defer e.Close()

	ctrl, err := e.controller(os.Stdout)
	if err != nil {
		fail("failed to initialize", err)
	}

	fmt.Println(titleStyle.Render("==> recovering unfinished rollouts"))
	fmt.Println()

	ctx := context.Background()
	n, err := ctrl.Recover(ctx)
	if err != nil {
		fail("failed to recover", err)
	}
	if n == 0 {
		fmt.Println(dimStyle.Render("  nothing to recover"))
		return
	}

	fmt.Println(progressStyle.Render(fmt.Sprintf("  --> finishing %d rollout(s)...", n)))
	if err := ctrl.Drain(ctx); err != nil {
		fail("failed to finish recovery", err)
	}
	fmt.Println(successStyle.Render("  [done] recovered"))
	fmt.Println(dimStyle.Render("  inspect with: roll rollout history <workload>"))
}
