package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rolloutCancelCmd = &cobra.Command{
	Use:   "cancel <rollout-id>",
	Short: "Cancel an in-flight rollout",
	Long: "Ask the process driving a rollout to stop it. A rollout cancelled before it\n" +
		"touched the cluster fails; one cancelled while applying or verifying is\n" +
		"rolled back to the previous version.",
	Args: cobra.ExactArgs(1),
	Run:  runRolloutCancel,
}

func init() {
	rolloutCmd.AddCommand(rolloutCancelCmd)
}

func runRolloutCancel(cmd *cobra.Command, args []string) {
	e := mustEnv()
	defer e.Close()

	b, err := e.backend(os.Stdout)
	if err != nil {
		fail("failed to initialize", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> cancelling rollout %s", args[0])))
	if err := b.CancelRollout(context.Background(), args[0]); err != nil {
		fail("failed to cancel", err)
	}
	fmt.Println(successStyle.Render("  [done] cancellation requested"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("  follow with: roll rollout status %s --wait", args[0])))
}
