package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	statusWait bool
	statusJSON bool
)

var rolloutStatusCmd = &cobra.Command{
	Use:   "status <rollout-id>",
	Short: "Show a rollout's phase, readiness and causes",
	Args:  cobra.ExactArgs(1),
	Run:   runRolloutStatus,
}

func init() {
	rolloutStatusCmd.Flags().BoolVarP(&statusWait, "wait", "w", false, "wait for the rollout to finish")
	rolloutStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the full record as json")
	rolloutCmd.AddCommand(rolloutStatusCmd)
}

func runRolloutStatus(cmd *cobra.Command, args []string) {
	e := mustEnv()
	defer e.Close()

	r, err := e.reader()
	if err != nil {
		fail("failed to initialize", err)
	}

	ctx := context.Background()
	get := r.GetRolloutStatus
	if statusWait {
		get = r.Wait
	}
	rec, err := get(ctx, args[0])
	if err != nil {
		fail("failed to get rollout", err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			fail("failed to encode rollout", err)
		}
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> rollout %s", rec.ID)))
	fmt.Println()
	printRecord(rec, true)
	fmt.Println()
}
