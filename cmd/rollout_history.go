package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/aelpxy/roll/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var rolloutHistoryCmd = &cobra.Command{
	Use:     "history <workload>",
	Aliases: []string{"ls"},
	Short:   "List a workload's rollouts, newest first",
	Args:    cobra.ExactArgs(1),
	Run:     runRolloutHistory,
}

func init() {
	rolloutHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of rollouts to show (0 for all)")
	rolloutCmd.AddCommand(rolloutHistoryCmd)
}

func runRolloutHistory(cmd *cobra.Command, args []string) {
	e := mustEnv()
	defer e.Close()

	r, err := e.reader()
	if err != nil {
		fail("failed to initialize", err)
	}

	records, err := r.History(context.Background(), args[0])
	if err != nil {
		fail("failed to list rollouts", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> rollouts of %s", args[0])))
	fmt.Println()

	if len(records) == 0 {
		fmt.Println(dimStyle.Render("  no rollouts yet"))
		fmt.Println(dimStyle.Render("  start one with: roll rollout start " + args[0]))
		return
	}

	showing := len(records)
	if historyLimit > 0 && historyLimit < showing {
		showing = historyLimit
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "  VERSION\tID\tPHASE\tIMAGE\tREADY\tCREATED")
	for _, rec := range records[:showing] {
		fmt.Fprintf(w, "  v%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.SpecVersion,
			utils.TruncateID(rec.ID, 12),
			rec.Phase,
			utils.ShortDigest(rec.Artifact.Digest),
			rec.Readiness,
			formatAge(rec.CreatedAt),
		)
	}
	w.Flush()

	if showing < len(records) {
		fmt.Println()
		fmt.Println(dimStyle.Render(fmt.Sprintf("  showing %d of %d (use --limit 0 for all)", showing, len(records))))
	}
}
