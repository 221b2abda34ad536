package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var (
	rollbackVersion string
	rollbackDetach  bool
)

var rolloutRollbackCmd = &cobra.Command{
	Use:   "rollback <workload>",
	Short: "Roll a workload back to an earlier successful version",
	Long: "Start a new rollout from the spec of an earlier successful rollout.\n" +
		"Without --version the one before the current version is used.",
	Example: `  roll rollout rollback api
  roll rollout rollback api --version v3`,
	Args: cobra.ExactArgs(1),
	Run:  runRolloutRollback,
}

func init() {
	rolloutRollbackCmd.Flags().StringVar(&rollbackVersion, "version", "", "version to roll back to")
	rolloutRollbackCmd.Flags().BoolVarP(&rollbackDetach, "detach", "d", false, "return once the rollout is accepted (requires --server)")
	rolloutCmd.AddCommand(rolloutRollbackCmd)
}

func runRolloutRollback(cmd *cobra.Command, args []string) {
	workload := args[0]
	if rollbackDetach && !remote() {
		fail("cannot detach", fmt.Errorf("an in-process rollout ends with this command; use --server"))
	}

	e := mustEnv()
	defer e.Close()

	b, err := e.backend(os.Stdout)
	if err != nil {
		fail("failed to initialize", err)
	}
	ctx := context.Background()

	var version int
	if rollbackVersion != "" {
		if version, err = parseVersion(rollbackVersion); err != nil {
			fail("invalid version", err)
		}
	} else {
		history, err := b.History(ctx, workload)
		if err != nil {
			fail("failed to list rollouts", err)
		}
		if version, err = previousSucceeded(workload, history); err != nil {
			fail("nothing to roll back to", err)
		}
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> rolling %s back to v%d", workload, version)))
	fmt.Println()

	id, err := b.Rollback(ctx, workload, version)
	if err != nil {
		fail("failed to start rollback", err)
	}
	fmt.Printf("  %s %s\n", labelStyle.Render("rollout:"), valueStyle.Render(id))

	if rollbackDetach {
		fmt.Println()
		fmt.Println(successStyle.Render("  [done] rollback accepted"))
		return
	}

	rec, err := follow(b, id)
	if err != nil {
		fail("lost track of rollout", err)
	}
	printOutcome(rec)
}

// previousSucceeded picks the newest successful version older than the
// newest successful one. history is newest first.
func previousSucceeded(workload string, history []models.RolloutRecord) (int, error) {
	current := 0
	for _, rec := range history {
		if rec.Phase != models.PhaseSucceeded {
			continue
		}
		if current == 0 {
			current = rec.SpecVersion
			continue
		}
		return rec.SpecVersion, nil
	}
	if current == 0 {
		return 0, fault.Newf(fault.NotFound, "rollback", "%s has no successful rollout", workload)
	}
	return 0, fault.Newf(fault.NotFound, "rollback", "v%d is the only successful rollout of %s", current, workload)
}
