package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aelpxy/roll/internal/project"
	"github.com/aelpxy/roll/internal/rollout"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var (
	startPath      string
	startImage     string
	startBuild     bool
	startTag       string
	startSet       []string
	startDetach    bool
	startNoProject bool
)

var rolloutStartCmd = &cobra.Command{
	Use:   "start [workload]",
	Short: "Roll out a new version of a workload",
	Long: "Resolve the project's template with overrides, publish or verify the image,\n" +
		"apply it and wait until every replica is ready. A rollout that does not\n" +
		"converge is rolled back to the last successful version.",
	Example: `  roll rollout start --build
  roll rollout start api --image registry.example.com/api:v2 --set replicas=3
  roll rollout start api --no-project --set env.LOG_LEVEL=debug`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRolloutStart,
}

func init() {
	rolloutStartCmd.Flags().StringVarP(&startPath, "path", "p", ".", "project directory holding roll.toml")
	rolloutStartCmd.Flags().StringVarP(&startImage, "image", "i", "", "prebuilt image to roll out (repo[:tag][@digest])")
	rolloutStartCmd.Flags().BoolVarP(&startBuild, "build", "b", false, "build and push the project before rolling out")
	rolloutStartCmd.Flags().StringVarP(&startTag, "tag", "t", "", "tag for the built image (default v<version>)")
	rolloutStartCmd.Flags().StringArrayVar(&startSet, "set", nil, "override a template field (key=value, repeatable)")
	rolloutStartCmd.Flags().BoolVarP(&startDetach, "detach", "d", false, "return once the rollout is accepted (requires --server)")
	rolloutStartCmd.Flags().BoolVar(&startNoProject, "no-project", false, "start from the last successful spec instead of roll.toml")
	rolloutCmd.AddCommand(rolloutStartCmd)
}

func runRolloutStart(cmd *cobra.Command, args []string) {
	if startDetach && !remote() {
		fail("cannot detach", fmt.Errorf("an in-process rollout ends with this command; use --server"))
	}

	req, err := buildStartRequest(args)
	if err != nil {
		fail("invalid rollout", err)
	}

	e := mustEnv()
	defer e.Close()

	b, err := e.backend(os.Stdout)
	if err != nil {
		fail("failed to initialize", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> rolling out %s", req.Workload)))
	fmt.Println()

	id, err := b.StartRollout(context.Background(), req)
	if err != nil {
		fail("failed to start rollout", err)
	}
	fmt.Printf("  %s %s\n", labelStyle.Render("rollout:"), valueStyle.Render(id))

	if startDetach {
		fmt.Println()
		fmt.Println(successStyle.Render("  [done] rollout accepted"))
		fmt.Println(dimStyle.Render(fmt.Sprintf("  follow with: roll rollout status %s --wait", id)))
		return
	}

	rec, err := follow(b, id)
	if err != nil {
		fail("lost track of rollout", err)
	}
	printOutcome(rec)
}

func buildStartRequest(args []string) (rollout.Request, error) {
	var req rollout.Request

	overrides, err := parseOverrides(startSet)
	if err != nil {
		return req, err
	}
	req.Overrides = overrides

	if req.Artifact, err = parseArtifact(startImage); err != nil {
		return req, err
	}

	var tmpl *models.DeploymentTemplate
	projectPath := startPath
	if !startNoProject {
		projectPath, err = utils.ValidateProjectPath(startPath)
		if err != nil {
			return req, err
		}
		tmpl, err = project.LoadIfExists(projectPath)
		if err != nil {
			return req, err
		}
	}
	req.Template = tmpl

	if len(args) > 0 {
		req.Workload = args[0]
	} else if tmpl != nil {
		req.Workload = tmpl.Name
	}
	if req.Workload == "" {
		return req, fmt.Errorf("no workload given and no roll.toml in %s", startPath)
	}

	if startBuild {
		if tmpl == nil {
			return req, fmt.Errorf("--build needs a project with a roll.toml")
		}
		contextDir := projectPath
		// the loader already made it absolute
		if tmpl.Build.Context != "" {
			contextDir = tmpl.Build.Context
		}
		req.Build = &models.BuildRequest{
			ContextDir: contextDir,
			Dockerfile: tmpl.Build.Dockerfile,
			Tag:        startTag,
		}
	}
	return req, nil
}

// follow prints each phase as the rollout enters it and returns the
// terminal record. Interrupting cancels the rollout, and following goes on
// until the cancellation has played out.
func follow(b backend, id string) (models.RolloutRecord, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interrupted := ctx.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seen := 0
	var lastReady string
	for {
		rec, err := b.GetRolloutStatus(context.Background(), id)
		if err != nil {
			return rec, err
		}

		for _, t := range rec.Transitions[min(seen, len(rec.Transitions)):] {
			line := fmt.Sprintf("  --> %s", t.Phase)
			if t.Message != "" {
				line += ": " + t.Message
			}
			fmt.Println(progressStyle.Render(line))
		}
		seen = len(rec.Transitions)

		if ready := rec.Readiness.String(); rec.Phase == models.PhaseVerifying && ready != lastReady {
			fmt.Printf("      %s\n", dimStyle.Render(ready))
			lastReady = ready
		}

		if rec.Terminal() {
			return rec, nil
		}

		select {
		case <-interrupted:
			interrupted = nil
			// a second interrupt kills the process
			stop()
			fmt.Println(infoStyle.Render("  --> cancelling..."))
			if err := b.CancelRollout(context.Background(), id); err != nil {
				fmt.Fprintf(os.Stderr, "%s failed to cancel: %v\n", errorStyle.Render("[error]"), err)
			}
		case <-ticker.C:
		}
	}
}
