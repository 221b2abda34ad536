package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var rolloutCmd = &cobra.Command{
	Use:     "rollout",
	Aliases: []string{"ro"},
	Short:   "Start, inspect and cancel rollouts",
	Long:    "Roll a workload out to the configured cluster and follow its progress",
}

func init() {
	rootCmd.AddCommand(rolloutCmd)
}

// parseOverrides turns repeated key=value flags into an override map.
func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fault.Newf(fault.Validation, "overrides", "invalid override %q (expected key=value)", pair)
		}
		out[key] = value
	}
	return out, nil
}

// parseArtifact reads an image reference given on the command line.
func parseArtifact(image string) (models.ArtifactRef, error) {
	if image == "" {
		return models.ArtifactRef{}, nil
	}
	ref, err := resolver.ParseImage(image)
	if err != nil {
		return models.ArtifactRef{}, fault.New(fault.Validation, "image", err)
	}
	return models.ArtifactRef{Repository: ref.Repository, Tag: ref.Tag, Digest: ref.Digest}, nil
}

// parseVersion accepts "3" or "v3".
func parseVersion(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "v"))
	if err != nil || n < 1 {
		return 0, fault.Newf(fault.Validation, "version", "invalid version %q", s)
	}
	return n, nil
}

func phaseStyle(phase models.RolloutPhase) string {
	switch phase {
	case models.PhaseSucceeded:
		return successStyle.Render(string(phase))
	case models.PhaseFailed:
		return errorStyle.Render(string(phase))
	case models.PhaseRolledBack, models.PhaseRollingBack:
		return infoStyle.Render(string(phase))
	default:
		return progressStyle.Render(string(phase))
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printRecord(rec models.RolloutRecord, transitions bool) {
	fmt.Printf("  %s %s\n", labelStyle.Render("rollout:"), valueStyle.Render(rec.ID))
	fmt.Printf("  %s %s\n", labelStyle.Render("workload:"), valueStyle.Render(rec.Workload))
	fmt.Printf("  %s %s\n", labelStyle.Render("version:"), valueStyle.Render(fmt.Sprintf("v%d", rec.SpecVersion)))
	fmt.Printf("  %s %s\n", labelStyle.Render("phase:"), phaseStyle(rec.Phase))
	if rec.Artifact.Repository != "" {
		image := rec.Artifact.Repository
		if rec.Artifact.Tag != "" {
			image += ":" + rec.Artifact.Tag
		}
		fmt.Printf("  %s %s %s\n", labelStyle.Render("image:"), valueStyle.Render(image), dimStyle.Render(utils.ShortDigest(rec.Artifact.Digest)))
	}
	fmt.Printf("  %s %s\n", labelStyle.Render("readiness:"), valueStyle.Render(rec.Readiness.String()))
	if rec.PreviousVersion > 0 {
		fmt.Printf("  %s %s\n", labelStyle.Render("previous:"), dimStyle.Render(fmt.Sprintf("v%d", rec.PreviousVersion)))
	}
	if rec.CancelRequested {
		fmt.Printf("  %s %s\n", labelStyle.Render("cancel:"), dimStyle.Render("requested"))
	}
	if rec.Cause != "" {
		fmt.Printf("  %s %s %s\n", labelStyle.Render("cause:"), errorStyle.Render(rec.Cause), dimStyle.Render("("+rec.ErrorKind+")"))
	}
	if rec.RollbackCause != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("rollback:"), errorStyle.Render(rec.RollbackCause))
	}
	for _, msg := range rec.Readiness.Messages {
		fmt.Printf("    %s\n", dimStyle.Render(msg))
	}

	if !transitions || len(rec.Transitions) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(labelStyle.Render("  transitions:"))
	for _, t := range rec.Transitions {
		line := fmt.Sprintf("    %s  %-13s", dimStyle.Render(t.At.Local().Format("15:04:05")), string(t.Phase))
		if t.Message != "" {
			line += "  " + dimStyle.Render(t.Message)
		}
		fmt.Println(line)
	}
}

// printOutcome reports a finished rollout and exits non-zero unless it
// succeeded.
func printOutcome(rec models.RolloutRecord) {
	fmt.Println()
	switch rec.Phase {
	case models.PhaseSucceeded:
		fmt.Println(successStyle.Render(fmt.Sprintf("  [done] %s v%d rolled out (%s)", rec.Workload, rec.SpecVersion, rec.Readiness)))
	case models.PhaseRolledBack:
		fmt.Println(infoStyle.Render(fmt.Sprintf("  [rolled back] %s is back on v%d", rec.Workload, rec.PreviousVersion)))
		fmt.Printf("    %s %s\n", labelStyle.Render("cause:"), errorStyle.Render(rec.Cause))
		fmt.Println()
		fmt.Println(dimStyle.Render(fmt.Sprintf("  inspect with: roll rollout status %s", rec.ID)))
	default:
		fmt.Println(errorStyle.Render(fmt.Sprintf("  [error] rollout of %s failed", rec.Workload)))
		if rec.Cause != "" {
			fmt.Printf("    %s %s\n", labelStyle.Render("cause:"), errorStyle.Render(rec.Cause))
		}
		if rec.RollbackCause != "" {
			fmt.Printf("    %s %s\n", labelStyle.Render("rollback:"), errorStyle.Render(rec.RollbackCause))
		}
	}
	fmt.Println()
	if rec.Phase != models.PhaseSucceeded {
		os.Exit(1)
	}
}
