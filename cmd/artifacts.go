package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/aelpxy/roll/internal/utils"
	"github.com/spf13/cobra"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List images published through roll",
	Args:  cobra.NoArgs,
	Run:   runArtifacts,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
}

func runArtifacts(cmd *cobra.Command, args []string) {
	e := mustEnv()
	defer e.Close()

	r, err := e.reader()
	if err != nil {
		fail("failed to initialize", err)
	}
	artifacts, err := r.ListArtifacts(context.Background())
	if err != nil {
		fail("failed to list artifacts", err)
	}

	fmt.Println(titleStyle.Render("==> published artifacts"))
	fmt.Println()
	if len(artifacts) == 0 {
		fmt.Println(dimStyle.Render("  nothing published yet"))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "  REPOSITORY\tTAG\tDIGEST\tPUSHED")
	for _, a := range artifacts {
		tag := a.Tag
		if tag == "" {
			tag = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.Repository, tag, utils.ShortDigest(a.Digest), formatAge(a.PushedAt))
	}
	w.Flush()
}
