package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/aelpxy/roll/internal/project"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var (
	publishTag        string
	publishRepository string
)

var publishCmd = &cobra.Command{
	Use:   "publish [path]",
	Short: "Build a project and push its image",
	Long: "Build the project with the local container engine and push it to the\n" +
		"template's repository. Pushing content the registry already has only\n" +
		"moves the tag.",
	Args: cobra.MaximumNArgs(1),
	Run:  runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishTag, "tag", "t", "latest", "tag to push")
	publishCmd.Flags().StringVarP(&publishRepository, "repository", "r", "", "repository to push to (default from roll.toml)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	projectPath, err := utils.ValidateProjectPath(path)
	if err != nil {
		fail("invalid path", err)
	}
	tmpl, err := project.Load(projectPath)
	if err != nil {
		fail("failed to load template", err)
	}

	req := models.BuildRequest{
		ContextDir: projectPath,
		Dockerfile: tmpl.Build.Dockerfile,
		Repository: publishRepository,
		Tag:        publishTag,
	}
	if tmpl.Build.Context != "" {
		req.ContextDir = tmpl.Build.Context
	}
	if req.Repository == "" {
		req.Repository = tmpl.Image.Repository
	}
	if req.Repository == "" {
		fail("nowhere to push", fmt.Errorf("set image.repository in roll.toml or pass --repository"))
	}

	e := mustEnv()
	defer e.Close()

	pub, err := e.publisher(os.Stdout)
	if err != nil {
		fail("failed to initialize", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> publishing %s", tmpl.Name)))
	fmt.Println()
	fmt.Println(progressStyle.Render(fmt.Sprintf("  --> building %s:%s", req.Repository, req.Tag)))

	artifact, err := pub.Publish(context.Background(), req)
	if err != nil {
		fail("failed to publish", err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("  [done] image published"))
	fmt.Printf("    %s %s:%s\n", labelStyle.Render("image:"), valueStyle.Render(artifact.Repository), valueStyle.Render(artifact.Tag))
	fmt.Printf("    %s %s\n", labelStyle.Render("digest:"), valueStyle.Render(artifact.Digest))
	fmt.Println()
	fmt.Println(dimStyle.Render(fmt.Sprintf("  roll out with: roll rollout start --image %s@%s", artifact.Repository, artifact.Digest)))
}
