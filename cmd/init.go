package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aelpxy/roll/internal/builder"
	"github.com/aelpxy/roll/internal/config"
	"github.com/aelpxy/roll/internal/project"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/spf13/cobra"
)

var (
	initFull       bool
	initName       string
	initRepository string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new roll project",
	Long:  "Create a roll.toml deployment template in the current directory",
	Run:   runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	if path, err := project.Find("."); err == nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %s already exists", filepath.Base(path))))
		fmt.Println(dimStyle.Render("  edit it to configure your rollouts"))
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("==> initializing roll project"))
	fmt.Println()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] failed to get current directory: %v", err)))
		os.Exit(1)
	}

	language := builder.DetectLanguage(cwd)
	port := builder.GetDefaultPort(language)

	name := initName
	if name == "" {
		name = strings.ToLower(filepath.Base(cwd))
	}
	if err := utils.ValidateName(name); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %q is not a usable workload name: %v", name, err)))
		fmt.Println(dimStyle.Render("  pick one with: roll init --name <name>"))
		os.Exit(1)
	}

	repository := initRepository
	if repository == "" {
		repository = name
		if cm, err := config.NewConfigManager(); err == nil && cm.GetConfig().Registry.Prefix != "" {
			repository = strings.TrimSuffix(cm.GetConfig().Registry.Prefix, "/") + "/" + name
		}
	}

	fmt.Println(progressStyle.Render("  --> detecting project..."))
	fmt.Printf("    %s %s\n", dimStyle.Render("language:"), valueStyle.Render(language))
	fmt.Printf("    %s %s\n", dimStyle.Render("default port:"), valueStyle.Render(fmt.Sprintf("%d", port)))
	fmt.Printf("    %s %s\n", dimStyle.Render("workload:"), valueStyle.Render(name))
	fmt.Printf("    %s %s\n", dimStyle.Render("repository:"), valueStyle.Render(repository))
	if !builder.HasDockerfile(cwd) {
		fmt.Printf("    %s %s\n", dimStyle.Render("dockerfile:"), infoStyle.Render("missing, add one before 'roll publish'"))
	}
	fmt.Println()

	var template string
	if initFull {
		fmt.Println(progressStyle.Render("  --> creating full template..."))
		template = generateFullTemplate(name, repository, port)
	} else {
		fmt.Println(progressStyle.Render("  --> creating minimal template..."))
		template = generateMinimalTemplate(name, repository, port)
	}

	path := filepath.Join(cwd, project.TemplateFiles[0])
	if err := os.WriteFile(path, []byte(template), 0644); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] failed to write roll.toml: %v", err)))
		os.Exit(1)
	}
	if _, err := project.LoadFile(path); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] generated roll.toml does not load: %v", err)))
		os.Exit(1)
	}

	fmt.Println(successStyle.Render("  [done] roll.toml created"))
	fmt.Println()
	fmt.Println(labelStyle.Render("  next steps:"))
	fmt.Printf("    %s\n", dimStyle.Render("1. review and customize roll.toml"))
	fmt.Printf("    %s\n", dimStyle.Render("2. check the resolved spec with: roll resolve"))
	fmt.Printf("    %s\n", dimStyle.Render("3. roll it out with: roll rollout start --build"))
	fmt.Println()
}

func generateMinimalTemplate(name, repository string, port int) string {
	return fmt.Sprintf(`# roll.toml - deployment template

name = "%s"
replicas = 1
port = %d

[image]
repository = "%s"
tag = "latest"

[build]
context = "."
`, name, port, repository)
}

func generateFullTemplate(name, repository string, port int) string {
	return fmt.Sprintf(`# roll.toml - deployment template
# every field can be overridden per rollout with --set key=value

name = "%s"
namespace = ""             # empty uses the cluster's default namespace
replicas = 2
port = %d
exposure = "internal"      # internal or external
health_path = "/health"

[image]
repository = "%s"
tag = "latest"             # replaced by the published digest at rollout time

[build]
context = "."
dockerfile = "Dockerfile"

[resources]
memory_mb = 512
cpu = 0.5

[env]
LOG_LEVEL = "info"

# [labels]
# team = "platform"
`, name, port, repository)
}

func init() {
	initCmd.Flags().BoolVar(&initFull, "full", false, "generate a template with every field")
	initCmd.Flags().StringVarP(&initName, "name", "n", "", "workload name (default: directory name)")
	initCmd.Flags().StringVarP(&initRepository, "repository", "r", "", "image repository (default: registry prefix + name)")
	rootCmd.AddCommand(initCmd)
}
