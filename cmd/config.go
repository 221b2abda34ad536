package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aelpxy/roll/internal/config"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manage roll configuration",
	Long:  "manage global roll configuration settings",
}

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "configure the cluster and registry",
	Long:  "interactive setup for the deployment target and image registry",
	Run: func(cmd *cobra.Command, args []string) {
		configManager, err := config.NewConfigManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to load config: %v\n", errorStyle.Render("[error]"), err)
			os.Exit(1)
		}
		cfg := configManager.GetConfig()
		reader := bufio.NewReader(os.Stdin)

		ask := func(prompt, current string) string {
			if current != "" {
				fmt.Printf("  %s %s: ", prompt, dimStyle.Render("["+current+"]"))
			} else {
				fmt.Printf("  %s: ", prompt)
			}
			input, _ := reader.ReadString('\n')
			input = strings.TrimSpace(input)
			if input == "" {
				return current
			}
			return input
		}

		fmt.Println()
		fmt.Println(titleStyle.Render("==> roll configuration"))
		fmt.Println()
		fmt.Println("  " + dimStyle.Render("press enter to keep the value in brackets"))
		fmt.Println()

		fmt.Println("  deployment target")
		fmt.Println("  " + dimStyle.Render("kubernetes uses your kubeconfig, docker runs replicas as local containers"))
		backend := ask("cluster backend (kubernetes/docker)", string(cfg.Cluster.Backend))
		switch models.ClusterBackend(backend) {
		case models.ClusterBackendKubernetes:
			cfg.Cluster.Backend = models.ClusterBackendKubernetes
			cfg.Cluster.Context = ask("kube context", cfg.Cluster.Context)
			cfg.Cluster.Namespace = ask("namespace", cfg.Cluster.Namespace)
		case models.ClusterBackendDocker:
			cfg.Cluster.Backend = models.ClusterBackendDocker
			cfg.Cluster.DockerHost = ask("docker host (empty to detect)", cfg.Cluster.DockerHost)
		default:
			fmt.Fprintf(os.Stderr, "%s unknown backend %q\n", errorStyle.Render("[error]"), backend)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("  image registry")
		fmt.Println("  " + dimStyle.Render("credentials are used for pushes and digest lookups"))
		cfg.Registry.Prefix = ask("repository prefix (e.g. ghcr.io/acme)", cfg.Registry.Prefix)
		cfg.Registry.Username = ask("username", cfg.Registry.Username)
		if cfg.Registry.Username != "" {
			cfg.Registry.Password = ask("password or token", cfg.Registry.Password)
		}

		if err := configManager.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to save config: %v\n", errorStyle.Render("[error]"), err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println(successStyle.Render("  [done]") + " configuration saved to " + dimStyle.Render(configManager.Path()))
		fmt.Println()
		fmt.Println("  " + dimStyle.Render("check it with: roll doctor"))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "display current configuration",
	Long:  "show current roll configuration settings",
	Run: func(cmd *cobra.Command, args []string) {
		configManager, err := config.NewConfigManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to load config: %v\n", errorStyle.Render("[error]"), err)
			os.Exit(1)
		}

		cfg := configManager.GetConfig()
		field := func(label, value string) {
			if value == "" {
				value = dimStyle.Render("-")
			} else {
				value = infoStyle.Render(value)
			}
			fmt.Printf("    %s %s\n", label+":", value)
		}

		fmt.Println()
		fmt.Println(titleStyle.Render("==> roll configuration"))
		fmt.Println("  " + dimStyle.Render(configManager.Path()))
		fmt.Println()

		fmt.Println("  " + labelStyle.Render("cluster:"))
		field("backend", string(cfg.Cluster.Backend))
		if cfg.Cluster.Backend == models.ClusterBackendDocker {
			field("docker host", cfg.Cluster.DockerHost)
		} else {
			field("kubeconfig", cfg.Cluster.Kubeconfig)
			field("context", cfg.Cluster.Context)
			field("namespace", cfg.Cluster.Namespace)
		}
		fmt.Println()

		fmt.Println("  " + labelStyle.Render("registry:"))
		field("prefix", cfg.Registry.Prefix)
		field("username", cfg.Registry.Username)
		if cfg.Registry.Password != "" {
			field("password", utils.MaskSensitive(cfg.Registry.Password, 2))
		}
		if cfg.Registry.Token != "" {
			field("token", utils.MaskSensitive(cfg.Registry.Token, 4))
		}
		if cfg.Registry.Insecure {
			field("insecure", "true")
		}
		fmt.Println()

		fmt.Println("  " + labelStyle.Render("rollout:"))
		field("poll interval", fmt.Sprintf("%ds", cfg.Rollout.PollInterval))
		field("max polls", fmt.Sprintf("%d", cfg.Rollout.MaxPolls))
		field("verify timeout", fmt.Sprintf("%ds", cfg.Rollout.VerifyTimeout))
		field("timeout", fmt.Sprintf("%ds", cfg.Rollout.Timeout))
		field("publish attempts", fmt.Sprintf("%d", cfg.Publish.Attempts))
		fmt.Println()

		fmt.Println("  " + labelStyle.Render("store:"))
		field("backend", string(cfg.Store.Backend))
		field("path", cfg.Store.Path)
		fmt.Println()

		fmt.Println("  " + labelStyle.Render("server:"))
		field("listen", cfg.Server.Listen)
		field("log", cfg.Log.Level+" "+cfg.Log.Format)
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configShowCmd)
}
