package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aelpxy/roll/internal/cluster/kubernetes"
	"github.com/aelpxy/roll/internal/config"
	"github.com/aelpxy/roll/internal/runtime"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system health and dependencies",
	Long:  "Verify that the config, rollout store, container runtime and cluster are usable",
	Run:   runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) {
	fmt.Println(titleStyle.Render("==> checking system health"))
	fmt.Println()

	e, ok := checkGlobalConfig()
	if !ok {
		fmt.Println(errorStyle.Render("  [error] configuration is unusable"))
		os.Exit(1)
	}
	defer e.Close()

	allGood := true
	allGood = checkStore(e) && allGood
	allGood = checkRuntime(e) && allGood
	allGood = checkCluster(e) && allGood
	allGood = checkRegistry(e) && allGood

	fmt.Println()
	if allGood {
		fmt.Println(successStyle.Render("  [done] all checks passed"))
		fmt.Println()
		fmt.Println(dimStyle.Render("  roll is ready to roll out workloads"))
	} else {
		fmt.Println(errorStyle.Render("  [error] some checks failed"))
		fmt.Println()
		fmt.Println(dimStyle.Render("  fix the issues above before starting rollouts"))
		os.Exit(1)
	}
}

func checkGlobalConfig() (*env, bool) {
	fmt.Println(labelStyle.Render("  configuration"))

	e, err := loadEnv()
	if err != nil {
		fmt.Printf("    %s config not loaded\n", errorStyle.Render("[✗]"))
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return nil, false
	}

	if _, err := os.Stat(e.path); os.IsNotExist(err) {
		fmt.Printf("    %s %s missing, using defaults\n", errorStyle.Render("[!]"), dimStyle.Render(e.path))
		fmt.Printf("      %s\n", dimStyle.Render("run 'roll config setup' to configure the cluster and registry"))
	} else {
		fmt.Printf("    %s %s\n", successStyle.Render("[✓]"), dimStyle.Render(e.path))
	}

	info, err := os.Stat(e.home)
	switch {
	case os.IsNotExist(err):
		fmt.Printf("    %s %s will be created on first rollout\n", errorStyle.Render("[!]"), dimStyle.Render(e.home))
	case err != nil:
		fmt.Printf("    %s cannot access %s\n", errorStyle.Render("[✗]"), e.home)
		fmt.Println()
		return e, false
	case info.Mode().Perm()&0700 != 0700:
		fmt.Printf("    %s incorrect permissions on %s\n", errorStyle.Render("[!]"), e.home)
		fmt.Printf("      %s\n", dimStyle.Render("run: chmod 700 "+e.home))
	}

	fmt.Println()
	return e, true
}

func checkStore(e *env) bool {
	fmt.Println(labelStyle.Render("  rollout store"))

	st, err := e.openStore()
	if err != nil {
		fmt.Printf("    %s %s store not usable\n", errorStyle.Render("[✗]"), e.cfg.Store.Backend)
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return false
	}

	ctx := context.Background()
	active, err := st.ListActive(ctx)
	if err != nil {
		fmt.Printf("    %s %s unreadable\n", errorStyle.Render("[✗]"), dimStyle.Render(e.cfg.Store.Path))
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return false
	}
	fmt.Printf("    %s %s %s\n", successStyle.Render("[✓]"), valueStyle.Render(string(e.cfg.Store.Backend)), dimStyle.Render(e.cfg.Store.Path))

	if len(active) > 0 {
		fmt.Printf("    %s %d unfinished rollout(s)\n", errorStyle.Render("[!]"), len(active))
		fmt.Printf("      %s\n", dimStyle.Render("finish them with 'roll rollout recover' or by starting 'roll serve'"))
	}

	fmt.Println()
	return true
}

func checkRuntime(e *env) bool {
	fmt.Println(labelStyle.Render("  runtime"))

	// builds need a local engine; rollouts of prebuilt images on
	// kubernetes do not
	required := e.cfg.Cluster.Backend == models.ClusterBackendDocker
	missing := errorStyle.Render("[!]")
	if required {
		missing = errorStyle.Render("[✗]")
	}

	info, err := runtime.Detect(e.cfg.Cluster.DockerHost)
	if err != nil {
		fmt.Printf("    %s runtime not detected\n", missing)
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Printf("      %s\n", dimStyle.Render("install docker or podman to build images"))
		fmt.Println()
		return !required
	}

	fmt.Printf("    %s %s detected\n", successStyle.Render("[✓]"), valueStyle.Render(string(info.Type)))
	fmt.Printf("      %s %s\n", dimStyle.Render("version:"), dimStyle.Render(info.Version))
	fmt.Printf("      %s %s\n", dimStyle.Render("socket:"), dimStyle.Render(info.SocketPath))
	if info.IsRootless {
		fmt.Printf("      %s\n", dimStyle.Render("rootless"))
	}

	dc, err := e.dockerClient()
	if err != nil {
		fmt.Printf("    %s runtime daemon not responding\n", missing)
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return !required
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := dc.GetClient().Ping(ctx); err != nil {
		fmt.Printf("    %s runtime daemon not responding\n", missing)
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return !required
	}

	fmt.Printf("    %s daemon running\n", successStyle.Render("[✓]"))
	fmt.Println()
	return true
}

func checkCluster(e *env) bool {
	fmt.Println(labelStyle.Render("  cluster"))

	if e.cfg.Cluster.Backend == models.ClusterBackendDocker {
		fmt.Printf("    %s %s backend, replicas run on the local engine\n", successStyle.Render("[✓]"), valueStyle.Render("docker"))
		fmt.Println()
		return true
	}

	cs, err := kubernetes.NewClientset(e.cfg.Cluster.Kubeconfig, e.cfg.Cluster.Context)
	if err != nil {
		fmt.Printf("    %s kubeconfig not usable\n", errorStyle.Render("[✗]"))
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return false
	}

	v, err := cs.Discovery().ServerVersion()
	if err != nil {
		fmt.Printf("    %s api server not reachable\n", errorStyle.Render("[✗]"))
		fmt.Printf("      %s\n", dimStyle.Render(err.Error()))
		fmt.Println()
		return false
	}

	fmt.Printf("    %s kubernetes %s\n", successStyle.Render("[✓]"), valueStyle.Render(v.GitVersion))
	if e.cfg.Cluster.Context != "" {
		fmt.Printf("      %s %s\n", dimStyle.Render("context:"), dimStyle.Render(e.cfg.Cluster.Context))
	}
	fmt.Printf("      %s %s\n", dimStyle.Render("namespace:"), dimStyle.Render(e.cfg.Cluster.Namespace))
	fmt.Println()
	return true
}

func checkRegistry(e *env) bool {
	fmt.Println(labelStyle.Render("  registry"))

	if e.cfg.Registry.Prefix == "" {
		fmt.Printf("    %s no repository prefix configured\n", errorStyle.Render("[!]"))
		fmt.Printf("      %s\n", dimStyle.Render("templates must name a full repository"))
	} else {
		fmt.Printf("    %s prefix %s\n", successStyle.Render("[✓]"), valueStyle.Render(e.cfg.Registry.Prefix))
	}

	switch {
	case e.cfg.Registry.Token != "":
		fmt.Printf("    %s token credentials\n", successStyle.Render("[✓]"))
	case e.cfg.Registry.Username != "":
		fmt.Printf("    %s basic credentials for %s\n", successStyle.Render("[✓]"), e.cfg.Registry.Username)
	default:
		fmt.Printf("    %s %s\n", dimStyle.Render("[-]"), dimStyle.Render("using the docker credential helpers"))
	}
	if e.cfg.Registry.Insecure {
		fmt.Printf("    %s insecure registry access enabled\n", errorStyle.Render("[!]"))
	}

	fmt.Printf("    %s publish tried up to %d times, backoff up to %s\n", dimStyle.Render("[-]"), e.cfg.Publish.Attempts, config.Seconds(e.cfg.Publish.MaxBackoff))
	fmt.Println()
	return true
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
