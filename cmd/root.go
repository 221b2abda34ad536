package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)
)

var rootCmd = &cobra.Command{
	Use:   "roll",
	Short: "roll - resolve, publish and roll out workloads",
	Long: titleStyle.Render(`
             _ _
   _ __ ___ | | |
  | '__/ _ \| | |
  | | | (_) | | |
  |_|  \___/|_|_|
`) + "\n" + subtitleStyle.Render("rollout orchestrator") + "\n\n" +
		"Resolves deployment templates, publishes images, and rolls them out\n" +
		"to kubernetes or a docker host, rolling back when they fail to converge.",
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	verbose    bool
	serverAddr string
)

func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
	rootCmd.Version = fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] Error: %v", err)))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", os.Getenv("ROLL_SERVER"), "address of a roll server to drive instead of running rollouts in-process")
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s %s: %v\n", errorStyle.Render("[error]"), msg, err)
	var ferr *fault.Error
	if errors.As(err, &ferr) && ferr.Help != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(ferr.Help))
	}
	os.Exit(1)
}
