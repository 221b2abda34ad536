package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aelpxy/roll/internal/project"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resolveSet      []string
	resolveManifest bool
	resolveImage    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [path]",
	Short: "Resolve a project's template without rolling it out",
	Long: "Merge overrides into roll.toml, validate the result and print the\n" +
		"deployment spec, or the kubernetes manifest it renders to.",
	Example: `  roll resolve --set replicas=3 --set env.MODE=prod
  roll resolve ./api --manifest --image registry.example.com/api@sha256:...`,
	Args: cobra.MaximumNArgs(1),
	Run:  runResolve,
}

func init() {
	resolveCmd.Flags().StringArrayVar(&resolveSet, "set", nil, "override a template field (key=value, repeatable)")
	resolveCmd.Flags().BoolVarP(&resolveManifest, "manifest", "m", false, "print the rendered kubernetes manifest")
	resolveCmd.Flags().StringVarP(&resolveImage, "image", "i", "", "pin the spec to this image")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) {
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
	overrides, err := parseOverrides(resolveSet)
	if err != nil {
		fail("invalid overrides", err)
	}

	spec, err := resolver.Resolve(*tmpl, overrides)
	if err != nil {
		fail("failed to resolve", err)
	}

	if resolveImage != "" {
		artifact, err := parseArtifact(resolveImage)
		if err != nil {
			fail("invalid image", err)
		}
		spec = resolver.WithArtifact(spec, artifact)
	}

	if resolveManifest {
		data, err := resolver.RenderManifest(spec)
		if err != nil {
			fail("failed to render manifest", err)
		}
		os.Stdout.Write(data)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(spec); err != nil {
		fail("failed to encode spec", err)
	}
	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("checksum %s", utils.ShortDigest(spec.Checksum))))
}
