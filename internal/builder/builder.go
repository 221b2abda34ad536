package builder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aelpxy/roll/internal/docker"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// Builder builds images on the local engine from a Dockerfile. The built
// image stays in the engine under the requested tag for the registry to
// read.
type Builder struct {
	dockerClient *docker.Client
	output       io.Writer
}

func NewBuilder(dockerClient *docker.Client, output io.Writer) *Builder {
	if output == nil {
		output = io.Discard
	}
	return &Builder{
		dockerClient: dockerClient,
		output:       output,
	}
}

// Build returns the local image reference of the result.
func (b *Builder) Build(ctx context.Context, req models.BuildRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, docker.ImageBuildTimeout)
	defer cancel()

	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if _, err := os.Stat(filepath.Join(req.ContextDir, dockerfile)); err != nil {
		return "", &fault.Error{
			Kind: fault.Validation,
			Op:   "build",
			Help: "add a Dockerfile to the build context or set build.dockerfile",
			Err:  fmt.Errorf("dockerfile not found at %s", filepath.Join(req.ContextDir, dockerfile)),
		}
	}

	buildContext, err := createBuildContext(req.ContextDir)
	if err != nil {
		return "", fault.New(fault.Build, "build", fmt.Errorf("failed to create build context: %w", err))
	}
	defer buildContext.Close()

	buildOptions := types.ImageBuildOptions{
		Tags:        []string{req.Image()},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	}

	buildResponse, err := b.dockerClient.GetClient().ImageBuild(ctx, buildContext, buildOptions)
	if err != nil {
		return "", fault.New(fault.Build, "build", fmt.Errorf("failed to start build: %w", err))
	}
	defer buildResponse.Body.Close()

	if _, err := streamBuildOutput(buildResponse.Body, b.output); err != nil {
		return "", fault.New(fault.Build, "build", err)
	}

	return req.Image(), nil
}

type buildEvent struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Progress    string `json:"progress"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

// streamBuildOutput relays the engine's JSON build stream to output and
// returns the built image ID.
func streamBuildOutput(reader io.Reader, output io.Writer) (string, error) {
	var imageID string
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var event buildEvent
		if err := json.Unmarshal(line, &event); err != nil {
			fmt.Fprintln(output, string(line))
			continue
		}

		if event.Error != "" {
			return "", fmt.Errorf("build error: %s", event.Error)
		}
		if event.ErrorDetail.Message != "" {
			return "", fmt.Errorf("build error: %s", event.ErrorDetail.Message)
		}

		if msg := strings.TrimRight(event.Stream, "\n\r"); msg != "" {
			fmt.Fprintln(output, "  "+msg)
		}
		if event.Status != "" {
			msg := event.Status
			if event.Progress != "" {
				msg = fmt.Sprintf("%s %s", msg, event.Progress)
			}
			fmt.Fprintln(output, "  "+msg)
		}

		if event.Aux.ID != "" {
			imageID = event.Aux.ID
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading build output: %w", err)
	}

	if imageID == "" {
		return "", fmt.Errorf("build completed but no image ID was returned")
	}

	return imageID, nil
}

var defaultExclusions = []string{
	".git",
	"node_modules",
	".env",
	".env.local",
	"*.log",
	".DS_Store",
	"__pycache__",
	"*.pyc",
	"venv",
	".venv",
}

// exclusions merges the defaults with the project's .dockerignore.
func exclusions(contextDir string) []string {
	patterns := append([]string{}, defaultExclusions...)

	content, err := os.ReadFile(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		return patterns
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

func createBuildContext(projectPath string) (io.ReadCloser, error) {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, err
	}

	return archive.TarWithOptions(absPath, &archive.TarOptions{
		ExcludePatterns: exclusions(absPath),
		Compression:     archive.Gzip,
	})
}
