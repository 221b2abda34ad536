package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type RuntimeType string

const (
	RuntimeDocker RuntimeType = "docker"
	RuntimePodman RuntimeType = "podman"
)

// RuntimeInfo describes the local container engine the docker backend and
// the image builder talk to.
type RuntimeInfo struct {
	Type       RuntimeType
	SocketPath string
	Version    string
	IsRootless bool
}

// Detect finds a local engine. An explicit host (from config or DOCKER_HOST)
// only decides which engine to probe for.
func Detect(host string) (*RuntimeInfo, error) {
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	if host != "" {
		if strings.Contains(host, "podman") {
			return detectPodman()
		}
		return detectDocker()
	}

	if info, err := detectDocker(); err == nil {
		return info, nil
	}
	if info, err := detectPodman(); err == nil {
		return info, nil
	}

	return nil, fmt.Errorf("no container runtime detected (tried docker, podman)")
}

func detectDocker() (*RuntimeInfo, error) {
	socketPath := "/var/run/docker.sock"
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("docker socket not found at %s", socketPath)
	}

	return &RuntimeInfo{
		Type:       RuntimeDocker,
		SocketPath: socketPath,
		Version:    engineVersion("docker"),
	}, nil
}

func detectPodman() (*RuntimeInfo, error) {
	rootless := os.Getuid() != 0
	socketPath := PodmanSocketPath()
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("podman socket not found at %s (run: systemctl --user start podman.socket)", socketPath)
	}

	return &RuntimeInfo{
		Type:       RuntimePodman,
		SocketPath: socketPath,
		Version:    engineVersion("podman"),
		IsRootless: rootless,
	}, nil
}

// engineVersion is informational only; a missing CLI is not an error since
// the API socket is all that is needed.
func engineVersion(bin string) string {
	if _, err := exec.LookPath(bin); err != nil {
		return "unknown"
	}
	out, err := exec.Command(bin, "version", "--format", "{{.Server.Version}}").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func (r *RuntimeInfo) SocketURI() string {
	return "unix://" + r.SocketPath
}

func (r *RuntimeInfo) Name() string {
	name := string(r.Type)
	if r.Type == RuntimePodman && r.IsRootless {
		name += " (rootless)"
	}
	return name
}

func PodmanSocketPath() string {
	if uid := os.Getuid(); uid != 0 {
		return fmt.Sprintf("/run/user/%d/podman/podman.sock", uid)
	}
	return "/run/podman/podman.sock"
}
