package docker

import (
	"fmt"
	"os"

	"github.com/aelpxy/roll/internal/runtime"
	"github.com/docker/docker/client"
)

// Labels put on every container roll manages.
const (
	LabelManaged  = "roll.managed"
	LabelWorkload = "roll.workload"
	LabelVersion  = "roll.version"
	LabelReplica  = "roll.replica"
)

type Client struct {
	cli         *client.Client
	runtimeInfo *runtime.RuntimeInfo
}

// NewClient connects to host, or to the detected local engine when host is
// empty and DOCKER_HOST is unset.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	var info *runtime.RuntimeInfo
	switch {
	case host != "":
		opts = append(opts, client.WithHost(host))
	case os.Getenv("DOCKER_HOST") != "":
		// FromEnv already picked it up
	default:
		detected, err := runtime.Detect("")
		if err != nil {
			return nil, fmt.Errorf("failed to detect container runtime: %w\nplease install docker or podman", err)
		}
		info = detected
		opts = append(opts, client.WithHost(info.SocketURI()))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create container runtime client: %w", err)
	}

	return &Client{cli: cli, runtimeInfo: info}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) GetClient() *client.Client {
	return c.cli
}

// GetRuntimeInfo is nil when the client was pointed at an explicit host.
func (c *Client) GetRuntimeInfo() *runtime.RuntimeInfo {
	return c.runtimeInfo
}
