package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aelpxy/roll/internal/cluster"
	"github.com/aelpxy/roll/internal/docker"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Engine is the subset of the engine client the backend drives.
type Engine interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string, progress io.Writer) error
	ListWorkloadContainers(ctx context.Context, workload string) ([]types.Container, error)
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	CreateContainer(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkConfig *network.NetworkingConfig, name string) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

var _ Engine = (*docker.Client)(nil)

// Cluster runs each replica as a labelled container on a single engine.
// A new spec replaces every replica at once.
type Cluster struct {
	engine Engine
	logger log.Logger
}

var _ cluster.Cluster = (*Cluster)(nil)

func NewCluster(engine Engine, logger log.Logger) *Cluster {
	return &Cluster{
		engine: engine,
		logger: log.With(logger, "component", "docker"),
	}
}

func containerName(spec models.DeploymentSpec, replica int) string {
	return fmt.Sprintf("roll-%s-%d", strings.ReplaceAll(spec.Workload(), "/", "-"), replica)
}

func (c *Cluster) Apply(ctx context.Context, spec models.DeploymentSpec) error {
	image := spec.Image.String()

	present, err := c.engine.ImageExists(ctx, image)
	if err != nil {
		return fault.New(fault.Apply, "apply", err)
	}
	if !present {
		level.Info(c.logger).Log("msg", "pulling image", "image", image)
		if err := c.engine.PullImage(ctx, image, nil); err != nil {
			return &fault.Error{Kind: fault.Apply, Op: "apply", Help: "check the engine can reach the registry", Err: err}
		}
	}

	existing, err := c.engine.ListWorkloadContainers(ctx, spec.Workload())
	if err != nil {
		return fault.New(fault.Apply, "apply", err)
	}
	for _, cont := range existing {
		if err := c.engine.StopContainer(ctx, cont.ID); err != nil {
			level.Warn(c.logger).Log("msg", "failed to stop container", "container", shortID(cont.ID), "err", err)
		}
		if err := c.engine.RemoveContainer(ctx, cont.ID); err != nil {
			return fault.New(fault.Apply, "apply", err)
		}
	}

	created := make([]string, 0, spec.Replicas)
	for i := 1; i <= spec.Replicas; i++ {
		id, err := c.createReplica(ctx, spec, i)
		if err != nil {
			c.cleanup(ctx, created)
			return fault.New(fault.Apply, "apply", fmt.Errorf("failed to create replica %d: %w", i, err))
		}
		created = append(created, id)
	}

	level.Debug(c.logger).Log("msg", "replicas started", "workload", spec.Workload(), "count", len(created))
	return nil
}

func containerConfig(spec models.DeploymentSpec, replica int) (*container.Config, *container.HostConfig) {
	labels := make(map[string]string, len(spec.Labels)+4)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[docker.LabelManaged] = "true"
	labels[docker.LabelWorkload] = spec.Workload()
	labels[docker.LabelVersion] = strconv.Itoa(spec.Version)
	labels[docker.LabelReplica] = strconv.Itoa(replica)

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "PORT="+strconv.Itoa(spec.Port))
	sort.Strings(env)

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	config := &container.Config{
		Image:        spec.Image.String(),
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			Memory:   int64(spec.Resources.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
		},
	}

	// replicas publish on consecutive host ports starting at the app port
	if spec.Exposure == models.ExposureExternal {
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.Port + replica - 1),
			}},
		}
	}

	return config, hostConfig
}

func (c *Cluster) createReplica(ctx context.Context, spec models.DeploymentSpec, replica int) (string, error) {
	config, hostConfig := containerConfig(spec, replica)

	id, err := c.engine.CreateContainer(ctx, config, hostConfig, nil, containerName(spec, replica))
	if err != nil {
		return "", err
	}
	if err := c.engine.StartContainer(ctx, id); err != nil {
		c.engine.RemoveContainer(ctx, id)
		return "", err
	}
	return id, nil
}

func (c *Cluster) cleanup(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := c.engine.RemoveContainer(ctx, id); err != nil {
			level.Warn(c.logger).Log("msg", "cleanup failed", "container", shortID(id), "err", err)
		}
	}
}

const (
	healthy   = "healthy"
	unhealthy = "unhealthy"
)

type replica struct {
	name     string
	version  string
	running  bool
	health   string
	restarts int
	exitCode int
	state    string
}

func (c *Cluster) Status(ctx context.Context, spec models.DeploymentSpec) (models.WorkloadStatus, error) {
	containers, err := c.engine.ListWorkloadContainers(ctx, spec.Workload())
	if err != nil {
		return models.WorkloadStatus{}, err
	}

	replicas := make([]replica, 0, len(containers))
	for _, cont := range containers {
		r := replica{
			version: cont.Labels[docker.LabelVersion],
			state:   cont.State,
			running: cont.State == "running",
		}
		if len(cont.Names) > 0 {
			r.name = strings.TrimPrefix(cont.Names[0], "/")
		}

		inspect, err := c.engine.InspectContainer(ctx, cont.ID)
		if err != nil {
			return models.WorkloadStatus{}, err
		}
		if inspect.ContainerJSONBase == nil {
			replicas = append(replicas, r)
			continue
		}
		r.restarts = inspect.RestartCount
		if inspect.State != nil {
			r.running = inspect.State.Running && !inspect.State.Restarting
			r.exitCode = inspect.State.ExitCode
			if inspect.State.Health != nil {
				r.health = inspect.State.Health.Status
			}
		}
		replicas = append(replicas, r)
	}

	return workloadStatus(spec, replicas), nil
}

// workloadStatus counts replicas of spec's version. A replica is ready when
// it runs and either has no health check or reports healthy.
func workloadStatus(spec models.DeploymentSpec, replicas []replica) models.WorkloadStatus {
	status := models.WorkloadStatus{Desired: int32(spec.Replicas)}
	want := strconv.Itoa(spec.Version)

	for _, r := range replicas {
		if r.version != want {
			status.Outdated++
			continue
		}
		status.Updated++

		ready := r.running && (r.health == "" || r.health == healthy)
		if ready {
			status.Ready++
			status.Available++
		}

		switch {
		case r.health == unhealthy:
			status.Messages = append(status.Messages, fmt.Sprintf("%s is unhealthy", r.name))
		case !r.running && r.state == "exited":
			status.Messages = append(status.Messages, fmt.Sprintf("%s exited with code %d", r.name, r.exitCode))
		case r.restarts > 0 && !ready:
			status.Messages = append(status.Messages, fmt.Sprintf("%s restarted %d times", r.name, r.restarts))
		}
	}
	return status
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
