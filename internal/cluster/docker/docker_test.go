package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aelpxy/roll/internal/docker"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	name   string
	config *container.Config
	host   *container.HostConfig
	state  string
}

type fakeEngine struct {
	images     map[string]bool
	pulled     []string
	containers map[string]*fakeContainer
	next       int
	startErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{images: map[string]bool{}, containers: map[string]*fakeContainer{}}
}

func (e *fakeEngine) ImageExists(_ context.Context, ref string) (bool, error) {
	return e.images[ref], nil
}

func (e *fakeEngine) PullImage(_ context.Context, ref string, _ io.Writer) error {
	e.pulled = append(e.pulled, ref)
	e.images[ref] = true
	return nil
}

func (e *fakeEngine) ListWorkloadContainers(_ context.Context, workload string) ([]types.Container, error) {
	var out []types.Container
	for id, c := range e.containers {
		if c.config.Labels[docker.LabelWorkload] != workload {
			continue
		}
		out = append(out, types.Container{
			ID:     id,
			Names:  []string{"/" + c.name},
			Labels: c.config.Labels,
			State:  c.state,
		})
	}
	return out, nil
}

func (e *fakeEngine) InspectContainer(_ context.Context, id string) (types.ContainerJSON, error) {
	c := e.containers[id]
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Status: c.state, Running: c.state == "running"},
		},
	}, nil
}

func (e *fakeEngine) CreateContainer(_ context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, name string) (string, error) {
	e.next++
	id := fmt.Sprintf("c%d", e.next)
	e.containers[id] = &fakeContainer{name: name, config: config, host: host, state: "created"}
	return id, nil
}

func (e *fakeEngine) StartContainer(_ context.Context, id string) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.containers[id].state = "running"
	return nil
}

func (e *fakeEngine) StopContainer(_ context.Context, id string) error {
	if c, ok := e.containers[id]; ok {
		c.state = "exited"
	}
	return nil
}

func (e *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	delete(e.containers, id)
	return nil
}

func testSpec(version int) models.DeploymentSpec {
	return models.DeploymentSpec{
		Name:      "gkeapp",
		Namespace: "apps",
		Replicas:  2,
		Image:     models.ImageRef{Repository: "localhost:5000/gkeapp", Tag: "v" + strconv.Itoa(version)},
		Port:      8080,
		Exposure:  models.ExposureExternal,
		Env:       map[string]string{"MODE": "prod"},
		Resources: models.Resources{MemoryMB: 256, CPU: 0.5},
		Version:   version,
	}
}

func TestApplyReplacesReplicas(t *testing.T) {
	engine := newFakeEngine()
	c := NewCluster(engine, log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, testSpec(1)))
	assert.Equal(t, []string{"localhost:5000/gkeapp:v1"}, engine.pulled)
	assert.Len(t, engine.containers, 2)

	status, err := c.Status(ctx, testSpec(1))
	require.NoError(t, err)
	assert.True(t, status.Complete())

	require.NoError(t, c.Apply(ctx, testSpec(2)))
	assert.Len(t, engine.containers, 2)
	for _, cont := range engine.containers {
		assert.Equal(t, "2", cont.config.Labels[docker.LabelVersion])
	}

	status, err = c.Status(ctx, testSpec(1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), status.Outdated)
	assert.False(t, status.Complete())
}

func TestApplyStartFailureCleansUp(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = errors.New("port is already allocated")
	c := NewCluster(engine, log.NewNopLogger())

	err := c.Apply(context.Background(), testSpec(1))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Apply))
	assert.Empty(t, engine.containers)
}

func TestContainerConfig(t *testing.T) {
	config, host := containerConfig(testSpec(3), 2)

	assert.Equal(t, "localhost:5000/gkeapp:v3", config.Image)
	assert.Equal(t, []string{"MODE=prod", "PORT=8080"}, config.Env)
	assert.Equal(t, "true", config.Labels[docker.LabelManaged])
	assert.Equal(t, "apps/gkeapp", config.Labels[docker.LabelWorkload])
	assert.Equal(t, "3", config.Labels[docker.LabelVersion])
	assert.Equal(t, "2", config.Labels[docker.LabelReplica])

	assert.Equal(t, int64(256*1024*1024), host.Resources.Memory)
	assert.Equal(t, int64(5e8), host.Resources.NanoCPUs)
	bindings := host.PortBindings[nat.Port("8080/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "8081", bindings[0].HostPort)

	internal := testSpec(3)
	internal.Exposure = models.ExposureInternal
	_, host = containerConfig(internal, 1)
	assert.Empty(t, host.PortBindings)
}

func TestWorkloadStatus(t *testing.T) {
	spec := testSpec(4)
	status := workloadStatus(spec, []replica{
		{name: "roll-apps-gkeapp-1", version: "4", running: true, health: healthy},
		{name: "roll-apps-gkeapp-2", version: "4", running: true, health: unhealthy},
		{name: "roll-apps-gkeapp-3", version: "3", running: true},
	})

	assert.Equal(t, int32(2), status.Updated)
	assert.Equal(t, int32(1), status.Ready)
	assert.Equal(t, int32(1), status.Outdated)
	assert.Equal(t, []string{"roll-apps-gkeapp-2 is unhealthy"}, status.Messages)
	assert.False(t, status.Complete())

	status = workloadStatus(spec, []replica{
		{name: "roll-apps-gkeapp-1", version: "4", state: "exited", exitCode: 137},
	})
	assert.Equal(t, []string{"roll-apps-gkeapp-1 exited with code 137"}, status.Messages)
}
