package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiapps "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta_v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func testSpec(replicas int, tag string) models.DeploymentSpec {
	return models.DeploymentSpec{
		Name:       "gkeapp",
		Namespace:  "apps",
		Replicas:   replicas,
		Image:      models.ImageRef{Repository: "gcr.io/demo/gkeapp", Tag: tag},
		Port:       8080,
		Exposure:   models.ExposureInternal,
		HealthPath: "/health",
		Version:    1,
	}
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewCluster(client, "default", log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, testSpec(1, "v1")))

	dep, err := client.AppsV1().Deployments("apps").Get(ctx, "gkeapp", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, "gcr.io/demo/gkeapp:v1", dep.Spec.Template.Spec.Containers[0].Image)

	svc, err := client.CoreV1().Services("apps").Get(ctx, "gkeapp", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, apiv1.ServiceTypeClusterIP, svc.Spec.Type)

	next := testSpec(2, "v2")
	next.Version = 2
	next.Exposure = models.ExposureExternal
	require.NoError(t, c.Apply(ctx, next))

	dep, err = client.AppsV1().Deployments("apps").Get(ctx, "gkeapp", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), *dep.Spec.Replicas)
	assert.Equal(t, "gcr.io/demo/gkeapp:v2", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "2", dep.Annotations[resolver.AnnotationVersion])

	svc, err = client.CoreV1().Services("apps").Get(ctx, "gkeapp", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, apiv1.ServiceTypeLoadBalancer, svc.Spec.Type)
}

func TestApplyUsesDefaultNamespace(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewCluster(client, "staging", log.NewNopLogger())

	spec := testSpec(1, "v1")
	spec.Namespace = ""
	require.NoError(t, c.Apply(context.Background(), spec))

	_, err := client.AppsV1().Deployments("staging").Get(context.Background(), "gkeapp", meta_v1.GetOptions{})
	assert.NoError(t, err)
}

func TestApplyRejected(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "gkeapp", errors.New("rbac"))
	})
	c := NewCluster(client, "default", log.NewNopLogger())

	err := c.Apply(context.Background(), testSpec(1, "v1"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Apply))
}

func TestStatus(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewCluster(client, "default", log.NewNopLogger())
	ctx := context.Background()
	spec := testSpec(2, "v1")
	require.NoError(t, c.Apply(ctx, spec))

	status, err := c.Status(ctx, spec)
	require.NoError(t, err)
	assert.False(t, status.Complete())
	assert.Equal(t, "0/2 ready", status.String())

	dep, err := client.AppsV1().Deployments("apps").Get(ctx, "gkeapp", meta_v1.GetOptions{})
	require.NoError(t, err)
	dep.Status = apiapps.DeploymentStatus{
		Replicas:          2,
		UpdatedReplicas:   2,
		ReadyReplicas:     2,
		AvailableReplicas: 2,
	}
	_, err = client.AppsV1().Deployments("apps").UpdateStatus(ctx, dep, meta_v1.UpdateOptions{})
	require.NoError(t, err)

	status, err = c.Status(ctx, spec)
	require.NoError(t, err)
	assert.True(t, status.Complete())
	assert.Equal(t, "2/2 ready", status.String())
}

func TestDeploymentStatus(t *testing.T) {
	replicas := int32(3)
	dep := &apiapps.Deployment{
		ObjectMeta: meta_v1.ObjectMeta{Generation: 4},
		Spec:       apiapps.DeploymentSpec{Replicas: &replicas},
		Status: apiapps.DeploymentStatus{
			ObservedGeneration: 3,
			Replicas:           4,
			UpdatedReplicas:    3,
			ReadyReplicas:      3,
			AvailableReplicas:  3,
			Conditions: []apiapps.DeploymentCondition{
				{Type: apiapps.DeploymentProgressing, Status: apiv1.ConditionFalse, Message: "progress deadline exceeded"},
				{Type: apiapps.DeploymentAvailable, Status: apiv1.ConditionTrue, Message: "fine"},
			},
		},
	}

	status := deploymentStatus(dep)
	assert.True(t, status.Stale)
	assert.Equal(t, int32(1), status.Outdated)
	assert.Equal(t, []string{"progress deadline exceeded"}, status.Messages)
	assert.False(t, status.Complete())
}
