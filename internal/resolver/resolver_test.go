package resolver

import (
	"strings"
	"testing"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

const testDigest = "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"

func baseTemplate() models.DeploymentTemplate {
	return models.DeploymentTemplate{
		Name:       "gkeapp",
		Replicas:   1,
		Image:      models.ImageRef{Repository: "gcr.io/demo/gkeapp", Tag: "v1"},
		Port:       8080,
		HealthPath: "/health",
		Env:        map[string]string{"MODE": "prod"},
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	spec, err := Resolve(baseTemplate(), map[string]string{
		"replicas":     "2",
		"image.digest": testDigest,
		"env.DEBUG":    "1",
		"labels.team":  "web",
		"exposure":     "external",
	})
	require.NoError(t, err)

	assert.Equal(t, "gkeapp", spec.Name)
	assert.Equal(t, 2, spec.Replicas)
	assert.Equal(t, "gcr.io/demo/gkeapp@"+testDigest, spec.Image.String())
	assert.Equal(t, map[string]string{"MODE": "prod", "DEBUG": "1"}, spec.Env)
	assert.Equal(t, map[string]string{"team": "web"}, spec.Labels)
	assert.Equal(t, models.ExposureExternal, spec.Exposure)
	assert.True(t, strings.HasPrefix(spec.Checksum, "sha256:"))
}

func TestResolveIsDeterministic(t *testing.T) {
	overrides := map[string]string{"replicas": "3", "env.A": "1", "env.B": "2", "memory": "1G"}

	first, err := Resolve(baseTemplate(), overrides)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Resolve(baseTemplate(), overrides)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1024, first.Resources.MemoryMB)
}

func TestResolveDoesNotMutateTemplate(t *testing.T) {
	tmpl := baseTemplate()
	_, err := Resolve(tmpl, map[string]string{"env.MODE": "dev"})
	require.NoError(t, err)
	assert.Equal(t, "prod", tmpl.Env["MODE"])
}

func TestResolveExplicitZeroReplicas(t *testing.T) {
	spec, err := Resolve(baseTemplate(), map[string]string{"replicas": "0"})
	require.NoError(t, err)
	assert.Equal(t, 0, spec.Replicas)
}

func TestResolveImageReplacesReference(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.Image.Digest = testDigest

	spec, err := Resolve(tmpl, map[string]string{"image": "gcr.io/demo/other:v2"})
	require.NoError(t, err)
	assert.Equal(t, models.ImageRef{Repository: "gcr.io/demo/other", Tag: "v2"}, spec.Image)
}

func TestResolveRejectsUnknownKey(t *testing.T) {
	_, err := Resolve(baseTemplate(), map[string]string{"replica": "2"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), `unrecognized override key "replica"`)
}

func TestResolveReportsMissingRequiredFields(t *testing.T) {
	_, err := Resolve(models.DeploymentTemplate{Name: "gkeapp"}, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), "image repository is required")
	assert.Contains(t, err.Error(), "port is required")
}

func TestResolveRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"port range":   {"port": "70000"},
		"port type":    {"port": "http"},
		"replicas":     {"replicas": "-1"},
		"exposure":     {"exposure": "public"},
		"digest":       {"image.digest": "sha256:abc"},
		"repository":   {"image.repository": "gcr.io/demo/app:v1"},
		"memory unit":  {"memory": "12T"},
		"health path":  {"health.path": "health"},
		"name":         {"name": "Bad_Name"},
		"image format": {"image": "UPPER/case"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(baseTemplate(), overrides)
			assert.True(t, fault.Is(err, fault.Validation), "got %v", err)
		})
	}
}

func TestResolveExplainsAbbreviatedDigest(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.Image.Digest = "sha256:abc"
	_, err := Resolve(tmpl, nil)
	require.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), DigestFormat)

	_, err = Resolve(baseTemplate(), map[string]string{"image.digest": "sha256:abc"})
	require.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), DigestFormat)
}

func TestWithArtifactPinsDigest(t *testing.T) {
	spec, err := Resolve(baseTemplate(), nil)
	require.NoError(t, err)

	pinned := WithArtifact(spec, models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: testDigest})
	assert.Equal(t, testDigest, pinned.Image.Digest)
	assert.Equal(t, "v1", pinned.Image.Tag)
	assert.NotEqual(t, spec.Checksum, pinned.Checksum)
	assert.Equal(t, Checksum(pinned), pinned.Checksum)
}

func TestChecksumIgnoresVersion(t *testing.T) {
	spec, err := Resolve(baseTemplate(), nil)
	require.NoError(t, err)

	bumped := spec
	bumped.Version = 7
	assert.Equal(t, Checksum(spec), Checksum(bumped))
}

func TestRenderManifest(t *testing.T) {
	spec, err := Resolve(baseTemplate(), map[string]string{"replicas": "2", "cpu": "0.5", "exposure": "external"})
	require.NoError(t, err)
	spec.Namespace = "apps"
	spec.Version = 3

	out, err := RenderManifest(spec)
	require.NoError(t, err)

	docs := strings.Split(string(out), "---\n")
	require.Len(t, docs, 2)

	var dep appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &dep))
	assert.Equal(t, "Deployment", dep.Kind)
	assert.Equal(t, int32(2), *dep.Spec.Replicas)
	assert.Equal(t, "gcr.io/demo/gkeapp:v1", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "/health", dep.Spec.Template.Spec.Containers[0].ReadinessProbe.HTTPGet.Path)
	assert.Equal(t, "3", dep.Annotations[AnnotationVersion])
	assert.Equal(t, "500m", dep.Spec.Template.Spec.Containers[0].Resources.Limits.Cpu().String())

	var svc corev1.Service
	require.NoError(t, yaml.Unmarshal([]byte(docs[1]), &svc))
	assert.Equal(t, corev1.ServiceTypeLoadBalancer, svc.Spec.Type)
	assert.Equal(t, SelectorLabels(spec), svc.Spec.Selector)
}
