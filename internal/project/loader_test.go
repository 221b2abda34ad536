package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aelpxy/roll/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "roll.toml", `
name = "gkeapp"
port = 8080

[image]
repository = "gcr.io/demo/gkeapp"
tag = "v1"

[env]
MODE = "prod"

[build]
context = "."
`)

	tmpl, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "gkeapp", tmpl.Name)
	assert.Equal(t, 1, tmpl.Replicas)
	assert.Equal(t, models.ExposureInternal, tmpl.Exposure)
	assert.Equal(t, "/health", tmpl.HealthPath)
	assert.Equal(t, "prod", tmpl.Env["MODE"])
	assert.Equal(t, dir, tmpl.Build.Context)
	assert.Equal(t, "Dockerfile", tmpl.Build.Dockerfile)
}

func TestLoadYAMLKeepsExplicitZeroReplicas(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "roll.yaml", `
name: worker
replicas: 0
port: 9000
exposure: external
image:
  repository: ghcr.io/demo/worker
  tag: latest
`)

	tmpl, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, tmpl.Replicas)
	assert.Equal(t, models.ExposureExternal, tmpl.Exposure)
	assert.Empty(t, tmpl.Build.Context)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "roll.toml", "name = \"a\"\ninstances = 2\n")

	_, err := Load(dir)
	assert.ErrorContains(t, err, "instances")
}

func TestLoadIfExists(t *testing.T) {
	tmpl, err := LoadIfExists(t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, tmpl)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := models.DeploymentTemplate{
		Name:       "gkeapp",
		Replicas:   3,
		Image:      models.ImageRef{Repository: "gcr.io/demo/gkeapp", Tag: "v2"},
		Port:       8080,
		Exposure:   models.ExposureInternal,
		HealthPath: "/ready",
		Env:        map[string]string{"A": "1"},
	}
	require.NoError(t, Save(dir, in))

	out, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}
